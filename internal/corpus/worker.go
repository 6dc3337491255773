package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/fruitlens/internal/metrics"
	"github.com/kalambet/fruitlens/internal/storage"
	"github.com/kalambet/fruitlens/internal/training"
)

// JobStore abstracts the job queue and the records an export reads.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetTrainingSample(id string) (storage.TrainingSample, error)
	GetSubmission(id string) (storage.Submission, error)
	GetClassification(submissionID string) (storage.ClassificationResult, error)
	GetExport(sampleID string) (storage.CorpusExport, error)
	RecordExport(e storage.CorpusExport) error
}

// Worker processes corpus_export jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	sink    Sink
	poll    time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, sink Sink, pollInterval time.Duration, m *metrics.Metrics) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		sink:    sink,
		poll:    pollInterval,
		metrics: m,
		logger:  slog.Default().With("component", "corpus", "sink", sink.Name()),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single corpus_export job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{training.JobCorpusExport})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("export failed", "job_id", job.ID, "attempt", job.Attempts, "error", err)
		w.metrics.RecordExport(w.sink.Name(), "error")
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload training.ExportPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	if prev, err := w.store.GetExport(payload.SampleID); err == nil {
		w.logger.Debug("sample already exported", "sample_id", payload.SampleID, "uri", prev.URI)
		w.metrics.RecordExport(w.sink.Name(), "skipped")
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("checking export of %s: %w", payload.SampleID, err)
	}

	sample, err := w.store.GetTrainingSample(payload.SampleID)
	if err != nil {
		return fmt.Errorf("loading sample %s: %w", payload.SampleID, err)
	}
	sub, err := w.store.GetSubmission(sample.SubmissionID)
	if err != nil {
		return fmt.Errorf("loading submission %s: %w", sample.SubmissionID, err)
	}

	item := Item{
		SampleID:     sample.ID,
		SubmissionID: sub.ID,
		Label:        sample.ConfirmedLabel,
		ContentType:  sub.ContentType,
		Image:        sub.Payload,
		AddedAt:      sample.AddedAt,
	}
	if res, err := w.store.GetClassification(sub.ID); err == nil {
		item.PredictedLabel = res.Label
		item.Confidence = res.Confidence
		item.ModelVersion = res.ModelVersion
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading classification of %s: %w", sub.ID, err)
	}

	uri, err := w.sink.Put(ctx, item)
	if err != nil {
		return err
	}

	if err := w.store.RecordExport(storage.CorpusExport{
		SampleID:   sample.ID,
		URI:        uri,
		ExportedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("recording export: %w", err)
	}

	w.metrics.RecordExport(w.sink.Name(), "ok")
	w.logger.Info("sample exported", "sample_id", sample.ID, "label", sample.ConfirmedLabel, "uri", uri)
	return nil
}
