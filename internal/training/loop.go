// Package training records human-confirmed labels for submitted images.
// Samples are append-only; the most recent sample for a submission wins
// when reading. Nothing here retrains a model.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/fruitlens/internal/inference"
	"github.com/kalambet/fruitlens/internal/metrics"
	"github.com/kalambet/fruitlens/internal/storage"
)

var (
	// ErrInvalidLabel means the label is empty or outside the vocabulary.
	ErrInvalidLabel = errors.New("invalid label")
	// ErrSubmissionNotFound means no submission has the given id.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrInvalidState means the submission is still being processed.
	ErrInvalidState = errors.New("invalid submission state")
)

// JobCorpusExport is the job type that copies a sample into the training corpus.
const JobCorpusExport = "corpus_export"

// ExportPayload is the payload of a corpus_export job.
type ExportPayload struct {
	SampleID string `json:"sample_id"`
}

// Store is the subset of the metadata store the loop needs.
type Store interface {
	AppendTrainingSample(sample storage.TrainingSample, jobs ...storage.Job) error
	StageTrainingSample(sample storage.TrainingSample, jobs ...storage.Job) error
	LatestTrainingSample(submissionID string) (storage.TrainingSample, error)
	TrainingSamplesFor(submissionID string) ([]storage.TrainingSample, error)
	ListTrainingSamples(limit, offset int) ([]storage.TrainingSample, error)
}

// Options tunes a Loop. The zero value enqueues no export jobs.
type Options struct {
	// Export enqueues a corpus_export job with every sample.
	Export  bool
	Metrics *metrics.Metrics
}

// Loop appends confirmed labels to the store.
type Loop struct {
	store   Store
	vocab   *inference.Vocabulary
	export  bool
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewLoop creates a Loop. A nil vocab uses the default fruit labels.
func NewLoop(store Store, vocab *inference.Vocabulary, opts Options) *Loop {
	if vocab == nil {
		vocab = inference.NewVocabulary(nil)
	}
	return &Loop{
		store:   store,
		vocab:   vocab,
		export:  opts.Export,
		metrics: opts.Metrics,
		logger:  slog.Default().With("component", "training"),
		now:     time.Now,
	}
}

// NormalizeLabel cleans label and checks it against the vocabulary.
func (l *Loop) NormalizeLabel(label string) (string, error) {
	clean, ok := l.vocab.Normalize(label)
	if !ok {
		if clean == "" {
			return "", fmt.Errorf("%w: label is empty", ErrInvalidLabel)
		}
		return "", fmt.Errorf("%w: %q is not a known fruit", ErrInvalidLabel, clean)
	}
	return clean, nil
}

// ConfirmLabel appends a training sample for a submission in a terminal
// status. Earlier samples are kept.
func (l *Loop) ConfirmLabel(ctx context.Context, submissionID, label string) (storage.TrainingSample, error) {
	return l.add(ctx, submissionID, label, l.store.AppendTrainingSample)
}

// Stage records the label of a pending train submission and moves it to
// training-sample. Either both happen or neither does.
func (l *Loop) Stage(ctx context.Context, submissionID, label string) (storage.TrainingSample, error) {
	return l.add(ctx, submissionID, label, l.store.StageTrainingSample)
}

func (l *Loop) add(ctx context.Context, submissionID, label string, write func(storage.TrainingSample, ...storage.Job) error) (storage.TrainingSample, error) {
	if err := ctx.Err(); err != nil {
		return storage.TrainingSample{}, err
	}
	clean, err := l.NormalizeLabel(label)
	if err != nil {
		return storage.TrainingSample{}, err
	}

	sample := storage.TrainingSample{
		ID:             uuid.New().String(),
		SubmissionID:   submissionID,
		ConfirmedLabel: clean,
		AddedAt:        l.now().UTC(),
	}

	var jobs []storage.Job
	if l.export {
		payload, err := json.Marshal(ExportPayload{SampleID: sample.ID})
		if err != nil {
			return storage.TrainingSample{}, fmt.Errorf("encoding export payload: %w", err)
		}
		jobs = append(jobs, storage.Job{
			ID:          uuid.New().String(),
			Type:        JobCorpusExport,
			PayloadJSON: string(payload),
		})
	}

	if err := write(sample, jobs...); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return storage.TrainingSample{}, fmt.Errorf("%w: %s", ErrSubmissionNotFound, submissionID)
		case errors.Is(err, storage.ErrStatusConflict):
			return storage.TrainingSample{}, fmt.Errorf("%w: %w", ErrInvalidState, err)
		}
		return storage.TrainingSample{}, fmt.Errorf("appending training sample: %w", err)
	}

	l.metrics.RecordTrainingSample()
	l.logger.Info("training sample added",
		"submission_id", submissionID,
		"sample_id", sample.ID,
		"label", clean)
	return sample, nil
}

// Latest returns the most recent sample for a submission. It wraps
// storage.ErrNotFound when there is none.
func (l *Loop) Latest(submissionID string) (storage.TrainingSample, error) {
	s, err := l.store.LatestTrainingSample(submissionID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.TrainingSample{}, fmt.Errorf("no training sample for %s: %w", submissionID, err)
	}
	return s, err
}

// History returns every sample for a submission, newest first.
func (l *Loop) History(submissionID string) ([]storage.TrainingSample, error) {
	return l.store.TrainingSamplesFor(submissionID)
}

// List pages through all samples, newest first.
func (l *Loop) List(limit, offset int) ([]storage.TrainingSample, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.ListTrainingSamples(limit, offset)
}
