// Package pipeline ingests fruit photos: it validates and persists each
// submission, runs inference for classify requests, attaches a dictionary
// definition, and hands training requests to the feedback loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/fruitlens/internal/dictionary"
	"github.com/kalambet/fruitlens/internal/inference"
	"github.com/kalambet/fruitlens/internal/metrics"
	"github.com/kalambet/fruitlens/internal/storage"
	"github.com/kalambet/fruitlens/internal/training"
)

var (
	// ErrInvalidImage means the payload is empty, too large or not a
	// supported image. Nothing is persisted.
	ErrInvalidImage = errors.New("invalid image")
	// ErrInferenceUnavailable means classification did not complete. The
	// submission is kept with status failed.
	ErrInferenceUnavailable = errors.New("inference unavailable")

	ErrSubmissionNotFound = training.ErrSubmissionNotFound
	ErrInvalidState       = training.ErrInvalidState
)

const expiredReason = "inference timed out"

// Store is the subset of the metadata store the pipeline needs.
type Store interface {
	CreateSubmission(sub storage.Submission) error
	GetSubmission(id string) (storage.Submission, error)
	UpdateSubmissionStatus(id string, from, to storage.Status, lastError string) error
	ReopenSubmission(id string, from storage.Status, at time.Time) error
	CompleteClassification(r storage.ClassificationResult) error
	GetClassification(submissionID string) (storage.ClassificationResult, error)
	LatestTrainingSample(submissionID string) (storage.TrainingSample, error)
	FailPendingBefore(cutoff time.Time, reason string) ([]string, error)
}

// Definer looks up the definition of a fruit name.
type Definer interface {
	Define(ctx context.Context, term string) (dictionary.Entry, error)
}

// Config holds pipeline limits and optional collaborators.
type Config struct {
	MaxImageBytes    int64
	InferenceTimeout time.Duration
	// DefinitionWait is how long Submit waits for the dictionary before
	// answering without a definition.
	DefinitionWait time.Duration
	// LookupTimeout bounds a background dictionary lookup.
	LookupTimeout time.Duration
	// MinConfidence below which a result is reported as uncertain.
	MinConfidence float64

	Vocabulary *inference.Vocabulary
	Metrics    *metrics.Metrics
}

// Outcome is what a caller learns about a submission.
type Outcome struct {
	Submission   storage.Submission            `json:"submission"`
	Result       *storage.ClassificationResult `json:"result,omitempty"`
	Definition   *dictionary.Entry             `json:"definition,omitempty"`
	LatestSample *storage.TrainingSample       `json:"latest_sample,omitempty"`
	// Degraded is set when the definition could not be attached.
	Degraded bool `json:"degraded"`
	// Uncertain is set when confidence is below the configured minimum.
	Uncertain bool `json:"uncertain"`
}

// Pipeline runs submissions through validation, inference and enrichment.
type Pipeline struct {
	store      Store
	classifier inference.Classifier
	definer    Definer
	loop       *training.Loop
	cfg        Config
	vocab      *inference.Vocabulary
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	lookups sync.WaitGroup
}

// New creates a Pipeline. definer may be nil, in which case every classified
// outcome is degraded.
func New(store Store, classifier inference.Classifier, definer Definer, loop *training.Loop, cfg Config) *Pipeline {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 30 * time.Second
	}
	if cfg.DefinitionWait <= 0 {
		cfg.DefinitionWait = 2 * time.Second
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 15 * time.Second
	}
	vocab := cfg.Vocabulary
	if vocab == nil {
		vocab = inference.NewVocabulary(nil)
	}
	return &Pipeline{
		store:      store,
		classifier: classifier,
		definer:    definer,
		loop:       loop,
		cfg:        cfg,
		vocab:      vocab,
		metrics:    cfg.Metrics,
		logger:     slog.Default().With("component", "pipeline"),
		now:        time.Now,
	}
}

// Validate checks an image against the configured size limit.
func (p *Pipeline) Validate(image []byte) (string, error) {
	return Validate(image, p.cfg.MaxImageBytes)
}

// Submit ingests one image. For classify it returns once the submission is
// classified or failed; a failure returns the outcome together with an error
// wrapping ErrInferenceUnavailable. For train it stores the image and the
// confirmed label.
func (p *Pipeline) Submit(ctx context.Context, image []byte, purpose storage.Purpose, confirmedLabel string) (Outcome, error) {
	contentType, err := p.Validate(image)
	if err != nil {
		return Outcome{}, err
	}

	var label string
	switch purpose {
	case "", storage.PurposeClassify:
		purpose = storage.PurposeClassify
	case storage.PurposeTrain:
		if p.loop == nil {
			return Outcome{}, errors.New("training is not configured")
		}
		if label, err = p.loop.NormalizeLabel(confirmedLabel); err != nil {
			return Outcome{}, err
		}
	default:
		return Outcome{}, fmt.Errorf("unknown purpose %q", purpose)
	}

	sub := storage.Submission{
		ID:          uuid.New().String(),
		Payload:     image,
		ContentType: contentType,
		SubmittedAt: p.now().UTC(),
		Purpose:     purpose,
		Status:      storage.StatusPending,
	}
	if err := p.store.CreateSubmission(sub); err != nil {
		return Outcome{}, fmt.Errorf("storing submission: %w", err)
	}
	p.logger.Info("submission received",
		"submission_id", sub.ID,
		"purpose", purpose,
		"bytes", len(image),
		"content_type", contentType)

	if purpose == storage.PurposeTrain {
		return p.stageTraining(ctx, sub, label)
	}
	return p.classify(ctx, sub)
}

// stageTraining moves a train submission to training-sample and appends its
// label in one store transaction. It runs to completion even if the caller
// goes away. On failure the submission is marked failed so it never lingers
// as pending or as a training-sample without a sample.
func (p *Pipeline) stageTraining(ctx context.Context, sub storage.Submission, label string) (Outcome, error) {
	sample, err := p.loop.Stage(context.WithoutCancel(ctx), sub.ID, label)
	if err != nil {
		reason := fmt.Sprintf("staging training sample: %v", err)
		if ferr := p.store.UpdateSubmissionStatus(sub.ID, storage.StatusPending, storage.StatusFailed, reason); ferr == nil {
			sub.Status = storage.StatusFailed
			sub.LastError = reason
		}
		p.logger.Error("staging training sample failed", "submission_id", sub.ID, "error", err)
		return Outcome{Submission: withoutPayload(sub)}, fmt.Errorf("staging training submission: %w", err)
	}
	sub.Status = storage.StatusTrainingSample
	p.metrics.RecordSubmission(string(sub.Purpose), string(sub.Status))
	return Outcome{Submission: withoutPayload(sub), LatestSample: &sample}, nil
}

// classify runs inference on a pending submission and records the result.
func (p *Pipeline) classify(ctx context.Context, sub storage.Submission) (Outcome, error) {
	inferCtx, cancel := context.WithTimeout(ctx, p.cfg.InferenceTimeout)
	start := time.Now()
	pred, err := p.classifier.Classify(inferCtx, sub.Payload, sub.ContentType)
	if err != nil && errors.Is(inferCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, inference.ErrTimeout) {
		err = fmt.Errorf("%w: %w", inference.ErrTimeout, err)
	}
	cancel()
	elapsed := time.Since(start)

	var label string
	if err == nil {
		label, err = p.checkPrediction(pred)
	}
	if err != nil {
		p.metrics.RecordInference(inferenceOutcome(err), elapsed)
		return p.fail(sub, err)
	}
	p.metrics.RecordInference("ok", elapsed)

	result := storage.ClassificationResult{
		SubmissionID: sub.ID,
		Label:        label,
		Confidence:   pred.Confidence,
		ModelVersion: pred.ModelVersion,
		CreatedAt:    p.now().UTC(),
	}
	if err := p.store.CompleteClassification(result); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			// expired or changed while inference ran
			current, getErr := p.store.GetSubmission(sub.ID)
			if getErr == nil {
				sub = current
			}
			return Outcome{Submission: withoutPayload(sub)}, fmt.Errorf("%w: %w", ErrInferenceUnavailable, err)
		}
		return p.fail(sub, fmt.Errorf("storing classification: %w", err))
	}
	sub.Status = storage.StatusClassified
	p.metrics.RecordSubmission(string(sub.Purpose), string(sub.Status))
	p.logger.Info("submission classified",
		"submission_id", sub.ID,
		"label", result.Label,
		"confidence", result.Confidence,
		"model_version", result.ModelVersion,
		"duration_ms", elapsed.Milliseconds())

	out := Outcome{Submission: withoutPayload(sub), Result: &result}
	p.enrich(ctx, &out)
	return out, nil
}

// checkPrediction normalises the label and checks both fields.
func (p *Pipeline) checkPrediction(pred inference.Prediction) (string, error) {
	if pred.Confidence < 0 || pred.Confidence > 1 {
		return "", fmt.Errorf("%w: confidence %v out of range", inference.ErrUnavailable, pred.Confidence)
	}
	label, ok := p.vocab.Normalize(pred.Label)
	if !ok {
		return "", fmt.Errorf("%w: label %q is not in the vocabulary", inference.ErrUnavailable, pred.Label)
	}
	return label, nil
}

func inferenceOutcome(err error) string {
	switch {
	case errors.Is(err, inference.ErrTimeout):
		return "timeout"
	case errors.Is(err, inference.ErrUnsupportedImage):
		return "unsupported"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

// fail marks a pending submission failed. The store update does not depend
// on ctx, so a cancelled caller still leaves a failed record behind.
func (p *Pipeline) fail(sub storage.Submission, cause error) (Outcome, error) {
	reason := cause.Error()
	if err := p.store.UpdateSubmissionStatus(sub.ID, storage.StatusPending, storage.StatusFailed, reason); err != nil {
		p.logger.Error("marking submission failed", "submission_id", sub.ID, "error", err)
	} else {
		sub.Status = storage.StatusFailed
		sub.LastError = reason
	}
	p.metrics.RecordSubmission(string(sub.Purpose), string(storage.StatusFailed))
	p.logger.Warn("classification failed", "submission_id", sub.ID, "error", cause)
	return Outcome{Submission: withoutPayload(sub)}, fmt.Errorf("%w: %w", ErrInferenceUnavailable, cause)
}

// enrich attaches a definition to a classified outcome, or marks it
// uncertain or degraded.
func (p *Pipeline) enrich(ctx context.Context, out *Outcome) {
	if out.Result.Confidence < p.cfg.MinConfidence {
		out.Uncertain = true
		return
	}
	entry, ok := p.lookup(ctx, out.Result.Label)
	if !ok {
		out.Degraded = true
		return
	}
	out.Definition = &entry
}

type lookupResult struct {
	entry dictionary.Entry
	err   error
}

// lookup resolves term in a goroutine detached from ctx and waits up to
// DefinitionWait for it. A late answer still lands in the dictionary cache.
func (p *Pipeline) lookup(ctx context.Context, term string) (dictionary.Entry, bool) {
	if p.definer == nil {
		return dictionary.Entry{}, false
	}

	done := make(chan lookupResult, 1)
	p.lookups.Add(1)
	go func() {
		defer p.lookups.Done()
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.LookupTimeout)
		defer cancel()
		e, err := p.definer.Define(lctx, term)
		done <- lookupResult{entry: e, err: err}
	}()

	timer := time.NewTimer(p.cfg.DefinitionWait)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			p.logger.Warn("definition unavailable", "term", term, "error", r.err)
			return dictionary.Entry{}, false
		}
		return r.entry, true
	case <-timer.C:
		p.logger.Warn("definition lookup still running, answering without it", "term", term)
		return dictionary.Entry{}, false
	case <-ctx.Done():
		return dictionary.Entry{}, false
	}
}

// Wait blocks until background dictionary lookups have finished.
func (p *Pipeline) Wait() {
	p.lookups.Wait()
}

// GetResult reports the current state of a submission. A failed submission
// is returned together with an error wrapping ErrInferenceUnavailable.
func (p *Pipeline) GetResult(ctx context.Context, id string) (Outcome, error) {
	sub, err := p.store.GetSubmission(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("loading submission: %w", err)
	}
	out := Outcome{Submission: withoutPayload(sub)}

	sample, err := p.store.LatestTrainingSample(id)
	switch {
	case err == nil:
		out.LatestSample = &sample
	case !errors.Is(err, storage.ErrNotFound):
		return out, fmt.Errorf("loading training sample: %w", err)
	}

	switch sub.Status {
	case storage.StatusClassified:
		result, err := p.store.GetClassification(id)
		if err != nil {
			return out, fmt.Errorf("loading classification: %w", err)
		}
		out.Result = &result
		p.enrich(ctx, &out)
	case storage.StatusFailed:
		return out, fmt.Errorf("%w: %s", ErrInferenceUnavailable, sub.LastError)
	}
	return out, nil
}

// Retry re-runs inference for a failed classify submission using its stored
// image.
func (p *Pipeline) Retry(ctx context.Context, id string) (Outcome, error) {
	sub, err := p.store.GetSubmission(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("loading submission: %w", err)
	}
	if sub.Purpose != storage.PurposeClassify || sub.Status != storage.StatusFailed {
		return Outcome{Submission: withoutPayload(sub)},
			fmt.Errorf("%w: only failed classify submissions can be retried (purpose %s, status %s)",
				ErrInvalidState, sub.Purpose, sub.Status)
	}

	if err := p.store.ReopenSubmission(id, storage.StatusFailed, p.now().UTC()); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return Outcome{Submission: withoutPayload(sub)}, fmt.Errorf("%w: %w", ErrInvalidState, err)
		}
		return Outcome{}, fmt.Errorf("resetting submission: %w", err)
	}
	sub.Status = storage.StatusPending
	sub.LastError = ""
	p.logger.Info("retrying classification", "submission_id", id)
	return p.classify(ctx, sub)
}

// ExpireStale fails every submission that has been pending longer than
// olderThan, such as those interrupted by a crash. It returns how many were
// expired.
func (p *Pipeline) ExpireStale(olderThan time.Duration) (int, error) {
	ids, err := p.store.FailPendingBefore(p.now().Add(-olderThan), expiredReason)
	if err != nil {
		return 0, fmt.Errorf("expiring pending submissions: %w", err)
	}
	for _, id := range ids {
		p.logger.Warn("expired pending submission", "submission_id", id)
	}
	return len(ids), nil
}

func withoutPayload(sub storage.Submission) storage.Submission {
	sub.Payload = nil
	return sub
}
