package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned when a status transition is attempted from
	// a status that does not allow it.
	ErrStatusConflict = errors.New("status conflict")

	// ErrSubmissionInUse is returned when deleting a submission that backs at
	// least one training sample.
	ErrSubmissionInUse = errors.New("submission backs a training sample")
)

// Purpose decides whether a submission is classified or staged for training.
type Purpose string

const (
	PurposeClassify Purpose = "classify"
	PurposeTrain    Purpose = "train"
)

// ParsePurpose converts s into a Purpose. The empty string means classify.
func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(s) {
	case "", PurposeClassify:
		return PurposeClassify, nil
	case PurposeTrain:
		return PurposeTrain, nil
	}
	return "", fmt.Errorf("unknown purpose %q", s)
}

// Status is the processing state of a submission.
type Status string

const (
	StatusPending        Status = "pending"
	StatusClassified     Status = "classified"
	StatusFailed         Status = "failed"
	StatusTrainingSample Status = "training-sample"
)

// Terminal reports whether no further automatic processing happens in s.
func (s Status) Terminal() bool {
	switch s {
	case StatusClassified, StatusFailed, StatusTrainingSample:
		return true
	}
	return false
}

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusClassified, StatusFailed, StatusTrainingSample:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Submission is one uploaded image and its processing state. Payload is only
// populated by GetSubmission.
type Submission struct {
	ID          string    `json:"id"`
	Payload     []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	SubmittedAt time.Time `json:"submitted_at"`
	Purpose     Purpose   `json:"purpose"`
	Status      Status    `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
}

// ClassificationResult is the immutable output of the inference service for a
// classified submission.
type ClassificationResult struct {
	SubmissionID string    `json:"submission_id"`
	Label        string    `json:"label"`
	Confidence   float64   `json:"confidence"`
	ModelVersion string    `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
}

// TrainingSample is a human-confirmed label for a submission. Samples are
// append-only; the latest one for a submission wins at read time.
type TrainingSample struct {
	ID             string    `json:"id"`
	SubmissionID   string    `json:"submission_id"`
	ConfirmedLabel string    `json:"confirmed_label"`
	AddedAt        time.Time `json:"added_at"`
}

// CorpusExport records where a training sample was written in the corpus.
type CorpusExport struct {
	SampleID   string    `json:"sample_id"`
	URI        string    `json:"uri"`
	ExportedAt time.Time `json:"exported_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
