// Package corpus copies confirmed training samples into a training corpus
// laid out as <label>/<sample id>.<ext>, on local disk or in S3.
package corpus

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Item is one labelled image ready for the corpus.
type Item struct {
	SampleID     string
	SubmissionID string
	Label        string
	ContentType  string
	Image        []byte
	AddedAt      time.Time

	// Set when the submission was classified before it was labelled.
	PredictedLabel string
	Confidence     float64
	ModelVersion   string
}

// Record is the metadata written next to every exported image.
type Record struct {
	SampleID       string    `json:"sample_id"`
	SubmissionID   string    `json:"submission_id"`
	Label          string    `json:"label"`
	ContentType    string    `json:"content_type"`
	AddedAt        time.Time `json:"added_at"`
	URI            string    `json:"uri"`
	PredictedLabel string    `json:"predicted_label,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	ModelVersion   string    `json:"model_version,omitempty"`
}

// Sink stores corpus items and returns where each one landed.
type Sink interface {
	Put(ctx context.Context, it Item) (uri string, err error)
	Name() string
}

func (it Item) record(uri string) Record {
	return Record{
		SampleID:       it.SampleID,
		SubmissionID:   it.SubmissionID,
		Label:          it.Label,
		ContentType:    it.ContentType,
		AddedAt:        it.AddedAt.UTC(),
		URI:            uri,
		PredictedLabel: it.PredictedLabel,
		Confidence:     it.Confidence,
		ModelVersion:   it.ModelVersion,
	}
}

// validate rejects items whose label or id would escape the label directory.
func (it Item) validate() error {
	for name, v := range map[string]string{"label": it.Label, "sample id": it.SampleID} {
		if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
			return fmt.Errorf("invalid %s %q", name, v)
		}
	}
	if len(it.Image) == 0 {
		return fmt.Errorf("sample %s has no image", it.SampleID)
	}
	return nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	}
	return ".bin"
}
