// Package inference classifies fruit images. It provides the client side of
// the inference service boundary, a local ONNX backend, and an HTTP server
// exposing any backend as the inference service.
package inference

import (
	"context"
	"errors"
)

var (
	// ErrModelLoad means the model could not be loaded. It is fatal at startup.
	ErrModelLoad = errors.New("model load failed")

	// ErrUnsupportedImage means the service rejected the image itself.
	ErrUnsupportedImage = errors.New("unsupported image")

	// ErrTimeout means the call exceeded its time budget.
	ErrTimeout = errors.New("inference timed out")

	// ErrUnavailable means the service could not be reached or failed.
	ErrUnavailable = errors.New("inference service unavailable")
)

// Prediction is the answer for one image. Confidence is a probability in
// [0,1]; no thresholding is applied.
type Prediction struct {
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

// ModelInfo describes the model behind a backend.
type ModelInfo struct {
	Version string   `json:"version"`
	Classes []string `json:"classes"`
}

// Classifier runs a trained model on one image. Every call is independent.
type Classifier interface {
	Classify(ctx context.Context, image []byte, contentType string) (Prediction, error)
}

// Backend is a Classifier that can also report readiness and model details.
type Backend interface {
	Classifier
	IsRunning(ctx context.Context) bool
	ModelInfo(ctx context.Context) (ModelInfo, error)
	Close() error
}
