package inference

import (
	"context"
	"fmt"
	"io"
)

const (
	BackendHTTP = "http"
	BackendONNX = "onnx"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend        string
	BaseURL        string
	ModelPath      string
	MetadataPath   string
	RuntimeLibrary string
}

// Detect builds the configured backend. An ONNX model that fails to load is
// returned as ErrModelLoad and must stop startup.
func Detect(cfg DetectConfig) (Backend, error) {
	switch cfg.Backend {
	case "", BackendHTTP:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("inference base URL is required for the http backend")
		}
		return NewHTTPClient(cfg.BaseURL), nil
	case BackendONNX:
		c, err := NewONNXClassifier(ONNXConfig{
			ModelPath:      cfg.ModelPath,
			MetadataPath:   cfg.MetadataPath,
			RuntimeLibrary: cfg.RuntimeLibrary,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
	}
}

// EnsureReady checks that the backend answers and reports the model version.
// Model classes outside the vocabulary are listed as warnings since they can
// never produce a stored result. An unreachable backend returns ErrUnavailable;
// callers may keep serving and let classify requests fail.
func EnsureReady(ctx context.Context, b Backend, vocab *Vocabulary, w io.Writer) (ModelInfo, error) {
	if !b.IsRunning(ctx) {
		return ModelInfo{}, fmt.Errorf("%w: inference service is not running", ErrUnavailable)
	}

	info, err := b.ModelInfo(ctx)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("reading model info: %w", err)
	}
	fmt.Fprintf(w, "model %s: ready (%d classes)\n", info.Version, len(info.Classes))

	if vocab != nil {
		for _, c := range info.Classes {
			if _, ok := vocab.Normalize(c); !ok {
				fmt.Fprintf(w, "  warning: class %q is not in the label vocabulary\n", c)
			}
		}
	}
	return info, nil
}
