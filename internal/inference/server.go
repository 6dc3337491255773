package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

const defaultMaxImageBytes = 10 << 20 // 10MB

// ServerConfig tunes the inference HTTP service.
type ServerConfig struct {
	MaxImageBytes int64
	Logger        *slog.Logger
}

// NewServer exposes a backend as the inference service:
//
//	GET  /health       liveness
//	GET  /v1/model     model version and classes
//	POST /v1/classify  raw image body -> Prediction
func NewServer(b Backend, cfg ServerConfig) http.Handler {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = defaultMaxImageBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(b))
	r.Get("/v1/model", handleModelInfo(b))
	r.Post("/v1/classify", handleClassify(b, cfg))
	return r
}

func handleHealth(b Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !b.IsRunning(r.Context()) {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "model not ready")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleModelInfo(b Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := b.ModelInfo(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func handleClassify(b Backend, cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxImageBytes)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "image exceeds %d bytes", cfg.MaxImageBytes)
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		if len(body) == 0 {
			writeError(w, http.StatusUnprocessableEntity, "unsupported_image", "empty image")
			return
		}

		p, err := b.Classify(r.Context(), body, r.Header.Get("Content-Type"))
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, p)
		case errors.Is(err, ErrUnsupportedImage):
			writeError(w, http.StatusUnprocessableEntity, "unsupported_image", "%v", err)
		case errors.Is(err, ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, "timeout", "%v", err)
		default:
			cfg.Logger.Error("classification failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
