package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/fruitlens/internal/inference"
	"github.com/kalambet/fruitlens/internal/pipeline"
	"github.com/kalambet/fruitlens/internal/storage"
	"github.com/kalambet/fruitlens/internal/training"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": errorBody(errType, fmt.Sprintf(format, args...)),
	})
}

func errorBody(errType, msg string) map[string]any {
	return map[string]any{
		"message": msg,
		"type":    errType,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

// statusFor maps a domain error to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidImage), errors.Is(err, training.ErrInvalidLabel):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, pipeline.ErrSubmissionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, pipeline.ErrInvalidState), errors.Is(err, storage.ErrSubmissionInUse):
		return http.StatusConflict, "conflict"
	case errors.Is(err, inference.ErrUnsupportedImage):
		return http.StatusUnprocessableEntity, "unsupported_image"
	case errors.Is(err, pipeline.ErrInferenceUnavailable):
		return http.StatusServiceUnavailable, "inference_unavailable"
	}
	return http.StatusInternalServerError, "api_error"
}

// writeOutcomeError reports a failed pipeline call. When the submission was
// persisted it is included so the caller can retry it later.
func writeOutcomeError(w http.ResponseWriter, out pipeline.Outcome, err error) {
	code, errType := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	body := map[string]any{"error": errorBody(errType, err.Error())}
	if out.Submission.ID != "" {
		body["submission"] = out.Submission
	}
	writeJSON(w, code, body)
}
