package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fruitlens/internal/pipeline"
	"github.com/kalambet/fruitlens/internal/storage"
)

const maxRequestBodySize = 64 << 10 // 64KB

// SubmitRequest is the JSON form of an upload. Image is a data URI
// ("data:image/jpeg;base64,...") or bare base64.
type SubmitRequest struct {
	Image   string `json:"image"`
	Purpose string `json:"purpose"`
	Label   string `json:"label"`
}

// LabelRequest confirms the label of a submission.
type LabelRequest struct {
	Label string `json:"label"`
}

// StatusResponse summarises the store.
type StatusResponse struct {
	Pending         bool                   `json:"pending"`
	Submissions     map[storage.Status]int `json:"submissions"`
	TrainingSamples int                    `json:"training_samples"`
	Jobs            map[string]int         `json:"jobs"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeOutcomeError(w, pipeline.Outcome{}, err)
}

// uploadBodyLimit leaves room for base64 and multipart framing around an
// image of maxImage bytes.
func uploadBodyLimit(maxImage int64) int64 {
	return maxImage/3*4 + 1<<20
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, uploadBodyLimit(deps.MaxImageBytes))
		defer r.Body.Close()

		req, img, err := readUpload(r, deps.MaxImageBytes)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid upload: %v", err)
			return
		}

		purpose, err := storage.ParsePurpose(req.Purpose)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		out, err := deps.Pipeline.Submit(r.Context(), img, purpose, req.Label)
		if err != nil {
			writeOutcomeError(w, out, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// readUpload accepts either a multipart form with an "image" file field or
// a JSON SubmitRequest.
func readUpload(r *http.Request, maxImage int64) (SubmitRequest, []byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			return SubmitRequest{}, nil, err
		}
		defer r.MultipartForm.RemoveAll()

		file, _, err := r.FormFile("image")
		if err != nil {
			return SubmitRequest{}, nil, fmt.Errorf("image field: %w", err)
		}
		defer file.Close()

		// one byte over the limit is enough for the pipeline to reject it
		img, err := io.ReadAll(io.LimitReader(file, maxImage+1))
		if err != nil {
			return SubmitRequest{}, nil, fmt.Errorf("reading image: %w", err)
		}
		return SubmitRequest{Purpose: r.FormValue("purpose"), Label: r.FormValue("label")}, img, nil
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return SubmitRequest{}, nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Image == "" {
		return SubmitRequest{}, nil, errors.New("image is required")
	}
	img, err := decodeDataURI(req.Image)
	if err != nil {
		return SubmitRequest{}, nil, err
	}
	return req, img, nil
}

func decodeDataURI(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, errors.New("malformed data URI")
		}
		if !strings.HasSuffix(s[:comma], ";base64") {
			return nil, errors.New("data URI must be base64 encoded")
		}
		s = s[comma+1:]
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	return b, nil
}

func handleListSubmissions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		var status storage.Status
		if s := r.URL.Query().Get("status"); s != "" {
			st, err := storage.ParseStatus(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			status = st
		}

		subs, err := deps.Store.ListSubmissions(status, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list submissions: %v", err)
			return
		}
		if subs == nil {
			subs = []storage.Submission{}
		}
		writeJSON(w, http.StatusOK, subs)
	}
}

// handleGetResult answers 200 for any existing submission; a failed one
// carries its status and last_error in the body.
func handleGetResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := deps.Pipeline.GetResult(r.Context(), chi.URLParam(r, "id"))
		if err != nil && !errors.Is(err, pipeline.ErrInferenceUnavailable) {
			writeOutcomeError(w, out, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := deps.Store.GetSubmission(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "submission not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get submission: %v", err)
			return
		}

		w.Header().Set("Content-Type", sub.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(sub.Payload)))
		w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
		w.Write(sub.Payload)
	}
}

func handleRetry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := deps.Pipeline.Retry(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeOutcomeError(w, out, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteSubmission(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteSubmission(chi.URLParam(r, "id")); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleConfirmLabel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req LabelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		sample, err := deps.Training.ConfirmLabel(r.Context(), chi.URLParam(r, "id"), req.Label)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sample)
	}
}

func handleLabelHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetSubmission(id); err != nil {
			writeDomainError(w, err)
			return
		}

		samples, err := deps.Training.History(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list labels: %v", err)
			return
		}
		if samples == nil {
			samples = []storage.TrainingSample{}
		}
		writeJSON(w, http.StatusOK, samples)
	}
}

func handleListSamples(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		samples, err := deps.Training.List(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list samples: %v", err)
			return
		}
		if samples == nil {
			samples = []storage.TrainingSample{}
		}
		writeJSON(w, http.StatusOK, samples)
	}
}

func handleDefine(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := deps.Dictionary.Define(r.Context(), chi.URLParam(r, "term"))
		if err != nil {
			if entry.Term == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":      errorBody("definition_unavailable", err.Error()),
				"definition": entry,
			})
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountByStatus()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count submissions: %v", err)
			return
		}
		samples, err := deps.Store.CountTrainingSamples()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count samples: %v", err)
			return
		}
		jobs, err := deps.Store.CountJobs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, StatusResponse{
			Pending:         counts[storage.StatusPending] > 0,
			Submissions:     counts,
			TrainingSamples: samples,
			Jobs:            jobs,
		})
	}
}
