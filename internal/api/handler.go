// Package api exposes the pipeline over a JSON HTTP API and an MCP server.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/fruitlens/internal/dictionary"
	"github.com/kalambet/fruitlens/internal/pipeline"
	"github.com/kalambet/fruitlens/internal/storage"
	"github.com/kalambet/fruitlens/internal/training"
)

// Definer looks up a fruit definition.
type Definer interface {
	Define(ctx context.Context, term string) (dictionary.Entry, error)
}

// Deps holds what the HTTP handlers need.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Training   *training.Loop
	Store      *storage.Store
	Dictionary Definer
	Token      string
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer      prometheus.Gatherer
	MaxImageBytes int64
}

// NewHandler returns the caller-facing API. Everything except /health and
// /metrics requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxImageBytes <= 0 {
		deps.MaxImageBytes = pipeline.DefaultMaxImageBytes
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/submissions", handleSubmit(deps))
		r.Get("/submissions", handleListSubmissions(deps))
		r.Get("/submissions/{id}", handleGetResult(deps))
		r.Get("/submissions/{id}/image", handleGetImage(deps))
		r.Post("/submissions/{id}/retry", handleRetry(deps))
		r.Delete("/submissions/{id}", handleDeleteSubmission(deps))
		r.Post("/submissions/{id}/labels", handleConfirmLabel(deps))
		r.Get("/submissions/{id}/labels", handleLabelHistory(deps))
		r.Get("/samples", handleListSamples(deps))
		r.Get("/definitions/{term}", handleDefine(deps))
		r.Get("/status", handleStatus(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
