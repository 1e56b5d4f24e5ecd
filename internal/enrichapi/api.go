// Package enrichapi exposes the enrichment submission, poll and analyze endpoints.
package enrichapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/certguard/internal/enrichment"
	"github.com/linnemanlabs/certguard/internal/triage"
)

const maxBodyBytes = 1 << 20

// EnrichmentService defines the business operations enrichapi needs.
type EnrichmentService interface {
	ProcessBatch(ctx context.Context, subs []enrichment.Submission) ([]enrichment.BatchOutcome, error)
	Results(ctx context.Context, submitterID string) (*enrichment.List, error)
}

// Option configures an API.
type Option func(*API)

// WithWriteMiddleware wraps the mutating and cost-bearing routes (submit, analyze).
func WithWriteMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(a *API) { a.writeMW = append(a.writeMW, mw...) }
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      EnrichmentService
	analyzer triage.Analyzer
	writeMW  []func(http.Handler) http.Handler
}

// New creates a new API handler. analyzer may be nil, which disables /analyze.
func New(logger log.Logger, svc EnrichmentService, analyzer triage.Analyzer, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("enrichment service is required"))
	}
	a := &API{
		logger:   logger,
		svc:      svc,
		analyzer: analyzer,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/enrichments/{submitterId}", a.handleGetEnrichments)
		r.Group(func(r chi.Router) {
			r.Use(a.writeMW...)
			r.Post("/enrichments", a.handleSubmit)
			if a.analyzer != nil {
				r.Post("/analyze", a.handleAnalyze)
			}
		})
	})
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}
