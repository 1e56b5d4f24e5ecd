package enrichapi

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/certguard/internal/enrichment"
)

type submitOutcome struct {
	Index         int                      `json:"index"`
	SubmitterID   string                   `json:"submitterId,omitempty"`
	Accepted      bool                     `json:"accepted"`
	ID            string                   `json:"id,omitempty"`
	Identifier    string                   `json:"identifier,omitempty"`
	MappingSource enrichment.MappingSource `json:"mappingSource,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

type submitResponse struct {
	Success  bool            `json:"success"`
	Accepted int             `json:"accepted"`
	Rejected int             `json:"rejected"`
	Results  []submitOutcome `json:"results"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	p, err := decodePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(p.elements) == 0 {
		writeError(w, http.StatusBadRequest, "no results in payload")
		return
	}

	outs, err := a.svc.ProcessBatch(ctx, p.submissions())
	if err != nil {
		a.logger.Error(ctx, err, "failed to process enrichment batch", "elements", len(p.elements))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := submitResponse{Results: make([]submitOutcome, len(outs))}
	for i, o := range outs {
		so := submitOutcome{Index: o.Index, SubmitterID: o.SubmitterID}
		switch {
		case o.Err != nil:
			so.Error = publicError(o.Err)
			resp.Rejected++
		case o.Record != nil:
			so.Accepted = true
			so.ID = o.Record.ID
			so.Identifier = o.Record.Identifier
			so.MappingSource = o.Record.MappingSource
			resp.Accepted++
		}
		resp.Results[i] = so
	}
	resp.Success = resp.Accepted > 0

	span.SetAttributes(
		attribute.Int("certguard.enrich.elements", len(outs)),
		attribute.Int("certguard.enrich.accepted", resp.Accepted),
	)

	status := http.StatusAccepted
	if !resp.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func publicError(err error) string {
	switch {
	case errors.Is(err, enrichment.ErrMissingSubmitter):
		return "missing submitterId"
	case errors.Is(err, enrichment.ErrEmptyURL):
		return "missing url"
	case errors.Is(err, enrichment.ErrMalformed):
		return "malformed element"
	}
	return "storage error"
}

func (a *API) handleGetEnrichments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := url.PathUnescape(chi.URLParam(r, "submitterId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid submitterId")
		return
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("certguard.submitter_id", id))

	format := r.URL.Query().Get("format")
	if format == "" {
		format = enrichment.FormatFull
	}
	if format != enrichment.FormatFull && format != enrichment.FormatLatest {
		writeError(w, http.StatusBadRequest, "format must be full or latest")
		return
	}

	list, err := a.svc.Results(ctx, id)
	if err != nil {
		if errors.Is(err, enrichment.ErrMissingSubmitter) {
			writeError(w, http.StatusBadRequest, "missing submitterId")
			return
		}
		a.logger.Error(ctx, err, "failed to list enrichments", "submitter_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := enrichment.NewPollResponse(id, list, format)

	span.SetAttributes(attribute.Int("certguard.enrich.count", resp.Count))
	writeJSON(w, http.StatusOK, resp)
}
