package enrichapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/certguard/internal/textutil"
	"github.com/linnemanlabs/certguard/internal/triage"
)

const maxContextChars = 20000

type analyzeRequest struct {
	URL     string `json:"url"`
	Context string `json:"context"`
}

// handleAnalyze runs a server-side triage. Analyzer failures degrade to the
// conservative default so the caller always gets a usable result.
func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	req.Context = textutil.Truncate(req.Context, maxContextChars)

	res, err := a.analyzer.Analyze(ctx, req.URL, req.Context)
	if err != nil || res == nil {
		a.logger.Warn(ctx, "analysis failed, returning conservative default", "error", err, "url", req.URL)
		res = triage.Conservative(req.URL)
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("certguard.triage.threat_type", string(res.ThreatType)),
		attribute.Int("certguard.triage.risk_score", res.RiskScore),
	)
	writeJSON(w, http.StatusOK, res)
}
