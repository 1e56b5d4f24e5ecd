// Package enrichment holds the enrichment record model, the fallback generator,
// the result store contract and the server-side enrichment service.
package enrichment

import (
	"errors"
	"slices"
	"time"

	"github.com/linnemanlabs/certguard/internal/textutil"
	"github.com/linnemanlabs/certguard/internal/triage"
)

var (
	// ErrMissingSubmitter is returned when a submission carries no submitter identity.
	ErrMissingSubmitter = errors.New("missing submitter identity")
	// ErrEmptyURL is returned when a submission carries no URL.
	ErrEmptyURL = errors.New("empty url")
	// ErrMalformed is returned for a submission element that could not be decoded.
	ErrMalformed = errors.New("malformed submission")
)

// MappingSource records how a record's identifier was obtained.
type MappingSource string

const (
	MappingDirectMention      MappingSource = "direct-mention"
	MappingTokenCorrelation   MappingSource = "token-correlation"
	MappingVirtualCorrelation MappingSource = "virtual-correlation"
	MappingFallback           MappingSource = "fallback"
)

// Severity labels on records.
const (
	SeverityCritical = "Critical"
	SeverityHigh     = "High"
	SeverityMedium   = "Medium"
	SeverityLow      = "Low"
)

// Request is what a client sends when it escalates a triage outcome.
type Request struct {
	SubmitterID  string            `json:"submitterId"`
	URL          string            `json:"url"`
	ThreatType   triage.ThreatType `json:"threatType"`
	Summary      string            `json:"summary"`
	Analysis     string            `json:"analysis,omitempty"`
	Indicators   []string          `json:"indicators"`
	Technologies []string          `json:"technologies,omitempty"`
	RiskScore    int               `json:"riskScore"`
	Confidence   float64           `json:"confidence"`
	Timestamp    time.Time         `json:"timestamp"`
}

// NewRequest builds a Request from a triage result.
func NewRequest(res *triage.Result, submitterID, url, pageContext string, now time.Time) *Request {
	summary := res.Analysis
	if summary == "" {
		summary = pageContext
	}
	summary = textutil.Truncate(summary, 2000)
	return &Request{
		SubmitterID: submitterID,
		URL:         url,
		ThreatType:  res.ThreatType,
		Summary:     summary,
		Analysis:    res.Analysis,
		Indicators:  slices.Clone(res.Indicators),
		RiskScore:   res.RiskScore,
		Confidence:  res.Confidence,
		Timestamp:   now.UTC(),
	}
}

// Clamp forces score and confidence into the ranges triage results use.
func (r *Request) Clamp() {
	res := triage.Result{RiskScore: r.RiskScore, Confidence: r.Confidence}
	res.Clamp()
	r.RiskScore, r.Confidence = res.RiskScore, res.Confidence
}

// Triage reconstructs the triage view of a request for the generator.
func (r *Request) Triage() *triage.Result {
	res := &triage.Result{
		URL:        r.URL,
		RiskScore:  r.RiskScore,
		ThreatType: triage.ParseThreatType(string(r.ThreatType)),
		Indicators: slices.Clone(r.Indicators),
		Confidence: r.Confidence,
		Analysis:   r.Analysis,
	}
	if res.Analysis == "" {
		res.Analysis = r.Summary
	}
	res.Clamp()
	return res
}

// Record is the unit persisted in the result store and returned to callers. Its shape
// does not depend on whether the identifier is real, virtual or fallback.
type Record struct {
	ID               string            `json:"id"`
	SubmitterID      string            `json:"submitterId"`
	URL              string            `json:"url"`
	ThreatType       triage.ThreatType `json:"threatType"`
	Summary          string            `json:"summary"`
	Indicators       []string          `json:"indicators"`
	RiskScore        int               `json:"riskScore"`
	Confidence       float64           `json:"confidence"`
	Timestamp        time.Time         `json:"timestamp"`
	Identifier       string            `json:"identifier"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Severity         string            `json:"severity"`
	ConfidenceScore  float64           `json:"confidenceScore"`
	MappingSource    MappingSource     `json:"mappingSource"`
	IsVirtual        bool              `json:"isVirtual"`
	IsFallback       bool              `json:"isFallback"`
	ReceivedAt       time.Time         `json:"receivedAt"`
	Link             string            `json:"link"`
	Recommendations  []string          `json:"recommendations"`
	MatchedTokens    []string          `json:"matchedTokens"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
}

// EffectiveTime is the ordering key in the store: ReceivedAt, else Timestamp.
func (r *Record) EffectiveTime() time.Time {
	if !r.ReceivedAt.IsZero() {
		return r.ReceivedAt
	}
	return r.Timestamp
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Indicators = slices.Clone(r.Indicators)
	cp.Recommendations = slices.Clone(r.Recommendations)
	cp.MatchedTokens = slices.Clone(r.MatchedTokens)
	return &cp
}

// normalize fills nil slices so every record serializes with the same shape.
func (r *Record) normalize() {
	if r.Indicators == nil {
		r.Indicators = []string{}
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
	if r.MatchedTokens == nil {
		r.MatchedTokens = []string{}
	}
}

func (r *Record) fillRequest(req *Request) {
	r.SubmitterID = req.SubmitterID
	r.URL = req.URL
	r.ThreatType = req.ThreatType
	r.Summary = req.Summary
	r.Indicators = slices.Clone(req.Indicators)
	r.RiskScore = req.RiskScore
	r.Confidence = req.Confidence
	r.Timestamp = req.Timestamp
}

// List is an identity's stored records, newest first, plus the newest record.
type List struct {
	Records []Record `json:"records"`
	Latest  *Record  `json:"latest"`
}

// NewList wraps records (already ordered newest first).
func NewList(records []Record) *List {
	l := &List{Records: records}
	if l.Records == nil {
		l.Records = []Record{}
	}
	if len(l.Records) > 0 {
		l.Latest = l.Records[0].Clone()
	}
	return l
}

// Poll response formats.
const (
	FormatFull   = "full"
	FormatLatest = "latest"
)

// PollResponse is the wire form of an identity's records, shared by the HTTP API
// and its clients.
type PollResponse struct {
	Success      bool     `json:"success"`
	ExtensionID  string   `json:"extensionId"`
	Results      []Record `json:"results"`
	LatestResult *Record  `json:"latestResult"`
	Count        int      `json:"count"`
	HasMore      bool     `json:"hasMore"`
}

// NewPollResponse renders l for submitterID. FormatLatest keeps only the newest
// record in Results and sets HasMore when others exist.
func NewPollResponse(submitterID string, l *List, format string) *PollResponse {
	resp := &PollResponse{
		Success:      true,
		ExtensionID:  submitterID,
		Results:      l.Records,
		LatestResult: l.Latest,
	}
	if format == FormatLatest && len(l.Records) > 1 {
		resp.Results = l.Records[:1]
		resp.HasMore = true
	}
	resp.Count = len(resp.Results)
	return resp
}
