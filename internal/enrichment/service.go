package enrichment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/certguard/internal/textutil"
	"github.com/linnemanlabs/certguard/internal/vuln"
)

// Notifier is told about real, high-severity correlations.
type Notifier interface {
	Send(ctx context.Context, rec *Record) error
}

// Submission is one request with its resolved submitter identity. Err carries a
// decode failure from the transport; such submissions are rejected with it.
type Submission struct {
	SubmitterID string
	Request     *Request
	Err         error
}

// BatchOutcome is the result of processing one element of a batch.
type BatchOutcome struct {
	Index       int
	SubmitterID string
	Record      *Record
	Err         error
}

// ProcessedEvent describes one stored record.
type ProcessedEvent struct {
	MappingSource MappingSource
	Severity      string
	Confidence    int
	Duration      float64
	PoolSize      int
}

// ServiceHooks receives callbacks for metrics. Nil fields are skipped.
type ServiceHooks struct {
	OnProcessed func(e *ProcessedEvent)
	OnRejected  func(reason string)
	OnAppend    func(duration float64, err error)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotifier sets the notifier for high-severity matches.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithServiceHooks sets metrics callbacks.
func WithServiceHooks(h ServiceHooks) ServiceOption {
	return func(s *Service) { s.hooks = h }
}

// WithServiceClock sets the time source for received timestamps.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// Service is the business boundary for enrichment submissions and lookups.
type Service struct {
	store      Store
	pool       *vuln.Pool
	correlator *vuln.Correlator
	generator  *Generator
	notifier   Notifier
	hooks      ServiceHooks
	logger     log.Logger
	now        func() time.Time
}

// NewService creates a new enrichment service.
func NewService(store Store, pool *vuln.Pool, correlator *vuln.Correlator, generator *Generator, logger log.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:      store,
		pool:       pool,
		correlator: correlator,
		generator:  generator,
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Process correlates and stores a single submission.
func (s *Service) Process(ctx context.Context, sub Submission) (*Record, error) {
	outs, err := s.ProcessBatch(ctx, []Submission{sub})
	if err != nil {
		return nil, err
	}
	return outs[0].Record, outs[0].Err
}

// ProcessBatch correlates a batch against one pool snapshot and stores each record.
// Per-element failures are reported in the outcomes; the returned error is non-nil only
// when ctx is cancelled before correlation completes.
func (s *Service) ProcessBatch(ctx context.Context, subs []Submission) ([]BatchOutcome, error) {
	start := s.now()
	outs := make([]BatchOutcome, len(subs))
	valid := make([]int, 0, len(subs))
	queries := make([]vuln.Query, 0, len(subs))

	for i, sub := range subs {
		outs[i] = BatchOutcome{Index: i, SubmitterID: sub.SubmitterID}
		if err := validate(sub); err != nil {
			outs[i].Err = err
			s.rejected(err)
			continue
		}
		if sub.Request.Timestamp.IsZero() {
			sub.Request.Timestamp = start.UTC()
		}
		sub.Request.SubmitterID = sub.SubmitterID
		sub.Request.Clamp()
		valid = append(valid, i)
		queries = append(queries, queryFor(sub.Request))
	}
	if len(valid) == 0 {
		return outs, nil
	}

	snapshot := s.pool.Snapshot()
	matches, err := s.correlator.CorrelateBatch(ctx, queries, snapshot)
	if err != nil {
		return nil, fmt.Errorf("correlate batch: %w", err)
	}

	for n, i := range valid {
		req := subs[i].Request
		L := s.logger.With("submitter_id", subs[i].SubmitterID, "url", req.URL)

		var rec *Record
		if m := matches[n]; m != nil {
			rec = s.realRecord(ctx, req, m)
		} else {
			rec = s.generator.Virtual(ctx, req, n)
		}
		rec.ReceivedAt = s.now().UTC()
		rec.ProcessingTimeMs = max(s.now().Sub(start).Milliseconds(), 0)

		appendStart := s.now()
		err := s.store.Append(ctx, subs[i].SubmitterID, rec)
		if s.hooks.OnAppend != nil {
			s.hooks.OnAppend(s.now().Sub(appendStart).Seconds(), err)
		}
		if err != nil {
			L.Error(ctx, err, "failed to store enrichment record")
			outs[i].Err = fmt.Errorf("store append: %w", err)
			continue
		}
		outs[i].Record = rec

		confidence := 0
		if matches[n] != nil {
			confidence = matches[n].Confidence
		}
		L.Info(ctx, "enrichment stored",
			"identifier", rec.Identifier,
			"mapping_source", rec.MappingSource,
			"severity", rec.Severity,
			"confidence", confidence,
		)
		if s.hooks.OnProcessed != nil {
			s.hooks.OnProcessed(&ProcessedEvent{
				MappingSource: rec.MappingSource,
				Severity:      rec.Severity,
				Confidence:    confidence,
				Duration:      s.now().Sub(start).Seconds(),
				PoolSize:      len(snapshot),
			})
		}
		s.notify(ctx, L, rec)
	}
	return outs, nil
}

// Results returns the stored records for submitterID.
func (s *Service) Results(ctx context.Context, submitterID string) (*List, error) {
	if strings.TrimSpace(submitterID) == "" {
		return nil, ErrMissingSubmitter
	}
	return s.store.List(ctx, submitterID)
}

func (s *Service) notify(ctx context.Context, L log.Logger, rec *Record) {
	if s.notifier == nil || rec.IsVirtual {
		return
	}
	if rec.Severity != SeverityCritical && rec.Severity != SeverityHigh {
		return
	}
	if err := s.notifier.Send(ctx, rec); err != nil {
		L.Warn(ctx, "notification failed", "error", err)
	}
}

func (s *Service) rejected(err error) {
	if s.hooks.OnRejected == nil {
		return
	}
	reason := "invalid"
	switch {
	case errors.Is(err, ErrMissingSubmitter):
		reason = "missing_submitter"
	case errors.Is(err, ErrEmptyURL):
		reason = "empty_url"
	case errors.Is(err, ErrMalformed):
		reason = "malformed"
	}
	s.hooks.OnRejected(reason)
}

func validate(sub Submission) error {
	if sub.Err != nil {
		return sub.Err
	}
	if strings.TrimSpace(sub.SubmitterID) == "" {
		return ErrMissingSubmitter
	}
	if sub.Request == nil || strings.TrimSpace(sub.Request.URL) == "" {
		return ErrEmptyURL
	}
	return nil
}

func queryFor(req *Request) vuln.Query {
	return vuln.Query{
		URL:          req.URL,
		Summary:      req.Summary,
		Analysis:     req.Analysis,
		Indicators:   req.Indicators,
		Technologies: req.Technologies,
	}
}

// realRecord builds the record for a correlated candidate.
func (s *Service) realRecord(ctx context.Context, req *Request, m *vuln.Match) *Record {
	c := m.Candidate
	severity := recordSeverity(c.SeverityLabel, req.RiskScore)

	mapping := MappingTokenCorrelation
	confidence := min(0.95, 0.5+float64(m.Confidence)*0.03)
	if m.DirectMention {
		mapping = MappingDirectMention
		confidence = 0.99
	}

	title := c.Title
	if strings.TrimSpace(title) == "" {
		title = c.ID
	}
	link := c.Link
	if link == "" {
		link = DetailLink(c.ID)
	}

	rec := &Record{
		ID:              ulid.Make().String(),
		Identifier:      c.ID,
		Title:           title,
		Description:     realDescription(m),
		Severity:        severity,
		ConfidenceScore: confidence,
		MappingSource:   mapping,
		Link:            link,
		Recommendations: s.generator.Recommendations(ctx, req.Triage(), req.URL, severity),
		MatchedTokens:   append([]string(nil), m.MatchedTokens...),
	}
	rec.fillRequest(req)
	rec.normalize()
	return rec
}

func recordSeverity(label string, riskScore int) string {
	switch label {
	case vuln.SeverityCritical:
		return SeverityCritical
	case vuln.SeverityHigh:
		return SeverityHigh
	case vuln.SeverityMedium:
		return SeverityMedium
	case vuln.SeverityLow:
		return SeverityLow
	}
	return SeverityForScore(riskScore)
}

func realDescription(m *vuln.Match) string {
	var b strings.Builder
	if m.DirectMention {
		fmt.Fprintf(&b, "The analysis directly references %s.", m.Candidate.ID)
	} else {
		fmt.Fprintf(&b, "Correlated with %s on %s (score %d).", m.Candidate.ID, strings.Join(m.MatchedTokens, ", "), m.Confidence)
	}
	if raw := strings.TrimSpace(m.Candidate.RawContext); raw != "" {
		if len(raw) > 500 {
			raw = textutil.Truncate(raw, 500) + "..."
		}
		b.WriteString(" ")
		b.WriteString(raw)
	}
	return b.String()
}
