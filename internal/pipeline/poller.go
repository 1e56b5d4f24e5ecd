package pipeline

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/certguard/internal/enrichment"
	"github.com/linnemanlabs/certguard/internal/triage"
)

// Poll defaults.
const (
	DefaultMaxAttempts = 10
	DefaultInterval    = 3 * time.Second
	DefaultCallTimeout = 2 * time.Second
)

// Fetcher reads an identity's stored records from the enrichment service.
type Fetcher interface {
	Fetch(ctx context.Context, submitterID, format string) (*enrichment.PollResponse, error)
}

// Synthesizer builds the fallback record when polling is exhausted.
type Synthesizer interface {
	Synthesize(ctx context.Context, res *triage.Result, rawURL string) *enrichment.Record
}

// State is the terminal state of a poll.
type State string

const (
	StateFound           State = "found"
	StateFallbackEmitted State = "fallback-emitted"
)

// PollRequest names the record a poll is waiting for. Triage seeds the fallback.
type PollRequest struct {
	SubmitterID string
	URL         string
	Triage      *triage.Result
	MaxAttempts int
}

// Result is the terminal outcome of a poll. Record is never nil.
type Result struct {
	Record   *enrichment.Record
	State    State
	Attempts int
	Elapsed  time.Duration
}

// PollerHooks observe poll progress. Nil fields are skipped.
type PollerHooks struct {
	OnAttempt func(attempt int, err error)
	OnOutcome func(state State, attempts int, elapsed time.Duration)
}

// PollerConfig bounds the attempt loop.
type PollerConfig struct {
	MaxAttempts int
	Interval    time.Duration
	CallTimeout time.Duration
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CallTimeout <= 0 || c.CallTimeout >= c.Interval {
		c.CallTimeout = min(DefaultCallTimeout, c.Interval/2)
	}
	return c
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerHooks installs observation hooks.
func WithPollerHooks(h PollerHooks) PollerOption {
	return func(p *Poller) { p.hooks = h }
}

// Poller waits for a correlated record and falls back to a synthesized one.
type Poller struct {
	fetch  Fetcher
	gen    Synthesizer
	cfg    PollerConfig
	hooks  PollerHooks
	logger log.Logger
}

// NewPoller returns a Poller. logger may be nil.
func NewPoller(fetch Fetcher, gen Synthesizer, cfg PollerConfig, logger log.Logger, opts ...PollerOption) *Poller {
	if logger == nil {
		logger = log.Nop()
	}
	p := &Poller{
		fetch:  fetch,
		gen:    gen,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Poll queries the store up to MaxAttempts times, one attempt per interval, and returns
// the best record matching req.URL. When no attempt finds one, or ctx ends first, it
// returns a fallback record tagged IsFallback.
func (p *Poller) Poll(ctx context.Context, req PollRequest) *Result {
	start := time.Now()
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	target := NormalizeURL(req.URL)
	logger := p.logger.With("submitter_id", req.SubmitterID, "url", req.URL)

	attempts := 0
	for attempts < maxAttempts {
		if attempts > 0 && !sleep(ctx, p.cfg.Interval) {
			break
		}
		attempts++

		rec, err := p.attempt(ctx, req.SubmitterID, target)
		if p.hooks.OnAttempt != nil {
			p.hooks.OnAttempt(attempts, err)
		}
		if err != nil {
			logger.Warn(ctx, "enrichment poll failed", "attempt", attempts, "error", err)
			continue
		}
		if rec != nil {
			logger.Info(ctx, "enrichment found", "attempt", attempts, "identifier", rec.Identifier)
			return p.finish(&Result{Record: rec, State: StateFound, Attempts: attempts}, start)
		}
	}

	rec := p.gen.Synthesize(ctx, req.Triage, req.URL)
	rec.IsFallback = true
	logger.Info(ctx, "enrichment not found, emitted fallback", "attempts", attempts, "identifier", rec.Identifier)
	return p.finish(&Result{Record: rec, State: StateFallbackEmitted, Attempts: attempts}, start)
}

func (p *Poller) finish(res *Result, start time.Time) *Result {
	res.Elapsed = time.Since(start)
	if p.hooks.OnOutcome != nil {
		p.hooks.OnOutcome(res.State, res.Attempts, res.Elapsed)
	}
	return res
}

func (p *Poller) attempt(ctx context.Context, submitterID, target string) (*enrichment.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	resp, err := p.fetch.Fetch(ctx, submitterID, enrichment.FormatFull)
	if err != nil {
		return nil, err
	}
	return SelectRecord(resp.Results, target), nil
}

// SelectRecord returns the record for the normalized target URL: newest first, then
// highest confidence score. It returns nil when no record matches.
func SelectRecord(records []enrichment.Record, target string) *enrichment.Record {
	var eligible []*enrichment.Record
	for i := range records {
		if NormalizeURL(records[i].URL) == target {
			eligible = append(eligible, &records[i])
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	slices.SortStableFunc(eligible, func(a, b *enrichment.Record) int {
		if c := b.EffectiveTime().Compare(a.EffectiveTime()); c != 0 {
			return c
		}
		switch {
		case a.ConfidenceScore > b.ConfidenceScore:
			return -1
		case a.ConfidenceScore < b.ConfidenceScore:
			return 1
		}
		return 0
	})
	return eligible[0].Clone()
}

// NormalizeURL reduces a URL to lower-case host plus path: scheme, leading "www.",
// query, fragment and trailing slash are dropped.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	host, path := s, ""
	if i := strings.IndexByte(s, '/'); i >= 0 {
		host, path = s[:i], s[i:]
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	return strings.TrimRight(host+path, "/")
}

// sleep waits d or until ctx ends. It reports whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
