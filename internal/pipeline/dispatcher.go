// Package pipeline runs the client side of progressive enrichment: a quick triage is
// escalated to the enrichment service, the result store is polled for the correlated
// record, and a fallback record is synthesized when nothing arrives in time.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/certguard/internal/enrichment"
	"github.com/linnemanlabs/certguard/internal/triage"
)

// Steps reported to callers while a session runs.
const (
	StepIdle          = "idle"
	StepTriage        = "triage"
	StepQuickAnalysis = "quick-analysis"
	StepEnrichment    = "enrichment"
	StepSafe          = "safe"
	StepTimedOut      = "timed-out"
	StepComplete      = "complete"
)

const defaultSubmitTimeout = 10 * time.Second

// Submitter sends an enrichment request to the service.
type Submitter interface {
	Submit(ctx context.Context, req *enrichment.Request) error
}

// Outcome is what the caller gets back from Dispatch without waiting on the network.
type Outcome struct {
	Triage      *triage.Result      `json:"triage"`
	IsSafeURL   bool                `json:"isSafeUrl"`
	Reason      string              `json:"reason,omitempty"`
	CurrentStep string              `json:"currentStep"`
	Request     *enrichment.Request `json:"-"`
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLimiter bounds the submission rate. Submissions that cannot get a token before
// the submit timeout are dropped.
func WithLimiter(l *rate.Limiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithSubmitTimeout bounds each background submission.
func WithSubmitTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDispatcherClock overrides the request timestamp source.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher decides whether a triage outcome is escalated and submits it in the
// background.
type Dispatcher struct {
	sub     Submitter
	logger  log.Logger
	limiter *rate.Limiter
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewDispatcher returns a Dispatcher. logger may be nil.
func NewDispatcher(sub Submitter, logger log.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	d := &Dispatcher{
		sub:     sub,
		logger:  logger,
		timeout: defaultSubmitTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch escalates res unless it is safe. It never blocks on the submission and
// never fails: submission errors are logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, res *triage.Result, submitterID, rawURL, pageContext string) Outcome {
	if res == nil {
		res = triage.Conservative(rawURL)
	}
	if res.ThreatType.IsSafe() {
		return Outcome{
			Triage:      res,
			IsSafeURL:   true,
			Reason:      "triage classified the URL as safe, enrichment skipped",
			CurrentStep: StepSafe,
		}
	}

	req := enrichment.NewRequest(res, submitterID, rawURL, pageContext, d.now())
	if err := ctx.Err(); err != nil {
		// cancelled callers get a quick outcome but no submission
		d.logger.Info(ctx, "enrichment submission skipped", "submitter_id", submitterID, "url", rawURL, "reason", err.Error())
	} else {
		d.wg.Add(1)
		go d.submit(context.WithoutCancel(ctx), req)
	}

	return Outcome{
		Triage:      res,
		CurrentStep: StepQuickAnalysis,
		Request:     req,
	}
}

func (d *Dispatcher) submit(ctx context.Context, req *enrichment.Request) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	logger := d.logger.With("submitter_id", req.SubmitterID, "url", req.URL)
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			logger.Warn(ctx, "enrichment submission dropped by rate limit", "error", err)
			return
		}
	}
	if err := d.sub.Submit(ctx, req); err != nil {
		logger.Warn(ctx, "enrichment submission failed", "error", err)
		return
	}
	logger.Info(ctx, "enrichment submitted", "threat_type", string(req.ThreatType), "risk_score", req.RiskScore)
}

// Wait blocks until every in-flight submission has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
