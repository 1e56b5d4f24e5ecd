package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/certguard/internal/enrichment"
	"github.com/linnemanlabs/certguard/internal/triage"
)

// DefaultSafetyTimeout is the ceiling after which a session stops reporting progress
// regardless of the poll loop.
const DefaultSafetyTimeout = 60 * time.Second

// ErrSessionStarted is returned by Run on a session that already ran.
var ErrSessionStarted = errors.New("session already started")

// Report is everything a session produced. Final is nil only for safe URLs.
type Report struct {
	Quick    Outcome            `json:"quick"`
	Final    *enrichment.Record `json:"final,omitempty"`
	State    State              `json:"state,omitempty"`
	Attempts int                `json:"attempts"`
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSafetyTimeout sets the safety timer ceiling.
func WithSafetyTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.safety = d
		}
	}
}

// WithQuickHandler is called with the dispatch outcome before polling starts.
func WithQuickHandler(fn func(Outcome)) SessionOption {
	return func(s *Session) { s.onQuick = fn }
}

// Session runs one URL through triage, dispatch and poll. It owns the safety timer
// handle; Cancel stops it and is safe to call any number of times.
type Session struct {
	analyzer    triage.Analyzer
	dispatcher  *Dispatcher
	poller      *Poller
	submitterID string
	safety      time.Duration
	onQuick     func(Outcome)
	logger      log.Logger

	started    atomic.Bool
	cancelOnce sync.Once
	results    chan *enrichment.Record

	mu         sync.Mutex
	step       string
	inProgress bool
	finished   bool
	cancelled  bool
	timer      *time.Timer
	cancelRun  context.CancelFunc
}

// NewSession returns a Session for submitterID. logger may be nil.
func NewSession(analyzer triage.Analyzer, d *Dispatcher, p *Poller, submitterID string, logger log.Logger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Session{
		analyzer:    analyzer,
		dispatcher:  d,
		poller:      p,
		submitterID: submitterID,
		safety:      DefaultSafetyTimeout,
		logger:      logger,
		results:     make(chan *enrichment.Record, 1),
		step:        StepIdle,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run triages rawURL, escalates it and waits for the final record. Every path ends in
// a record or a safe outcome; the only error is ErrSessionStarted.
func (s *Session) Run(ctx context.Context, rawURL, pageContext string) (*Report, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrSessionStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancelRun = cancel
	s.inProgress = true
	s.step = StepTriage
	s.timer = time.AfterFunc(s.safety, s.expire)
	if s.cancelled {
		cancel()
	}
	s.mu.Unlock()
	defer s.Cancel()

	res := s.triage(ctx, rawURL, pageContext)

	out := s.dispatcher.Dispatch(ctx, res, s.submitterID, rawURL, pageContext)
	rep := &Report{Quick: out}
	if s.onQuick != nil {
		s.onQuick(out)
	}
	if out.IsSafeURL {
		s.finish(StepSafe, nil)
		return rep, nil
	}

	s.setStep(StepEnrichment)
	pr := s.poller.Poll(ctx, PollRequest{
		SubmitterID: s.submitterID,
		URL:         rawURL,
		Triage:      res,
	})
	rep.Final = pr.Record
	rep.State = pr.State
	rep.Attempts = pr.Attempts
	s.finish(StepComplete, pr.Record)
	return rep, nil
}

func (s *Session) triage(ctx context.Context, rawURL, pageContext string) *triage.Result {
	res, err := s.analyzer.Analyze(ctx, rawURL, pageContext)
	if err != nil || res == nil {
		s.logger.Warn(ctx, "triage failed, using conservative default", "url", rawURL, "error", err)
		return triage.Conservative(rawURL)
	}
	return res
}

// Results delivers the final record once and is then closed. Safe outcomes close it
// without a value.
func (s *Session) Results() <-chan *enrichment.Record {
	return s.results
}

// InProgress reports whether the session is still waiting on a result.
func (s *Session) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// Step is the current pipeline step.
func (s *Session) Step() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Cancel stops the safety timer, clears the in-progress state and aborts polling. A
// running poll still emits its fallback record.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.inProgress = false
		s.cancelled = true
		cancel := s.cancelRun
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// expire fires when the safety timer runs out before a result arrived.
func (s *Session) expire() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.inProgress = false
	s.step = StepTimedOut
	cancel := s.cancelRun
	s.mu.Unlock()

	s.logger.Warn(context.Background(), "enrichment session hit safety timeout", "submitter_id", s.submitterID, "timeout", s.safety)
	cancel()
}

func (s *Session) setStep(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished && s.step != StepTimedOut {
		s.step = step
	}
}

func (s *Session) finish(step string, rec *enrichment.Record) {
	s.mu.Lock()
	s.finished = true
	s.inProgress = false
	if s.step != StepTimedOut {
		s.step = step
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	if rec != nil {
		s.results <- rec
	}
	close(s.results)
}
