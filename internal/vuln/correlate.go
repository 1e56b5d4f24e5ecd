package vuln

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/linnemanlabs/certguard/internal/vuln"

// Query is the enrichment context correlated against the pool.
type Query struct {
	URL          string
	Summary      string
	Analysis     string
	Indicators   []string
	Technologies []string
}

// Tokens returns the sorted specific tokens of the query: URL host labels,
// free text, indicators and declared technologies.
func (q Query) Tokens() []string {
	texts := make([]string, 0, 3+len(q.Indicators)+len(q.Technologies))
	texts = append(texts, hostLabels(q.URL), q.Summary, q.Analysis)
	texts = append(texts, q.Indicators...)
	texts = append(texts, q.Technologies...)
	return SpecificTokens(texts...)
}

func hostLabels(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.NewReplacer(".", " ", "-", " ").Replace(u.Hostname())
}

// Match is the winning candidate of one correlation run.
type Match struct {
	Candidate      Candidate `json:"candidate"`
	Confidence     int       `json:"confidence"`
	MatchedTokens  []string  `json:"matchedTokens"`
	CriticalTokens []string  `json:"criticalTokens"`
	AgeYears       int       `json:"ageYears"`
	DirectMention  bool      `json:"directMention"`
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock sets the time source used for candidate age.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithWeights overrides the scoring constants.
func WithWeights(w Weights) Option {
	return func(c *Correlator) { c.weights = w }
}

// Correlator scores queries against candidate pools. It is safe for concurrent use
// and returns the same match for the same query, pool and clock.
type Correlator struct {
	weights Weights
	now     func() time.Time
}

// NewCorrelator returns a Correlator with default weights and the wall clock.
func NewCorrelator(opts ...Option) *Correlator {
	c := &Correlator{
		weights: DefaultWeights(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correlate returns the best candidate for q, or nil when nothing clears the threshold.
// A nil result is the expected no-match outcome, not an error.
func (c *Correlator) Correlate(ctx context.Context, q Query, pool []Candidate) *Match {
	_, span := otel.Tracer(tracerName).Start(ctx, "correlate", trace.WithAttributes(
		attribute.Int("certguard.vuln.pool_size", len(pool)),
	))
	defer span.End()

	m := c.correlate(q, pool)
	if m == nil {
		span.SetAttributes(attribute.Bool("certguard.vuln.matched", false))
		return nil
	}
	span.SetAttributes(
		attribute.Bool("certguard.vuln.matched", true),
		attribute.String("certguard.vuln.id", m.Candidate.ID),
		attribute.Int("certguard.vuln.confidence", m.Confidence),
		attribute.Bool("certguard.vuln.direct_mention", m.DirectMention),
	)
	return m
}

func (c *Correlator) correlate(q Query, pool []Candidate) *Match {
	if len(pool) == 0 {
		return nil
	}
	now := c.now()
	tokens := q.Tokens()

	// explicit identifier mentions are ground truth
	texts := append([]string{q.Summary, q.Analysis}, q.Indicators...)
	if ids := mentionedIDs(texts...); len(ids) > 0 {
		byID := make(map[string]int, len(pool))
		for i, cand := range pool {
			id := NormalizeID(cand.ID)
			if _, dup := byID[id]; !dup {
				byID[id] = i
			}
		}
		for _, id := range ids {
			if i, ok := byID[id]; ok {
				age, _ := c.age(pool[i], now)
				return &Match{
					Candidate:      pool[i],
					Confidence:     c.weights.DirectMention,
					MatchedTokens:  []string{},
					CriticalTokens: []string{},
					AgeYears:       age,
					DirectMention:  true,
				}
			}
		}
	}

	if len(tokens) == 0 {
		return nil
	}

	var scored []Match
	for _, cand := range pool {
		words := wordSet(cand.Title, cand.RawContext)
		var matched, critical []string
		for _, t := range tokens {
			if _, ok := words[t]; !ok {
				continue
			}
			matched = append(matched, t)
			if IsCritical(t) {
				critical = append(critical, t)
			}
		}
		if len(matched) == 0 {
			continue
		}
		if critical == nil {
			critical = []string{}
		}
		age, known := c.age(cand, now)
		scored = append(scored, Match{
			Candidate:      cand,
			Confidence:     c.score(cand, len(matched), len(critical), age, known),
			MatchedTokens:  matched,
			CriticalTokens: critical,
			AgeYears:       age,
		})
	}
	if len(scored) == 0 {
		return nil
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if len(a.CriticalTokens) != len(b.CriticalTokens) {
			return len(a.CriticalTokens) > len(b.CriticalTokens)
		}
		if ya, yb := a.Candidate.PublishedAt.Year(), b.Candidate.PublishedAt.Year(); ya != yb {
			return ya > yb
		}
		return a.Candidate.ID < b.Candidate.ID
	})

	top := scored[0]
	if top.Confidence < c.weights.Threshold {
		return nil
	}
	return &top
}

// Score computes the confidence for a candidate with the given match counts.
// Exposed for explanation output and tests.
func (c *Correlator) Score(cand Candidate, matched, critical int) int {
	age, known := c.age(cand, c.now())
	return c.score(cand, matched, critical, age, known)
}

func (c *Correlator) score(cand Candidate, matched, critical, age int, known bool) int {
	w := c.weights
	conf := w.Token*matched + w.Critical*critical
	if cand.Source == SourceTrustedAdvisory {
		conf += w.TrustedSource
	}
	if known {
		if age <= w.RecencyWindowYears {
			conf += w.Recency
		}
		if age > w.AgeThresholdYears {
			conf -= w.AgeSlope * (age - w.AgeThresholdYears)
		}
	}
	return conf
}

// age is whole calendar years since publication. Unknown dates report known=false.
func (c *Correlator) age(cand Candidate, now time.Time) (years int, known bool) {
	if cand.PublishedAt.IsZero() {
		return 0, false
	}
	years = now.Year() - cand.PublishedAt.Year()
	if years < 0 {
		years = 0
	}
	return years, true
}

// CorrelateBatch correlates each query concurrently. Results keep the order of queries;
// the error is non-nil only when ctx is cancelled.
func (c *Correlator) CorrelateBatch(ctx context.Context, queries []Query, pool []Candidate) ([]*Match, error) {
	out := make([]*Match, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range queries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = c.Correlate(gctx, queries[i], pool)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
