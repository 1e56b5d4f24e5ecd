package enrichment

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/certguard/internal/triage"
)

const (
	// DefaultPrefix is the identifier prefix for synthesized identifiers.
	DefaultPrefix = "CVE"
	// VirtualYear is the fixed year marker in synthesized identifiers.
	VirtualYear = 2026

	suffixModulus = 1_000_000

	defaultRecommendTimeout = 3 * time.Second
)

// confidence bands per severity, [low, high)
var confidenceBands = map[string][2]float64{
	SeverityHigh:   {0.85, 0.95},
	SeverityMedium: {0.75, 0.90},
	SeverityLow:    {0.65, 0.80},
}

// SeverityForScore bands a risk score: >=70 High, >=40 Medium, else Low.
func SeverityForScore(score int) string {
	switch {
	case score >= 70:
		return SeverityHigh
	case score >= 40:
		return SeverityMedium
	}
	return SeverityLow
}

// ConfidenceBand returns the [low, high) confidence band for a severity.
func ConfidenceBand(severity string) (low, high float64) {
	b, ok := confidenceBands[severity]
	if !ok {
		b = confidenceBands[SeverityLow]
	}
	return b[0], b[1]
}

// rollingHash is a multiply-add string hash with 32-bit wraparound.
func rollingHash(s string) int32 {
	var h int32
	for _, r := range s {
		h = h*31 + int32(r)
	}
	return h
}

// FallbackIdentifier derives a stable identifier from (url, threatType). Distinct inputs
// may collide.
func FallbackIdentifier(prefix, rawURL string, threat triage.ThreatType) string {
	h := int64(rollingHash(rawURL + "|" + string(threat)))
	if h < 0 {
		h = -h
	}
	return formatIdentifier(prefix, h%suffixModulus)
}

// VirtualIdentifier derives an identifier from a timestamp and batch index, used
// when server-side correlation finds no candidate.
func VirtualIdentifier(prefix string, now time.Time, index int) string {
	n := (now.UnixMilli() + int64(index)) % suffixModulus
	if n < 0 {
		n = -n
	}
	return formatIdentifier(prefix, n)
}

func formatIdentifier(prefix string, n int64) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s-%d-%06d", prefix, VirtualYear, n)
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithRecommender sets the AI-assisted recommendation source.
func WithRecommender(r Recommender, timeout time.Duration) GeneratorOption {
	return func(g *Generator) {
		g.recommender = r
		if timeout > 0 {
			g.recommendTimeout = timeout
		}
	}
}

// WithRand sets the jitter source; f must return values in [0, 1).
func WithRand(f func() float64) GeneratorOption {
	return func(g *Generator) { g.rand = f }
}

// WithGeneratorClock sets the time source for ReceivedAt.
func WithGeneratorClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// WithPrefix sets the identifier prefix.
func WithPrefix(prefix string) GeneratorOption {
	return func(g *Generator) { g.prefix = prefix }
}

// Generator synthesizes schema-complete records from triage results.
type Generator struct {
	prefix           string
	recommender      Recommender
	recommendTimeout time.Duration
	rand             func() float64
	now              func() time.Time
	logger           log.Logger
}

// NewGenerator returns a Generator. logger may be nil.
func NewGenerator(logger log.Logger, opts ...GeneratorOption) *Generator {
	if logger == nil {
		logger = log.Nop()
	}
	g := &Generator{
		prefix:           DefaultPrefix,
		recommendTimeout: defaultRecommendTimeout,
		rand:             rand.Float64,
		now:              time.Now,
		logger:           logger,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Synthesize builds a fallback record for a triage result that never received a real
// enrichment. It always returns a complete record.
func (g *Generator) Synthesize(ctx context.Context, res *triage.Result, rawURL string) *Record {
	if res == nil {
		res = triage.Conservative(rawURL)
	}
	id := FallbackIdentifier(g.prefix, rawURL, res.ThreatType)
	rec := g.build(ctx, res, rawURL, id)
	rec.MappingSource = MappingFallback
	rec.IsFallback = true
	rec.Link = searchLink(res.ThreatType)
	return rec
}

// Virtual builds the record for a server-side request that no candidate matched.
func (g *Generator) Virtual(ctx context.Context, req *Request, index int) *Record {
	res := req.Triage()
	rec := g.build(ctx, res, req.URL, VirtualIdentifier(g.prefix, g.now(), index))
	rec.fillRequest(req)
	rec.MappingSource = MappingVirtualCorrelation
	rec.Link = searchLink(res.ThreatType)
	return rec
}

func (g *Generator) build(ctx context.Context, res *triage.Result, rawURL, identifier string) *Record {
	severity := SeverityForScore(res.RiskScore)
	low, high := ConfidenceBand(severity)

	rec := &Record{
		ID:               ulid.Make().String(),
		URL:              rawURL,
		ThreatType:       res.ThreatType,
		Summary:          res.Analysis,
		Indicators:       append([]string(nil), res.Indicators...),
		RiskScore:        res.RiskScore,
		Confidence:       res.Confidence,
		Timestamp:        g.now().UTC(),
		Identifier:       identifier,
		Title:            fallbackTitle(res),
		Description:      fallbackDescription(res, rawURL),
		Severity:         severity,
		ConfidenceScore:  low + (high-low)*g.unit(),
		IsVirtual:        true,
		ReceivedAt:       g.now().UTC(),
		Recommendations:  g.Recommendations(ctx, res, rawURL, severity),
		ProcessingTimeMs: 800 + int64(math.Floor(g.unit()*1200)),
	}
	rec.normalize()
	return rec
}

// unit clamps the jitter source into [0, 1).
func (g *Generator) unit() float64 {
	v := g.rand()
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 1 {
		return math.Nextafter(1, 0)
	}
	return v
}

// Recommendations asks the configured recommender, falling back to rule-based advice when it
// fails, times out or returns nothing usable.
func (g *Generator) Recommendations(ctx context.Context, res *triage.Result, rawURL, severity string) []string {
	if g.recommender != nil {
		rctx, cancel := context.WithTimeout(ctx, g.recommendTimeout)
		recs, err := g.recommender.Recommend(rctx, res, rawURL)
		cancel()
		if err == nil {
			if recs = usableRecommendations(recs); len(recs) > 0 {
				return recs
			}
			err = errUnusableRecommendations
		}
		g.logger.Warn(ctx, "recommender failed, using rule-based recommendations", "error", err, "url", rawURL)
	}
	return RuleRecommendations(res.Indicators, res.ThreatType, severity)
}

var threatTitles = map[triage.ThreatType]string{
	triage.ThreatPhishing:   "Credential Phishing Page",
	triage.ThreatMalicious:  "Malicious Content Delivery",
	triage.ThreatHighRisk:   "High-Risk Web Exposure",
	triage.ThreatCritical:   "Critical Web Exploit Exposure",
	triage.ThreatSuspicious: "Suspicious Web Activity",
}

func fallbackTitle(res *triage.Result) string {
	base, ok := threatTitles[res.ThreatType]
	if !ok {
		base = "Unclassified Web Risk"
	}
	if len(res.Indicators) > 0 && strings.TrimSpace(res.Indicators[0]) != "" {
		return fmt.Sprintf("%s: %s", base, strings.TrimSpace(res.Indicators[0]))
	}
	return base
}

func fallbackDescription(res *triage.Result, rawURL string) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	if host == "" {
		host = "this page"
	}
	indicator := "no specific indicator"
	if len(res.Indicators) > 0 && strings.TrimSpace(res.Indicators[0]) != "" {
		indicator = strings.TrimSpace(res.Indicators[0])
	}
	return fmt.Sprintf("Automated analysis rated %s as %s with a risk score of %d/100. Primary indicator: %s. No matching known vulnerability was confirmed, so this identifier is synthesized from the analysis.",
		host, res.ThreatType, res.RiskScore, indicator)
}

func searchLink(threat triage.ThreatType) string {
	q := url.Values{}
	q.Set("query", string(threat))
	q.Set("results_type", "overview")
	return "https://nvd.nist.gov/vuln/search/results?" + q.Encode()
}

// DetailLink is the public detail page for a real identifier.
func DetailLink(id string) string {
	return "https://nvd.nist.gov/vuln/detail/" + url.PathEscape(id)
}
