package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/certguard/internal/textutil"
	"github.com/linnemanlabs/certguard/internal/triage"
)

const (
	maxRecommendations     = 5
	maxRecommendationChars = 300
	recommendTokens        = 512
)

var errUnusableRecommendations = errors.New("recommender returned no usable recommendations")

// Recommender produces remediation advice for a triage result.
type Recommender interface {
	Recommend(ctx context.Context, res *triage.Result, url string) ([]string, error)
}

// LLMRecommender asks an LLM provider for a JSON array of recommendations.
type LLMRecommender struct {
	provider triage.Provider
}

// NewLLMRecommender returns a recommender backed by provider.
func NewLLMRecommender(provider triage.Provider) *LLMRecommender {
	return &LLMRecommender{provider: provider}
}

const recommendPrompt = `You write short, actionable security recommendations for end users.
Respond with ONLY a JSON array of at most 5 strings, no prose.`

// Recommend implements Recommender.
func (r *LLMRecommender) Recommend(ctx context.Context, res *triage.Result, url string) ([]string, error) {
	user := fmt.Sprintf("URL: %s\nThreat type: %s\nRisk score: %d/100\nIndicators: %s\n\nGive recommendations.",
		url, res.ThreatType, res.RiskScore, strings.Join(res.Indicators, "; "))

	resp, err := r.provider.Send(ctx, &triage.LLMRequest{
		MaxTokens: recommendTokens,
		System:    recommendPrompt,
		Messages: []triage.Message{{
			Role:    "user",
			Content: []triage.ContentBlock{{Type: "text", Text: user}},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}
	return ParseRecommendations(triage.TextOf(resp))
}

// ParseRecommendations extracts the first JSON string array from text.
func ParseRecommendations(text string) ([]string, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON array in response")
	}
	var out []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("parse recommendations: %w", err)
	}
	out = usableRecommendations(out)
	if len(out) == 0 {
		return nil, errUnusableRecommendations
	}
	return out, nil
}

// usableRecommendations trims, drops blanks and caps count and length.
func usableRecommendations(in []string) []string {
	out := make([]string, 0, min(len(in), maxRecommendations))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, textutil.Truncate(s, maxRecommendationChars))
		if len(out) == maxRecommendations {
			break
		}
	}
	return out
}

var indicatorAdvice = []struct {
	keywords []string
	advice   string
}{
	{[]string{"extension"}, "Review installed browser extensions and remove any you did not install deliberately"},
	{[]string{"login", "credential", "password"}, "Do not enter credentials on this page; change any password already entered here"},
	{[]string{"download", "file"}, "Do not open files downloaded from this site; scan any existing downloads"},
	{[]string{"redirect"}, "Verify the final destination address before interacting with redirected pages"},
	{[]string{"certificate", "ssl", "tls"}, "Check the site's certificate details and avoid sites with certificate warnings"},
	{[]string{"script", "javascript"}, "Block scripts for this site or browse it in an isolated profile"},
}

var severityAdvice = map[string][]string{
	SeverityCritical: {"Close the page immediately and report it to your security team"},
	SeverityHigh:     {"Close the page and report it to your security team"},
	SeverityMedium:   {"Proceed with caution and verify the site through a trusted channel"},
	SeverityLow:      {"Keep browser and extensions up to date"},
}

// RuleRecommendations builds recommendations from indicator keywords and severity. The
// result is never empty.
func RuleRecommendations(indicators []string, threat triage.ThreatType, severity string) []string {
	joined := strings.ToLower(strings.Join(indicators, " "))
	var out []string
	for _, a := range indicatorAdvice {
		for _, kw := range a.keywords {
			if strings.Contains(joined, kw) {
				out = append(out, a.advice)
				break
			}
		}
	}
	if threat == triage.ThreatPhishing && !strings.Contains(joined, "login") &&
		!strings.Contains(joined, "credential") && !strings.Contains(joined, "password") {
		out = append(out, indicatorAdvice[1].advice)
	}
	sev, ok := severityAdvice[severity]
	if !ok {
		sev = severityAdvice[SeverityLow]
	}
	out = append(out, sev...)
	if len(out) > maxRecommendations {
		out = out[:maxRecommendations]
	}
	return out
}
