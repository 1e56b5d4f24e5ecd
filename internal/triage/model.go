package triage

import (
	"strings"
)

// ThreatType classifies the outcome of a triage.
type ThreatType string

const (
	ThreatSafe       ThreatType = "safe"
	ThreatSuspicious ThreatType = "suspicious"
	ThreatPhishing   ThreatType = "phishing"
	ThreatMalicious  ThreatType = "malicious"
	ThreatHighRisk   ThreatType = "high-risk"
	ThreatCritical   ThreatType = "critical"
	ThreatUnknown    ThreatType = "unknown"
)

// Source records which analyzer produced a Result.
type Source string

const (
	SourceLLM       Source = "llm"
	SourceHeuristic Source = "heuristic"
	SourceDefault   Source = "default"
)

// ParseThreatType normalizes free-form threat labels. Anything unrecognized is ThreatUnknown.
func ParseThreatType(s string) ThreatType {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	switch ThreatType(norm) {
	case ThreatSafe, ThreatSuspicious, ThreatPhishing, ThreatMalicious,
		ThreatHighRisk, ThreatCritical, ThreatUnknown:
		return ThreatType(norm)
	case "benign", "clean":
		return ThreatSafe
	case "highrisk", "high":
		return ThreatHighRisk
	}
	return ThreatUnknown
}

// IsSafe reports whether the threat type needs no escalation.
func (t ThreatType) IsSafe() bool {
	return t == ThreatSafe
}

// Result is the outcome of a single triage call. It is not modified after Analyze returns.
type Result struct {
	URL             string     `json:"url"`
	RiskScore       int        `json:"riskScore"`
	ThreatType      ThreatType `json:"threatType"`
	Indicators      []string   `json:"indicators"`
	Confidence      float64    `json:"confidence"`
	Recommendations []string   `json:"recommendations"`
	Analysis        string     `json:"analysis"`
	Source          Source     `json:"source,omitempty"`
}

// Clamp forces score and confidence into their valid ranges and fills empty slices.
func (r *Result) Clamp() {
	if r.RiskScore < 0 {
		r.RiskScore = 0
	}
	if r.RiskScore > 100 {
		r.RiskScore = 100
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	if r.ThreatType == "" {
		r.ThreatType = ThreatUnknown
	}
	if r.Indicators == nil {
		r.Indicators = []string{}
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
}

// Conservative is the moderate-risk default used when an analysis cannot be parsed.
// It deliberately stays below the high-severity band.
func Conservative(url string) *Result {
	return &Result{
		URL:        url,
		RiskScore:  50,
		ThreatType: ThreatSuspicious,
		Indicators: []string{"analysis unavailable"},
		Confidence: 0.5,
		Recommendations: []string{
			"Proceed with caution until a full analysis is available",
			"Do not enter credentials on this page",
		},
		Analysis: "Automated analysis could not be completed; a moderate default risk was assigned.",
		Source:   SourceDefault,
	}
}
