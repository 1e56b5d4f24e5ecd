package triage

import (
	"context"
	"net"
	"net/url"
	"strings"
)

var suspiciousTLDs = map[string]struct{}{
	"zip": {}, "mov": {}, "tk": {}, "ml": {}, "ga": {}, "cf": {}, "gq": {},
	"xyz": {}, "top": {}, "click": {}, "country": {}, "work": {}, "rest": {},
}

var credentialWords = []string{"login", "signin", "sign-in", "verify", "account", "password", "secure", "update", "wallet", "banking"}

var extensionSchemes = map[string]struct{}{
	"chrome-extension": {}, "moz-extension": {}, "edge-extension": {},
}

// heuristicRule contributes score and an indicator when it matches.
type heuristicRule struct {
	indicator string
	score     int
	match     func(u *url.URL, host string) bool
}

var heuristicRules = []heuristicRule{
	{"ip address used as host", 25, func(_ *url.URL, host string) bool {
		return net.ParseIP(host) != nil
	}},
	{"punycode hostname", 20, func(_ *url.URL, host string) bool {
		for _, label := range strings.Split(host, ".") {
			if strings.HasPrefix(label, "xn--") {
				return true
			}
		}
		return false
	}},
	{"suspicious top-level domain", 15, func(_ *url.URL, host string) bool {
		i := strings.LastIndex(host, ".")
		if i < 0 {
			return false
		}
		_, ok := suspiciousTLDs[host[i+1:]]
		return ok
	}},
	{"credential keywords in url", 15, func(u *url.URL, _ string) bool {
		path := strings.ToLower(u.Host + u.Path + "?" + u.RawQuery)
		for _, w := range credentialWords {
			if strings.Contains(path, w) {
				return true
			}
		}
		return false
	}},
	{"userinfo '@' in url", 20, func(u *url.URL, _ string) bool {
		return u.User != nil
	}},
	{"excessive subdomains", 10, func(_ *url.URL, host string) bool {
		return net.ParseIP(host) == nil && strings.Count(host, ".") >= 4
	}},
	{"unencrypted http connection", 10, func(u *url.URL, _ string) bool {
		return u.Scheme == "http"
	}},
	{"unusually long url", 10, func(u *url.URL, _ string) bool {
		return len(u.String()) > 120
	}},
	{"browser extension page", 5, func(u *url.URL, _ string) bool {
		_, ok := extensionSchemes[u.Scheme]
		return ok
	}},
}

// Heuristic is a rule-based Analyzer that needs no network access.
type Heuristic struct{}

// NewHeuristic returns the rule-based analyzer.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Analyze scores the URL against the rule table. An unparseable URL gets the Conservative result.
func (h *Heuristic) Analyze(_ context.Context, rawURL, _ string) (*Result, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" && u.Scheme == "" {
		res := Conservative(rawURL)
		res.Source = SourceHeuristic
		return res, nil
	}
	host := strings.ToLower(u.Hostname())

	score := 5
	var indicators []string
	for _, r := range heuristicRules {
		if r.match(u, host) {
			score += r.score
			indicators = append(indicators, r.indicator)
		}
	}

	res := &Result{
		URL:             rawURL,
		RiskScore:       score,
		ThreatType:      threatForScore(score, indicators),
		Indicators:      indicators,
		Confidence:      0.6,
		Recommendations: heuristicRecommendations(score),
		Source:          SourceHeuristic,
	}
	if len(indicators) == 0 {
		res.Analysis = "No risk indicators were found in the URL structure."
		res.Confidence = 0.7
	} else {
		res.Analysis = "URL structure matched " + strings.Join(indicators, ", ") + "."
	}
	res.Clamp()
	return res, nil
}

func threatForScore(score int, indicators []string) ThreatType {
	switch {
	case score >= 70:
		return ThreatHighRisk
	case score >= 45:
		for _, ind := range indicators {
			if ind == "credential keywords in url" {
				return ThreatPhishing
			}
		}
		return ThreatSuspicious
	case score >= 25:
		return ThreatSuspicious
	}
	return ThreatSafe
}

func heuristicRecommendations(score int) []string {
	switch {
	case score >= 45:
		return []string{
			"Do not enter credentials or payment details on this site",
			"Verify the address through a trusted channel before continuing",
		}
	case score >= 25:
		return []string{"Check the address carefully before entering any information"}
	}
	return []string{"No action needed"}
}
