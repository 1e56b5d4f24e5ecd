// Package vuln builds the pool of known-vulnerability candidates and correlates
// enrichment context against it.
package vuln

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/certguard/internal/textutil"
)

// Source is where a candidate record came from. It orders dedup precedence and
// contributes the trusted-source bonus during scoring.
type Source string

const (
	SourceTrustedAdvisory Source = "trusted-advisory"
	SourcePublicDatabase  Source = "public-database"
	SourceTextExtracted   Source = "text-extracted"
)

func (s Source) rank() int {
	switch s {
	case SourceTrustedAdvisory:
		return 3
	case SourcePublicDatabase:
		return 2
	case SourceTextExtracted:
		return 1
	}
	return 0
}

// Severity labels carried on candidates.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityUnknown  = "UNKNOWN"
)

// Candidate is one known vulnerability in the correlation pool.
type Candidate struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Source        Source    `json:"source"`
	SeverityLabel string    `json:"severityLabel"`
	NumericScore  float64   `json:"numericScore"`
	PublishedAt   time.Time `json:"publishedAt"`
	RawContext    string    `json:"rawContext,omitempty"`
	Link          string    `json:"link,omitempty"`
}

// FeedRecord is an already-parsed feed entry that can yield a candidate.
// ok is false when the entry carries nothing usable.
type FeedRecord interface {
	Candidate() (c Candidate, ok bool)
}

// identifierPattern matches vendor-prefixed identifiers such as CVE-2021-44228 or ADV-2024-1234.
var identifierPattern = regexp.MustCompile(`(?i)\b[a-z][a-z0-9]{1,9}-(\d{4})-\d{3,7}\b`)

// NormalizeSeverity maps free-form labels onto the candidate severity scale,
// falling back to the CVSS score when the label is not recognized.
func NormalizeSeverity(label string, score float64) string {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "CRITICAL", "CRIT":
		return SeverityCritical
	case "HIGH", "SEVERE", "IMPORTANT":
		return SeverityHigh
	case "MEDIUM", "MODERATE", "MED":
		return SeverityMedium
	case "LOW":
		return SeverityLow
	}
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	}
	return SeverityUnknown
}

// NormalizeID upper-cases and trims an identifier.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Build turns a batch of feed records and a free-text corpus into a deduplicated
// candidate list sorted by ID. On duplicate IDs the stronger source wins; ties keep
// the first record seen.
func Build(records []FeedRecord, corpus string) []Candidate {
	byID := make(map[string]Candidate)

	add := func(c Candidate) {
		c.ID = NormalizeID(c.ID)
		if c.ID == "" {
			return
		}
		c.SeverityLabel = NormalizeSeverity(c.SeverityLabel, c.NumericScore)
		if prev, ok := byID[c.ID]; ok && prev.Source.rank() >= c.Source.rank() {
			return
		}
		byID[c.ID] = c
	}

	for _, r := range records {
		if r == nil {
			continue
		}
		if c, ok := r.Candidate(); ok {
			add(c)
		}
	}
	for _, c := range ExtractFromText(corpus) {
		add(c)
	}

	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExtractFromText finds identifier mentions in free text. Each candidate's title is
// the sentence holding its first mention and its publication date is January 1st of
// the year embedded in the identifier.
func ExtractFromText(text string) []Candidate {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []Candidate
	for _, loc := range identifierPattern.FindAllStringSubmatchIndex(text, -1) {
		id := NormalizeID(text[loc[0]:loc[1]])
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		year, _ := strconv.Atoi(text[loc[2]:loc[3]])
		sentence := sentenceAround(text, loc[0], loc[1])
		out = append(out, Candidate{
			ID:            id,
			Title:         sentence,
			Source:        SourceTextExtracted,
			SeverityLabel: SeverityUnknown,
			PublishedAt:   time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
			RawContext:    sentence,
		})
	}
	return out
}

func sentenceAround(text string, start, end int) string {
	from := strings.LastIndexAny(text[:start], ".!?\n")
	from++
	to := strings.IndexAny(text[end:], ".!?\n")
	if to < 0 {
		to = len(text)
	} else {
		to += end
	}
	s := strings.TrimSpace(text[from:to])
	return textutil.Truncate(s, 300)
}

// mentionedIDs returns the normalized identifiers mentioned in the given texts, in order of first appearance.
func mentionedIDs(texts ...string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range texts {
		for _, m := range identifierPattern.FindAllString(t, -1) {
			id := NormalizeID(m)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
