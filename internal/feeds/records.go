// Package feeds parses vulnerability feeds into candidate pool inputs and keeps the
// pool refreshed.
package feeds

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/certguard/internal/vuln"
)

const maxTitleLen = 160

// KEVCatalog is the CISA Known Exploited Vulnerabilities catalog.
type KEVCatalog struct {
	Title           string     `json:"title"`
	CatalogVersion  string     `json:"catalogVersion"`
	DateReleased    string     `json:"dateReleased"`
	Count           int        `json:"count"`
	Vulnerabilities []KEVEntry `json:"vulnerabilities"`
}

// KEVEntry is one catalog entry. Entries are trusted advisories.
type KEVEntry struct {
	CVEID                      string `json:"cveID"`
	VendorProject              string `json:"vendorProject"`
	Product                    string `json:"product"`
	VulnerabilityName          string `json:"vulnerabilityName"`
	DateAdded                  string `json:"dateAdded"`
	ShortDescription           string `json:"shortDescription"`
	RequiredAction             string `json:"requiredAction"`
	KnownRansomwareCampaignUse string `json:"knownRansomwareCampaignUse"`
	Notes                      string `json:"notes"`
}

// Candidate implements vuln.FeedRecord. The catalog carries no severity: entries tied to
// ransomware campaigns are CRITICAL, the rest HIGH.
func (e KEVEntry) Candidate() (vuln.Candidate, bool) {
	if strings.TrimSpace(e.CVEID) == "" {
		return vuln.Candidate{}, false
	}
	severity := vuln.SeverityHigh
	if strings.EqualFold(e.KnownRansomwareCampaignUse, "known") {
		severity = vuln.SeverityCritical
	}
	title := e.VulnerabilityName
	if title == "" {
		title = strings.TrimSpace(e.VendorProject + " " + e.Product)
	}
	return vuln.Candidate{
		ID:            e.CVEID,
		Title:         truncate(title, maxTitleLen),
		Source:        vuln.SourceTrustedAdvisory,
		SeverityLabel: severity,
		PublishedAt:   parseDate(e.DateAdded),
		RawContext:    strings.Join(nonEmpty(e.VendorProject, e.Product, e.ShortDescription), " "),
	}, true
}

// ParseKEV decodes a KEV catalog document.
func ParseKEV(data []byte) ([]vuln.FeedRecord, error) {
	var cat KEVCatalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("decode kev catalog: %w", err)
	}
	out := make([]vuln.FeedRecord, 0, len(cat.Vulnerabilities))
	for _, e := range cat.Vulnerabilities {
		out = append(out, e)
	}
	return out, nil
}

// NVDFeed is an NVD CVE API 2.0 response page.
type NVDFeed struct {
	ResultsPerPage  int       `json:"resultsPerPage"`
	StartIndex      int       `json:"startIndex"`
	TotalResults    int       `json:"totalResults"`
	Vulnerabilities []NVDItem `json:"vulnerabilities"`
}

// NVDItem wraps one CVE record. Items are public-database entries.
type NVDItem struct {
	CVE NVDCVE `json:"cve"`
}

type NVDCVE struct {
	ID           string           `json:"id"`
	Published    string           `json:"published"`
	Descriptions []NVDDescription `json:"descriptions"`
	Metrics      NVDMetrics       `json:"metrics"`
	References   []NVDReference   `json:"references"`
}

type NVDDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type NVDMetrics struct {
	V31 []NVDCVSS `json:"cvssMetricV31"`
	V30 []NVDCVSS `json:"cvssMetricV30"`
	V2  []NVDCVSS `json:"cvssMetricV2"`
}

// NVDCVSS covers the v3 layout (severity inside cvssData) and the v2 layout
// (severity beside it).
type NVDCVSS struct {
	BaseSeverity string `json:"baseSeverity"`
	CVSSData     struct {
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
}

type NVDReference struct {
	URL string `json:"url"`
}

// Candidate implements vuln.FeedRecord.
func (it NVDItem) Candidate() (vuln.Candidate, bool) {
	c := it.CVE
	if strings.TrimSpace(c.ID) == "" {
		return vuln.Candidate{}, false
	}
	desc := ""
	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			desc = d.Value
			break
		}
	}
	label, score := c.Metrics.best()
	return vuln.Candidate{
		ID:            c.ID,
		Title:         truncate(firstSentence(desc), maxTitleLen),
		Source:        vuln.SourcePublicDatabase,
		SeverityLabel: label,
		NumericScore:  score,
		PublishedAt:   parseDate(c.Published),
		RawContext:    desc,
	}, true
}

// best prefers the newest CVSS version present.
func (m NVDMetrics) best() (label string, score float64) {
	for _, set := range [][]NVDCVSS{m.V31, m.V30, m.V2} {
		if len(set) == 0 {
			continue
		}
		label = set[0].CVSSData.BaseSeverity
		if label == "" {
			label = set[0].BaseSeverity
		}
		return label, set[0].CVSSData.BaseScore
	}
	return "", 0
}

// ParseNVD decodes an NVD 2.0 response page.
func ParseNVD(data []byte) ([]vuln.FeedRecord, error) {
	var feed NVDFeed
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("decode nvd feed: %w", err)
	}
	out := make([]vuln.FeedRecord, 0, len(feed.Vulnerabilities))
	for _, it := range feed.Vulnerabilities {
		out = append(out, it)
	}
	return out, nil
}

// Advisory is a vendor or internal advisory in a flat JSON array. Trusted advisories
// outrank public database entries during deduplication.
type Advisory struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Severity    string  `json:"severity"`
	Score       float64 `json:"score"`
	Published   string  `json:"published"`
	Description string  `json:"description"`
	Link        string  `json:"link"`
	Trusted     bool    `json:"trusted"`
}

// Candidate implements vuln.FeedRecord.
func (a Advisory) Candidate() (vuln.Candidate, bool) {
	if strings.TrimSpace(a.ID) == "" {
		return vuln.Candidate{}, false
	}
	src := vuln.SourcePublicDatabase
	if a.Trusted {
		src = vuln.SourceTrustedAdvisory
	}
	title := a.Title
	if title == "" {
		title = firstSentence(a.Description)
	}
	return vuln.Candidate{
		ID:            a.ID,
		Title:         truncate(title, maxTitleLen),
		Source:        src,
		SeverityLabel: a.Severity,
		NumericScore:  a.Score,
		PublishedAt:   parseDate(a.Published),
		RawContext:    a.Description,
		Link:          a.Link,
	}, true
}

// ParseAdvisories decodes a JSON array of advisories.
func ParseAdvisories(data []byte) ([]vuln.FeedRecord, error) {
	var advs []Advisory
	if err := json.Unmarshal(data, &advs); err != nil {
		return nil, fmt.Errorf("decode advisories: %w", err)
	}
	out := make([]vuln.FeedRecord, 0, len(advs))
	for _, a := range advs {
		out = append(out, a)
	}
	return out, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseDate returns the zero time for unparseable input; the correlator treats that
// as an unknown publication date.
func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ". "); i > 0 {
		return s[:i]
	}
	return strings.TrimSuffix(s, ".")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func nonEmpty(ss ...string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
