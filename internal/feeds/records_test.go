package feeds

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/linnemanlabs/certguard/internal/vuln"
)

const kevJSON = `{
  "title": "CISA Catalog of Known Exploited Vulnerabilities",
  "catalogVersion": "2025.01.01",
  "count": 3,
  "vulnerabilities": [
    {
      "cveID": "CVE-2023-4966",
      "vendorProject": "Citrix",
      "product": "NetScaler ADC and NetScaler Gateway",
      "vulnerabilityName": "Citrix NetScaler Session Token Leak",
      "dateAdded": "2023-10-18",
      "shortDescription": "Sensitive information disclosure allowing session hijacking.",
      "knownRansomwareCampaignUse": "Known"
    },
    {
      "cveID": "CVE-2021-44228",
      "vendorProject": "Apache",
      "product": "Log4j2",
      "vulnerabilityName": "Apache Log4j2 Remote Code Execution",
      "dateAdded": "2021-12-10",
      "knownRansomwareCampaignUse": "Unknown"
    },
    {"cveID": "", "vulnerabilityName": "blank"}
  ]
}`

const nvdJSON = `{
  "resultsPerPage": 2,
  "totalResults": 2,
  "vulnerabilities": [
    {"cve": {
      "id": "CVE-2024-3400",
      "published": "2024-04-12T08:15:06.230",
      "descriptions": [
        {"lang": "es", "value": "Inyeccion de comandos."},
        {"lang": "en", "value": "A command injection in GlobalProtect of PAN-OS. Allows root execution."}
      ],
      "metrics": {"cvssMetricV31": [{"cvssData": {"baseScore": 10.0, "baseSeverity": "CRITICAL"}}]}
    }},
    {"cve": {
      "id": "CVE-2009-0001",
      "published": "not a date",
      "descriptions": [{"lang": "en", "value": "Old v2-only entry"}],
      "metrics": {"cvssMetricV2": [{"baseSeverity": "MEDIUM", "cvssData": {"baseScore": 5.0}}]}
    }}
  ]
}`

func candidates(t *testing.T, recs []vuln.FeedRecord) []vuln.Candidate {
	t.Helper()
	var out []vuln.Candidate
	for _, r := range recs {
		if c, ok := r.Candidate(); ok {
			out = append(out, c)
		}
	}
	return out
}

func TestParseKEV(t *testing.T) {
	t.Parallel()

	recs, err := ParseKEV([]byte(kevJSON))
	if err != nil {
		t.Fatalf("ParseKEV: %v", err)
	}
	got := candidates(t, recs)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (blank id dropped)", len(got))
	}

	want := vuln.Candidate{
		ID:            "CVE-2023-4966",
		Title:         "Citrix NetScaler Session Token Leak",
		Source:        vuln.SourceTrustedAdvisory,
		SeverityLabel: vuln.SeverityCritical,
		PublishedAt:   time.Date(2023, 10, 18, 0, 0, 0, 0, time.UTC),
		RawContext:    "Citrix NetScaler ADC and NetScaler Gateway Sensitive information disclosure allowing session hijacking.",
	}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("candidate mismatch (-want +got):\n%s", diff)
	}
	if got[1].SeverityLabel != vuln.SeverityHigh {
		t.Errorf("non-ransomware severity = %q, want HIGH", got[1].SeverityLabel)
	}
}

func TestParseNVD(t *testing.T) {
	t.Parallel()

	recs, err := ParseNVD([]byte(nvdJSON))
	if err != nil {
		t.Fatalf("ParseNVD: %v", err)
	}
	got := candidates(t, recs)
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	c := got[0]
	if c.Title != "A command injection in GlobalProtect of PAN-OS" {
		t.Errorf("title = %q", c.Title)
	}
	if c.SeverityLabel != "CRITICAL" || c.NumericScore != 10 || c.Source != vuln.SourcePublicDatabase {
		t.Errorf("candidate = %+v", c)
	}
	if c.PublishedAt.Year() != 2024 || c.PublishedAt.Month() != time.April {
		t.Errorf("published = %v", c.PublishedAt)
	}
	if got[1].SeverityLabel != "MEDIUM" {
		t.Errorf("v2 severity = %q", got[1].SeverityLabel)
	}
	if !got[1].PublishedAt.IsZero() {
		t.Errorf("unparseable date should be zero, got %v", got[1].PublishedAt)
	}
}

func TestParseAdvisories(t *testing.T) {
	t.Parallel()

	recs, err := ParseAdvisories([]byte(`[
		{"id":"ADV-2024-1234","title":"Gateway bypass","severity":"important","published":"2024-02-01T00:00:00Z","trusted":true,"link":"https://vendor.example/adv/1234"},
		{"id":"ADV-2024-0002","description":"Webmail script injection. More text.","score":6.1}
	]`))
	if err != nil {
		t.Fatalf("ParseAdvisories: %v", err)
	}
	got := candidates(t, recs)
	if got[0].Source != vuln.SourceTrustedAdvisory || got[0].Link != "https://vendor.example/adv/1234" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Source != vuln.SourcePublicDatabase || got[1].Title != "Webmail script injection" {
		t.Errorf("got[1] = %+v", got[1])
	}

	pool := vuln.Build(recs, "")
	if pool[0].ID != "ADV-2024-0002" || pool[0].SeverityLabel != vuln.SeverityMedium {
		t.Errorf("built pool[0] = %+v", pool[0])
	}
	if pool[1].SeverityLabel != vuln.SeverityHigh {
		t.Errorf("built pool[1] severity = %q", pool[1].SeverityLabel)
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	t.Parallel()

	for name, fn := range map[string]parser{"kev": ParseKEV, "nvd": ParseNVD, "advisory": ParseAdvisories} {
		if _, err := fn([]byte(`{bad`)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
