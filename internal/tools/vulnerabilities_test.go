package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/certguard/internal/vuln"
)

func testPool() *vuln.Pool {
	return vuln.NewPool([]vuln.Candidate{
		{
			ID:            "CVE-2023-4966",
			Title:         "Citrix NetScaler session token leak",
			Source:        vuln.SourceTrustedAdvisory,
			SeverityLabel: vuln.SeverityCritical,
			NumericScore:  9.4,
			PublishedAt:   time.Date(2023, 10, 10, 0, 0, 0, 0, time.UTC),
			RawContext:    strings.Repeat("citrix ", 100),
		},
		{
			ID:     "CVE-2024-0001",
			Title:  "WordPress login plugin bypass",
			Source: vuln.SourcePublicDatabase,
		},
	})
}

func TestSearchVulnerabilities_Success(t *testing.T) {
	t.Parallel()

	tool := NewSearchVulnerabilities(testPool())
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"citrix session"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed struct {
		PoolSize    int             `json:"pool_size"`
		ResultCount int             `json:"result_count"`
		Results     []candidateView `json:"results"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if parsed.PoolSize != 2 {
		t.Errorf("pool_size = %d, want 2", parsed.PoolSize)
	}
	if parsed.ResultCount != 1 || parsed.Results[0].ID != "CVE-2023-4966" {
		t.Fatalf("results = %+v", parsed.Results)
	}
	if parsed.Results[0].Published != "2023-10-10" {
		t.Errorf("published = %q", parsed.Results[0].Published)
	}
	if len(parsed.Results[0].Context) != maxContextChars {
		t.Errorf("context length = %d, want truncation to %d", len(parsed.Results[0].Context), maxContextChars)
	}
}

func TestSearchVulnerabilities_EmptyQuery(t *testing.T) {
	t.Parallel()

	_, err := NewSearchVulnerabilities(testPool()).Execute(context.Background(), json.RawMessage(`{"query":""}`))
	if err == nil {
		t.Fatal("expected error for empty query")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestSearchVulnerabilities_InvalidJSON(t *testing.T) {
	t.Parallel()

	if _, err := NewSearchVulnerabilities(testPool()).Execute(context.Background(), json.RawMessage(`{bad`)); err == nil {
		t.Fatal("expected error for invalid params")
	}
}

func TestGetVulnerability(t *testing.T) {
	t.Parallel()

	tool := NewGetVulnerability(testPool())

	tests := []struct {
		name      string
		params    string
		wantFound bool
		wantErr   bool
	}{
		{"found case-insensitive", `{"id":"cve-2024-0001"}`, true, false},
		{"missing", `{"id":"CVE-1999-0001"}`, false, false},
		{"empty id", `{"id":""}`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := tool.Execute(context.Background(), json.RawMessage(tt.params))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var parsed map[string]any
			if err := json.Unmarshal(out, &parsed); err != nil {
				t.Fatalf("failed to parse output: %v", err)
			}
			if parsed["found"] != tt.wantFound {
				t.Errorf("found = %v, want %v", parsed["found"], tt.wantFound)
			}
		})
	}
}

func TestRegistry_VulnerabilityTools(t *testing.T) {
	t.Parallel()

	pool := testPool()
	r := NewRegistry()
	r.Register(NewSearchVulnerabilities(pool))
	r.Register(NewGetVulnerability(pool))

	defs := r.ToToolDefs()
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}
	if defs[0].Name != "get_vulnerability" || defs[1].Name != "search_vulnerabilities" {
		t.Errorf("defs not sorted by name: %s, %s", defs[0].Name, defs[1].Name)
	}
	for _, d := range defs {
		if !json.Valid(d.InputSchema) {
			t.Errorf("tool %q has invalid schema", d.Name)
		}
	}
}
