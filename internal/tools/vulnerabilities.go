// internal/tools/vulnerabilities.go
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/certguard/internal/textutil"
	"github.com/linnemanlabs/certguard/internal/vuln"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 25
	maxContextChars    = 400
)

// candidateView is the slimmed candidate shape handed to the model.
type candidateView struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Source    string  `json:"source"`
	Severity  string  `json:"severity"`
	Score     float64 `json:"score,omitempty"`
	Published string  `json:"published,omitempty"`
	Context   string  `json:"context,omitempty"`
}

func toView(c vuln.Candidate) candidateView {
	v := candidateView{
		ID:       c.ID,
		Title:    c.Title,
		Source:   string(c.Source),
		Severity: c.SeverityLabel,
		Score:    c.NumericScore,
		Context:  c.RawContext,
	}
	if !c.PublishedAt.IsZero() {
		v.Published = c.PublishedAt.Format(time.DateOnly)
	}
	v.Context = textutil.Truncate(v.Context, maxContextChars)
	return v
}

// SearchVulnerabilities is a keyword search over the current candidate pool.
type SearchVulnerabilities struct {
	pool *vuln.Pool
}

func NewSearchVulnerabilities(pool *vuln.Pool) *SearchVulnerabilities {
	return &SearchVulnerabilities{pool: pool}
}

func (s *SearchVulnerabilities) Name() string { return "search_vulnerabilities" }

func (s *SearchVulnerabilities) Description() string {
	return `Search the known-vulnerability pool by keywords such as product, vendor, protocol or technique names.
Use this when the page or URL suggests a specific technology that may be targeted.
Returns matching vulnerabilities with identifier, title, source, severity and publication date.`
}

func (s *SearchVulnerabilities) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "Keywords to search for, e.g. 'wordpress login' or 'citrix gateway'"
            },
            "limit": {
                "type": "integer",
                "description": "Maximum number of results (default 10, max 25)"
            }
        },
        "required": ["query"]
    }`)
}

func (s *SearchVulnerabilities) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	matches := s.pool.Search(input.Query, limit)
	results := make([]candidateView, len(matches))
	for i, c := range matches {
		results[i] = toView(c)
	}

	output := map[string]any{
		"pool_size":    s.pool.Len(),
		"result_count": len(results),
		"results":      results,
	}
	return json.Marshal(output)
}

// GetVulnerability fetches one candidate by identifier.
type GetVulnerability struct {
	pool *vuln.Pool
}

func NewGetVulnerability(pool *vuln.Pool) *GetVulnerability {
	return &GetVulnerability{pool: pool}
}

func (g *GetVulnerability) Name() string { return "get_vulnerability" }

func (g *GetVulnerability) Description() string {
	return `Look up a single known vulnerability by its identifier (for example CVE-2021-44228).
Use this to confirm details of an identifier that appears in the page content.`
}

func (g *GetVulnerability) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "id": {
                "type": "string",
                "description": "Vulnerability identifier"
            }
        },
        "required": ["id"]
    }`)
}

func (g *GetVulnerability) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	c, ok := g.pool.Get(input.ID)
	if !ok {
		return json.Marshal(map[string]any{"found": false, "id": vuln.NormalizeID(input.ID)})
	}
	return json.Marshal(map[string]any{"found": true, "vulnerability": toView(c)})
}
