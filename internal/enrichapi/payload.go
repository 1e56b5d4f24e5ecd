package enrichapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/certguard/internal/enrichment"
	"github.com/linnemanlabs/certguard/internal/triage"
)

var errEmptyBody = errors.New("empty body")

// identity is the pair of identity fields a producer may set at any level.
type identity struct {
	SubmitterID string `json:"submitterId"`
	ExtensionID string `json:"extensionId"`
}

// identityFields is the part of an element resolveIdentity reads. It is decoded
// on its own when the full element does not decode.
type identityFields struct {
	SubmitterID  string    `json:"submitterId"`
	ExtensionID  string    `json:"extensionId"`
	OriginalData *identity `json:"original_data"`
}

// element is one submitted enrichment request as producers send it.
type element struct {
	SubmitterID  string    `json:"submitterId"`
	ExtensionID  string    `json:"extensionId"`
	OriginalData *identity `json:"original_data"`

	URL          string      `json:"url"`
	ThreatType   string      `json:"threatType"`
	Summary      string      `json:"summary"`
	Analysis     string      `json:"analysis"`
	Indicators   []string    `json:"indicators"`
	Technologies []string    `json:"technologies"`
	RiskScore    looseNumber `json:"riskScore"`
	Confidence   looseNumber `json:"confidence"`
	Timestamp    looseTime   `json:"timestamp"`
}

// looseNumber accepts a JSON number or a numeric string. null and "" leave zero.
type looseNumber float64

func (n *looseNumber) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
		if s == "" {
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("not a number: %s", b)
	}
	*n = looseNumber(f)
	return nil
}

// looseTime accepts an RFC 3339 string or epoch milliseconds, as a number or a
// numeric string. Strings in neither form leave the zero time.
type looseTime time.Time

func (t *looseTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		unq = strings.TrimSpace(unq)
		if ts, err := time.Parse(time.RFC3339Nano, unq); err == nil {
			*t = looseTime(ts.UTC())
			return nil
		}
		if ms, err := strconv.ParseInt(unq, 10, 64); err == nil {
			*t = looseTime(time.UnixMilli(ms).UTC())
		}
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("not a timestamp: %s", b)
	}
	*t = looseTime(time.UnixMilli(int64(f)).UTC())
	return nil
}

// payload is the submission body split into raw elements: a single element, a
// bare array, or a {results:[...]} envelope with optional envelope-level identity.
// Elements are decoded one at a time so one bad element does not sink the batch.
type payload struct {
	envelope identity
	elements []json.RawMessage
}

func decodePayload(body []byte) (*payload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errEmptyBody
	}

	if trimmed[0] == '[' {
		var els []json.RawMessage
		if err := json.Unmarshal(trimmed, &els); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		return &payload{elements: els}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	if results, ok := fields["results"]; ok && !bytes.Equal(bytes.TrimSpace(results), []byte("null")) {
		var els []json.RawMessage
		if err := json.Unmarshal(results, &els); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
		p := &payload{elements: els}
		// a mistyped envelope identity leaves that field blank
		_ = json.Unmarshal(trimmed, &p.envelope)
		return p, nil
	}
	return &payload{elements: []json.RawMessage{trimmed}}, nil
}

// resolveIdentity applies the lookup order: element submitterId, element extensionId,
// original_data submitterId, original_data extensionId, envelope submitterId,
// envelope extensionId. The first non-blank value wins.
func resolveIdentity(el *element, env identity) string {
	candidates := []string{el.SubmitterID, el.ExtensionID}
	if el.OriginalData != nil {
		candidates = append(candidates, el.OriginalData.SubmitterID, el.OriginalData.ExtensionID)
	}
	candidates = append(candidates, env.SubmitterID, env.ExtensionID)
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

// submissions decodes and resolves every element once into a service submission.
// An element that does not decode becomes a submission carrying the error.
func (p *payload) submissions() []enrichment.Submission {
	out := make([]enrichment.Submission, len(p.elements))
	for i, raw := range p.elements {
		var el element
		if err := json.Unmarshal(raw, &el); err != nil {
			var idf identityFields
			_ = json.Unmarshal(raw, &idf)
			el = element{SubmitterID: idf.SubmitterID, ExtensionID: idf.ExtensionID, OriginalData: idf.OriginalData}
			out[i] = enrichment.Submission{
				SubmitterID: resolveIdentity(&el, p.envelope),
				Err:         fmt.Errorf("%w: %v", enrichment.ErrMalformed, err),
			}
			continue
		}
		id := resolveIdentity(&el, p.envelope)
		out[i] = enrichment.Submission{SubmitterID: id, Request: el.request(id)}
	}
	return out
}

func (el *element) request(submitterID string) *enrichment.Request {
	score := math.Max(0, math.Min(float64(el.RiskScore), 100))
	req := &enrichment.Request{
		SubmitterID:  submitterID,
		URL:          strings.TrimSpace(el.URL),
		ThreatType:   triage.ParseThreatType(el.ThreatType),
		Summary:      el.Summary,
		Analysis:     el.Analysis,
		Indicators:   el.Indicators,
		Technologies: el.Technologies,
		RiskScore:    int(math.Round(score)),
		Confidence:   float64(el.Confidence),
		Timestamp:    time.Time(el.Timestamp),
	}
	req.Clamp()
	return req
}
