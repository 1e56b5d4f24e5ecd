// Package slack posts high-severity enrichment matches to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/certguard/internal/enrichment"
)

const (
	maxSummaryLen = 3000
	maxTitleLen   = 150
	httpTimeout   = 10 * time.Second
)

// Notifier sends enrichment records to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Send posts rec to the configured webhook. It returns nil immediately when no
// webhook URL is configured.
func (n *Notifier) Send(ctx context.Context, rec *enrichment.Record) error {
	if n.webhookURL == "" || rec == nil {
		return nil
	}

	body, err := json.Marshal(buildMessage(rec))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(r *enrichment.Record) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			summaryBlock(r),
			{"type": "divider"},
			contextBlock(r),
		},
	}
}

func headerBlock(r *enrichment.Record) map[string]any {
	text := fmt.Sprintf("%s %s: %s", severityEmoji(r.Severity), r.Identifier, truncate(r.Title, maxTitleLen))
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(r *enrichment.Record) map[string]any {
	link := r.Identifier
	if r.Link != "" {
		link = fmt.Sprintf("<%s|%s>", r.Link, r.Identifier)
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*URL:* %s", r.URL)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", r.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Threat:* %s (risk %d)", r.ThreatType, r.RiskScore)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %.0f%%", r.ConfidenceScore*100)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Mapping:* %s", r.MappingSource)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Reference:* %s", link)},
	}
	if len(r.MatchedTokens) > 0 {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Matched:* %s", strings.Join(r.MatchedTokens, ", ")),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(r *enrichment.Record) map[string]any {
	text := truncate(r.Description, maxSummaryLen)
	if text == "" {
		text = "_No description available._"
	}
	if len(r.Recommendations) > 0 {
		text += "\n\n*Recommendations*\n• " + strings.Join(r.Recommendations, "\n• ")
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate(text, maxSummaryLen),
		},
	}
}

func contextBlock(r *enrichment.Record) map[string]any {
	ts := r.ReceivedAt
	if ts.IsZero() {
		ts = r.Timestamp
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("certguard • submitter %s • %s", r.SubmitterID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func severityEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case "critical":
		return "\U0001f534" // red circle
	case "high":
		return "\U0001f7e0" // orange circle
	case "medium":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
