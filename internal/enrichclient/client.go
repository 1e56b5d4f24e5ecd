// Package enrichclient is the HTTP client for the enrichment service.
package enrichclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/certguard/internal/enrichment"
	"github.com/linnemanlabs/certguard/internal/triage"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
	maxRespBody    = 4 << 20
)

// ErrStatus wraps every non-2xx response.
var ErrStatus = errors.New("unexpected status")

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default otelhttp-instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to the enrichment API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for baseURL. token, when set, is sent as a bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit posts one enrichment request.
func (c *Client) Submit(ctx context.Context, req *enrichment.Request) error {
	return c.do(ctx, http.MethodPost, "/api/v1/enrichments", req, nil)
}

// Fetch returns the stored records for submitterID in the given format.
func (c *Client) Fetch(ctx context.Context, submitterID, format string) (*enrichment.PollResponse, error) {
	path := "/api/v1/enrichments/" + url.PathEscape(submitterID)
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}
	var out enrichment.PollResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Analyze implements triage.Analyzer against the server's analyze endpoint.
func (c *Client) Analyze(ctx context.Context, rawURL, pageContext string) (*triage.Result, error) {
	body := struct {
		URL     string `json:"url"`
		Context string `json:"context"`
	}{rawURL, pageContext}
	var out triage.Result
	if err := c.do(ctx, http.MethodPost, "/api/v1/analyze", body, &out); err != nil {
		return nil, err
	}
	out.Clamp()
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req) //nolint:gosec // G704: base URL is from trusted config
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: %w %d: %s", method, path, ErrStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRespBody)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
