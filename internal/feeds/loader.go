package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/certguard/internal/vuln"
)

const (
	maxFeedBytes = 128 << 20
	fetchTimeout = 60 * time.Second
)

// ErrNoSources is returned when a Loader has nothing configured.
var ErrNoSources = errors.New("no feed sources configured")

// Sources lists feed locations. Each is an http(s) URL or a local file path; empty
// entries are skipped.
type Sources struct {
	KEV      string
	NVD      []string
	Advisory []string
	Corpus   []string
}

func (s Sources) empty() bool {
	return s.KEV == "" && len(s.NVD) == 0 && len(s.Advisory) == 0 && len(s.Corpus) == 0
}

// Loader fetches and parses all configured sources.
type Loader struct {
	sources Sources
	client  *http.Client
}

// NewLoader returns a Loader. A nil client gets a default with an otelhttp transport.
func NewLoader(sources Sources, client *http.Client) *Loader {
	if client == nil {
		client = &http.Client{
			Timeout:   fetchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Loader{sources: sources, client: client}
}

type parser func([]byte) ([]vuln.FeedRecord, error)

// Load fetches every source concurrently. Any failing source fails the load, so a
// refresh never installs a partial pool.
func (l *Loader) Load(ctx context.Context) ([]vuln.FeedRecord, string, error) {
	if l.sources.empty() {
		return nil, "", ErrNoSources
	}

	type job struct {
		loc   string
		parse parser
	}
	var jobs []job
	if l.sources.KEV != "" {
		jobs = append(jobs, job{l.sources.KEV, ParseKEV})
	}
	for _, loc := range l.sources.NVD {
		jobs = append(jobs, job{loc, ParseNVD})
	}
	for _, loc := range l.sources.Advisory {
		jobs = append(jobs, job{loc, ParseAdvisories})
	}

	records := make([][]vuln.FeedRecord, len(jobs))
	corpora := make([]string, len(l.sources.Corpus))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, j := range jobs {
		g.Go(func() error {
			data, err := l.fetch(gctx, j.loc)
			if err != nil {
				return err
			}
			recs, err := j.parse(data)
			if err != nil {
				return fmt.Errorf("%s: %w", j.loc, err)
			}
			records[i] = recs
			return nil
		})
	}
	for i, loc := range l.sources.Corpus {
		g.Go(func() error {
			data, err := l.fetch(gctx, loc)
			if err != nil {
				return err
			}
			corpora[i] = string(data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	var out []vuln.FeedRecord
	for _, rs := range records {
		out = append(out, rs...)
	}
	return out, strings.Join(corpora, "\n"), nil
}

func (l *Loader) fetch(ctx context.Context, loc string) ([]byte, error) {
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
		data, err := os.ReadFile(loc) //nolint:gosec // feed paths come from operator config
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", loc, err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", loc, err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := l.client.Do(req) //nolint:gosec // G704: feed URLs come from operator config
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", loc, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", loc, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", loc, err)
	}
	return data, nil
}
