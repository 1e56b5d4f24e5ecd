package feeds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/certguard/internal/vuln"
)

// errEmptyBuild guards against replacing a populated pool with nothing.
var errEmptyBuild = errors.New("feeds produced no candidates")

// Source yields feed records and a free-text corpus.
type Source interface {
	Load(ctx context.Context) ([]vuln.FeedRecord, string, error)
}

// Refresher rebuilds a candidate pool from a Source.
type Refresher struct {
	source    Source
	pool      *vuln.Pool
	logger    log.Logger
	onRefresh func(size int)
}

// NewRefresher returns a Refresher. onRefresh, if non-nil, is called with the pool size
// after every successful refresh.
func NewRefresher(source Source, pool *vuln.Pool, logger log.Logger, onRefresh func(size int)) *Refresher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Refresher{source: source, pool: pool, logger: logger, onRefresh: onRefresh}
}

// Refresh loads, builds and installs a new batch. On failure the current pool is kept.
func (r *Refresher) Refresh(ctx context.Context) error {
	start := time.Now()
	records, corpus, err := r.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}
	candidates := vuln.Build(records, corpus)
	if len(candidates) == 0 && r.pool.Len() > 0 {
		return errEmptyBuild
	}
	r.pool.Replace(candidates)
	if r.onRefresh != nil {
		r.onRefresh(len(candidates))
	}
	r.logger.Info(ctx, "candidate pool refreshed",
		"records", len(records),
		"candidates", len(candidates),
		"duration", time.Since(start),
	)
	return nil
}

// Run refreshes every interval until ctx is done. Failures are logged and the
// previous pool stays in service.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn(ctx, "feed refresh failed, keeping previous pool", "error", err, "pool_size", r.pool.Len())
			}
		}
	}
}
