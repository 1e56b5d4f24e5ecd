package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/certguard/internal/cfg"
	"github.com/linnemanlabs/certguard/internal/enrichment"
	"github.com/linnemanlabs/certguard/internal/enrichment/memstore"
	"github.com/linnemanlabs/certguard/internal/enrichment/pgstore"
	"github.com/linnemanlabs/certguard/internal/feeds"
	"github.com/linnemanlabs/certguard/internal/postgres"
	"github.com/linnemanlabs/certguard/internal/vuln"
)

// resultStore is what main needs from either store backend.
type resultStore interface {
	enrichment.Store
	enrichment.Sweeper
}

// openStore returns the postgres store when a database URL is configured, otherwise
// the in-memory store. closeFn releases the backend.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (store resultStore, closeFn func(), err error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(
			memstore.WithRetention(c.Retention()),
			memstore.WithMaxRecords(c.MaxRecordsPerIdentity),
		), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, c.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	pg, err := pgstore.New(ctx, pool,
		pgstore.WithRetention(c.Retention()),
		pgstore.WithMaxRecords(c.MaxRecordsPerIdentity),
	)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres store")
	return pg, pool.Close, nil
}

// correlationWeights starts from the defaults, applies the optional weights file and
// then the threshold flag.
func correlationWeights(c *vc.Config) (vuln.Weights, error) {
	w := vuln.DefaultWeights()
	if c.ScoringWeightsFile != "" {
		loaded, err := vuln.LoadWeights(c.ScoringWeightsFile)
		if err != nil {
			return w, err
		}
		w = loaded
	}
	w.Threshold = c.CorrelationConfidenceThreshold
	if err := w.Validate(); err != nil {
		return w, fmt.Errorf("correlation weights: %w", err)
	}
	return w, nil
}

func feedSources(c *vc.Config) feeds.Sources {
	return feeds.Sources{
		KEV:      strings.TrimSpace(c.KEVFeed),
		NVD:      splitList(c.NVDFeed),
		Advisory: splitList(c.AdvisoryFeed),
		Corpus:   splitList(c.CorpusFile),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
