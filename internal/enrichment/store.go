package enrichment

import (
	"context"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

const (
	// DefaultRetention is how long an identity's records live after its last append.
	DefaultRetention = time.Hour
	// DefaultMaxRecords caps the records kept per identity.
	DefaultMaxRecords = 10
)

// Store persists enrichment records per submitter identity.
type Store interface {
	// Append adds rec to submitterID's list, refreshing the retention window.
	Append(ctx context.Context, submitterID string, rec *Record) error
	// List returns submitterID's unexpired records, newest first. Unknown identities
	// yield an empty list.
	List(ctx context.Context, submitterID string) (*List, error)
}

// MergeRecords appends rec, orders by effective time newest first and truncates to limit.
// existing is not modified.
func MergeRecords(existing []Record, rec *Record, limit int) []Record {
	if limit <= 0 {
		limit = DefaultMaxRecords
	}
	out := make([]Record, 0, len(existing)+1)
	for i := range existing {
		out = append(out, *existing[i].Clone())
	}
	out = append(out, *rec.Clone())
	slices.SortStableFunc(out, func(a, b Record) int {
		return b.EffectiveTime().Compare(a.EffectiveTime())
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Sweeper removes expired identities from a store.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RunJanitor sweeps s every interval until ctx is done.
func RunJanitor(ctx context.Context, s Sweeper, interval time.Duration, logger log.Logger) {
	if logger == nil {
		logger = log.Nop()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn(ctx, "store sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info(ctx, "expired enrichment entries removed", "count", n)
			}
		}
	}
}
