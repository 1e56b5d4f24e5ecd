// Package memstore provides an in-memory implementation of enrichment.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/certguard/internal/enrichment"
)

type entry struct {
	records   []enrichment.Record
	expiresAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how long an identity lives after its last append.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithMaxRecords caps the records kept per identity.
func WithMaxRecords(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRecords = n
		}
	}
}

// WithClock sets the time source for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds enrichment records in memory. Suitable for single-instance deployments
// and tests. Appends for one identity are serialized under the store lock.
type Store struct {
	mu         sync.Mutex
	entries    map[string]*entry // submitter ID -> records
	retention  time.Duration
	maxRecords int
	now        func() time.Time
}

// New initializes a new in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries:    make(map[string]*entry),
		retention:  enrichment.DefaultRetention,
		maxRecords: enrichment.DefaultMaxRecords,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append stores a copy of rec and restarts the identity's retention window.
func (s *Store) Append(_ context.Context, submitterID string, rec *enrichment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[submitterID]
	if !ok || !now.Before(e.expiresAt) {
		e = &entry{}
		s.entries[submitterID] = e
	}
	e.records = enrichment.MergeRecords(e.records, rec, s.maxRecords)
	e.expiresAt = now.Add(s.retention)
	return nil
}

// List returns copies of the identity's records. Expired entries read as empty and
// are dropped.
func (s *Store) List(_ context.Context, submitterID string) (*enrichment.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[submitterID]
	if !ok {
		return enrichment.NewList(nil), nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, submitterID)
		return enrichment.NewList(nil), nil
	}
	out := make([]enrichment.Record, len(e.records))
	for i := range e.records {
		out[i] = *e.records[i].Clone()
	}
	return enrichment.NewList(out), nil
}

// Sweep removes expired identities and returns how many were removed.
func (s *Store) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of identities held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
