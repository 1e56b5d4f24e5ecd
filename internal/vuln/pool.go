package vuln

import (
	"sort"
	"strings"
	"sync"
)

// Pool holds the current candidate snapshot. Replace swaps the whole batch;
// readers always see a consistent snapshot.
type Pool struct {
	mu    sync.RWMutex
	items []Candidate
	byID  map[string]int
}

// NewPool returns a pool seeded with the given candidates.
func NewPool(candidates []Candidate) *Pool {
	p := &Pool{}
	p.Replace(candidates)
	return p
}

// Replace installs a new candidate batch.
func (p *Pool) Replace(candidates []Candidate) {
	items := make([]Candidate, len(candidates))
	copy(items, candidates)
	byID := make(map[string]int, len(items))
	for i, c := range items {
		byID[NormalizeID(c.ID)] = i
	}

	p.mu.Lock()
	p.items = items
	p.byID = byID
	p.mu.Unlock()
}

// Snapshot returns the current candidates. The slice must not be modified.
func (p *Pool) Snapshot() []Candidate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.items
}

// Len returns the number of candidates.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Get looks a candidate up by identifier, case-insensitively.
func (p *Pool) Get(id string) (Candidate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, ok := p.byID[NormalizeID(id)]
	if !ok {
		return Candidate{}, false
	}
	return p.items[i], true
}

// Search returns up to limit candidates whose title or context contains any of the
// query's tokens, ordered by number of distinct token hits then ID.
func (p *Pool) Search(query string, limit int) []Candidate {
	terms := Tokenize(query)
	if len(terms) == 0 || limit <= 0 {
		return nil
	}

	type hit struct {
		c     Candidate
		count int
	}
	var hits []hit
	for _, c := range p.Snapshot() {
		words := wordSet(c.Title, c.RawContext, strings.ToLower(c.ID))
		n := 0
		for _, t := range terms {
			if _, ok := words[t]; ok {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, hit{c, n})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].count != hits[j].count {
			return hits[i].count > hits[j].count
		}
		return hits[i].c.ID < hits[j].c.ID
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Candidate, len(hits))
	for i, h := range hits {
		out[i] = h.c
	}
	return out
}
