package candidate

import (
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Store holds every Candidate we have seen, keyed by identity. Candidates
// are never deleted by the core; they are re-ranked as results come in.
type Store struct {
	plot cmap.ConcurrentMap[string, *Candidate]
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{plot: cmap.New[*Candidate]()}
}

// Add inserts a candidate unless its identity is already present, in which
// case the existing entry is returned. The boolean is true on fresh insert.
func (s *Store) Add(c *Candidate) (*Candidate, bool) {
	if ok := s.plot.SetIfAbsent(c.Key(), c); ok {
		return c, true
	}
	existing, _ := s.plot.Get(c.Key())
	return existing, false
}

// Get looks a candidate up by identity key.
func (s *Store) Get(key string) (*Candidate, bool) {
	return s.plot.Get(key)
}

// Len returns the number of tracked candidates.
func (s *Store) Len() int { return s.plot.Count() }

// Snapshot copies the current candidate set.
func (s *Store) Snapshot() []*Candidate {
	out := make([]*Candidate, 0, s.plot.Count())
	for item := range s.plot.IterBuffered() {
		out = append(out, item.Val)
	}
	return out
}

// Ranked returns tested successes ordered by ascending latency. When flag
// is non-empty only candidates carrying that accessibility flag qualify.
func (s *Store) Ranked(flag string) []*Candidate {
	var out []*Candidate
	for item := range s.plot.IterBuffered() {
		c := item.Val
		if c.Latency() <= 0 {
			continue
		}
		if flag != "" && !c.Flag(flag) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Latency() < out[j].Latency()
	})
	return out
}
