package engine

import (
	"sync"
	"time"

	"github.com/bahmany/censorship-hunter-sub000/internal/candidate"
)

// Stats counts verification outcomes since the engine was born.
type Stats struct {
	mu         sync.Mutex
	checked    int64
	valid      int64
	restricted int64
	dispensed  int64
	birthday   time.Time
}

func newStats() *Stats {
	return &Stats{birthday: time.Now()}
}

func (s *Stats) record(res candidate.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked++
	if res.Success {
		s.valid++
		if res.Flags[candidate.FlagRestricted] {
			s.restricted++
		}
	}
}

func (s *Stats) dispense() {
	s.mu.Lock()
	s.dispensed++
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Checked    int64
	Valid      int64
	Restricted int64
	Dispensed  int64
	Uptime     time.Duration
}

func (s *Stats) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Checked:    s.checked,
		Valid:      s.valid,
		Restricted: s.restricted,
		Dispensed:  s.dispensed,
		Uptime:     time.Since(s.birthday),
	}
}
