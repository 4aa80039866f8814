package balancer

import (
	"sync"
	"sync/atomic"

	"git.tcp.direct/kayos/common/entropy"

	"github.com/bahmany/censorship-hunter-sub000/internal/candidate"
	"github.com/bahmany/censorship-hunter-sub000/internal/logging"
)

// Strategy selects which live backend serves the next client connection.
type Strategy int

const (
	// RoundRobin cycles through running backends in stable order.
	RoundRobin Strategy = iota
	// FastestFirst always picks the lowest-latency running backend.
	FastestFirst
	// WeightedRandom draws randomly, weighting by inverse latency.
	WeightedRandom
)

// ParseStrategy maps a config string onto a Strategy, defaulting to
// round-robin.
func ParseStrategy(s string) Strategy {
	switch s {
	case "fastest":
		return FastestFirst
	case "random", "weighted":
		return WeightedRandom
	default:
		return RoundRobin
	}
}

// Pool is the live backend set for one serving tier. The backend list is
// replaced wholesale on update — a reader sees the old list or the new
// one, never a half-updated one.
type Pool struct {
	Name string

	log logging.Logger
	mgr *Manager

	strategy Strategy
	cursor   atomic.Uint64

	mu       sync.Mutex // serializes Update and dead-backend purges
	backends atomic.Value
}

// NewPool returns an empty pool for one tier.
func NewPool(name string, log logging.Logger, mgr *Manager, strategy Strategy) *Pool {
	if log == nil {
		log = logging.Nop()
	}
	p := &Pool{Name: name, log: log, mgr: mgr, strategy: strategy}
	p.backends.Store([]*Backend{})
	return p
}

func (p *Pool) load() []*Backend {
	return p.backends.Load().([]*Backend)
}

// Len reports the current backend count, running or not.
func (p *Pool) Len() int { return len(p.load()) }

// Update replaces the pool: every current backend is stopped, then up to
// max new ones are started from the front of the ranked list (tested
// successes, ascending latency), and the list is swapped in atomically.
func (p *Pool) Update(ranked []*candidate.Candidate, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.load() {
		p.mgr.Stop(b)
	}

	fresh := make([]*Backend, 0, max)
	for _, c := range ranked {
		if len(fresh) >= max {
			break
		}
		b, err := p.mgr.Start(c)
		if err != nil {
			p.log.Printf("pool %s: skipping %s: %v", p.Name, c.URI, err)
			continue
		}
		fresh = append(fresh, b)
	}
	p.backends.Store(fresh)
	p.cursor.Store(0)
	p.log.Printf("pool %s: serving %d backends", p.Name, len(fresh))
}

// Shutdown stops every backend and empties the pool.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.load() {
		p.mgr.Stop(b)
	}
	p.backends.Store([]*Backend{})
}

// SelectNext picks a running backend by strategy. A backend discovered
// dead during selection is purged from the pool and selection retries.
// Returns nil when the pool is exhausted.
func (p *Pool) SelectNext() *Backend {
	for {
		list := p.load()
		if len(list) == 0 {
			return nil
		}
		b := p.pick(list)
		if b.Running() {
			return b
		}
		p.purge(b)
	}
}

func (p *Pool) pick(list []*Backend) *Backend {
	switch p.strategy {
	case FastestFirst:
		// list order is the ranked order from Update
		return list[0]
	case WeightedRandom:
		return weightedDraw(list)
	default:
		idx := (p.cursor.Add(1) - 1) % uint64(len(list))
		return list[idx]
	}
}

// purge removes one dead backend, swapping in a shortened list. The dead
// backend is also stopped so its port and config artifact are reclaimed.
func (p *Pool) purge(dead *Backend) {
	p.mu.Lock()
	list := p.load()
	fresh := make([]*Backend, 0, len(list))
	for _, b := range list {
		if b != dead {
			fresh = append(fresh, b)
		}
	}
	p.backends.Store(fresh)
	p.mu.Unlock()
	p.mgr.Stop(dead)
	p.log.Printf("pool %s: purged dead backend :%d, %d remain", p.Name, dead.Port, len(fresh))
}

// weightedDraw favors low-latency backends: each backend gets weight
// inversely proportional to its candidate's verified latency.
func weightedDraw(list []*Backend) *Backend {
	total := 0
	weights := make([]int, len(list))
	for i, b := range list {
		l := b.Candidate.Latency()
		if l < 1 {
			l = 1
		}
		w := int(100000 / l)
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	n := entropy.RNG(total)
	for i, w := range weights {
		if n < w {
			return list[i]
		}
		n -= w
	}
	return list[len(list)-1]
}
