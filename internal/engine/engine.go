// Package engine wires the acquire→verify→serve loop: candidates go
// through the checker, ranked successes become balancer backends, and the
// front ends serve whatever is currently alive.
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/bahmany/censorship-hunter-sub000/internal/balancer"
	"github.com/bahmany/censorship-hunter-sub000/internal/candidate"
	"github.com/bahmany/censorship-hunter-sub000/internal/checker"
	"github.com/bahmany/censorship-hunter-sub000/internal/logging"
	"github.com/bahmany/censorship-hunter-sub000/internal/resultcache"
	"github.com/bahmany/censorship-hunter-sub000/internal/tunnel"
)

// Tier names for the two serving pools.
const (
	TierGeneral    = "general"
	TierRestricted = "restricted"
)

// Params configures an Engine. Compiler and Runtime may be nil to run in
// TCP-only fallback mode (no backends will start in that mode).
type Params struct {
	Logger      logging.Logger
	Checker     checker.Options
	Compiler    tunnel.Compiler
	Runtime     tunnel.Runtime
	PortStart   int
	PortEnd     int
	MaxBackends int
	Strategy    balancer.Strategy
	CacheTTL    time.Duration
}

// Engine owns the candidate store, the verification pipeline, both
// serving pools, and the statistics.
type Engine struct {
	log   logging.Logger
	store *candidate.Store
	cache *resultcache.Cache
	sched *checker.Scheduler
	mgr   *balancer.Manager
	ports *tunnel.PortAllocator

	General    *balancer.Pool
	Restricted *balancer.Pool

	maxBackends int
	stats       *Stats

	passMu   sync.Mutex
	passDone chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// New assembles an Engine from Params.
func New(p Params) (*Engine, error) {
	log := p.Logger
	if log == nil {
		log = logging.Nop()
	}
	if p.PortStart == 0 {
		p.PortStart, p.PortEnd = 20000, 30000
	}
	if p.MaxBackends <= 0 {
		p.MaxBackends = 3
	}

	e := &Engine{
		log:         log,
		store:       candidate.NewStore(),
		cache:       resultcache.New(p.CacheTTL),
		ports:       tunnel.NewPortAllocator(p.PortStart, p.PortEnd),
		maxBackends: p.MaxBackends,
		stats:       newStats(),
		passDone:    make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}

	verifier := checker.NewVerifier(p.Checker, log, p.Compiler, p.Runtime, e.ports, e.cache)
	sched, err := checker.NewScheduler(verifier, log)
	if err != nil {
		return nil, err
	}
	e.sched = sched

	e.mgr = balancer.NewManager(log, p.Compiler, p.Runtime, e.ports)
	e.General = balancer.NewPool(TierGeneral, log, e.mgr, p.Strategy)
	e.Restricted = balancer.NewPool(TierRestricted, log, e.mgr, p.Strategy)

	sched.OnProgress = func(tested, total int) {
		log.Printf("verification progress: %d/%d", tested, total)
	}
	sched.OnResult = func(c *candidate.Candidate, res candidate.Result) {
		e.stats.record(res)
		log.Printf("%s: %s", c.URI, res)
	}
	sched.OnFinished = func() {
		e.updatePools()
		select {
		case e.passDone <- struct{}{}:
		default:
		}
	}
	return e, nil
}

// Load parses raw proxy URIs into the store, skipping duplicates and
// unknown schemes. Returns how many new candidates were added.
func (e *Engine) Load(uris []string) int {
	added := 0
	for _, uri := range uris {
		c := candidate.New(uri)
		if c.Protocol == candidate.ProtoUnknown {
			e.log.Printf("ignoring unsupported URI scheme: %s", uri)
			continue
		}
		if c.Host() != "" && !c.HostIsLiteral() && !c.HostIsDomain() {
			e.log.Printf("ignoring malformed host: %s", uri)
			continue
		}
		if _, fresh := e.store.Add(c); fresh {
			added++
		}
	}
	return added
}

// ErrNoCandidates is returned by RunPass on an empty store.
var ErrNoCandidates = errors.New("engine: no candidates loaded")

// ErrStopped is returned by RunPass when the engine is stopped before
// the pass can finish.
var ErrStopped = errors.New("engine: stopped")

// RunPass verifies every known candidate and, once the pass completes,
// refreshes both serving pools from the same results: the general pool
// takes any success, the restricted pool only flagged successes.
func (e *Engine) RunPass() error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}

	cands := e.store.Snapshot()
	if len(cands) == 0 {
		return ErrNoCandidates
	}
	e.sched.Submit(cands)
	select {
	case <-e.passDone:
		return nil
	case <-e.stopped:
		return ErrStopped
	}
}

func (e *Engine) updatePools() {
	e.General.Update(e.store.Ranked(""), e.maxBackends)
	e.Restricted.Update(e.store.Ranked(candidate.FlagRestricted), e.maxBackends)
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() StatsSnapshot { return e.stats.snapshot() }

// Store exposes the candidate store for inspection.
func (e *Engine) Store() *candidate.Store { return e.store }

// Stop halts verification and tears down every backend. In-flight batch
// work finishes or times out; its results are discarded, and a pending
// RunPass unblocks with ErrStopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopped) })
	e.sched.Stop()
	e.General.Shutdown()
	e.Restricted.Shutdown()
}
