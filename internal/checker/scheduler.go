package checker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/bahmany/censorship-hunter-sub000/internal/candidate"
	"github.com/bahmany/censorship-hunter-sub000/internal/logging"
)

// testTask is an immutable wrapper over a candidate snapshot taken at
// enqueue time. Ordering key: (tier ascending, submission sequence
// ascending) — strict FIFO within a tier.
type testTask struct {
	c    *candidate.Candidate
	tier candidate.Tier
	seq  uint64
}

// progressCounter is the shared, synchronized test counter the scheduler
// owns and hands around by reference.
type progressCounter struct {
	mu     sync.Mutex
	tested int
	total  int
}

func (pc *progressCounter) addTotal(n int) {
	pc.mu.Lock()
	pc.total += n
	pc.mu.Unlock()
}

func (pc *progressCounter) addTested(n int) (tested, total int) {
	pc.mu.Lock()
	pc.tested += n
	tested, total = pc.tested, pc.total
	pc.mu.Unlock()
	return tested, total
}

// Scheduler drains four protocol-keyed priority queues through a bounded
// worker pool in fixed-size batches. A dedicated goroutine drives the
// draining so worker slots carry verification work only.
type Scheduler struct {
	v    *Verifier
	opts Options
	log  logging.Logger
	pool *ants.Pool

	mu     sync.Mutex
	queues map[candidate.Protocol][]*testTask
	seq    uint64

	progress *progressCounter

	// cancellation flag, observed between batches; bumping generation
	// makes in-flight stragglers drop their eventual results
	cancelled  atomic.Bool
	generation atomic.Uint64

	wake chan struct{}
	done chan struct{}

	// Callbacks; set before Submit. All optional.
	OnProgress Progress
	OnResult   ResultFunc
	OnFinished func()
}

// NewScheduler builds a Scheduler over the given verifier and starts its
// drain goroutine.
func NewScheduler(v *Verifier, log logging.Logger) (*Scheduler, error) {
	if log == nil {
		log = logging.Nop()
	}
	opts := v.opts
	pool, err := ants.NewPool(opts.MaxWorkers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		v:        v,
		opts:     opts,
		log:      log,
		pool:     pool,
		queues:   make(map[candidate.Protocol][]*testTask, len(candidate.Protocols)),
		progress: &progressCounter{},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.drain()
	return s, nil
}

// Submit buckets candidates into their protocol queues. Unknown-scheme
// candidates are dropped with a log line. Never blocks on a full worker
// pool; backpressure is absorbed batch by batch.
func (s *Scheduler) Submit(cands []*candidate.Candidate) {
	if s.cancelled.Load() {
		return
	}
	accepted := 0
	s.mu.Lock()
	for _, c := range cands {
		if c.Protocol == candidate.ProtoUnknown {
			s.log.Printf("dropping unknown scheme: %s", c.URI)
			continue
		}
		s.seq++
		s.queues[c.Protocol] = append(s.queues[c.Protocol], &testTask{
			c:    c,
			tier: c.Tier(),
			seq:  s.seq,
		})
		accepted++
	}
	for _, proto := range candidate.Protocols {
		q := s.queues[proto]
		sort.SliceStable(q, func(i, j int) bool {
			if q[i].tier != q[j].tier {
				return q[i].tier < q[j].tier
			}
			return q[i].seq < q[j].seq
		})
	}
	// bump the total before releasing the queues so no worker can report
	// a tested count ahead of it
	s.progress.addTotal(accepted)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop sets the cancellation flag. The in-flight batch finishes or times
// out, its late results are discarded, queues are cleared, and no further
// batch starts.
func (s *Scheduler) Stop() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.generation.Add(1)
	s.mu.Lock()
	s.queues = make(map[candidate.Protocol][]*testTask, len(candidate.Protocols))
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
	s.pool.Release()
}

// drain is the dedicated processing goroutine. Queues are drained in a
// fixed protocol order, one queue fully emptied before the next begins.
func (s *Scheduler) drain() {
	defer close(s.done)
	for {
		if s.cancelled.Load() {
			return
		}
		if !s.hasWork() {
			<-s.wake
			continue
		}
		for _, proto := range candidate.Protocols {
			for {
				if s.cancelled.Load() {
					return
				}
				batch := s.pop(proto, s.opts.batchSize(s.v.TunnelMode()))
				if len(batch) == 0 {
					break
				}
				s.runBatch(batch)
				// throttle subprocess churn, but only when more work remains
				if s.hasWork() && !s.cancelled.Load() {
					time.Sleep(s.opts.InterBatchPause)
				}
			}
		}
		if !s.hasWork() && s.OnFinished != nil && !s.cancelled.Load() {
			s.OnFinished()
		}
	}
}

func (s *Scheduler) hasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

func (s *Scheduler) pop(proto candidate.Protocol, n int) []*testTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[proto]
	if len(q) == 0 {
		return nil
	}
	if n > len(q) {
		n = len(q)
	}
	batch := q[:n]
	s.queues[proto] = q[n:]
	return batch
}

// runBatch pushes one batch into the worker pool and blocks until every
// member reports completion or the batch deadline elapses. Stragglers are
// abandoned: the generation bump makes their eventual results invisible.
func (s *Scheduler) runBatch(batch []*testTask) {
	gen := s.generation.Load()
	remaining := int64(len(batch))
	batchDone := make(chan struct{})

	for _, t := range batch {
		t := t
		job := func() {
			res, err := s.v.Verify(t.c)
			if err == nil && s.generation.Load() == gen {
				t.c.Apply(res)
				if s.OnResult != nil {
					s.OnResult(t.c, res)
				}
			}
			if atomic.AddInt64(&remaining, -1) == 0 {
				close(batchDone)
			}
		}
		if err := s.pool.Submit(job); err != nil {
			// pool saturated: the submitting goroutine runs the task
			// itself instead of dropping it or blocking forever
			job()
		}
	}

	select {
	case <-batchDone:
	case <-time.After(s.opts.batchTimeout(s.v.TunnelMode())):
		s.log.Printf("batch timed out, abandoning %d stragglers", atomic.LoadInt64(&remaining))
		s.generation.Add(1)
	}

	tested, total := s.progress.addTested(len(batch))
	if s.OnProgress != nil {
		s.OnProgress(tested, total)
	}
}
