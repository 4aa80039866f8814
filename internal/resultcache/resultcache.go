// Package resultcache memoizes verification outcomes for a bounded window
// so a recently tested endpoint is not probed again, and guards against two
// workers verifying the same endpoint concurrently.
package resultcache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/bahmany/censorship-hunter-sub000/internal/candidate"
)

// DefaultTTL is how long a verification outcome stays authoritative.
const DefaultTTL = 10 * time.Minute

// Cache is a TTL-bounded memo of endpoint identity to outcome.
type Cache struct {
	results *gocache.Cache

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New returns a Cache with the given TTL; zero means DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		results:  gocache.New(ttl, ttl),
		inflight: make(map[string]struct{}),
	}
}

// Lookup returns a fresh cached result. Expired entries are invisible.
func (c *Cache) Lookup(key string) (candidate.Result, bool) {
	v, ok := c.results.Get(key)
	if !ok {
		return candidate.Result{}, false
	}
	return v.(candidate.Result), true
}

// BeginProbe is the check-then-act gate executed as one unit: it returns a
// fresh cached result when one exists, reports whether another worker is
// already probing this key, and otherwise claims the key for the caller.
// A caller that gets claimed=true must call EndProbe or AbortProbe.
func (c *Cache) BeginProbe(key string) (res candidate.Result, cached bool, claimed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.results.Get(key); ok {
		return v.(candidate.Result), true, false
	}
	if _, busy := c.inflight[key]; busy {
		return candidate.Result{}, false, false
	}
	c.inflight[key] = struct{}{}
	return candidate.Result{}, false, true
}

// EndProbe records the outcome claimed by BeginProbe and releases the key.
func (c *Cache) EndProbe(key string, res candidate.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results.SetDefault(key, res)
	delete(c.inflight, key)
}

// AbortProbe releases a claimed key without recording anything, used when
// a result is discarded after cancellation.
func (c *Cache) AbortProbe(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
}

// Len reports the number of unexpired entries, for stats output.
func (c *Cache) Len() int { return c.results.ItemCount() }
