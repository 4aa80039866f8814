package checker

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bahmany/censorship-hunter-sub000/internal/candidate"
	"github.com/bahmany/censorship-hunter-sub000/internal/resultcache"
	"github.com/bahmany/censorship-hunter-sub000/internal/tunnel"
	"github.com/bahmany/censorship-hunter-sub000/internal/tunnel/tunneltest"
)

type testLogger struct{ t *testing.T }

func (tl testLogger) Print(str string)                       { tl.t.Log(str) }
func (tl testLogger) Printf(format string, a ...interface{}) { tl.t.Logf(format, a...) }
func (tl testLogger) Errorf(format string, a ...interface{}) { tl.t.Logf(format, a...) }

// dummyEndpoint is a bare TCP listener standing in for a remote proxy
// endpoint so the IP-literal prefilter has something to connect to.
func dummyEndpoint(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

// dummyHTTPTarget answers every connection with the given status line.
func dummyHTTPTarget(t *testing.T, status string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, aerr := ln.Accept()
			if aerr != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				_, _ = c.Read(buf)
				_, _ = fmt.Fprintf(c, "HTTP/1.1 %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", status)
			}(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

// routedRuntime builds a SOCKS runtime whose probe hosts resolve to the
// given local stand-ins; unrouted hosts are unreachable.
func routedRuntime(routes map[string]string) *tunneltest.Runtime {
	router := tunneltest.NewRouter()
	for host, target := range routes {
		router.Route(host, target)
	}
	return tunneltest.NewRoutedRuntime(router)
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.PrefilterTimeout = 500 * time.Millisecond
	opts.FallbackTimeout = 500 * time.Millisecond
	opts.ProbeTimeout = 2 * time.Second
	opts.PortWaitDeadline = 500 * time.Millisecond
	opts.PortWaitPoll = 20 * time.Millisecond
	opts.BatchTimeoutTunnel = 5 * time.Second
	opts.BatchTimeoutTCP = 5 * time.Second
	opts.InterBatchPause = 10 * time.Millisecond
	return opts
}

func newTunnelVerifier(t *testing.T, rt *tunneltest.Runtime, opts Options) *Verifier {
	t.Helper()
	ports := tunnel.NewPortAllocator(34000, 35000)
	cache := resultcache.New(time.Minute)
	return NewVerifier(opts, testLogger{t}, tunneltest.Compiler(), rt, ports, cache)
}

func TestVerifierEndToEnd(t *testing.T) {
	endpoint := dummyEndpoint(t)
	okTarget := dummyHTTPTarget(t, "204 No Content")
	opts := fastOptions()
	rt := routedRuntime(map[string]string{
		opts.Primary.Host:    okTarget,
		opts.Restricted.Host: okTarget,
	})
	v := newTunnelVerifier(t, rt, opts)

	good := candidate.New("vless://uuid@" + endpoint + "?security=none")
	res, err := v.Verify(good)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Success {
		t.Fatal("good candidate failed")
	}
	if res.LatencyMs <= 0 {
		t.Errorf("latency = %d, want > 0", res.LatencyMs)
	}
	if !res.Flags[candidate.FlagRestricted] {
		t.Error("restricted flag not set")
	}

	// unroutable endpoint: prefilter rejects it before anything spawns
	spawnedBefore := rt.Spawned()
	bad := candidate.New("vless://uuid@127.0.0.1:1")
	res, err = v.Verify(bad)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Success {
		t.Fatal("unroutable candidate verified")
	}
	if res.LatencyMs != candidate.LatencyUntested {
		t.Errorf("failed latency = %d, want %d", res.LatencyMs, candidate.LatencyUntested)
	}
	if rt.Spawned() != spawnedBefore {
		t.Errorf("prefilter failure still spawned a tunnel")
	}
}

func TestVerifierCacheHitSuppressesReverification(t *testing.T) {
	endpoint := dummyEndpoint(t)
	okTarget := dummyHTTPTarget(t, "200 OK")
	opts := fastOptions()
	rt := routedRuntime(map[string]string{
		opts.Primary.Host:    okTarget,
		opts.Restricted.Host: okTarget,
	})
	v := newTunnelVerifier(t, rt, opts)

	uri := "vless://uuid@" + endpoint
	first, err := v.Verify(candidate.New(uri))
	if err != nil || !first.Success {
		t.Fatalf("first pass: %v %v", first, err)
	}
	second, err := v.Verify(candidate.New(uri))
	if err != nil {
		t.Fatal(err)
	}
	if second.LatencyMs != first.LatencyMs {
		t.Error("second result did not come from the cache")
	}
	if rt.Spawned() != 1 {
		t.Errorf("spawns = %d, want exactly 1", rt.Spawned())
	}
}

func TestVerifierRestrictedProbeFailureDoesNotFailCandidate(t *testing.T) {
	endpoint := dummyEndpoint(t)
	okTarget := dummyHTTPTarget(t, "204 No Content")
	opts := fastOptions()
	rt := routedRuntime(map[string]string{
		opts.Primary.Host: okTarget,
		// restricted host deliberately unrouted
	})
	v := newTunnelVerifier(t, rt, opts)

	res, err := v.Verify(candidate.New("vless://uuid@" + endpoint))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatal("candidate should succeed on the primary probe alone")
	}
	if res.Flags[candidate.FlagRestricted] {
		t.Error("restricted flag set despite unreachable restricted host")
	}
}

func TestVerifierClearsStaleRestrictedFlag(t *testing.T) {
	endpoint := dummyEndpoint(t)
	okTarget := dummyHTTPTarget(t, "204 No Content")
	opts := fastOptions()
	router := tunneltest.NewRouter()
	router.Route(opts.Primary.Host, okTarget)
	router.Route(opts.Restricted.Host, okTarget)
	rt := tunneltest.NewRoutedRuntime(router)

	c := candidate.New("vless://uuid@" + endpoint)
	res, err := newTunnelVerifier(t, rt, opts).Verify(c)
	if err != nil || !res.Success {
		t.Fatalf("first pass: %v %v", res, err)
	}
	c.Apply(res)
	if !c.Flag(candidate.FlagRestricted) {
		t.Fatal("restricted flag not set while the restricted host is up")
	}

	// the restricted host goes dark; a fresh verification (new cache)
	// must clear the flag rather than carry the old value forward
	router.Route(opts.Restricted.Host, "")
	res, err = newTunnelVerifier(t, rt, opts).Verify(c)
	if err != nil || !res.Success {
		t.Fatalf("second pass: %v %v", res, err)
	}
	c.Apply(res)
	if c.Flag(candidate.FlagRestricted) {
		t.Error("stale restricted flag survived re-verification")
	}
}

func TestVerifierRejectsBadPrimaryStatus(t *testing.T) {
	endpoint := dummyEndpoint(t)
	target := dummyHTTPTarget(t, "403 Forbidden")
	opts := fastOptions()
	rt := routedRuntime(map[string]string{
		opts.Primary.Host:    target,
		opts.Restricted.Host: target,
	})
	v := newTunnelVerifier(t, rt, opts)

	res, err := v.Verify(candidate.New("vless://uuid@" + endpoint))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("403 on primary probe must fail the candidate")
	}
}

func TestVerifierFallbackMode(t *testing.T) {
	endpoint := dummyEndpoint(t)
	v := NewVerifier(fastOptions(), testLogger{t}, nil, nil, nil, resultcache.New(time.Minute))
	if v.TunnelMode() {
		t.Fatal("fallback verifier reports tunnel mode")
	}

	res, err := v.Verify(candidate.New("vless://uuid@" + endpoint))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.LatencyMs <= 0 {
		t.Errorf("reachable endpoint: %v", res)
	}

	res, err = v.Verify(candidate.New("vless://uuid@127.0.0.1:1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("closed port reported reachable")
	}
}

func TestSchedulerPriorityOrderWithinQueue(t *testing.T) {
	endpoint := dummyEndpoint(t)
	opts := fastOptions()
	opts.BatchSizeTCP = 1 // serialize so completion order is observable
	v := NewVerifier(opts, testLogger{t}, nil, nil, nil, resultcache.New(time.Minute))
	s, err := NewScheduler(v, testLogger{t})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	mk := func(name string, latency int64) *candidate.Candidate {
		c := candidate.New("vless://" + name + "@" + endpoint)
		if latency > 0 {
			c.Apply(candidate.Result{Success: true, LatencyMs: latency, Timestamp: time.Now()})
		}
		return c
	}
	// interleave LOW (untested) and HIGH (fast history) submissions
	low1, high1 := mk("low1", 0), mk("high1", 100)
	low2, high2 := mk("low2", 0), mk("high2", 150)

	var mu sync.Mutex
	var order []string
	finished := make(chan struct{})
	s.OnResult = func(c *candidate.Candidate, _ candidate.Result) {
		mu.Lock()
		order = append(order, strings.SplitN(strings.TrimPrefix(c.URI, "vless://"), "@", 2)[0])
		mu.Unlock()
	}
	s.OnFinished = func() { close(finished) }

	s.Submit([]*candidate.Candidate{low1, high1, low2, high2})

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler never finished")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high1", "high2", "low1", "low2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSchedulerBoundedConcurrency(t *testing.T) {
	endpoint := dummyEndpoint(t)
	okTarget := dummyHTTPTarget(t, "204 No Content")
	opts := fastOptions()
	opts.BatchSizeTunnel = 3
	rt := routedRuntime(map[string]string{
		opts.Primary.Host:    okTarget,
		opts.Restricted.Host: okTarget,
	})
	v := newTunnelVerifier(t, rt, opts)
	s, err := NewScheduler(v, testLogger{t})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	var cands []*candidate.Candidate
	for i := 0; i < 12; i++ {
		cands = append(cands, candidate.New(fmt.Sprintf("vless://c%d@%s", i, endpoint)))
	}
	finished := make(chan struct{})
	s.OnFinished = func() { close(finished) }
	s.OnProgress = func(tested, total int) {
		if tested > total {
			t.Errorf("progress ran ahead of the submitted total: %d/%d", tested, total)
		}
	}
	s.Submit(cands)

	select {
	case <-finished:
	case <-time.After(30 * time.Second):
		t.Fatal("scheduler never finished")
	}
	if rt.Peak() > opts.BatchSizeTunnel {
		t.Errorf("peak concurrent tunnels = %d, want <= %d", rt.Peak(), opts.BatchSizeTunnel)
	}
	if rt.Spawned() != len(cands) {
		t.Errorf("spawned = %d, want %d", rt.Spawned(), len(cands))
	}
}

func TestSchedulerStopLeavesNoProcesses(t *testing.T) {
	endpoint := dummyEndpoint(t)
	opts := fastOptions()
	opts.BatchSizeTunnel = 5
	opts.PortWaitDeadline = 200 * time.Millisecond
	rt := tunneltest.NewRuntime()
	rt.BindDelay = time.Second // tunnels never bind in time
	v := newTunnelVerifier(t, rt, opts)
	s, err := NewScheduler(v, testLogger{t})
	if err != nil {
		t.Fatal(err)
	}

	var cands []*candidate.Candidate
	for i := 0; i < 5; i++ {
		cands = append(cands, candidate.New(fmt.Sprintf("vless://s%d@%s", i, endpoint)))
	}
	s.Submit(cands)
	time.Sleep(50 * time.Millisecond) // let the batch get in flight
	s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for rt.Live() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if live := rt.Live(); live != 0 {
		t.Errorf("tracked tunnel processes still alive after Stop: %d", live)
	}
}

func TestSchedulerDropsUnknownSchemes(t *testing.T) {
	v := NewVerifier(fastOptions(), testLogger{t}, nil, nil, nil, resultcache.New(time.Minute))
	s, err := NewScheduler(v, testLogger{t})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	s.Submit([]*candidate.Candidate{candidate.New("http://1.2.3.4:8080")})
	if s.hasWork() {
		t.Error("unknown scheme was queued")
	}
}
