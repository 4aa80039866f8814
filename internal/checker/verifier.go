package checker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"git.tcp.direct/kayos/common/pool"
	rl "github.com/yunginnanet/Rate5"
	"golang.org/x/net/proxy"

	"github.com/bahmany/censorship-hunter-sub000/internal/candidate"
	"github.com/bahmany/censorship-hunter-sub000/internal/logging"
	"github.com/bahmany/censorship-hunter-sub000/internal/resultcache"
	"github.com/bahmany/censorship-hunter-sub000/internal/socks5"
	"github.com/bahmany/censorship-hunter-sub000/internal/tunnel"
)

// ErrProbeInFlight means another worker is already verifying this
// endpoint identity; the duplicate attempt is dropped, not failed.
var ErrProbeInFlight = errors.New("checker: endpoint probe already in flight")

var strs = pool.NewStringFactory()

// Verifier runs the per-candidate check protocol. With a Compiler and
// Runtime configured it verifies through a real spawned tunnel; without
// them it degrades to a reachability-only TCP check.
type Verifier struct {
	opts     Options
	log      logging.Logger
	compiler tunnel.Compiler
	runtime  tunnel.Runtime
	ports    *tunnel.PortAllocator
	cache    *resultcache.Cache

	// repeat offenders get suppressed for the limiter window instead of
	// burning a worker slot on them again
	badProx *rl.Limiter
}

// NewVerifier wires a Verifier. compiler and runtime may both be nil,
// selecting TCP-only fallback mode.
func NewVerifier(opts Options, log logging.Logger, compiler tunnel.Compiler,
	runtime tunnel.Runtime, ports *tunnel.PortAllocator, cache *resultcache.Cache) *Verifier {
	if log == nil {
		log = logging.Nop()
	}
	return &Verifier{
		opts:     opts.withDefaults(),
		log:      log,
		compiler: compiler,
		runtime:  runtime,
		ports:    ports,
		cache:    cache,
		badProx:  rl.NewStrictLimiter(300, 4),
	}
}

// TunnelMode reports whether real-tunnel verification is active.
func (v *Verifier) TunnelMode() bool {
	return v.compiler != nil && v.runtime != nil && v.ports != nil
}

// Verify runs the full check protocol for one candidate and records the
// outcome in the result cache. A fresh cached outcome short-circuits
// everything. Transient network failures come back as a failed Result,
// never as an error.
func (v *Verifier) Verify(c *candidate.Candidate) (candidate.Result, error) {
	key := c.Key()
	if res, cached, claimed := v.cache.BeginProbe(key); cached {
		return res, nil
	} else if !claimed {
		return candidate.Result{}, ErrProbeInFlight
	}

	if v.badProx.Peek(c) {
		v.log.Printf("suppressed (recent repeat failure): %s", c.URI)
		res := candidate.Failed()
		v.cache.EndProbe(key, res)
		return res, nil
	}

	var res candidate.Result
	if v.TunnelMode() {
		res = v.verifyTunnel(c)
	} else {
		res = v.verifyTCPOnly(c)
	}
	if !res.Success {
		v.badProx.Check(c)
	}
	v.cache.EndProbe(key, res)
	return res, nil
}

// verifyTunnel is the real-tunnel state machine: prefilter, spawn, port
// wait, primary probe, accessibility probe. Process teardown and config
// removal run on every exit path.
func (v *Verifier) verifyTunnel(c *candidate.Candidate) candidate.Result {
	start := time.Now()

	// raw TCP prefilter, IP-literal hosts only: a domain host is never
	// resolved locally because local DNS may be deliberately poisoned
	if c.HostIsLiteral() {
		conn, err := net.DialTimeout("tcp", c.HostPort(), v.opts.PrefilterTimeout)
		if err != nil {
			v.log.Printf("prefilter failed: %s: %v", c.HostPort(), err)
			return candidate.Failed()
		}
		_ = conn.Close()
	}

	port, err := v.ports.Acquire()
	if err != nil {
		v.log.Errorf("no local port for %s: %v", c.URI, err)
		return candidate.Failed()
	}
	defer v.ports.Release(port)

	spec, err := v.compiler.Compile(c.URI, port)
	if err != nil {
		v.log.Printf("compile failed: %s: %v", c.URI, err)
		return candidate.Failed()
	}

	proc, err := v.runtime.Spawn(spec)
	if err != nil {
		spec.RemoveConfig()
		v.log.Printf("spawn failed: %s: %v", c.URI, err)
		return candidate.Failed()
	}
	defer func() {
		_ = proc.Kill()
		spec.RemoveConfig()
	}()

	if !v.waitForPort(proc, port) {
		v.log.Printf("tunnel never bound :%d for %s", port, c.URI)
		return candidate.Failed()
	}

	status, err := v.probeThrough(port, v.opts.Primary)
	if err != nil {
		v.log.Printf("probe failed: %s: %v", c.URI, err)
		return candidate.Failed()
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		v.log.Printf("probe bad status %d: %s", status, c.URI)
		return candidate.Failed()
	}

	// recorded explicitly either way so a re-verification can clear a
	// previously set flag instead of merging stale state forward
	flags := make(map[string]bool)
	st, rerr := v.probeThrough(port, v.opts.Restricted)
	flags[candidate.FlagRestricted] = rerr == nil && st > 0

	latency := time.Since(start).Milliseconds()
	if latency < 1 {
		latency = 1
	}
	res := candidate.Result{
		Success:   true,
		LatencyMs: latency,
		Flags:     flags,
		Timestamp: time.Now(),
	}
	if v.opts.EgressURL != "" {
		res.EgressIP = v.egressIP(port)
	}
	return res
}

// verifyTCPOnly is fallback mode: reachable, not protocol-verified.
func (v *Verifier) verifyTCPOnly(c *candidate.Candidate) candidate.Result {
	hostport := c.HostPort()
	if hostport == "" {
		return candidate.Failed()
	}
	start := time.Now()
	conn, err := net.DialTimeout("tcp", hostport, v.opts.FallbackTimeout)
	if err != nil {
		return candidate.Failed()
	}
	_ = conn.Close()
	latency := time.Since(start).Milliseconds()
	if latency < 1 {
		latency = 1
	}
	return candidate.Result{
		Success:   true,
		LatencyMs: latency,
		Flags:     map[string]bool{},
		Timestamp: time.Now(),
	}
}

// waitForPort polls the tunnel's bound port, checking process liveness on
// every iteration, until the deadline elapses.
func (v *Verifier) waitForPort(proc tunnel.Process, port int) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(v.opts.PortWaitDeadline)
	for time.Now().Before(deadline) {
		if !proc.Alive() {
			return false
		}
		conn, err := net.DialTimeout("tcp", addr, v.opts.PortWaitPoll)
		if err == nil {
			_ = conn.Close()
			return true
		}
		time.Sleep(v.opts.PortWaitPoll)
	}
	return false
}

// probeThrough connects to the local tunnel as a SOCKS5 client, CONNECTs
// to the target by domain name, and issues a minimal HTTP GET. It returns
// the HTTP status code on any well-formed response.
func (v *Verifier) probeThrough(port int, target ProbeTarget) (int, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, v.opts.ProbeTimeout)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(v.opts.ProbeTimeout))

	reply, err := socks5.Connect(conn, socks5.DomainAddr(target.Host, target.Port))
	if err != nil {
		return 0, err
	}
	if reply != socks5.ReplySuccess {
		return 0, fmt.Errorf("tunnel CONNECT: %s", reply)
	}

	path := target.Path
	if path == "" {
		path = "/"
	}
	req := strs.Get()
	req.MustWriteString("GET ")
	req.MustWriteString(path)
	req.MustWriteString(" HTTP/1.1\r\nHost: ")
	req.MustWriteString(target.Host)
	req.MustWriteString("\r\nUser-Agent: ")
	req.MustWriteString(randomUserAgent())
	req.MustWriteString("\r\nConnection: close\r\n\r\n")
	_, err = io.WriteString(conn, req.String())
	strs.MustPut(req)
	if err != nil {
		return 0, err
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	if !strings.HasPrefix(line, "HTTP/") {
		return 0, fmt.Errorf("not an HTTP response: %q", strings.TrimSpace(line))
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("short status line: %q", strings.TrimSpace(line))
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("bad status %q: %w", fields[1], err)
	}
	return status, nil
}

// egressIP fetches the exit address seen by the wider internet through the
// tunnel. Best effort: any failure returns "".
func (v *Verifier) egressIP(port int) string {
	dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil, proxy.Direct)
	if err != nil {
		return ""
	}
	client := &http.Client{
		Transport: &http.Transport{
			Dial:              dialer.Dial,
			DisableKeepAlives: true,
		},
		Timeout: v.opts.ProbeTimeout,
	}
	resp, err := client.Get(v.opts.EgressURL)
	if err != nil {
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return ""
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
