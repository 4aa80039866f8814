// Package tunneltest provides in-process stand-ins for the tunnel
// collaborators: a compiler that just records the port, and runtimes whose
// "processes" are local listeners — plain TCP or a real SOCKS5 server —
// so pipeline tests never spawn subprocesses.
package tunneltest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	socks5server "git.tcp.direct/kayos/go-socks5"

	"github.com/bahmany/censorship-hunter-sub000/internal/tunnel"
)

// Compiler returns a compiler whose Spec carries the target port in
// Args[0], which the fake runtimes read back out.
func Compiler() tunnel.Compiler {
	return tunnel.CompilerFunc(func(uri string, localPort int) (tunnel.Spec, error) {
		return tunnel.Spec{Exe: "fake-tunnel", Args: []string{strconv.Itoa(localPort)}}, nil
	})
}

// FailingCompiler always refuses to compile.
func FailingCompiler() tunnel.Compiler {
	return tunnel.CompilerFunc(func(string, int) (tunnel.Spec, error) {
		return tunnel.Spec{}, errors.New("tunneltest: compile refused")
	})
}

// Runtime is a tunnel.Runtime whose processes are in-process listeners.
// It tracks spawn counts and peak concurrency for assertions.
type Runtime struct {
	// Socks makes spawned processes speak SOCKS5, dialing targets through
	// Dial. When false the process only holds a bare TCP listener.
	Socks bool
	// Dial overrides target dialing for SOCKS mode; nil uses net.Dial.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// Resolver, when set, handles DOMAIN requests instead of real DNS.
	Resolver socks5server.NameResolver
	// BindDelay postpones the listener bind to exercise port-wait paths.
	BindDelay time.Duration
	// FailSpawn makes every Spawn error out.
	FailSpawn bool

	mu      sync.Mutex
	live    map[*Proc]struct{}
	spawned int
	peak    int
}

// NewRuntime returns a bare-listener Runtime.
func NewRuntime() *Runtime {
	return &Runtime{live: make(map[*Proc]struct{})}
}

// NewSocksRuntime returns a Runtime whose processes are SOCKS5 servers
// that dial every target through dial.
func NewSocksRuntime(dial func(ctx context.Context, network, addr string) (net.Conn, error)) *Runtime {
	return &Runtime{Socks: true, Dial: dial, live: make(map[*Proc]struct{})}
}

// NewRoutedRuntime returns a SOCKS runtime wired to a Router: DOMAIN
// requests resolve through it and every dial passes through it.
func NewRoutedRuntime(r *Router) *Runtime {
	return &Runtime{Socks: true, Dial: r.Dial, Resolver: r, live: make(map[*Proc]struct{})}
}

// Router pins CONNECT targets to local stand-ins without touching real
// DNS. The server resolves DOMAIN requests before handing the address to
// its dial hook, so the hook would otherwise only ever see resolved IPs;
// the Router sidesteps that by resolving each routed host to a distinct
// loopback sentinel and translating the sentinel back in Dial.
type Router struct {
	mu        sync.Mutex
	nextOctet int
	sentinels map[string]string // host -> sentinel IP
	targets   map[string]string // sentinel IP -> stand-in addr
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{
		nextOctet: 10,
		sentinels: make(map[string]string),
		targets:   make(map[string]string),
	}
}

// Route sends CONNECTs for host to target. An empty target marks the
// host unreachable. Re-routing a host keeps its sentinel.
func (r *Router) Route(host, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sentinel, ok := r.sentinels[host]
	if !ok {
		sentinel = fmt.Sprintf("127.0.77.%d", r.nextOctet)
		r.nextOctet++
		r.sentinels[host] = sentinel
	}
	r.targets[sentinel] = target
}

// Resolve implements the SOCKS server's NameResolver. Unrouted names
// fail instead of leaking to real DNS.
func (r *Router) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	if ip := net.ParseIP(name); ip != nil {
		return ctx, ip, nil
	}
	r.mu.Lock()
	sentinel, ok := r.sentinels[name]
	r.mu.Unlock()
	if !ok {
		return ctx, nil, fmt.Errorf("tunneltest: no route for %q", name)
	}
	return ctx, net.ParseIP(sentinel), nil
}

// Dial translates sentinel addresses back to their stand-ins; anything
// unrouted dials for real.
func (r *Router) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	target, routed := r.targets[host]
	r.mu.Unlock()
	if !routed {
		return net.Dial(network, addr)
	}
	if target == "" {
		return nil, fmt.Errorf("tunneltest: routed host %q is down", host)
	}
	return net.Dial(network, target)
}

// Spawn implements tunnel.Runtime.
func (rt *Runtime) Spawn(spec tunnel.Spec) (tunnel.Process, error) {
	if rt.FailSpawn {
		return nil, errors.New("tunneltest: spawn refused")
	}
	if len(spec.Args) == 0 {
		return nil, errors.New("tunneltest: spec carries no port")
	}
	port, err := strconv.Atoi(spec.Args[0])
	if err != nil {
		return nil, err
	}
	p := &Proc{rt: rt, done: make(chan struct{})}

	rt.mu.Lock()
	rt.live[p] = struct{}{}
	rt.spawned++
	if len(rt.live) > rt.peak {
		rt.peak = len(rt.live)
	}
	rt.mu.Unlock()

	go p.bind(port)
	return p, nil
}

// Live reports how many fake processes are currently alive.
func (rt *Runtime) Live() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.live)
}

// Spawned reports how many processes were ever spawned.
func (rt *Runtime) Spawned() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.spawned
}

// Peak reports the highest concurrent process count observed.
func (rt *Runtime) Peak() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.peak
}

func (rt *Runtime) forget(p *Proc) {
	rt.mu.Lock()
	delete(rt.live, p)
	rt.mu.Unlock()
}

// Proc is one fake tunnel process.
type Proc struct {
	rt   *Runtime
	done chan struct{}
	kill sync.Once

	mu sync.Mutex
	ln net.Listener
}

func (p *Proc) bind(port int) {
	if p.rt.BindDelay > 0 {
		select {
		case <-time.After(p.rt.BindDelay):
		case <-p.done:
			return
		}
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		_ = p.Kill()
		return
	}
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		_ = ln.Close()
		return
	default:
	}
	p.ln = ln
	p.mu.Unlock()

	if !p.rt.Socks {
		return
	}
	dial := p.rt.Dial
	if dial == nil {
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return net.Dial(network, addr)
		}
	}
	opts := []socks5server.Option{socks5server.WithDial(dial)}
	if p.rt.Resolver != nil {
		opts = append(opts, socks5server.WithResolver(p.rt.Resolver))
	}
	srv := socks5server.NewServer(opts...)
	go func() { _ = srv.Serve(ln) }()
}

// Alive implements tunnel.Process.
func (p *Proc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Kill implements tunnel.Process.
func (p *Proc) Kill() error {
	p.kill.Do(func() {
		close(p.done)
		p.mu.Lock()
		if p.ln != nil {
			_ = p.ln.Close()
		}
		p.mu.Unlock()
		p.rt.forget(p)
	})
	return nil
}
