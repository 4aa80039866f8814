package balancer

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bahmany/censorship-hunter-sub000/internal/candidate"
	"github.com/bahmany/censorship-hunter-sub000/internal/logging"
	"github.com/bahmany/censorship-hunter-sub000/internal/tunnel"
)

const (
	portWaitDeadline = 3 * time.Second
	portWaitPoll     = 100 * time.Millisecond
)

// Manager is the backend lifecycle: compile, spawn, wait for the port to
// bind, and tear down cleanly. It guarantees no orphaned process or config
// artifact remains on any failure path, and that a backend's port returns
// to the allocator only after its process is gone.
type Manager struct {
	log      logging.Logger
	compiler tunnel.Compiler
	runtime  tunnel.Runtime
	ports    *tunnel.PortAllocator
}

// NewManager wires a Manager. All dependencies are required.
func NewManager(log logging.Logger, compiler tunnel.Compiler, runtime tunnel.Runtime, ports *tunnel.PortAllocator) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{log: log, compiler: compiler, runtime: runtime, ports: ports}
}

// Start brings up a backend for a verified candidate on a freshly leased
// port. Failure is reported as an error, never as a half-started backend.
func (m *Manager) Start(c *candidate.Candidate) (*Backend, error) {
	if m.compiler == nil || m.runtime == nil || m.ports == nil {
		return nil, tunnel.ErrNoRuntime
	}
	port, err := m.ports.Acquire()
	if err != nil {
		return nil, err
	}
	b, err := m.startOnPort(c, port)
	if err != nil {
		m.ports.Release(port)
		return nil, err
	}
	return b, nil
}

func (m *Manager) startOnPort(c *candidate.Candidate, port int) (*Backend, error) {
	spec, err := m.compiler.Compile(c.URI, port)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", c.URI, err)
	}
	proc, err := m.runtime.Spawn(spec)
	if err != nil {
		spec.RemoveConfig()
		return nil, fmt.Errorf("spawn %s: %w", c.URI, err)
	}
	if !waitForPort(proc, port) {
		_ = proc.Kill()
		spec.RemoveConfig()
		return nil, fmt.Errorf("backend for %s never bound :%d", c.URI, port)
	}
	m.log.Printf("backend up on :%d for %s", port, c.URI)
	return &Backend{Candidate: c, Port: port, spec: spec, proc: proc}, nil
}

// Stop tears a backend down: graceful termination escalating to forced
// (inside Process.Kill), config artifact removed, port released last.
// Stopping an already-stopped backend is a no-op.
func (m *Manager) Stop(b *Backend) {
	if b == nil || !b.stopped.CompareAndSwap(false, true) {
		return
	}
	if b.proc != nil {
		_ = b.proc.Kill()
	}
	b.spec.RemoveConfig()
	m.ports.Release(b.Port)
	m.log.Printf("backend on :%d stopped", b.Port)
}

func waitForPort(proc tunnel.Process, port int) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(portWaitDeadline)
	for time.Now().Before(deadline) {
		if !proc.Alive() {
			return false
		}
		conn, err := net.DialTimeout("tcp", addr, portWaitPoll)
		if err == nil {
			_ = conn.Close()
			return true
		}
		time.Sleep(portWaitPoll)
	}
	return false
}
