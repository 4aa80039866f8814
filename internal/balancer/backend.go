// Package balancer turns verified candidates into running local tunnel
// backends and serves them to the front end by selection strategy.
package balancer

import (
	"net"
	"strconv"
	"sync/atomic"

	"github.com/bahmany/censorship-hunter-sub000/internal/candidate"
	"github.com/bahmany/censorship-hunter-sub000/internal/tunnel"
)

// Backend owns exactly one local tunnel process and one local port,
// wrapping one verified candidate.
type Backend struct {
	Candidate *candidate.Candidate
	Port      int

	spec    tunnel.Spec
	proc    tunnel.Process
	stopped atomic.Bool
}

// Addr is the backend's local SOCKS5 endpoint.
func (b *Backend) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(b.Port))
}

// Running reconciles the running flag against actual process liveness at
// the moment of the call; a stopped or dead process reads as not running.
func (b *Backend) Running() bool {
	if b.stopped.Load() {
		return false
	}
	return b.proc != nil && b.proc.Alive()
}
