// Package frontend is the client-facing SOCKS5 entry point: one listener
// per serving tier, each relaying accepted connections through whichever
// pool backend is currently alive.
package frontend

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bahmany/censorship-hunter-sub000/internal/balancer"
	"github.com/bahmany/censorship-hunter-sub000/internal/logging"
	"github.com/bahmany/censorship-hunter-sub000/internal/pools"
	"github.com/bahmany/censorship-hunter-sub000/internal/socks5"
)

const (
	handshakeTimeout   = 15 * time.Second
	backendDialTimeout = 10 * time.Second
)

// Server serves SOCKS5 clients for one tier. It always accepts; only
// individual CONNECT attempts fail when no backend is available, which is
// retryable by the client.
type Server struct {
	Name string

	log  logging.Logger
	pool *balancer.Pool

	mu sync.Mutex
	ln net.Listener
}

// New builds a Server over the given tier pool.
func New(name string, log logging.Logger, pool *balancer.Pool) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{Name: name, log: log, pool: pool}
}

// ListenAndServe binds addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, one goroutine per client.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Printf("front end %s listening on %s", s.Name, ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

// Close stops the listener. In-flight relays run to completion.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// handle walks one client through negotiation, backend selection, the
// upstream handshake, and the byte relay. A failure in here terminates
// only this connection.
func (s *Server) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	methods, err := socks5.ReadGreeting(conn)
	if err != nil {
		s.log.Printf("%s: bad greeting from %s: %v", s.Name, conn.RemoteAddr(), err)
		return
	}
	if !hasNoAuth(methods) {
		_ = socks5.WriteMethodSelection(conn, socks5.MethodNoAcceptable)
		return
	}
	if err = socks5.WriteMethodSelection(conn, socks5.MethodNoAuth); err != nil {
		return
	}

	req, err := socks5.ReadRequest(conn)
	if err != nil {
		if errors.Is(err, socks5.ErrBadAddrType) {
			_ = socks5.WriteReply(conn, socks5.ReplyAddrTypeNotSupported, nil)
		}
		return
	}
	if req.Cmd != socks5.CmdConnect {
		_ = socks5.WriteReply(conn, socks5.ReplyCommandNotSupported, nil)
		return
	}

	backend := s.pool.SelectNext()
	if backend == nil {
		s.log.Printf("%s: no live backend for %s", s.Name, conn.RemoteAddr())
		_ = socks5.WriteReply(conn, socks5.ReplyGeneralFailure, nil)
		return
	}

	up, err := net.DialTimeout("tcp", backend.Addr(), backendDialTimeout)
	if err != nil {
		// the pool's own liveness check owns eviction; this client just
		// retries and lands on a different backend
		s.log.Printf("%s: backend :%d refused: %v", s.Name, backend.Port, err)
		_ = socks5.WriteReply(conn, socks5.ReplyGeneralFailure, nil)
		return
	}
	defer func() { _ = up.Close() }()
	_ = up.SetDeadline(time.Now().Add(handshakeTimeout))

	// independent client-side handshake against the backend, carrying the
	// original request's address type, address, and port verbatim
	reply, err := socks5.Connect(up, req.Addr)
	if err != nil {
		s.log.Printf("%s: backend :%d handshake: %v", s.Name, backend.Port, err)
		_ = socks5.WriteReply(conn, socks5.ReplyGeneralFailure, nil)
		return
	}
	if werr := socks5.WriteReply(conn, reply, nil); werr != nil || reply != socks5.ReplySuccess {
		return
	}

	_ = conn.SetDeadline(time.Time{})
	_ = up.SetDeadline(time.Time{})
	s.relay(conn, up)
}

// relay shuttles bytes symmetrically until either side closes, then tears
// both down so nothing is left half-open.
func (s *Server) relay(client, up net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		buf := pools.GetRelayBuffer()
		_, err := io.CopyBuffer(dst, src, *buf)
		pools.DiscardRelayBuffer(buf)
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			s.log.Printf("%s: relay: %v", s.Name, err)
		}
		done <- struct{}{}
	}
	go cp(up, client)
	go cp(client, up)
	<-done
	_ = client.Close()
	_ = up.Close()
	<-done
}

func hasNoAuth(methods []byte) bool {
	for _, m := range methods {
		if m == socks5.MethodNoAuth {
			return true
		}
	}
	return false
}
