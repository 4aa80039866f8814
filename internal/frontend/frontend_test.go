package frontend

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/bahmany/censorship-hunter-sub000/internal/balancer"
	"github.com/bahmany/censorship-hunter-sub000/internal/candidate"
	"github.com/bahmany/censorship-hunter-sub000/internal/socks5"
	"github.com/bahmany/censorship-hunter-sub000/internal/tunnel"
	"github.com/bahmany/censorship-hunter-sub000/internal/tunnel/tunneltest"
)

// echoServer accepts connections and writes back whatever it reads.
func echoServer(t *testing.T) *net.TCPAddr {
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
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr)
}

// startFrontend brings up a server over a pool with n live SOCKS backends
// and returns the front end's dial address.
func startFrontend(t *testing.T, backends int) string {
	t.Helper()
	rt := tunneltest.NewSocksRuntime(nil)
	mgr := balancer.NewManager(nil, tunneltest.Compiler(), rt, tunnel.NewPortAllocator(36000, 37000))
	pool := balancer.NewPool("general", nil, mgr, balancer.RoundRobin)
	t.Cleanup(pool.Shutdown)

	var ranked []*candidate.Candidate
	for i := 0; i < backends; i++ {
		c := candidate.New("vless://fe@10.0.0.1:443")
		c.Apply(candidate.Result{Success: true, LatencyMs: 50, Timestamp: time.Now()})
		ranked = append(ranked, c)
	}
	pool.Update(ranked, backends)
	if pool.Len() != backends {
		t.Fatalf("pool came up with %d of %d backends", pool.Len(), backends)
	}

	srv := New("general", nil, pool)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr().String()
}

func dialFrontend(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func TestFrontendRelaysVerbatim(t *testing.T) {
	echo := echoServer(t)
	conn := dialFrontend(t, startFrontend(t, 1))

	reply, err := socks5.Connect(conn, socks5.IPAddr(echo.IP, uint16(echo.Port)))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if reply != socks5.ReplySuccess {
		t.Fatalf("reply = %s, want success", reply)
	}

	payload := []byte("hello through two socks hops\x00\xff\x01")
	if _, err = conn.Write(payload); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if _, err = io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echoed %q, want %q", got, payload)
	}
}

func TestFrontendDomainAddrPassedThrough(t *testing.T) {
	echo := echoServer(t)
	conn := dialFrontend(t, startFrontend(t, 1))

	// "localhost" resolves at the backend's dialer, never at the front end
	reply, err := socks5.Connect(conn, socks5.DomainAddr("localhost", uint16(echo.Port)))
	if err != nil {
		t.Fatal(err)
	}
	if reply != socks5.ReplySuccess {
		t.Fatalf("reply = %s, want success", reply)
	}
	if _, err = conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4)
	if _, err = io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
}

func TestFrontendNoBackend(t *testing.T) {
	conn := dialFrontend(t, startFrontend(t, 0))

	reply, err := socks5.Connect(conn, socks5.DomainAddr("example.com", 80))
	if err != nil {
		t.Fatal(err)
	}
	if reply != socks5.ReplyGeneralFailure {
		t.Errorf("reply = %s, want general failure", reply)
	}
}

func TestFrontendRejectsBind(t *testing.T) {
	conn := dialFrontend(t, startFrontend(t, 1))

	if err := socks5.Greet(conn); err != nil {
		t.Fatal(err)
	}
	req := socks5.Request{Cmd: socks5.CmdBind, Addr: socks5.DomainAddr("example.com", 80)}
	if err := socks5.WriteRequest(conn, req); err != nil {
		t.Fatal(err)
	}
	reply, _, err := socks5.ReadReply(conn)
	if err != nil {
		t.Fatal(err)
	}
	if reply != socks5.ReplyCommandNotSupported {
		t.Errorf("reply = %s, want command not supported", reply)
	}
}

func TestFrontendRejectsAuthOnlyClient(t *testing.T) {
	conn := dialFrontend(t, startFrontend(t, 1))

	// greeting offering only username/password auth
	if _, err := conn.Write([]byte{socks5.Version, 1, 0x02}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != socks5.Version || buf[1] != socks5.MethodNoAcceptable {
		t.Errorf("selection = %v, want no-acceptable-method", buf)
	}
}
