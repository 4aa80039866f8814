package engine

import (
	"context"
	"errors"
	"net"
	"strconv"

	"h12.io/socks"
)

// dialerBailout caps how many different backends a single dial attempt
// will cycle through before giving up.
const dialerBailout = 5

var ErrNoBackends = errors.New("engine: no live backend available")

// DialContext dials addr through a currently-live general-tier backend,
// rotating to another backend on failure. It satisfies the net.Dialer
// DialContext shape so it can power HTTP transports.
func (e *Engine) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var lastErr error = ErrNoBackends
	for attempt := 0; attempt < dialerBailout; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		backend := e.General.SelectNext()
		if backend == nil {
			return nil, ErrNoBackends
		}
		dial := socks.Dial("socks5://" + backend.Addr() + "?timeout=10s")
		conn, err := dial(network, addr)
		if err != nil {
			lastErr = err
			e.log.Printf("dialer: backend :%d failed, cycling: %v", backend.Port, err)
			continue
		}
		e.stats.dispense()
		return conn, nil
	}
	return nil, errors.New("dialer: giving up after " + strconv.Itoa(dialerBailout) + " backends: " + lastErr.Error())
}

// Dial is DialContext with a background context.
func (e *Engine) Dial(network, addr string) (net.Conn, error) {
	return e.DialContext(context.Background(), network, addr)
}
