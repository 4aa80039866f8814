// Package randtls adapts uTLS client hellos to the oohttp TLSConn
// contract so proxied HTTP requests do not present Go's default TLS
// fingerprint.
package randtls

import (
	"context"
	"crypto/tls"
	"net"

	uhttp "github.com/ooni/oohttp"
	utls "github.com/refraction-networking/utls"
)

type uconn struct {
	*utls.UConn
	raw net.Conn
}

var _ uhttp.TLSConn = &uconn{}

// ConnectionState maps the uTLS state onto crypto/tls's type.
func (c *uconn) ConnectionState() tls.ConnectionState {
	us := c.UConn.ConnectionState()
	return tls.ConnectionState{
		Version:                     us.Version,
		HandshakeComplete:           us.HandshakeComplete,
		DidResume:                   us.DidResume,
		CipherSuite:                 us.CipherSuite,
		NegotiatedProtocol:          us.NegotiatedProtocol,
		ServerName:                  us.ServerName,
		PeerCertificates:            us.PeerCertificates,
		VerifiedChains:              us.VerifiedChains,
		SignedCertificateTimestamps: us.SignedCertificateTimestamps,
		OCSPResponse:                us.OCSPResponse,
		TLSUnique:                   us.TLSUnique,
	}
}

// HandshakeContext runs the uTLS handshake honoring ctx cancellation.
func (c *uconn) HandshakeContext(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- c.UConn.Handshake() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NetConn returns the wrapped transport connection.
func (c *uconn) NetConn() net.Conn { return c.raw }

// Factory builds a uTLS connection with a Firefox hello, suitable for the
// oohttp Transport's TLSClientFactory hook.
func Factory(conn net.Conn, config *tls.Config) uhttp.TLSConn {
	ucfg := &utls.Config{
		RootCAs:            config.RootCAs,
		NextProtos:         config.NextProtos,
		ServerName:         config.ServerName,
		InsecureSkipVerify: config.InsecureSkipVerify,
	}
	return &uconn{
		UConn: utls.UClient(conn, ucfg, utls.HelloFirefox_Auto),
		raw:   conn,
	}
}
