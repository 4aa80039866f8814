package engine

import (
	"crypto/tls"
	"time"

	uhttp "github.com/ooni/oohttp"

	"github.com/bahmany/censorship-hunter-sub000/internal/randtls"
)

// HTTPClient returns a client whose every request travels through a
// rotating live backend and presents a browser TLS fingerprint.
func (e *Engine) HTTPClient() *uhttp.Client {
	return &uhttp.Client{
		Transport: &uhttp.Transport{
			DialContext:           e.DialContext,
			TLSClientFactory:      randtls.Factory,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
			TLSHandshakeTimeout:   10 * time.Second,
			DisableKeepAlives:     true,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		Timeout: 60 * time.Second,
	}
}

// RoundTrip lets the engine itself act as an uhttp.RoundTripper.
func (e *Engine) RoundTrip(req *uhttp.Request) (*uhttp.Response, error) {
	return e.HTTPClient().Do(req)
}
