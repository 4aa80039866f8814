// Package checker decides whether candidate endpoints currently work. It
// couples a multi-stage per-candidate verifier with a tiered, batched
// scheduler so one hung endpoint can never stall the pipeline.
package checker

import (
	"time"

	"github.com/bahmany/censorship-hunter-sub000/internal/candidate"
)

// ProbeTarget is a host reached through a candidate's tunnel to prove the
// tunnel carries real traffic. The host is always sent as a DOMAIN address
// and never resolved locally.
type ProbeTarget struct {
	Host string
	Port uint16
	Path string
}

// Options tunes the verifier stages and the scheduler's batching. One
// consistent set of constants; zero values fall back to the defaults below.
type Options struct {
	// verifier stage timeouts
	PrefilterTimeout time.Duration // raw TCP prefilter, IP-literal hosts only
	FallbackTimeout  time.Duration // TCP-only mode, longer on purpose
	ProbeTimeout     time.Duration // SOCKS handshake + HTTP probe, per probe
	PortWaitDeadline time.Duration // how long a spawned tunnel may take to bind
	PortWaitPoll     time.Duration

	// probe targets
	Primary    ProbeTarget // must answer 200 or 204
	Restricted ProbeTarget // any HTTP response sets the accessibility flag
	EgressURL  string      // optional what-is-my-ip endpoint; "" disables

	// scheduler batching
	BatchSizeTunnel    int
	BatchSizeTCP       int
	BatchTimeoutTunnel time.Duration
	BatchTimeoutTCP    time.Duration
	InterBatchPause    time.Duration
	MaxWorkers         int
}

// DefaultOptions returns the canonical tuning constants.
func DefaultOptions() Options {
	return Options{
		PrefilterTimeout: 2 * time.Second,
		FallbackTimeout:  5 * time.Second,
		ProbeTimeout:     8 * time.Second,
		PortWaitDeadline: 3 * time.Second,
		PortWaitPoll:     100 * time.Millisecond,

		Primary:    ProbeTarget{Host: "www.gstatic.com", Port: 80, Path: "/generate_204"},
		Restricted: ProbeTarget{Host: "www.youtube.com", Port: 80, Path: "/"},

		BatchSizeTunnel:    8,
		BatchSizeTCP:       50,
		BatchTimeoutTunnel: 60 * time.Second,
		BatchTimeoutTCP:    20 * time.Second,
		InterBatchPause:    250 * time.Millisecond,
		MaxWorkers:         64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PrefilterTimeout <= 0 {
		o.PrefilterTimeout = d.PrefilterTimeout
	}
	if o.FallbackTimeout <= 0 {
		o.FallbackTimeout = d.FallbackTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.PortWaitDeadline <= 0 {
		o.PortWaitDeadline = d.PortWaitDeadline
	}
	if o.PortWaitPoll <= 0 {
		o.PortWaitPoll = d.PortWaitPoll
	}
	if o.Primary.Host == "" {
		o.Primary = d.Primary
	}
	if o.Restricted.Host == "" {
		o.Restricted = d.Restricted
	}
	if o.BatchSizeTunnel <= 0 {
		o.BatchSizeTunnel = d.BatchSizeTunnel
	}
	if o.BatchSizeTCP <= 0 {
		o.BatchSizeTCP = d.BatchSizeTCP
	}
	if o.BatchTimeoutTunnel <= 0 {
		o.BatchTimeoutTunnel = d.BatchTimeoutTunnel
	}
	if o.BatchTimeoutTCP <= 0 {
		o.BatchTimeoutTCP = d.BatchTimeoutTCP
	}
	if o.InterBatchPause <= 0 {
		o.InterBatchPause = d.InterBatchPause
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = d.MaxWorkers
	}
	return o
}

// batchSize returns the per-batch concurrency for the active mode. Tunnel
// mode spawns one subprocess per unit, so its batches stay small.
func (o Options) batchSize(tunnelMode bool) int {
	if tunnelMode {
		return o.BatchSizeTunnel
	}
	return o.BatchSizeTCP
}

func (o Options) batchTimeout(tunnelMode bool) time.Duration {
	if tunnelMode {
		return o.BatchTimeoutTunnel
	}
	return o.BatchTimeoutTCP
}

// Progress is the (tested, total) progress callback signature.
type Progress func(tested, total int)

// ResultFunc is the per-candidate completion callback signature.
type ResultFunc func(c *candidate.Candidate, res candidate.Result)
