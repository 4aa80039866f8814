// Package candidate models untrusted proxy endpoints and their last known
// verification outcome.
package candidate

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Protocol is the endpoint's URI scheme, the queueing key for verification.
type Protocol string

const (
	ProtoVLESS       Protocol = "vless"
	ProtoVMess       Protocol = "vmess"
	ProtoTrojan      Protocol = "trojan"
	ProtoShadowsocks Protocol = "ss"
	ProtoUnknown     Protocol = "unknown"
)

// Protocols is the fixed queue drain order used by the scheduler.
var Protocols = []Protocol{ProtoVLESS, ProtoVMess, ProtoTrojan, ProtoShadowsocks}

// ProtocolOf extracts the protocol tag from a proxy URI.
func ProtocolOf(uri string) Protocol {
	scheme, _, found := strings.Cut(uri, "://")
	if !found {
		return ProtoUnknown
	}
	switch strings.ToLower(scheme) {
	case "vless":
		return ProtoVLESS
	case "vmess":
		return ProtoVMess
	case "trojan":
		return ProtoTrojan
	case "ss", "shadowsocks":
		return ProtoShadowsocks
	default:
		return ProtoUnknown
	}
}

// Tier is the verification priority class, lower drains first.
type Tier int

const (
	TierHigh Tier = iota
	TierMedium
	TierLow
)

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	default:
		return "low"
	}
}

// Latency thresholds (milliseconds) separating the tiers.
const (
	tierHighBelow   = 2000
	tierMediumBelow = 10000
)

// LatencyUntested marks a candidate that has never completed a successful
// verification.
const LatencyUntested int64 = -1

// FlagRestricted is set when the endpoint could additionally reach the
// restricted probe target.
const FlagRestricted = "restricted-service-reachable"

// Candidate is one proxy endpoint descriptor. Identity (URI + protocol) is
// immutable; outcome fields are mutated only by a completed verification.
type Candidate struct {
	URI      string
	Protocol Protocol

	// declared endpoint address, parsed once at creation; host may be
	// empty for schemes that pack the address into an opaque payload
	host string
	port string

	mu         sync.RWMutex
	latency    int64 // milliseconds, LatencyUntested when unknown/failed
	flags      map[string]bool
	lastTested time.Time
	egressIP   string
}

// New builds a Candidate from a raw proxy URI.
func New(uri string) *Candidate {
	c := &Candidate{
		URI:      uri,
		Protocol: ProtocolOf(uri),
		latency:  LatencyUntested,
		flags:    make(map[string]bool),
	}
	if u, err := url.Parse(uri); err == nil {
		c.host = u.Hostname()
		c.port = u.Port()
	}
	return c
}

// UniqueKey implements the Rate5 Identity interface.
func (c *Candidate) UniqueKey() string { return c.Key() }

// Key is the cache and store identity: URI plus protocol tag.
func (c *Candidate) Key() string {
	return c.URI + "|" + string(c.Protocol)
}

// Host returns the declared host, which may be an IP literal, a domain
// name, or empty when the URI does not expose one.
func (c *Candidate) Host() string { return c.host }

// HostPort returns the declared host:port, or "" when unknown.
func (c *Candidate) HostPort() string {
	if c.host == "" || c.port == "" {
		return ""
	}
	return net.JoinHostPort(c.host, c.port)
}

// HostIsLiteral reports whether the declared host is an IP literal.
// Domain hosts are deliberately never resolved here.
func (c *Candidate) HostIsLiteral() bool {
	return c.host != "" && net.ParseIP(c.host) != nil
}

// HostIsDomain reports whether the declared host is a syntactically valid
// DNS name. No resolution happens, only wire-format validation.
func (c *Candidate) HostIsDomain() bool {
	if c.host == "" || net.ParseIP(c.host) != nil {
		return false
	}
	_, ok := dns.IsDomainName(c.host)
	return ok
}

// Latency returns the last successful verification latency in
// milliseconds, or LatencyUntested.
func (c *Candidate) Latency() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latency
}

// Tier derives the verification priority purely from prior latency.
func (c *Candidate) Tier() Tier {
	l := c.Latency()
	switch {
	case l > 0 && l < tierHighBelow:
		return TierHigh
	case l >= tierHighBelow && l < tierMediumBelow:
		return TierMedium
	default:
		return TierLow
	}
}

// Flag reports whether a named accessibility probe passed.
func (c *Candidate) Flag(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags[name]
}

// LastTested returns the completion time of the most recent verification.
func (c *Candidate) LastTested() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTested
}

// EgressIP returns the exit address last observed through this endpoint,
// when egress discovery ran.
func (c *Candidate) EgressIP() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.egressIP
}

// Apply records a completed verification outcome.
func (c *Candidate) Apply(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res.Success {
		c.latency = res.LatencyMs
	} else {
		c.latency = LatencyUntested
	}
	for name, v := range res.Flags {
		c.flags[name] = v
	}
	if res.EgressIP != "" {
		c.egressIP = res.EgressIP
	}
	c.lastTested = res.Timestamp
}

// Result is the outcome of one completed verification.
type Result struct {
	Success   bool
	LatencyMs int64
	Flags     map[string]bool
	EgressIP  string
	Timestamp time.Time
}

// Failed builds a failure Result stamped now.
func Failed() Result {
	return Result{Success: false, LatencyMs: LatencyUntested, Timestamp: time.Now()}
}

func (r Result) String() string {
	if !r.Success {
		return "failed"
	}
	return "ok in " + strconv.FormatInt(r.LatencyMs, 10) + "ms"
}
