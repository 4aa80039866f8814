// Package socks5 implements the subset of RFC 1928 framing that the
// verifier and the front end need: no-auth negotiation and the CONNECT
// command, on both the client facing and upstream facing side of a
// connection. Addresses are decoded once into a tagged Addr and re-encoded
// verbatim, so a DOMAIN request stays a DOMAIN request all the way through.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Version is the only protocol version we speak.
const Version byte = 0x05

// Authentication methods.
const (
	MethodNoAuth       byte = 0x00
	MethodNoAcceptable byte = 0xFF
)

// Command is the request command octet.
type Command byte

const (
	CmdConnect      Command = 0x01
	CmdBind         Command = 0x02
	CmdUDPAssociate Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdBind:
		return "BIND"
	case CmdUDPAssociate:
		return "UDP-ASSOCIATE"
	default:
		return "COMMAND(" + strconv.Itoa(int(c)) + ")"
	}
}

// AddrType is the address type octet.
type AddrType byte

const (
	AddrIPv4   AddrType = 0x01
	AddrDomain AddrType = 0x03
	AddrIPv6   AddrType = 0x04
)

// Reply is the reply code octet, forwarded status-for-status between the
// upstream side and the client side.
type Reply byte

const (
	ReplySuccess              Reply = 0x00
	ReplyGeneralFailure       Reply = 0x01
	ReplyNotAllowed           Reply = 0x02
	ReplyNetworkUnreachable   Reply = 0x03
	ReplyHostUnreachable      Reply = 0x04
	ReplyConnectionRefused    Reply = 0x05
	ReplyTTLExpired           Reply = 0x06
	ReplyCommandNotSupported  Reply = 0x07
	ReplyAddrTypeNotSupported Reply = 0x08
)

func (r Reply) String() string {
	switch r {
	case ReplySuccess:
		return "succeeded"
	case ReplyGeneralFailure:
		return "general failure"
	case ReplyNotAllowed:
		return "connection not allowed"
	case ReplyNetworkUnreachable:
		return "network unreachable"
	case ReplyHostUnreachable:
		return "host unreachable"
	case ReplyConnectionRefused:
		return "connection refused"
	case ReplyTTLExpired:
		return "TTL expired"
	case ReplyCommandNotSupported:
		return "command not supported"
	case ReplyAddrTypeNotSupported:
		return "address type not supported"
	default:
		return "reply(" + strconv.Itoa(int(r)) + ")"
	}
}

var (
	ErrBadVersion         = errors.New("socks5: bad protocol version")
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")
	ErrBadAddrType        = errors.New("socks5: unknown address type")
	ErrBadReserved        = errors.New("socks5: nonzero reserved octet")
)

// Addr is a decoded SOCKS5 address. Exactly one of IP or Domain is set,
// matching Type.
type Addr struct {
	Type   AddrType
	IP     net.IP
	Domain string
	Port   uint16
}

// DomainAddr builds a DOMAIN-typed Addr. The host is passed through as
// written and never resolved locally.
func DomainAddr(host string, port uint16) Addr {
	return Addr{Type: AddrDomain, Domain: host, Port: port}
}

// IPAddr builds an IPv4 or IPv6 typed Addr from a parsed IP.
func IPAddr(ip net.IP, port uint16) Addr {
	if v4 := ip.To4(); v4 != nil {
		return Addr{Type: AddrIPv4, IP: v4, Port: port}
	}
	return Addr{Type: AddrIPv6, IP: ip.To16(), Port: port}
}

// Host returns the bare host portion (IP literal or domain).
func (a Addr) Host() string {
	if a.Type == AddrDomain {
		return a.Domain
	}
	return a.IP.String()
}

// String renders host:port for logging and dialing.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

// appendTo encodes ATYP + ADDR + PORT onto buf in wire order.
func (a Addr) appendTo(buf []byte) ([]byte, error) {
	buf = append(buf, byte(a.Type))
	switch a.Type {
	case AddrIPv4:
		v4 := a.IP.To4()
		if v4 == nil {
			return nil, ErrBadAddrType
		}
		buf = append(buf, v4...)
	case AddrIPv6:
		v6 := a.IP.To16()
		if v6 == nil {
			return nil, ErrBadAddrType
		}
		buf = append(buf, v6...)
	case AddrDomain:
		if len(a.Domain) > 255 {
			return nil, fmt.Errorf("socks5: domain too long: %d", len(a.Domain))
		}
		buf = append(buf, byte(len(a.Domain)))
		buf = append(buf, a.Domain...)
	default:
		return nil, ErrBadAddrType
	}
	return binary.BigEndian.AppendUint16(buf, a.Port), nil
}

// readAddr decodes ATYP + ADDR + PORT from r.
func readAddr(r io.Reader) (Addr, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return Addr{}, err
	}
	a := Addr{Type: AddrType(atyp[0])}
	switch a.Type {
	case AddrIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Addr{}, err
		}
		a.IP = net.IP(b[:])
	case AddrIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Addr{}, err
		}
		a.IP = net.IP(b[:])
	case AddrDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return Addr{}, err
		}
		b := make([]byte, int(n[0]))
		if _, err := io.ReadFull(r, b); err != nil {
			return Addr{}, err
		}
		a.Domain = string(b)
	default:
		return Addr{}, ErrBadAddrType
	}
	var p [2]byte
	if _, err := io.ReadFull(r, p[:]); err != nil {
		return Addr{}, err
	}
	a.Port = binary.BigEndian.Uint16(p[:])
	return a, nil
}

// Request is a decoded client request.
type Request struct {
	Cmd  Command
	Addr Addr
}

// ReadGreeting consumes the client greeting and returns the offered
// authentication methods.
func ReadGreeting(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != Version {
		return nil, ErrBadVersion
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, err
	}
	return methods, nil
}

// WriteMethodSelection answers the greeting with the chosen method.
func WriteMethodSelection(w io.Writer, method byte) error {
	_, err := w.Write([]byte{Version, method})
	return err
}

// ReadRequest consumes a request frame (VER CMD RSV ATYP ADDR PORT).
func ReadRequest(r io.Reader) (Request, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, err
	}
	if hdr[0] != Version {
		return Request{}, ErrBadVersion
	}
	if hdr[2] != 0x00 {
		return Request{}, ErrBadReserved
	}
	addr, err := readAddr(r)
	if err != nil {
		return Request{}, err
	}
	return Request{Cmd: Command(hdr[1]), Addr: addr}, nil
}

// WriteRequest emits a request frame carrying addr verbatim.
func WriteRequest(w io.Writer, req Request) error {
	buf := make([]byte, 0, 3+1+256+2)
	buf = append(buf, Version, byte(req.Cmd), 0x00)
	buf, err := req.Addr.appendTo(buf)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

var zeroBind = Addr{Type: AddrIPv4, IP: net.IPv4zero.To4(), Port: 0}

// WriteReply emits a reply frame. A zero-value bind address is used when
// bind has no meaningful value (error replies).
func WriteReply(w io.Writer, code Reply, bind *Addr) error {
	b := zeroBind
	if bind != nil {
		b = *bind
	}
	buf := make([]byte, 0, 3+1+256+2)
	buf = append(buf, Version, byte(code), 0x00)
	buf, err := b.appendTo(buf)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadReply consumes a reply frame and returns its status and bind address.
func ReadReply(r io.Reader) (Reply, Addr, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return ReplyGeneralFailure, Addr{}, err
	}
	if hdr[0] != Version {
		return ReplyGeneralFailure, Addr{}, ErrBadVersion
	}
	addr, err := readAddr(r)
	if err != nil {
		return ReplyGeneralFailure, Addr{}, err
	}
	return Reply(hdr[1]), addr, nil
}

// Greet performs the client side of the negotiation offering no-auth only.
func Greet(rw io.ReadWriter) error {
	if _, err := rw.Write([]byte{Version, 0x01, MethodNoAuth}); err != nil {
		return err
	}
	var resp [2]byte
	if _, err := io.ReadFull(rw, resp[:]); err != nil {
		return err
	}
	if resp[0] != Version {
		return ErrBadVersion
	}
	if resp[1] != MethodNoAuth {
		return ErrNoAcceptableMethod
	}
	return nil
}

// Connect performs a full client handshake on rw: greeting, CONNECT for
// addr, reply. The reply code is returned even when it is not a success so
// callers can forward it.
func Connect(rw io.ReadWriter, addr Addr) (Reply, error) {
	if err := Greet(rw); err != nil {
		return ReplyGeneralFailure, err
	}
	if err := WriteRequest(rw, Request{Cmd: CmdConnect, Addr: addr}); err != nil {
		return ReplyGeneralFailure, err
	}
	code, _, err := ReadReply(rw)
	if err != nil {
		return ReplyGeneralFailure, err
	}
	return code, nil
}
