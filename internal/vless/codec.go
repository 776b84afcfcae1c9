// Package vless implements the proxy request header spoken on every logical
// stream after the covert handshake.
//
// Layout, big-endian, no padding:
//
//	version(1) | clientId(16) | extLen(1) | ext | command(1) | port(2) |
//	addrType(1) | addr | payload...
package vless

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
)

// Version is the only protocol version accepted.
const Version = 1

// Commands.
const (
	CommandConnect   = 0x01 // stream connect (TCP)
	CommandAssociate = 0x02 // datagram associate (UDP)
)

// Address types.
const (
	AddrIPv4   = 0x01
	AddrDomain = 0x02
	AddrIPv6   = 0x03
)

const maxDomainLen = 253

// ErrDecode marks any malformed request. The caller resets the stream; the
// reason is recorded internally only.
var ErrDecode = errors.New("vless: decode error")

// Address is a proxy destination.
type Address struct {
	Type   byte
	IP     net.IP // AddrIPv4 / AddrIPv6
	Domain string // AddrDomain
}

// Host returns the destination in dialable host form.
func (a Address) Host() string {
	if a.Type == AddrDomain {
		return a.Domain
	}
	return a.IP.String()
}

func (a Address) String() string { return a.Host() }

// Request is a decoded proxy request.
type Request struct {
	Version  byte
	ClientID [16]byte
	Ext      []byte
	Command  byte
	Port     uint16
	Addr     Address

	// Payload holds trailing bytes already buffered past the header.
	Payload []byte
}

// Target returns the destination in host:port form.
func (r *Request) Target() string {
	return net.JoinHostPort(r.Addr.Host(), fmt.Sprintf("%d", r.Port))
}

// Decode parses a request from an in-memory buffer. clientIDs is the accepted
// set; membership is checked in constant time over the whole set. Trailing
// bytes become Payload. A declared length past the end of buf is ErrDecode,
// never an out-of-range read.
func Decode(buf []byte, clientIDs [][16]byte) (*Request, error) {
	if len(buf) < 1+16+1 {
		return nil, fmt.Errorf("%w: short header", ErrDecode)
	}
	req := &Request{Version: buf[0]}
	if req.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrDecode, req.Version)
	}
	copy(req.ClientID[:], buf[1:17])
	if !idAccepted(req.ClientID, clientIDs) {
		return nil, fmt.Errorf("%w: unknown client id", ErrDecode)
	}

	extLen := int(buf[17])
	rest := buf[18:]
	if len(rest) < extLen {
		return nil, fmt.Errorf("%w: ext length %d past end", ErrDecode, extLen)
	}
	if extLen > 0 {
		req.Ext = append([]byte(nil), rest[:extLen]...)
	}
	rest = rest[extLen:]

	if len(rest) < 4 {
		return nil, fmt.Errorf("%w: short command block", ErrDecode)
	}
	req.Command = rest[0]
	switch req.Command {
	case CommandConnect, CommandAssociate:
	default:
		return nil, fmt.Errorf("%w: command 0x%02x", ErrDecode, req.Command)
	}
	req.Port = uint16(rest[1])<<8 | uint16(rest[2])
	addrType := rest[3]
	rest = rest[4:]

	switch addrType {
	case AddrIPv4:
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: short IPv4 address", ErrDecode)
		}
		req.Addr = Address{Type: AddrIPv4, IP: net.IP(append([]byte(nil), rest[:4]...))}
		rest = rest[4:]
	case AddrIPv6:
		if len(rest) < 16 {
			return nil, fmt.Errorf("%w: short IPv6 address", ErrDecode)
		}
		req.Addr = Address{Type: AddrIPv6, IP: net.IP(append([]byte(nil), rest[:16]...))}
		rest = rest[16:]
	case AddrDomain:
		if len(rest) < 1 {
			return nil, fmt.Errorf("%w: missing domain length", ErrDecode)
		}
		dlen := int(rest[0])
		if dlen == 0 || dlen > maxDomainLen {
			return nil, fmt.Errorf("%w: domain length %d", ErrDecode, dlen)
		}
		if len(rest) < 1+dlen {
			return nil, fmt.Errorf("%w: domain length %d past end", ErrDecode, dlen)
		}
		req.Addr = Address{Type: AddrDomain, Domain: string(rest[1 : 1+dlen])}
		rest = rest[1+dlen:]
	default:
		return nil, fmt.Errorf("%w: address type 0x%02x", ErrDecode, addrType)
	}

	if len(rest) > 0 {
		req.Payload = append([]byte(nil), rest...)
	}
	return req, nil
}

// ReadRequest decodes a request incrementally from a stream. It reads exactly
// the header bytes; anything after the address stays in r.
func ReadRequest(r io.Reader, clientIDs [][16]byte) (*Request, error) {
	var head [18]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	req := &Request{Version: head[0]}
	if req.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrDecode, req.Version)
	}
	copy(req.ClientID[:], head[1:17])
	if !idAccepted(req.ClientID, clientIDs) {
		return nil, fmt.Errorf("%w: unknown client id", ErrDecode)
	}

	if extLen := int(head[17]); extLen > 0 {
		req.Ext = make([]byte, extLen)
		if _, err := io.ReadFull(r, req.Ext); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}

	var cmd [4]byte
	if _, err := io.ReadFull(r, cmd[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	req.Command = cmd[0]
	switch req.Command {
	case CommandConnect, CommandAssociate:
	default:
		return nil, fmt.Errorf("%w: command 0x%02x", ErrDecode, req.Command)
	}
	req.Port = uint16(cmd[1])<<8 | uint16(cmd[2])

	switch cmd[3] {
	case AddrIPv4:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(r, ip); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		req.Addr = Address{Type: AddrIPv4, IP: ip}
	case AddrIPv6:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(r, ip); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		req.Addr = Address{Type: AddrIPv6, IP: ip}
	case AddrDomain:
		var dlen [1]byte
		if _, err := io.ReadFull(r, dlen[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if dlen[0] == 0 || int(dlen[0]) > maxDomainLen {
			return nil, fmt.Errorf("%w: domain length %d", ErrDecode, dlen[0])
		}
		domain := make([]byte, dlen[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		req.Addr = Address{Type: AddrDomain, Domain: string(domain)}
	default:
		return nil, fmt.Errorf("%w: address type 0x%02x", ErrDecode, cmd[3])
	}
	return req, nil
}

// idAccepted reports set membership without early exit, so timing does not
// reveal how close a guessed id came.
func idAccepted(id [16]byte, accepted [][16]byte) bool {
	match := 0
	for i := range accepted {
		match |= subtle.ConstantTimeCompare(id[:], accepted[i][:])
	}
	return match == 1
}

// Encode serializes a request header followed by req.Payload. Used by client
// tooling and tests.
func Encode(req *Request) ([]byte, error) {
	if len(req.Ext) > 255 {
		return nil, fmt.Errorf("vless: ext too long")
	}
	out := make([]byte, 0, 64+len(req.Payload))
	out = append(out, req.Version)
	out = append(out, req.ClientID[:]...)
	out = append(out, byte(len(req.Ext)))
	out = append(out, req.Ext...)
	out = append(out, req.Command, byte(req.Port>>8), byte(req.Port))

	switch req.Addr.Type {
	case AddrIPv4:
		ip4 := req.Addr.IP.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("vless: not an IPv4 address")
		}
		out = append(out, AddrIPv4)
		out = append(out, ip4...)
	case AddrIPv6:
		ip6 := req.Addr.IP.To16()
		if ip6 == nil {
			return nil, fmt.Errorf("vless: not an IPv6 address")
		}
		out = append(out, AddrIPv6)
		out = append(out, ip6...)
	case AddrDomain:
		if len(req.Addr.Domain) == 0 || len(req.Addr.Domain) > maxDomainLen {
			return nil, fmt.Errorf("vless: domain length %d", len(req.Addr.Domain))
		}
		out = append(out, AddrDomain, byte(len(req.Addr.Domain)))
		out = append(out, req.Addr.Domain...)
	default:
		return nil, fmt.Errorf("vless: address type 0x%02x", req.Addr.Type)
	}
	out = append(out, req.Payload...)
	return out, nil
}

// WriteResponseHeader sends the reply header preceding the first downstream
// payload: version(1) | extLen(1)=0.
func WriteResponseHeader(w io.Writer) error {
	_, err := w.Write([]byte{Version, 0})
	return err
}

// ReadResponseHeader consumes and validates the reply header on the client
// side.
func ReadResponseHeader(r io.Reader) error {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != Version {
		return fmt.Errorf("vless: response version %d", hdr[0])
	}
	if hdr[1] != 0 {
		// Skip addons we do not understand.
		if _, err := io.CopyN(io.Discard, r, int64(hdr[1])); err != nil {
			return err
		}
	}
	return nil
}
