// Package identity holds the server's long-term authentication material.
// An Identity is immutable once built; hot reload swaps the whole value
// through a Holder so connections never observe a half-updated identity.
package identity

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"
)

// ShortTagLength is the on-wire length of a short tag; configured tags
// shorter than this are zero-padded on the right.
const ShortTagLength = 8

// Identity is a read-only snapshot of the server's keys and accept sets.
type Identity struct {
	PrivateKey [32]byte
	PublicKey  [32]byte

	shortTags map[[ShortTagLength]byte]struct{}
	clientIDs [][16]byte

	CamouflageAddr string
	serverNames    map[string]struct{}

	ReplayWindow time.Duration
}

// Params carries the externally loaded identity fields in text form.
type Params struct {
	PrivateKey     string        // base64 (std or url-safe) or hex, 32 bytes
	ShortTags      []string      // hex, 0-8 bytes each
	ClientIDs      []string      // UUID text form
	CamouflageDest string        // host[:port], port 443 default
	ServerNames    []string      // accepted SNI values
	ReplayWindow   time.Duration // 0 means the 2-minute default
}

// New builds an immutable Identity from Params.
func New(p Params) (*Identity, error) {
	priv, err := ParseKey(p.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	id := &Identity{
		shortTags:    make(map[[ShortTagLength]byte]struct{}, len(p.ShortTags)),
		serverNames:  make(map[string]struct{}, len(p.ServerNames)),
		ReplayWindow: p.ReplayWindow,
	}
	copy(id.PrivateKey[:], priv)
	copy(id.PublicKey[:], pub)

	if id.ReplayWindow <= 0 {
		id.ReplayWindow = 2 * time.Minute
	}

	for i, tag := range p.ShortTags {
		t, err := ParseShortTag(tag)
		if err != nil {
			return nil, fmt.Errorf("short tag %d: %w", i, err)
		}
		id.shortTags[t] = struct{}{}
	}

	for i, raw := range p.ClientIDs {
		cid, err := ParseClientID(raw)
		if err != nil {
			return nil, fmt.Errorf("client id %d: %w", i, err)
		}
		id.clientIDs = append(id.clientIDs, cid)
	}

	dest := p.CamouflageDest
	if dest == "" {
		return nil, fmt.Errorf("camouflage destination required")
	}
	if _, _, err := net.SplitHostPort(dest); err != nil {
		dest = net.JoinHostPort(dest, "443")
	}
	id.CamouflageAddr = dest

	for _, name := range p.ServerNames {
		id.serverNames[strings.ToLower(name)] = struct{}{}
	}
	return id, nil
}

// AcceptsShortTag reports whether tag is in the accepted set.
func (id *Identity) AcceptsShortTag(tag [ShortTagLength]byte) bool {
	_, ok := id.shortTags[tag]
	return ok
}

// AcceptsServerName reports whether sni is in the accepted set. An empty
// configured set accepts nothing: camouflage is the safe default.
func (id *Identity) AcceptsServerName(sni string) bool {
	_, ok := id.serverNames[strings.ToLower(sni)]
	return ok
}

// ClientIDs returns the accepted client identifiers. The returned slice is
// shared; callers must not mutate it.
func (id *Identity) ClientIDs() [][16]byte {
	return id.clientIDs
}

// CamouflageHost returns the host part of the camouflage destination.
func (id *Identity) CamouflageHost() string {
	host, _, err := net.SplitHostPort(id.CamouflageAddr)
	if err != nil {
		return id.CamouflageAddr
	}
	return host
}

// ParseKey decodes a 32-byte key from std base64, url-safe base64 or hex.
func ParseKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	decoders := []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		hex.DecodeString,
	}
	// A 64-char hex key is also valid base64, so a wrong-length decode moves
	// on to the next encoding instead of failing.
	for _, dec := range decoders {
		decoded, err := dec(key)
		if err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("key must be a base64 or hex encoded 32-byte value")
}

// ParseShortTag decodes a hex tag of up to 8 bytes, right-padded with zeros.
func ParseShortTag(tag string) ([ShortTagLength]byte, error) {
	var out [ShortTagLength]byte
	tag = strings.TrimSpace(tag)
	if len(tag)%2 != 0 {
		tag = tag + "0"
	}
	decoded, err := hex.DecodeString(tag)
	if err != nil {
		return out, fmt.Errorf("not hex: %w", err)
	}
	if len(decoded) > ShortTagLength {
		return out, fmt.Errorf("tag longer than %d bytes", ShortTagLength)
	}
	copy(out[:], decoded)
	return out, nil
}

// ParseClientID decodes a client identifier from its canonical UUID form,
// with or without dashes.
func ParseClientID(s string) ([16]byte, error) {
	var out [16]byte
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("not a UUID: %w", err)
	}
	if len(decoded) != 16 {
		return out, fmt.Errorf("client id must be 16 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
