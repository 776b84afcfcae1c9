// Package tlsutil reads and inspects TLS handshake records without
// terminating TLS. The inspector keeps every byte it consumed so a rejected
// connection can be replayed to the decoy verbatim.
package tlsutil

import (
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordTypeHandshake   = 0x16
	handshakeTypeClient   = 0x01
	maxHandshakeRecordLen = 16384 + 256

	extServerName       = 0
	extSupportedGroups  = 10
	extALPN             = 16
	extSupportedVersion = 43
	extKeyShare         = 51

	groupX25519  = 0x001d
	versionTLS13 = 0x0304
)

// ClientHello is a parsed first flight. Raw holds every byte read from the
// wire (record headers included); Handshake holds the handshake message only.
type ClientHello struct {
	Raw       []byte
	Handshake []byte

	Version      uint16
	Random       [32]byte
	SessionID    []byte
	CipherSuites []uint16

	ServerName string
	ALPN       []string

	SupportsTLS13  bool
	HasX25519Share bool
	KeyShare       [32]byte

	// sessionIDOffset is the position of the session id bytes inside
	// Handshake, used to produce the authentication transcript.
	sessionIDOffset int
}

// AuthTranscript returns the handshake message with the session id bytes
// zeroed. The client computes the same transcript before sealing, so both
// sides bind the authentication to every other ClientHello byte.
func (ch *ClientHello) AuthTranscript() []byte {
	out := make([]byte, len(ch.Handshake))
	copy(out, ch.Handshake)
	for i := 0; i < len(ch.SessionID); i++ {
		out[ch.sessionIDOffset+i] = 0
	}
	return out
}

// ReadClientHello reads TLS records from r until a complete ClientHello
// handshake message is available, then parses it. Fragmented hellos spanning
// multiple records are reassembled.
func ReadClientHello(r io.Reader) (*ClientHello, error) {
	ch := &ClientHello{}
	var handshake []byte
	need := -1

	for need < 0 || len(handshake) < need {
		var hdr [5]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("read record header: %w", err)
		}
		if hdr[0] != recordTypeHandshake {
			ch.Raw = append(ch.Raw, hdr[:]...)
			return ch, fmt.Errorf("record type 0x%02x, want handshake", hdr[0])
		}
		length := int(hdr[3])<<8 | int(hdr[4])
		if length == 0 || length > maxHandshakeRecordLen {
			ch.Raw = append(ch.Raw, hdr[:]...)
			return ch, fmt.Errorf("record length %d out of range", length)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			ch.Raw = append(ch.Raw, hdr[:]...)
			return ch, fmt.Errorf("read record body: %w", err)
		}
		ch.Raw = append(ch.Raw, hdr[:]...)
		ch.Raw = append(ch.Raw, body...)
		handshake = append(handshake, body...)

		if need < 0 && len(handshake) >= 4 {
			if handshake[0] != handshakeTypeClient {
				return ch, fmt.Errorf("handshake type 0x%02x, want client hello", handshake[0])
			}
			need = 4 + (int(handshake[1])<<16 | int(handshake[2])<<8 | int(handshake[3]))
			if need > 4+maxHandshakeRecordLen*4 {
				return ch, fmt.Errorf("client hello length %d out of range", need-4)
			}
		}
	}
	if len(handshake) != need {
		return ch, fmt.Errorf("trailing handshake bytes after client hello")
	}

	ch.Handshake = handshake
	if err := ch.parse(); err != nil {
		return ch, err
	}
	return ch, nil
}

func (ch *ClientHello) parse() error {
	s := cryptobyte.String(ch.Handshake[4:])

	if !s.ReadUint16(&ch.Version) {
		return fmt.Errorf("short client hello: version")
	}
	if !s.CopyBytes(ch.Random[:]) {
		return fmt.Errorf("short client hello: random")
	}

	// 4 (msg header) + 2 (version) + 32 (random) + 1 (session id length)
	ch.sessionIDOffset = 4 + 2 + 32 + 1

	var sessionID cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sessionID) {
		return fmt.Errorf("short client hello: session id")
	}
	ch.SessionID = []byte(sessionID)

	var suites cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&suites) {
		return fmt.Errorf("short client hello: cipher suites")
	}
	for !suites.Empty() {
		var suite uint16
		if !suites.ReadUint16(&suite) {
			return fmt.Errorf("malformed cipher suites")
		}
		ch.CipherSuites = append(ch.CipherSuites, suite)
	}

	var compression cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&compression) {
		return fmt.Errorf("short client hello: compression methods")
	}

	if s.Empty() {
		return nil
	}
	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return fmt.Errorf("malformed extensions block")
	}

	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return fmt.Errorf("malformed extension header")
		}
		switch extType {
		case extServerName:
			if err := ch.parseServerName(extData); err != nil {
				return err
			}
		case extALPN:
			if err := ch.parseALPN(extData); err != nil {
				return err
			}
		case extSupportedVersion:
			var versions cryptobyte.String
			if !extData.ReadUint8LengthPrefixed(&versions) {
				return fmt.Errorf("malformed supported_versions")
			}
			for !versions.Empty() {
				var v uint16
				if !versions.ReadUint16(&v) {
					return fmt.Errorf("malformed supported_versions")
				}
				if v == versionTLS13 {
					ch.SupportsTLS13 = true
				}
			}
		case extKeyShare:
			if err := ch.parseKeyShare(extData); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ch *ClientHello) parseServerName(data cryptobyte.String) error {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return fmt.Errorf("malformed server_name")
	}
	for !list.Empty() {
		var nameType uint8
		var name cryptobyte.String
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
			return fmt.Errorf("malformed server_name entry")
		}
		if nameType == 0 && ch.ServerName == "" {
			ch.ServerName = string(name)
		}
	}
	return nil
}

func (ch *ClientHello) parseALPN(data cryptobyte.String) error {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) {
		return fmt.Errorf("malformed alpn")
	}
	for !list.Empty() {
		var proto cryptobyte.String
		if !list.ReadUint8LengthPrefixed(&proto) || proto.Empty() {
			return fmt.Errorf("malformed alpn entry")
		}
		ch.ALPN = append(ch.ALPN, string(proto))
	}
	return nil
}

func (ch *ClientHello) parseKeyShare(data cryptobyte.String) error {
	var shares cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&shares) {
		return fmt.Errorf("malformed key_share")
	}
	for !shares.Empty() {
		var group uint16
		var share cryptobyte.String
		if !shares.ReadUint16(&group) || !shares.ReadUint16LengthPrefixed(&share) {
			return fmt.Errorf("malformed key_share entry")
		}
		if group == groupX25519 && len(share) == 32 {
			copy(ch.KeyShare[:], share)
			ch.HasX25519Share = true
		}
	}
	return nil
}
