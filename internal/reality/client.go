package reality

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/curve25519"

	"veilgate/internal/identity"
	"veilgate/internal/tls13"
	"veilgate/internal/tlsutil"
)

// ClientConfig carries what a client needs to authenticate to a server.
type ClientConfig struct {
	ServerPublicKey [32]byte
	ShortTag        [identity.ShortTagLength]byte
	ServerName      string
	ALPN            []string

	// Now is swappable in tests; nil means time.Now.
	Now func() time.Time
}

// ClientSession is the client end of an established covert session.
type ClientSession struct {
	Conn  *tls13.Conn
	Suite *tls13.CipherSuite
	ALPN  string
}

// ClientHandshake authenticates to the server over conn and completes the
// TLS 1.3 exchange. It is the counterpart of Handshaker.Serve, used by client
// tooling and by the test suite.
func ClientHandshake(conn net.Conn, cfg ClientConfig) (*ClientSession, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	var random, share [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return nil, err
	}
	copy(share[:], ephPub)

	params := tlsutil.HelloParams{
		Random:     random,
		SessionID:  make([]byte, 32),
		ServerName: cfg.ServerName,
		ALPN:       cfg.ALPN,
		KeyShare:   &share,
		OfferTLS13: true,
	}
	// First pass with a zeroed session id yields the sealing transcript.
	record, err := tlsutil.BuildClientHello(params)
	if err != nil {
		return nil, err
	}
	sealed, err := SealSessionID(ephPriv, cfg.ServerPublicKey[:], random, record[5:], now(), cfg.ShortTag)
	if err != nil {
		return nil, err
	}
	params.SessionID = sealed
	record, err = tlsutil.BuildClientHello(params)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(record); err != nil {
		return nil, err
	}
	return finishClientHandshake(conn, ephPriv, record[5:])
}

// finishClientHandshake runs the post-hello client flight. helloMsg is the
// ClientHello handshake message as sent.
func finishClientHandshake(rawConn net.Conn, ephPriv, helloMsg []byte) (*ClientSession, error) {
	plain := tls13.NewConn(rawConn, nil)
	recType, shMsg, err := plain.ReadRecord()
	if err != nil {
		return nil, err
	}
	if recType != tls13.RecordHandshake {
		return nil, fmt.Errorf("reality: expected server hello, got record 0x%02x", recType)
	}
	suiteID, serverShare, err := parseServerHello(shMsg)
	if err != nil {
		return nil, err
	}
	suite := tls13.SuiteByID(suiteID)
	if suite == nil {
		return nil, fmt.Errorf("reality: server chose unsupported suite 0x%04x", suiteID)
	}

	shared, err := curve25519.X25519(ephPriv, serverShare)
	if err != nil {
		return nil, err
	}

	ks := tls13.NewKeySchedule(suite)
	ks.AddTranscript(helloMsg)
	ks.AddTranscript(shMsg)
	ks.SetSharedSecret(shared)
	clientHS, serverHS := ks.HandshakeTrafficSecrets()

	conn := tls13.NewConn(rawConn, suite)
	if err := conn.SetReadSecret(serverHS); err != nil {
		return nil, err
	}

	var alpn string
	for {
		recType, msg, err := conn.ReadRecord()
		if err != nil {
			return nil, err
		}
		if recType != tls13.RecordHandshake || len(msg) < 4 {
			return nil, fmt.Errorf("reality: unexpected record 0x%02x during server flight", recType)
		}
		switch msg[0] {
		case typeEncryptedExtensions:
			alpn = parseALPNFromEE(msg)
			ks.AddTranscript(msg)
		case typeCertificate:
			// The chain is the decoy's; nothing to verify against.
			ks.AddTranscript(msg)
		case typeFinished:
			if !hmac.Equal(msg[4:], ks.FinishedVerifyData(serverHS)) {
				return nil, fmt.Errorf("reality: server finished verify failed")
			}
			ks.AddTranscript(msg)
			ks.SetMasterSecret()
			clientAP, serverAP := ks.ApplicationTrafficSecrets()

			if err := conn.SetWriteSecret(clientHS); err != nil {
				return nil, err
			}
			fin := buildFinished(ks.FinishedVerifyData(clientHS))
			if err := conn.WriteRecord(tls13.RecordHandshake, fin); err != nil {
				return nil, err
			}
			if err := conn.SetReadSecret(serverAP); err != nil {
				return nil, err
			}
			if err := conn.SetWriteSecret(clientAP); err != nil {
				return nil, err
			}
			return &ClientSession{Conn: conn, Suite: suite, ALPN: alpn}, nil
		default:
			return nil, fmt.Errorf("reality: unexpected handshake message 0x%02x", msg[0])
		}
	}
}

func parseServerHello(msg []byte) (uint16, []byte, error) {
	s := cryptobyte.String(msg)
	var msgType uint8
	var body cryptobyte.String
	if !s.ReadUint8(&msgType) || !s.ReadUint24LengthPrefixed(&body) || msgType != typeServerHello {
		return 0, nil, fmt.Errorf("reality: not a server hello")
	}
	var version uint16
	random := make([]byte, 32)
	var sid cryptobyte.String
	var suiteID uint16
	var compression uint8
	if !body.ReadUint16(&version) || !body.CopyBytes(random) ||
		!body.ReadUint8LengthPrefixed(&sid) || !body.ReadUint16(&suiteID) ||
		!body.ReadUint8(&compression) {
		return 0, nil, fmt.Errorf("reality: malformed server hello")
	}
	var extensions cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&extensions) {
		return 0, nil, fmt.Errorf("reality: malformed server hello extensions")
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return 0, nil, fmt.Errorf("reality: malformed server hello extension")
		}
		if extType != extKeyShare {
			continue
		}
		var group uint16
		var keyShare cryptobyte.String
		if !extData.ReadUint16(&group) || !extData.ReadUint16LengthPrefixed(&keyShare) || group != groupX25519 {
			return 0, nil, fmt.Errorf("reality: malformed key share")
		}
		return suiteID, []byte(keyShare), nil
	}
	return 0, nil, fmt.Errorf("reality: server hello carries no key share")
}

func parseALPNFromEE(msg []byte) string {
	s := cryptobyte.String(msg[4:])
	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) {
		return ""
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return ""
		}
		if extType != extALPN {
			continue
		}
		var list, proto cryptobyte.String
		if extData.ReadUint16LengthPrefixed(&list) && list.ReadUint8LengthPrefixed(&proto) {
			return string(proto)
		}
	}
	return ""
}
