package reality

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"net"

	"golang.org/x/crypto/cryptobyte"

	"veilgate/internal/identity"
	"veilgate/internal/tls13"
	"veilgate/internal/tlsutil"
)

// Handshake message types.
const (
	typeServerHello         = 0x02
	typeEncryptedExtensions = 0x08
	typeCertificate         = 0x0b
	typeFinished            = 0x14
)

const (
	extSupportedVersions = 43
	extKeyShare          = 51
	extALPN              = 16

	groupX25519  = 0x001d
	versionTLS13 = 0x0304
)

// ErrHandshake covers any protocol failure after the decision to proceed.
// The caller resets the connection without a diagnostic alert.
var ErrHandshake = errors.New("reality: handshake failed")

// Session is an established covert TLS session.
type Session struct {
	Conn  *tls13.Conn
	Suite *tls13.CipherSuite
	ALPN  string
}

// Handshaker completes the server side of the covert handshake. The ECDHE
// input of the key schedule is the authentication shared secret, and the
// ServerHello key share carries the long-term public key, so the client
// derives identical traffic secrets from its ephemeral key alone.
type Handshaker struct {
	Certs *CertFetcher
	ALPN  []string // server-supported protocols, preference order
}

// Serve runs the server flight over rawConn and returns the protected
// session. Any error means the caller must reset the connection.
func (h *Handshaker) Serve(ctx context.Context, rawConn net.Conn, id *identity.Identity, ch *tlsutil.ClientHello, auth *Auth) (*Session, error) {
	suite := tls13.NegotiateSuite(ch.CipherSuites)
	if suite == nil {
		return nil, fmt.Errorf("%w: no common cipher suite", ErrHandshake)
	}
	alpn := negotiateALPN(h.ALPN, ch.ALPN)

	ks := tls13.NewKeySchedule(suite)
	ks.AddTranscript(ch.Handshake)

	conn := tls13.NewConn(rawConn, suite)

	serverHello, err := buildServerHello(suite.ID, ch.SessionID, id.PublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := conn.WriteRecord(tls13.RecordHandshake, serverHello); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	ks.AddTranscript(serverHello)

	ks.SetSharedSecret(auth.SharedSecret)
	clientHS, serverHS := ks.HandshakeTrafficSecrets()

	// Middlebox compatibility: a bare change_cipher_spec after ServerHello.
	if err := conn.WriteRecord(tls13.RecordChangeCipherSpec, []byte{1}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := conn.SetWriteSecret(serverHS); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	chain, err := h.Certs.Chain(ctx, id.CamouflageAddr, id.CamouflageHost())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	flight := [][]byte{
		buildEncryptedExtensions(alpn),
		buildCertificate(chain),
	}
	for _, msg := range flight {
		if err := conn.WriteRecord(tls13.RecordHandshake, msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		ks.AddTranscript(msg)
	}

	// No CertificateVerify: the chain belongs to the decoy, not to us. The
	// client authenticated the server through the covert exchange already.
	serverFinished := buildFinished(ks.FinishedVerifyData(serverHS))
	if err := conn.WriteRecord(tls13.RecordHandshake, serverFinished); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	ks.AddTranscript(serverFinished)

	ks.SetMasterSecret()
	clientAP, serverAP := ks.ApplicationTrafficSecrets()

	if err := conn.SetReadSecret(clientHS); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	recType, msg, err := conn.ReadRecord()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if recType != tls13.RecordHandshake || len(msg) < 4 || msg[0] != typeFinished {
		return nil, fmt.Errorf("%w: expected client finished", ErrHandshake)
	}
	want := ks.FinishedVerifyData(clientHS)
	if !hmac.Equal(msg[4:], want) {
		return nil, fmt.Errorf("%w: client finished verify failed", ErrHandshake)
	}

	if err := conn.SetReadSecret(clientAP); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := conn.SetWriteSecret(serverAP); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	return &Session{Conn: conn, Suite: suite, ALPN: alpn}, nil
}

func negotiateALPN(server, client []string) string {
	for _, s := range server {
		for _, c := range client {
			if s == c {
				return s
			}
		}
	}
	return ""
}

func buildServerHello(suiteID uint16, sessionID, keyShare []byte) ([]byte, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	b.AddUint8(typeServerHello)
	b.AddUint24LengthPrefixed(func(hs *cryptobyte.Builder) {
		hs.AddUint16(0x0303) // legacy version
		hs.AddBytes(random[:])
		hs.AddUint8LengthPrefixed(func(sid *cryptobyte.Builder) {
			sid.AddBytes(sessionID)
		})
		hs.AddUint16(suiteID)
		hs.AddUint8(0) // compression
		hs.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {
			ext.AddUint16(extSupportedVersions)
			ext.AddUint16LengthPrefixed(func(e *cryptobyte.Builder) {
				e.AddUint16(versionTLS13)
			})
			ext.AddUint16(extKeyShare)
			ext.AddUint16LengthPrefixed(func(e *cryptobyte.Builder) {
				e.AddUint16(groupX25519)
				e.AddUint16LengthPrefixed(func(share *cryptobyte.Builder) {
					share.AddBytes(keyShare)
				})
			})
		})
	})
	return b.Bytes()
}

func buildEncryptedExtensions(alpn string) []byte {
	var b cryptobyte.Builder
	b.AddUint8(typeEncryptedExtensions)
	b.AddUint24LengthPrefixed(func(hs *cryptobyte.Builder) {
		hs.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {
			if alpn == "" {
				return
			}
			ext.AddUint16(extALPN)
			ext.AddUint16LengthPrefixed(func(e *cryptobyte.Builder) {
				e.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
					list.AddUint8LengthPrefixed(func(p *cryptobyte.Builder) {
						p.AddBytes([]byte(alpn))
					})
				})
			})
		})
	})
	out, _ := b.Bytes()
	return out
}

func buildCertificate(chain [][]byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(typeCertificate)
	b.AddUint24LengthPrefixed(func(hs *cryptobyte.Builder) {
		hs.AddUint8(0) // empty certificate_request_context
		hs.AddUint24LengthPrefixed(func(list *cryptobyte.Builder) {
			for _, der := range chain {
				list.AddUint24LengthPrefixed(func(c *cryptobyte.Builder) {
					c.AddBytes(der)
				})
				list.AddUint16(0) // no extensions
			}
		})
	})
	out, _ := b.Bytes()
	return out
}

func buildFinished(verifyData []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(typeFinished)
	b.AddUint24LengthPrefixed(func(hs *cryptobyte.Builder) {
		hs.AddBytes(verifyData)
	})
	out, _ := b.Bytes()
	return out
}
