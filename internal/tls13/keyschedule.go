// Package tls13 implements the minimal server half of the TLS 1.3 record
// and key-schedule machinery needed to speak an authenticated session whose
// traffic secrets are anchored in the long-term identity key rather than an
// ephemeral exchange.
package tls13

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// Cipher suite identifiers (RFC 8446 appendix B.4).
const (
	TLS_AES_128_GCM_SHA256       = 0x1301
	TLS_CHACHA20_POLY1305_SHA256 = 0x1303
)

// CipherSuite bundles the AEAD construction and hash for one suite.
type CipherSuite struct {
	ID     uint16
	Hash   func() hash.Hash
	KeyLen int
	IVLen  int
	AEAD   func(key []byte) (cipher.AEAD, error)
}

var supportedSuites = []*CipherSuite{
	{
		ID:     TLS_AES_128_GCM_SHA256,
		Hash:   sha256.New,
		KeyLen: 16,
		IVLen:  12,
		AEAD: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
	},
	{
		ID:     TLS_CHACHA20_POLY1305_SHA256,
		Hash:   sha256.New,
		KeyLen: 32,
		IVLen:  12,
		AEAD:   chacha20poly1305.New,
	},
}

// SuiteByID returns the suite for id, or nil when unsupported.
func SuiteByID(id uint16) *CipherSuite {
	for _, s := range supportedSuites {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// NegotiateSuite picks the first mutually supported suite in server
// preference order.
func NegotiateSuite(clientSuites []uint16) *CipherSuite {
	for _, s := range supportedSuites {
		for _, c := range clientSuites {
			if s.ID == c {
				return s
			}
		}
	}
	return nil
}

// expandLabel implements HKDF-Expand-Label (RFC 8446 section 7.1).
func expandLabel(h func() hash.Hash, secret []byte, label string, context []byte, length int) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(length))
	b.AddUint8LengthPrefixed(func(l *cryptobyte.Builder) {
		l.AddBytes([]byte("tls13 "))
		l.AddBytes([]byte(label))
	})
	b.AddUint8LengthPrefixed(func(c *cryptobyte.Builder) {
		c.AddBytes(context)
	})
	info, err := b.Bytes()
	if err != nil {
		panic(fmt.Sprintf("tls13: hkdf label: %v", err))
	}
	out := make([]byte, length)
	if _, err := hkdf.Expand(h, secret, info).Read(out); err != nil {
		panic(fmt.Sprintf("tls13: hkdf expand: %v", err))
	}
	return out
}

// KeySchedule tracks the running transcript and the secret chain.
type KeySchedule struct {
	suite      *CipherSuite
	transcript hash.Hash
	secret     []byte // current extract output
}

// NewKeySchedule starts a schedule at the early secret with no PSK.
func NewKeySchedule(suite *CipherSuite) *KeySchedule {
	hashLen := suite.Hash().Size()
	zeros := make([]byte, hashLen)
	return &KeySchedule{
		suite:      suite,
		transcript: suite.Hash(),
		secret:     hkdf.Extract(suite.Hash, zeros, nil),
	}
}

// Suite returns the negotiated cipher suite.
func (ks *KeySchedule) Suite() *CipherSuite { return ks.suite }

// AddTranscript absorbs a handshake message (header included).
func (ks *KeySchedule) AddTranscript(msg []byte) {
	ks.transcript.Write(msg)
}

// transcriptHash returns the hash of the transcript so far.
func (ks *KeySchedule) transcriptHash() []byte {
	return ks.transcript.Sum(nil)
}

func (ks *KeySchedule) deriveSecret(label string, transcript []byte) []byte {
	return expandLabel(ks.suite.Hash, ks.secret, label, transcript, ks.suite.Hash().Size())
}

// SetSharedSecret advances the chain from the early secret to the handshake
// secret using the X25519 shared secret.
func (ks *KeySchedule) SetSharedSecret(shared []byte) {
	derived := ks.deriveSecret("derived", ks.suite.Hash().Sum(nil))
	ks.secret = hkdf.Extract(ks.suite.Hash, shared, derived)
}

// HandshakeTrafficSecrets returns the client and server handshake traffic
// secrets bound to the transcript up to ServerHello.
func (ks *KeySchedule) HandshakeTrafficSecrets() (client, server []byte) {
	th := ks.transcriptHash()
	return ks.deriveSecret("c hs traffic", th), ks.deriveSecret("s hs traffic", th)
}

// SetMasterSecret advances the chain from the handshake secret to the master
// secret.
func (ks *KeySchedule) SetMasterSecret() {
	hashLen := ks.suite.Hash().Size()
	derived := ks.deriveSecret("derived", ks.suite.Hash().Sum(nil))
	ks.secret = hkdf.Extract(ks.suite.Hash, make([]byte, hashLen), derived)
}

// ApplicationTrafficSecrets returns the client and server application traffic
// secrets bound to the transcript up to server Finished.
func (ks *KeySchedule) ApplicationTrafficSecrets() (client, server []byte) {
	th := ks.transcriptHash()
	return ks.deriveSecret("c ap traffic", th), ks.deriveSecret("s ap traffic", th)
}

// FinishedVerifyData computes the Finished MAC for the side owning baseKey
// over the current transcript.
func (ks *KeySchedule) FinishedVerifyData(baseKey []byte) []byte {
	finishedKey := expandLabel(ks.suite.Hash, baseKey, "finished", nil, ks.suite.Hash().Size())
	mac := hmac.New(ks.suite.Hash, finishedKey)
	mac.Write(ks.transcriptHash())
	return mac.Sum(nil)
}

// TrafficKeys derives the record protection key and IV from a traffic secret.
func TrafficKeys(suite *CipherSuite, trafficSecret []byte) (key, iv []byte) {
	key = expandLabel(suite.Hash, trafficSecret, "key", nil, suite.KeyLen)
	iv = expandLabel(suite.Hash, trafficSecret, "iv", nil, suite.IVLen)
	return key, iv
}
