// Package reality implements the covert authentication scheme carried in the
// session-id field of an otherwise ordinary TLS ClientHello, and the server
// handshake that follows a successful authentication.
package reality

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"veilgate/internal/identity"
	"veilgate/internal/security/replay"
	"veilgate/internal/tlsutil"
)

// hkdfInfo domain-separates the authentication key from any other use of the
// same shared secret.
const hkdfInfo = "veilgate-reality-auth"

const sessionIDLen = 32

// Authentication failure reasons. All of them resolve to camouflage; they are
// recorded internally only.
var (
	ErrNoKeyShare   = errors.New("reality: no X25519 key share")
	ErrBadSessionID = errors.New("reality: session id is not 32 bytes")
	ErrDegenerate   = errors.New("reality: degenerate shared secret")
	ErrOpenFailed   = errors.New("reality: aead open failed")
	ErrUnknownTag   = errors.New("reality: unknown short tag")
	ErrStale        = errors.New("reality: timestamp outside window")
	ErrReplayed     = errors.New("reality: session id replayed")
)

// Auth is the evidence of a successful authentication.
type Auth struct {
	SharedSecret []byte
	ShortTag     [identity.ShortTagLength]byte
	ClientTime   time.Time
}

// Authenticator verifies ClientHellos against an identity. It is safe for
// concurrent use; the replay cache is shared across connections.
type Authenticator struct {
	seen *replay.Cache
	now  func() time.Time
}

// NewAuthenticator creates an authenticator whose replay cache remembers
// session ids for window.
func NewAuthenticator(window time.Duration, cacheSize int) *Authenticator {
	if cacheSize <= 0 {
		cacheSize = 1 << 16
	}
	return &Authenticator{
		seen: replay.NewCache(window, cacheSize),
		now:  time.Now,
	}
}

// Authenticate runs the full verification against id. It performs no I/O and
// is computed exactly once per connection by the caller.
func (a *Authenticator) Authenticate(id *identity.Identity, ch *tlsutil.ClientHello) (*Auth, error) {
	if !ch.HasX25519Share {
		return nil, ErrNoKeyShare
	}
	if len(ch.SessionID) != sessionIDLen {
		return nil, ErrBadSessionID
	}

	shared, err := curve25519.X25519(id.PrivateKey[:], ch.KeyShare[:])
	if err != nil {
		// x/crypto rejects all-zero outputs from low-order points.
		return nil, ErrDegenerate
	}

	aead, err := authAEAD(shared, ch.Random[:])
	if err != nil {
		return nil, fmt.Errorf("reality: %w", err)
	}
	nonce := ch.Random[20:32]

	plaintext, err := aead.Open(nil, nonce, ch.SessionID, ch.AuthTranscript())
	if err != nil {
		return nil, ErrOpenFailed
	}
	if len(plaintext) != 16 {
		return nil, ErrOpenFailed
	}

	var tag [identity.ShortTagLength]byte
	copy(tag[:], plaintext[8:16])
	if !id.AcceptsShortTag(tag) {
		return nil, ErrUnknownTag
	}

	ts := int64(uint32(plaintext[4])<<24 | uint32(plaintext[5])<<16 | uint32(plaintext[6])<<8 | uint32(plaintext[7]))
	clientTime := time.Unix(ts, 0)
	skew := a.now().Sub(clientTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > id.ReplayWindow {
		return nil, ErrStale
	}

	if !a.seen.CheckAndAdd(ch.SessionID) {
		return nil, ErrReplayed
	}

	return &Auth{
		SharedSecret: shared,
		ShortTag:     tag,
		ClientTime:   clientTime,
	}, nil
}

func authAEAD(shared, random []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := hkdf.New(sha256.New, shared, random[:20], []byte(hkdfInfo)).Read(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealSessionID produces the 32-byte session id a client embeds in its
// ClientHello: the 16-byte credential sealed under the ECDH-derived key.
// transcript must be the handshake message with the session id bytes zeroed.
// Used by client tooling and tests.
func SealSessionID(clientPriv, serverPub []byte, random [32]byte, transcript []byte, clientTime time.Time, tag [identity.ShortTagLength]byte) ([]byte, error) {
	shared, err := curve25519.X25519(clientPriv, serverPub)
	if err != nil {
		return nil, err
	}
	aead, err := authAEAD(shared, random[:])
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, 16)
	plaintext[0] = 1 // credential format version
	ts := uint32(clientTime.Unix())
	plaintext[4] = byte(ts >> 24)
	plaintext[5] = byte(ts >> 16)
	plaintext[6] = byte(ts >> 8)
	plaintext[7] = byte(ts)
	copy(plaintext[8:16], tag[:])

	sealed := aead.Seal(nil, random[20:32], plaintext, transcript)
	if len(sealed) != sessionIDLen {
		return nil, fmt.Errorf("reality: sealed credential is %d bytes", len(sealed))
	}
	return sealed, nil
}
