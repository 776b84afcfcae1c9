package reality

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"

	"veilgate/internal/identity"
	"veilgate/internal/tlsutil"
)

const testTag = "abcd1234"

func testIdentity(t *testing.T) (*identity.Identity, []byte) {
	t.Helper()
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		t.Fatalf("rand: %v", err)
	}
	id, err := identity.New(identity.Params{
		PrivateKey:     hex.EncodeToString(priv),
		ShortTags:      []string{testTag},
		ClientIDs:      []string{"0f608d3c-a0a7-4dbe-a053-8ba1e06f3d7b"},
		CamouflageDest: "www.example.com:443",
		ServerNames:    []string{"www.example.com"},
	})
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	return id, priv
}

// sealedHello builds a ClientHello whose session id carries a valid
// credential for id, sealed at when with the configured short tag.
func sealedHello(t *testing.T, id *identity.Identity, when time.Time) (*tlsutil.ClientHello, []byte) {
	t.Helper()
	clientPriv := make([]byte, 32)
	if _, err := rand.Read(clientPriv); err != nil {
		t.Fatalf("rand: %v", err)
	}
	clientPub, err := curve25519.X25519(clientPriv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	var random, share [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	copy(share[:], clientPub)

	params := tlsutil.HelloParams{
		Random:     random,
		SessionID:  make([]byte, 32), // zeroed for the transcript pass
		ServerName: "www.example.com",
		ALPN:       []string{"h2"},
		KeyShare:   &share,
		OfferTLS13: true,
	}
	record, err := tlsutil.BuildClientHello(params)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	transcript := record[5:]

	tag, err := identity.ParseShortTag(testTag)
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	sealed, err := SealSessionID(clientPriv, id.PublicKey[:], random, transcript, when, tag)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	params.SessionID = sealed
	record, err = tlsutil.BuildClientHello(params)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	ch, err := tlsutil.ReadClientHello(bytes.NewReader(record))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return ch, clientPriv
}

func TestAuthenticateValid(t *testing.T) {
	id, _ := testIdentity(t)
	ch, clientPriv := sealedHello(t, id, time.Now())

	a := NewAuthenticator(2*time.Minute, 0)
	auth, err := a.Authenticate(id, ch)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	want, err := curve25519.X25519(clientPriv, id.PublicKey[:])
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(auth.SharedSecret, want) {
		t.Fatal("shared secret disagrees with client derivation")
	}
	wantTag, _ := identity.ParseShortTag(testTag)
	if auth.ShortTag != wantTag {
		t.Fatal("short tag mismatch")
	}
}

func TestAuthenticateWrongServerKey(t *testing.T) {
	id, _ := testIdentity(t)
	other, _ := testIdentity(t)
	// Credential sealed for a different server key must not open.
	ch, _ := sealedHello(t, other, time.Now())

	a := NewAuthenticator(2*time.Minute, 0)
	if _, err := a.Authenticate(id, ch); err != ErrOpenFailed {
		t.Fatalf("err = %v, want ErrOpenFailed", err)
	}
}

func TestAuthenticateRandomSessionIDs(t *testing.T) {
	id, _ := testIdentity(t)
	a := NewAuthenticator(2*time.Minute, 0)
	for i := 0; i < 200; i++ {
		ch, _ := sealedHello(t, id, time.Now())
		junk := make([]byte, 32)
		if _, err := rand.Read(junk); err != nil {
			t.Fatalf("rand: %v", err)
		}
		ch.SessionID = junk
		if _, err := a.Authenticate(id, ch); err == nil {
			t.Fatal("random session id authenticated")
		}
	}
}

func TestAuthenticateTamperedTranscript(t *testing.T) {
	id, _ := testIdentity(t)
	ch, _ := sealedHello(t, id, time.Now())
	// Flip a byte outside the session id; the AAD binding must break.
	ch.Handshake = append([]byte(nil), ch.Handshake...)
	ch.Handshake[len(ch.Handshake)-1] ^= 0x01

	a := NewAuthenticator(2*time.Minute, 0)
	if _, err := a.Authenticate(id, ch); err != ErrOpenFailed {
		t.Fatalf("err = %v, want ErrOpenFailed", err)
	}
}

func TestAuthenticateNoKeyShare(t *testing.T) {
	id, _ := testIdentity(t)
	ch, _ := sealedHello(t, id, time.Now())
	ch.HasX25519Share = false

	a := NewAuthenticator(2*time.Minute, 0)
	if _, err := a.Authenticate(id, ch); err != ErrNoKeyShare {
		t.Fatalf("err = %v, want ErrNoKeyShare", err)
	}
}

func TestAuthenticateReplayWindow(t *testing.T) {
	id, _ := testIdentity(t)
	a := NewAuthenticator(2*time.Minute, 0)

	base := time.Now()
	a.now = func() time.Time { return base }

	// Inside the window on both sides of now.
	for _, offset := range []time.Duration{-90 * time.Second, 90 * time.Second} {
		ch, _ := sealedHello(t, id, base.Add(offset))
		if _, err := a.Authenticate(id, ch); err != nil {
			t.Fatalf("offset %v rejected: %v", offset, err)
		}
	}
	// One step past the window flips to rejection.
	for _, offset := range []time.Duration{-3 * time.Minute, 3 * time.Minute} {
		ch, _ := sealedHello(t, id, base.Add(offset))
		if _, err := a.Authenticate(id, ch); err != ErrStale {
			t.Fatalf("offset %v: err = %v, want ErrStale", offset, err)
		}
	}
}

func TestAuthenticateReplayedSessionID(t *testing.T) {
	id, _ := testIdentity(t)
	ch, _ := sealedHello(t, id, time.Now())

	a := NewAuthenticator(2*time.Minute, 0)
	if _, err := a.Authenticate(id, ch); err != nil {
		t.Fatalf("first presentation rejected: %v", err)
	}
	if _, err := a.Authenticate(id, ch); err != ErrReplayed {
		t.Fatalf("err = %v, want ErrReplayed", err)
	}
}

func TestAuthenticateUnknownTag(t *testing.T) {
	id, _ := testIdentity(t)
	// Identity with a different accepted tag set.
	strict, err := identity.New(identity.Params{
		PrivateKey:     hex.EncodeToString(id.PrivateKey[:]),
		ShortTags:      []string{"ffff"},
		CamouflageDest: "www.example.com:443",
	})
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	ch, _ := sealedHello(t, id, time.Now())

	a := NewAuthenticator(2*time.Minute, 0)
	if _, err := a.Authenticate(strict, ch); err != ErrUnknownTag {
		t.Fatalf("err = %v, want ErrUnknownTag", err)
	}
}

func TestDecide(t *testing.T) {
	id, _ := testIdentity(t)
	ch, _ := sealedHello(t, id, time.Now())
	auth := &Auth{}

	if d := Decide(id, ch, nil); d != DecisionCamouflage {
		t.Fatal("unauthenticated hello must camouflage")
	}
	if d := Decide(id, ch, auth); d != DecisionProceed {
		t.Fatal("authenticated hello with accepted SNI must proceed")
	}
	bad := *ch
	bad.ServerName = "evil.example.com"
	if d := Decide(id, &bad, auth); d != DecisionCamouflage {
		t.Fatal("unaccepted SNI must camouflage")
	}
	old := *ch
	old.SupportsTLS13 = false
	if d := Decide(id, &old, auth); d != DecisionCamouflage {
		t.Fatal("client without TLS 1.3 must camouflage")
	}
}
