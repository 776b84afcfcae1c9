package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// keygen prints a fresh server key pair, one short id and one client id,
// ready to paste into a config file.
func keygen(w io.Writer) error {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return err
	}

	shortID := make([]byte, 4)
	if _, err := rand.Read(shortID); err != nil {
		return err
	}

	clientID, err := newUUID()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "private_key: %s\n", base64.RawURLEncoding.EncodeToString(priv[:]))
	fmt.Fprintf(w, "public_key:  %s\n", base64.RawURLEncoding.EncodeToString(pub))
	fmt.Fprintf(w, "short_id:    %s\n", hex.EncodeToString(shortID))
	fmt.Fprintf(w, "client_id:   %s\n", clientID)
	return nil
}

// newUUID returns a random RFC 4122 version 4 UUID.
func newUUID() (string, error) {
	var u [16]byte
	if _, err := rand.Read(u[:]); err != nil {
		return "", err
	}
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16]), nil
}
