package tlsutil

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// HelloParams describes a ClientHello to synthesize. Used by the diagnostics
// probe and by tests; the accept path never builds hellos.
type HelloParams struct {
	Random       [32]byte
	SessionID    []byte // at most 32 bytes
	CipherSuites []uint16
	ServerName   string
	ALPN         []string
	KeyShare     *[32]byte // X25519 share, omitted when nil
	OfferTLS13   bool
}

// BuildClientHello serializes params into a single TLS record.
func BuildClientHello(p HelloParams) ([]byte, error) {
	if len(p.SessionID) > 32 {
		return nil, fmt.Errorf("session id longer than 32 bytes")
	}
	suites := p.CipherSuites
	if len(suites) == 0 {
		suites = []uint16{0x1301, 0x1303}
	}

	var b cryptobyte.Builder
	b.AddUint8(recordTypeHandshake)
	b.AddUint16(0x0301) // legacy record version
	b.AddUint16LengthPrefixed(func(rec *cryptobyte.Builder) {
		rec.AddUint8(handshakeTypeClient)
		rec.AddUint24LengthPrefixed(func(hs *cryptobyte.Builder) {
			hs.AddUint16(0x0303) // legacy version
			hs.AddBytes(p.Random[:])
			hs.AddUint8LengthPrefixed(func(sid *cryptobyte.Builder) {
				sid.AddBytes(p.SessionID)
			})
			hs.AddUint16LengthPrefixed(func(cs *cryptobyte.Builder) {
				for _, suite := range suites {
					cs.AddUint16(suite)
				}
			})
			hs.AddUint8LengthPrefixed(func(comp *cryptobyte.Builder) {
				comp.AddUint8(0)
			})
			hs.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {
				if p.ServerName != "" {
					addExtension(ext, extServerName, func(e *cryptobyte.Builder) {
						e.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
							list.AddUint8(0)
							list.AddUint16LengthPrefixed(func(n *cryptobyte.Builder) {
								n.AddBytes([]byte(p.ServerName))
							})
						})
					})
				}
				if len(p.ALPN) > 0 {
					addExtension(ext, extALPN, func(e *cryptobyte.Builder) {
						e.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
							for _, proto := range p.ALPN {
								list.AddUint8LengthPrefixed(func(pr *cryptobyte.Builder) {
									pr.AddBytes([]byte(proto))
								})
							}
						})
					})
				}
				addExtension(ext, extSupportedGroups, func(e *cryptobyte.Builder) {
					e.AddUint16LengthPrefixed(func(g *cryptobyte.Builder) {
						g.AddUint16(groupX25519)
					})
				})
				if p.OfferTLS13 {
					addExtension(ext, extSupportedVersion, func(e *cryptobyte.Builder) {
						e.AddUint8LengthPrefixed(func(v *cryptobyte.Builder) {
							v.AddUint16(versionTLS13)
						})
					})
				}
				if p.KeyShare != nil {
					addExtension(ext, extKeyShare, func(e *cryptobyte.Builder) {
						e.AddUint16LengthPrefixed(func(shares *cryptobyte.Builder) {
							shares.AddUint16(groupX25519)
							shares.AddUint16LengthPrefixed(func(sh *cryptobyte.Builder) {
								sh.AddBytes(p.KeyShare[:])
							})
						})
					})
				}
			})
		})
	})
	return b.Bytes()
}

func addExtension(b *cryptobyte.Builder, extType uint16, body func(*cryptobyte.Builder)) {
	b.AddUint16(extType)
	b.AddUint16LengthPrefixed(body)
}
