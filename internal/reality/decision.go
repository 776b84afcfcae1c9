package reality

import (
	"veilgate/internal/identity"
	"veilgate/internal/tlsutil"
)

// Decision is the outcome of inspecting one connection's first flight.
type Decision int

const (
	// DecisionCamouflage forwards the connection byte-for-byte to the decoy.
	DecisionCamouflage Decision = iota
	// DecisionProceed completes the covert handshake and serves the client.
	DecisionProceed
)

func (d Decision) String() string {
	if d == DecisionProceed {
		return "proceed"
	}
	return "camouflage"
}

// Decide maps an authentication outcome onto the connection's fate. Every
// failure mode collapses into camouflage so a probe cannot distinguish a
// wrong key from a wrong SNI from a plain browser.
func Decide(id *identity.Identity, ch *tlsutil.ClientHello, auth *Auth) Decision {
	if auth == nil {
		return DecisionCamouflage
	}
	if !ch.SupportsTLS13 {
		return DecisionCamouflage
	}
	if !id.AcceptsServerName(ch.ServerName) {
		return DecisionCamouflage
	}
	return DecisionProceed
}
