// Package metrics exposes process-wide counters for the front-end.
// Counters are plain atomics on the hot path; the Prometheus bridge in
// web.go reads them through Snapshot.
package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	ConnectionsTotal  int64 `json:"connections_total"`
	ConnectionsActive int64 `json:"connections_active"`
	Authenticated     int64 `json:"authenticated_total"`
	Camouflaged       int64 `json:"camouflaged_total"`
	HandshakeFailures int64 `json:"handshake_failures_total"`
	DecodeErrors      int64 `json:"decode_errors_total"`
	DialErrors        int64 `json:"dial_errors_total"`
	PairingTimeouts   int64 `json:"pairing_timeouts_total"`
	SessionsActive    int64 `json:"adaptive_sessions_active"`
	SessionsTotal     int64 `json:"adaptive_sessions_total"`
	StreamsActive     int64 `json:"streams_active"`
	StreamsTotal      int64 `json:"streams_total"`
	TrafficBytesIn    int64 `json:"traffic_bytes_inbound"`
	TrafficBytesOut   int64 `json:"traffic_bytes_outbound"`
	ReplayDrops       int64 `json:"replay_drops_total"`
	IdentityReloads   int64 `json:"identity_reloads_total"`
	CertFetches       int64 `json:"cert_fetches_total"`
	CertFetchFailures int64 `json:"cert_fetch_failures_total"`
	UpdatedUnix       int64 `json:"updated_unix"`
}

var (
	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64
	authenticated     atomic.Int64
	camouflaged       atomic.Int64
	handshakeFailures atomic.Int64
	decodeErrors      atomic.Int64
	dialErrors        atomic.Int64
	pairingTimeouts   atomic.Int64
	sessionsActive    atomic.Int64
	sessionsTotal     atomic.Int64
	streamsActive     atomic.Int64
	streamsTotal      atomic.Int64
	trafficIn         atomic.Int64
	trafficOut        atomic.Int64
	replayDrops       atomic.Int64
	identityReloads   atomic.Int64
	certFetches       atomic.Int64
	certFetchFailures atomic.Int64
)

func IncConnections()       { connectionsTotal.Add(1); connectionsActive.Add(1) }
func DecConnections()       { connectionsActive.Add(-1) }
func IncAuthenticated()     { authenticated.Add(1) }
func IncCamouflaged()       { camouflaged.Add(1) }
func IncHandshakeFailures() { handshakeFailures.Add(1) }
func IncDecodeErrors()      { decodeErrors.Add(1) }
func IncDialErrors()        { dialErrors.Add(1) }
func IncPairingTimeouts()   { pairingTimeouts.Add(1) }
func IncSessions()          { sessionsTotal.Add(1); sessionsActive.Add(1) }
func DecSessions()          { sessionsActive.Add(-1) }
func IncStreams()           { streamsTotal.Add(1); streamsActive.Add(1) }
func DecStreams()           { streamsActive.Add(-1) }
func IncReplayDrops()       { replayDrops.Add(1) }
func IncIdentityReloads()   { identityReloads.Add(1) }
func IncCertFetches()       { certFetches.Add(1) }
func IncCertFetchFailures() { certFetchFailures.Add(1) }

func AddTrafficInbound(n int64) {
	if n > 0 {
		trafficIn.Add(n)
	}
}

func AddTrafficOutbound(n int64) {
	if n > 0 {
		trafficOut.Add(n)
	}
}

// SnapshotData returns a copy of all counters.
func SnapshotData() Snapshot {
	return Snapshot{
		ConnectionsTotal:  connectionsTotal.Load(),
		ConnectionsActive: connectionsActive.Load(),
		Authenticated:     authenticated.Load(),
		Camouflaged:       camouflaged.Load(),
		HandshakeFailures: handshakeFailures.Load(),
		DecodeErrors:      decodeErrors.Load(),
		DialErrors:        dialErrors.Load(),
		PairingTimeouts:   pairingTimeouts.Load(),
		SessionsActive:    sessionsActive.Load(),
		SessionsTotal:     sessionsTotal.Load(),
		StreamsActive:     streamsActive.Load(),
		StreamsTotal:      streamsTotal.Load(),
		TrafficBytesIn:    trafficIn.Load(),
		TrafficBytesOut:   trafficOut.Load(),
		ReplayDrops:       replayDrops.Load(),
		IdentityReloads:   identityReloads.Load(),
		CertFetches:       certFetches.Load(),
		CertFetchFailures: certFetchFailures.Load(),
		UpdatedUnix:       time.Now().Unix(),
	}
}

// Reset zeroes every counter. Test helper.
func Reset() {
	for _, c := range []*atomic.Int64{
		&connectionsTotal, &connectionsActive, &authenticated, &camouflaged,
		&handshakeFailures, &decodeErrors, &dialErrors, &pairingTimeouts,
		&sessionsActive, &sessionsTotal, &streamsActive, &streamsTotal,
		&trafficIn, &trafficOut, &replayDrops, &identityReloads,
		&certFetches, &certFetchFailures,
	} {
		c.Store(0)
	}
}
