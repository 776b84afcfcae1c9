package reality

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"veilgate/internal/metrics"
	"veilgate/internal/tlsutil"
)

// CertFetcher obtains the decoy site's real certificate chain so the
// Certificate flight matches what a probe would see talking to the decoy
// directly. The chain is cached; a failed refresh serves the stale copy.
type CertFetcher struct {
	ttl time.Duration

	mu        sync.Mutex
	key       string
	chain     [][]byte
	fetchedAt time.Time

	// fetch is swappable in tests.
	fetch func(ctx context.Context, addr, serverName string) ([][]byte, error)
}

// NewCertFetcher creates a fetcher whose cache expires after ttl.
func NewCertFetcher(ttl time.Duration) *CertFetcher {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CertFetcher{ttl: ttl, fetch: fetchChain}
}

// Chain returns the decoy's certificate chain in DER, leaf first.
func (f *CertFetcher) Chain(ctx context.Context, addr, serverName string) ([][]byte, error) {
	key := addr + "|" + serverName

	f.mu.Lock()
	defer f.mu.Unlock()

	fresh := f.key == key && time.Since(f.fetchedAt) < f.ttl && len(f.chain) > 0
	if fresh {
		return f.chain, nil
	}

	metrics.IncCertFetches()
	chain, err := f.fetch(ctx, addr, serverName)
	if err != nil {
		metrics.IncCertFetchFailures()
		if f.key == key && len(f.chain) > 0 {
			// Stale beats nothing: the decoy may be transiently unreachable.
			return f.chain, nil
		}
		return nil, fmt.Errorf("fetch decoy certificate: %w", err)
	}

	f.key = key
	f.chain = chain
	f.fetchedAt = time.Now()
	return chain, nil
}

// fetchChain dials the decoy with a browser fingerprint and captures its
// certificate chain. Verification is skipped on purpose: we want whatever the
// decoy presents, valid or not.
func fetchChain(ctx context.Context, addr, serverName string) ([][]byte, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
	}
	cfg = tlsutil.EnsureServerName(cfg, addr)

	uconn, err := tlsutil.DialUTLS(ctx, "tcp", addr, cfg, "chrome")
	if err != nil {
		return nil, err
	}
	defer uconn.Close()

	peers := uconn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return nil, fmt.Errorf("decoy presented no certificates")
	}
	chain := make([][]byte, 0, len(peers))
	for _, cert := range peers {
		chain = append(chain, cert.Raw)
	}
	return chain, nil
}
