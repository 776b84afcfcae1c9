package tlsutil

import (
	"context"
	"crypto/tls"
	"net"

	utls "github.com/refraction-networking/utls"
)

// DialUTLS dials addr and performs a uTLS handshake presenting a browser
// fingerprint. The decoy certificate fetcher uses this so the probe traffic
// we generate toward the decoy looks like ordinary browser traffic.
func DialUTLS(ctx context.Context, network, addr string, cfg *tls.Config, fingerprint string) (*utls.UConn, error) {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	uconn, err := WrapUTLS(ctx, conn, cfg, fingerprint)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return uconn, nil
}

// WrapUTLS performs a uTLS handshake over an existing connection.
func WrapUTLS(ctx context.Context, conn net.Conn, cfg *tls.Config, fingerprint string) (*utls.UConn, error) {
	uCfg := &utls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RootCAs:            cfg.RootCAs,
		NextProtos:         cfg.NextProtos,
		MinVersion:         cfg.MinVersion,
		MaxVersion:         cfg.MaxVersion,
	}
	uconn := utls.UClient(conn, uCfg, helloID(fingerprint))
	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return uconn, nil
}

func helloID(name string) utls.ClientHelloID {
	switch name {
	case "firefox", "ff":
		return utls.HelloFirefox_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "ios":
		return utls.HelloIOS_Auto
	case "edge":
		return utls.HelloEdge_Auto
	case "random", "randomized":
		return utls.HelloRandomized
	case "golang":
		return utls.HelloGolang
	default:
		return utls.HelloChrome_Auto
	}
}

// EnsureServerName fills cfg.ServerName from addr when unset.
func EnsureServerName(cfg *tls.Config, addr string) *tls.Config {
	if cfg.ServerName != "" {
		return cfg
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	out := cfg.Clone()
	out.ServerName = host
	return out
}
