// Package dialer opens upstream connections for proxied requests.
package dialer

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/miekg/dns"

	"veilgate/internal/vless"
)

// Options tunes outbound behavior.
type Options struct {
	DialTimeout time.Duration
	UDPTimeout  time.Duration
	// DNSServers are host:port resolvers queried in order. Empty uses the
	// system resolver.
	DNSServers []string
}

// Dialer dials upstream targets for decoded proxy requests.
type Dialer struct {
	opts Options
}

func New(opts Options) *Dialer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.UDPTimeout <= 0 {
		opts.UDPTimeout = 2 * time.Minute
	}
	return &Dialer{opts: opts}
}

// DialContext opens a TCP connection to the request target.
func (d *Dialer) DialContext(ctx context.Context, req *vless.Request) (net.Conn, error) {
	return d.dial(ctx, "tcp", req)
}

// dial resolves the target through the configured servers when given a
// domain and opens a connection on network.
func (d *Dialer) dial(ctx context.Context, network string, req *vless.Request) (net.Conn, error) {
	host := req.Addr.Host()
	if req.Addr.Type == vless.AddrDomain && len(d.opts.DNSServers) > 0 {
		resolved, err := d.resolve(ctx, req.Addr.Domain)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", req.Addr.Domain, err)
		}
		host = resolved
	}
	nd := &net.Dialer{Timeout: d.opts.DialTimeout}
	conn, err := nd.DialContext(ctx, network, net.JoinHostPort(host, fmt.Sprintf("%d", req.Port)))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", req.Target(), err)
	}
	return conn, nil
}

// resolve queries the configured servers for an A then an AAAA record.
func (d *Dialer) resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	client := &dns.Client{Timeout: d.opts.DialTimeout}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		for _, server := range d.opts.DNSServers {
			resp, _, err := client.ExchangeContext(ctx, msg, server)
			if err != nil || resp == nil {
				continue
			}
			for _, rr := range resp.Answer {
				switch a := rr.(type) {
				case *dns.A:
					return a.A.String(), nil
				case *dns.AAAA:
					return a.AAAA.String(), nil
				}
			}
		}
	}
	return "", fmt.Errorf("no address records")
}

// AssociateUDP relays length-framed datagrams between stream and the request
// target over a connected UDP socket. Each datagram on the stream is framed
// as length(2, BE) | payload. The relay ends on stream EOF, socket error, or
// idle expiry.
func (d *Dialer) AssociateUDP(ctx context.Context, stream io.ReadWriter, req *vless.Request) error {
	sock, err := d.dial(ctx, "udp", req)
	if err != nil {
		return err
	}
	defer sock.Close()

	errCh := make(chan error, 2)

	// Uplink: stream frames to datagrams.
	go func() {
		var hdr [2]byte
		buf := make([]byte, 65535)
		for {
			if _, err := io.ReadFull(stream, hdr[:]); err != nil {
				errCh <- err
				return
			}
			n := int(hdr[0])<<8 | int(hdr[1])
			if n == 0 {
				continue
			}
			if _, err := io.ReadFull(stream, buf[:n]); err != nil {
				errCh <- err
				return
			}
			if _, err := sock.Write(buf[:n]); err != nil {
				errCh <- err
				return
			}
		}
	}()

	// Downlink: datagrams to stream frames.
	go func() {
		buf := make([]byte, 65535)
		for {
			_ = sock.SetReadDeadline(time.Now().Add(d.opts.UDPTimeout))
			n, err := sock.Read(buf)
			if err != nil {
				errCh <- err
				return
			}
			frame := append([]byte{byte(n >> 8), byte(n)}, buf[:n]...)
			if _, err := stream.Write(frame); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		if err == io.EOF {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
