// Package server accepts TCP connections and routes each one down the
// camouflage path or the covert proxy path based on ClientHello
// authentication.
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"veilgate/internal/compression/lz4"
	"veilgate/internal/config"
	"veilgate/internal/dialer"
	"veilgate/internal/identity"
	"veilgate/internal/metrics"
	"veilgate/internal/reality"
	"veilgate/internal/relay"
	"veilgate/internal/tlsutil"
	"veilgate/internal/vless"
	"veilgate/internal/xhttp"
)

const (
	// helloTimeout bounds how long a client may take to deliver a complete
	// ClientHello before the connection is treated as garbage.
	helloTimeout = 8 * time.Second
	// handshakeTimeout bounds the covert handshake after a proceed decision.
	handshakeTimeout = 15 * time.Second
)

// Server is the veilgate front end.
type Server struct {
	ids  *identity.Holder
	auth *reality.Authenticator
	hs   *reality.Handshaker
	dial *dialer.Dialer
	xh   *xhttp.Server // nil when the adaptive transport is disabled

	dialTimeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// New wires a server from a validated config and a live identity holder.
func New(cfg *config.Config, ids *identity.Holder) *Server {
	s := &Server{
		ids:  ids,
		auth: reality.NewAuthenticator(cfg.ReplayWindow(), 0),
		dial: dialer.New(dialer.Options{
			DialTimeout: cfg.DialTimeout(),
			UDPTimeout:  cfg.UDPTimeout(),
			DNSServers:  cfg.Outbound.DNSServers,
		}),
		dialTimeout: cfg.DialTimeout(),
	}

	var alpn []string
	if cfg.Transport.XHTTP.Enabled {
		alpn = []string{"h2"}
		compress, level := compressionOf(cfg.Transport.XHTTP.Compression)
		s.xh = xhttp.NewServer(xhttp.Options{
			Path: cfg.Transport.XHTTP.Path,
			Limits: xhttp.Limits{
				PairingTimeout: cfg.PairingTimeout(),
				MaxChunks:      cfg.Transport.XHTTP.MaxBufferedChunk,
				MaxBytes:       cfg.Transport.XHTTP.MaxBufferedBytes,
			},
			Compression:      compress,
			CompressionLevel: level,
		}, s.serveStream)
	}

	s.hs = &reality.Handshaker{
		Certs: reality.NewCertFetcher(cfg.CertCacheTTL()),
		ALPN:  alpn,
	}
	return s
}

func compressionOf(name string) (bool, lz4.Level) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fastest":
		return true, lz4.LevelFastest
	case "fast":
		return true, lz4.LevelFast
	case "default":
		return true, lz4.LevelDefault
	case "slow":
		return true, lz4.LevelSlow
	case "slowest":
		return true, lz4.LevelSlowest
	default:
		return false, lz4.LevelDefault
	}
}

// Serve accepts connections on ln until Close or a fatal accept error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	log.Printf("[server] listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	metrics.IncConnections()
	defer metrics.DecConnections()

	conn := newRecordingConn(raw)
	defer conn.Close()

	id := s.ids.Load()
	if id == nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	ch, err := tlsutil.ReadClientHello(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		// Not even a ClientHello. Forward whatever arrived; the decoy
		// produces the rejection a probe would see anyway.
		metrics.IncCamouflaged()
		s.camouflage(ctx, conn, id)
		return
	}

	auth, err := s.auth.Authenticate(id, ch)
	if err != nil {
		auth = nil
		log.Printf("[server] %s: auth: %v", raw.RemoteAddr(), err)
		if errors.Is(err, reality.ErrReplayed) {
			metrics.IncReplayDrops()
		}
	}
	if reality.Decide(id, ch, auth) == reality.DecisionCamouflage {
		metrics.IncCamouflaged()
		s.camouflage(ctx, conn, id)
		return
	}
	metrics.IncAuthenticated()
	conn.stopRecording()

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	sess, err := s.hs.Serve(ctx, conn, id, ch, auth)
	if err != nil {
		metrics.IncHandshakeFailures()
		log.Printf("[server] %s: handshake: %v", raw.RemoteAddr(), err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	if sess.ALPN == "h2" && s.xh != nil {
		s.xh.ServeConn(sess.Conn)
		return
	}
	s.serveStream(sess.Conn)
}

// serveStream handles one logical proxy stream: decode the request, dial the
// target, relay. Used for both the raw single-stream pipe and every adaptive
// transport stream.
func (s *Server) serveStream(stream io.ReadWriteCloser) {
	defer stream.Close()

	id := s.ids.Load()
	if id == nil {
		return
	}
	req, err := vless.ReadRequest(stream, id.ClientIDs())
	if err != nil {
		metrics.IncDecodeErrors()
		log.Printf("[server] request: %v", err)
		return
	}
	if err := vless.WriteResponseHeader(stream); err != nil {
		return
	}

	ctx := context.Background()
	switch req.Command {
	case vless.CommandConnect:
		upstream, err := s.dial.DialContext(ctx, req)
		if err != nil {
			metrics.IncDialErrors()
			log.Printf("[server] %v", err)
			return
		}
		defer upstream.Close()
		if err := relay.Pipe(stream, upstream); err != nil {
			log.Printf("[server] relay %s: %v", req.Target(), err)
		}
	case vless.CommandAssociate:
		if err := s.dial.AssociateUDP(ctx, stream, req); err != nil {
			metrics.IncDialErrors()
			log.Printf("[server] udp %s: %v", req.Target(), err)
		}
	}
}

// camouflage splices the connection to the decoy byte for byte, replaying
// everything already consumed, so the client sees exactly the decoy's
// behavior.
func (s *Server) camouflage(ctx context.Context, conn *recordingConn, id *identity.Identity) {
	d := &net.Dialer{Timeout: s.dialTimeout}
	upstream, err := d.DialContext(ctx, "tcp", id.CamouflageAddr)
	if err != nil {
		log.Printf("[server] camouflage dial %s: %v", id.CamouflageAddr, err)
		return
	}
	defer upstream.Close()

	if buf := conn.recorded(); len(buf) > 0 {
		if _, err := upstream.Write(buf); err != nil {
			return
		}
	}
	conn.stopRecording()
	_ = relay.Pipe(conn, upstream)
}
