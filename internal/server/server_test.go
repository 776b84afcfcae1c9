package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/xtaci/smux"
	"golang.org/x/net/http2"

	"veilgate/internal/config"
	"veilgate/internal/identity"
	"veilgate/internal/reality"
	"veilgate/internal/vless"
)

const (
	testClientID = "0f608d3c-a0a7-4dbe-a053-8ba1e06f3d7b"
	testShortID  = "abcd1234"
	testSNI      = "decoy.test"
)

// startDecoyTLS runs a local TLS server with a self-signed certificate that
// writes banner after each handshake. It stands in for the camouflage target.
func startDecoyTLS(t *testing.T, banner string) net.Addr {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: testSNI},
		DNSNames:     []string{testSNI},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				if banner != "" {
					_, _ = conn.Write([]byte(banner))
				}
				// Hold the connection; the peer closes.
				_, _ = io.Copy(io.Discard, conn)
				conn.Close()
			}()
		}
	}()
	return ln.Addr()
}

// startEchoTCP runs a local echo server as the proxied upstream.
func startEchoTCP(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return ln.Addr()
}

// startVeilgate parses cfg, starts a server on a local port, and returns its
// address plus the derived identity.
func startVeilgate(t *testing.T, cfgYAML string) (net.Addr, *identity.Identity) {
	t.Helper()
	cfg, err := config.Parse([]byte(cfgYAML))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	id, err := cfg.Identity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	holder := identity.NewHolder(id)

	srv := New(cfg, holder)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(context.Background(), ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr(), id
}

func testConfig(decoy string, xhttpEnabled bool) string {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	return fmt.Sprintf(`
listen: "127.0.0.1:0"
reality:
  private_key: "%s"
  short_ids: ["%s"]
  dest: "%s"
  server_names: ["%s"]
clients:
  - id: "%s"
transport:
  xhttp:
    enabled: %v
    path: "/assets"
`, hex.EncodeToString(key), testShortID, decoy, testSNI, testClientID, xhttpEnabled)
}

func clientConfig(t *testing.T, id *identity.Identity, alpn []string) reality.ClientConfig {
	t.Helper()
	tag, err := identity.ParseShortTag(testShortID)
	if err != nil {
		t.Fatalf("short tag: %v", err)
	}
	return reality.ClientConfig{
		ServerPublicKey: id.PublicKey,
		ShortTag:        tag,
		ServerName:      testSNI,
		ALPN:            alpn,
	}
}

func TestAuthorizedClientRawPipe(t *testing.T) {
	decoy := startDecoyTLS(t, "")
	echo := startEchoTCP(t)
	addr, id := startVeilgate(t, testConfig(decoy.String(), false))

	conn, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sess, err := reality.ClientHandshake(conn, clientConfig(t, id, nil))
	if err != nil {
		t.Fatalf("covert handshake: %v", err)
	}
	if sess.ALPN != "" {
		t.Fatalf("negotiated ALPN %q on the raw pipe", sess.ALPN)
	}

	echoAddr := echo.(*net.TCPAddr)
	req := &vless.Request{
		Version:  vless.Version,
		ClientID: mustClientID(t),
		Command:  vless.CommandConnect,
		Port:     uint16(echoAddr.Port),
		Addr:     vless.Address{Type: vless.AddrIPv4, IP: echoAddr.IP.To4()},
		Payload:  []byte("ping through the tunnel"),
	}
	buf, err := vless.Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := sess.Conn.Write(buf); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if err := vless.ReadResponseHeader(sess.Conn); err != nil {
		t.Fatalf("response header: %v", err)
	}
	got := make([]byte, len(req.Payload))
	if _, err := io.ReadFull(sess.Conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, req.Payload) {
		t.Fatalf("echoed %q", got)
	}
}

func TestUnauthorizedProbeSeesDecoy(t *testing.T) {
	decoy := startDecoyTLS(t, "decoy-banner")
	addr, _ := startVeilgate(t, testConfig(decoy.String(), false))

	// An ordinary TLS client with no credential must complete a handshake
	// against the decoy's certificate and read the decoy's bytes.
	conn, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	tc := tls.Client(conn, &tls.Config{ServerName: testSNI, InsecureSkipVerify: true})
	if err := tc.Handshake(); err != nil {
		t.Fatalf("probe handshake: %v", err)
	}
	leaf := tc.ConnectionState().PeerCertificates[0]
	if leaf.Subject.CommonName != testSNI {
		t.Fatalf("probe saw certificate for %q", leaf.Subject.CommonName)
	}
	_ = tc.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len("decoy-banner"))
	if _, err := io.ReadFull(tc, got); err != nil {
		t.Fatalf("read banner: %v", err)
	}
	if string(got) != "decoy-banner" {
		t.Fatalf("banner %q", got)
	}
}

func TestGarbageBytesForwardedToDecoy(t *testing.T) {
	// A plain-TCP decoy that asserts what it received and answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	probe := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, len(probe))
		if _, err := io.ReadFull(conn, buf); err == nil {
			received <- buf
		}
		_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
	}()

	addr, _ := startVeilgate(t, testConfig(ln.Addr().String(), false))

	conn, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(probe); err != nil {
		t.Fatalf("write probe: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, probe) {
			t.Fatalf("decoy received %q, want the probe bytes verbatim", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decoy never received the probe")
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := io.ReadAll(conn)
	if err != nil && len(reply) == 0 {
		t.Fatalf("read reply: %v", err)
	}
	if !bytes.HasPrefix(reply, []byte("HTTP/1.1 400")) {
		t.Fatalf("reply %q", reply)
	}
}

func TestAdaptiveTransportStream(t *testing.T) {
	decoy := startDecoyTLS(t, "")
	echo := startEchoTCP(t)
	addr, id := startVeilgate(t, testConfig(decoy.String(), true))

	conn, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sess, err := reality.ClientHandshake(conn, clientConfig(t, id, []string{"h2"}))
	if err != nil {
		t.Fatalf("covert handshake: %v", err)
	}
	if sess.ALPN != "h2" {
		t.Fatalf("negotiated ALPN %q, want h2", sess.ALPN)
	}

	// Speak HTTP/2 over the covert session, then smux over one duplex POST.
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, a string, _ *tls.Config) (net.Conn, error) {
			return sess.Conn, nil
		},
	}
	client := &http.Client{Transport: tr}

	pr, pw := io.Pipe()
	httpReq, err := http.NewRequest(http.MethodPost, "http://covert/assets", pr)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	mux, err := smux.Client(&pipeBody{r: resp.Body, w: pw}, smux.DefaultConfig())
	if err != nil {
		t.Fatalf("smux: %v", err)
	}
	defer mux.Close()
	stream, err := mux.OpenStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	echoAddr := echo.(*net.TCPAddr)
	req := &vless.Request{
		Version:  vless.Version,
		ClientID: mustClientID(t),
		Command:  vless.CommandConnect,
		Port:     uint16(echoAddr.Port),
		Addr:     vless.Address{Type: vless.AddrIPv4, IP: echoAddr.IP.To4()},
		Payload:  []byte("multiplexed ping"),
	}
	buf, err := vless.Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := stream.Write(buf); err != nil {
		t.Fatalf("write request: %v", err)
	}
	_ = stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := vless.ReadResponseHeader(stream); err != nil {
		t.Fatalf("response header: %v", err)
	}
	got := make([]byte, len(req.Payload))
	if _, err := io.ReadFull(stream, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, req.Payload) {
		t.Fatalf("echoed %q", got)
	}
}

func mustClientID(t *testing.T) [16]byte {
	t.Helper()
	cid, err := identity.ParseClientID(testClientID)
	if err != nil {
		t.Fatalf("client id: %v", err)
	}
	return cid
}

// pipeBody joins a response body and a request-body pipe into one duplex
// stream for the smux client.
type pipeBody struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p *pipeBody) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeBody) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeBody) Close() error                { p.w.Close(); return p.r.Close() }
