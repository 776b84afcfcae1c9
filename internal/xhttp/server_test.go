package xhttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/xtaci/smux"
	"golang.org/x/net/http2"

	"veilgate/internal/compression/lz4"
)

// echoHandler copies every logical stream back onto itself.
func echoHandler(stream io.ReadWriteCloser) {
	_, _ = io.Copy(stream, stream)
}

// h2Client runs srv over one side of a pipe and returns an HTTP/2 client
// speaking to it over the other.
func h2Client(t *testing.T, srv *Server) *http.Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	go srv.ServeConn(serverConn)
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return clientConn, nil
		},
	}
	return &http.Client{Transport: tr}
}

func TestSplitStreamEcho(t *testing.T) {
	srv := NewServer(Options{Path: "/assets"}, echoHandler)
	client := h2Client(t, srv)

	// The download half blocks until the first upload chunk pairs it.
	type getResult struct {
		body []byte
		err  error
	}
	gotBody := make(chan getResult, 1)
	go func() {
		resp, err := client.Get("http://covert/assets/sess-a")
		if err != nil {
			gotBody <- getResult{nil, err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		gotBody <- getResult{body, err}
	}()

	post := func(path string, body []byte) *http.Response {
		resp, err := client.Post("http://covert"+path, "application/octet-stream", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		return resp
	}

	// Chunks arrive out of order; the reassembled stream must echo back
	// "hello world" in sequence.
	if resp := post("/assets/sess-a/1", []byte("world")); resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk 1 status %d", resp.StatusCode)
	}
	if resp := post("/assets/sess-a/0", []byte("hello ")); resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk 0 status %d", resp.StatusCode)
	}
	// An empty body ends the upload sequence.
	if resp := post("/assets/sess-a/2", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("finish status %d", resp.StatusCode)
	}

	select {
	case res := <-gotBody:
		if res.err != nil {
			t.Fatalf("download: %v", res.err)
		}
		if string(res.body) != "hello world" {
			t.Fatalf("echoed %q", res.body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("download never completed")
	}
}

func TestSplitStreamSecondDownloadRejected(t *testing.T) {
	block := make(chan struct{})
	srv := NewServer(Options{Path: "/assets"}, func(stream io.ReadWriteCloser) {
		<-block
	})
	defer close(block)
	client := h2Client(t, srv)

	go func() {
		resp, err := client.Get("http://covert/assets/sess-b")
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()
	// Pair the first claimant.
	resp, err := client.Post("http://covert/assets/sess-b/0", "application/octet-stream", bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	// Wait for the first download to win the claim.
	deadline := time.Now().Add(2 * time.Second)
	for srv.Manager().StateOf("sess-b") != StatePaired {
		if time.Now().After(deadline) {
			t.Fatal("session never paired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err = client.Get("http://covert/assets/sess-b")
	if err != nil {
		t.Fatalf("second GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second download status %d, want 404", resp.StatusCode)
	}
}

func TestDownloadResetReleasesSession(t *testing.T) {
	srv := NewServer(Options{Path: "/assets"}, func(stream io.ReadWriteCloser) {
		// Block in read until the session ends, like a relay waiting on
		// upload bytes.
		_, _ = io.Copy(io.Discard, stream)
	})
	client := h2Client(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://covert/assets/sess-r", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	go func() {
		resp, err := client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()

	// Pair the session, then reset the download side.
	deadline := time.Now().Add(2 * time.Second)
	for srv.Manager().StateOf("sess-r") != StateAwaitingPair {
		if time.Now().After(deadline) {
			t.Fatal("download never claimed the session")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := client.Post("http://covert/assets/sess-r/0", "application/octet-stream", bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	cancel()

	deadline = time.Now().Add(2 * time.Second)
	for srv.Manager().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not released after download reset (state %v)",
				srv.Manager().StateOf("sess-r"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUnknownPathIs404(t *testing.T) {
	srv := NewServer(Options{Path: "/assets"}, echoHandler)
	client := h2Client(t, srv)

	resp, err := client.Get("http://covert/elsewhere/x")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestStreamOneBasePathForms(t *testing.T) {
	srv := NewServer(Options{Path: "/assets"}, echoHandler)
	client := h2Client(t, srv)

	// Both spellings of the base path must reach the single-pipe endpoint.
	for _, path := range []string{"/assets", "/assets/"} {
		resp, err := client.Post("http://covert"+path, "application/octet-stream", http.NoBody)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %s status %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestStreamOneSmux(t *testing.T) {
	testStreamOne(t, Options{Path: "/assets"}, false)
}

func TestStreamOneSmuxCompressed(t *testing.T) {
	testStreamOne(t, Options{Path: "/assets", Compression: true, CompressionLevel: lz4.LevelFast}, true)
}

func testStreamOne(t *testing.T, opts Options, compressed bool) {
	srv := NewServer(opts, echoHandler)
	client := h2Client(t, srv)

	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, "http://covert/assets", pr)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var carrier io.ReadWriteCloser = &duplexBody{r: resp.Body, w: pw}
	if compressed {
		carrier = lz4.NewStream(carrier, opts.CompressionLevel)
	}
	mux, err := smux.Client(carrier, smux.DefaultConfig())
	if err != nil {
		t.Fatalf("smux client: %v", err)
	}
	defer mux.Close()

	// Two logical streams over one carrier, each echoed independently.
	for i, msg := range []string{"first stream payload", "second stream payload"} {
		stream, err := mux.OpenStream()
		if err != nil {
			t.Fatalf("stream %d open: %v", i, err)
		}
		if _, err := stream.Write([]byte(msg)); err != nil {
			t.Fatalf("stream %d write: %v", i, err)
		}
		_ = stream.SetReadDeadline(time.Now().Add(5 * time.Second))
		got := make([]byte, len(msg))
		if _, err := io.ReadFull(stream, got); err != nil {
			t.Fatalf("stream %d read: %v", i, err)
		}
		if string(got) != msg {
			t.Fatalf("stream %d echoed %q", i, got)
		}
		stream.Close()
	}
}
