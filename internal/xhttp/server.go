package xhttp

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/xtaci/smux"
	"golang.org/x/net/http2"

	"veilgate/internal/compression/lz4"
	"veilgate/internal/metrics"
)

// maxChunkBody bounds one upload POST body.
const maxChunkBody = 1 << 20

// StreamHandler serves one logical proxy stream. It returns when the stream
// is finished; the transport tears down the carrier afterwards.
type StreamHandler func(stream io.ReadWriteCloser)

// Options configures the adaptive transport server.
type Options struct {
	// Path is the URL prefix clients address, "/" by default.
	Path string
	// Limits bounds pairing and reassembly.
	Limits Limits
	// Compression enables LZ4 framing on the single-pipe mode.
	Compression bool
	// CompressionLevel selects the effort when enabled.
	CompressionLevel lz4.Level
}

// Server terminates the HTTP/2 adaptive transport over an established covert
// session and hands logical streams to the proxy handler.
type Server struct {
	opts    Options
	mgr     *Manager
	handler StreamHandler
	h2      *http2.Server
}

func NewServer(opts Options, handler StreamHandler) *Server {
	if opts.Path == "" {
		opts.Path = "/"
	}
	if !strings.HasSuffix(opts.Path, "/") {
		opts.Path += "/"
	}
	return &Server{
		opts:    opts,
		mgr:     NewManager(opts.Limits),
		handler: handler,
		h2:      &http2.Server{},
	}
}

// Manager exposes the pairing table, mainly to tests and the status page.
func (s *Server) Manager() *Manager { return s.mgr }

// ServeConn runs the HTTP/2 server over one established connection and
// blocks until it is done.
func (s *Server) ServeConn(conn net.Conn) {
	s.h2.ServeConn(conn, &http2.ServeConnOpts{
		Handler: http.HandlerFunc(s.serveHTTP),
	})
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	// Clients address the single-pipe endpoint as the bare base path, without
	// the trailing slash the prefix carries.
	path := r.URL.Path
	if path == strings.TrimSuffix(s.opts.Path, "/") {
		path = s.opts.Path
	}
	if !strings.HasPrefix(path, s.opts.Path) {
		http.NotFound(w, r)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(path, s.opts.Path), "/")
	parts := strings.Split(rest, "/")

	switch {
	case r.Method == http.MethodPost && rest == "":
		s.handleStreamOne(w, r)
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] != "":
		s.handleDownload(w, r, parts[0])
	case r.Method == http.MethodPost && len(parts) == 2:
		s.handleChunk(w, r, parts[0], parts[1])
	default:
		http.NotFound(w, r)
	}
}

// handleDownload owns the download half of a split-stream session. It blocks
// for the life of the logical stream.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, id string) {
	ses, err := s.mgr.AttachDownload(id)
	if err != nil {
		// Already claimed or already closed: a bland 404, same as any
		// unknown path.
		http.NotFound(w, r)
		return
	}

	if err := ses.WaitPaired(); err != nil {
		http.NotFound(w, r)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	// A reset on the download side must release the paired upload too, even
	// while the handler is blocked reading; closing the session wakes it.
	stop := context.AfterFunc(r.Context(), func() { ses.Close() })
	defer stop()

	stream := &splitStream{ses: ses, w: w, flush: flusher, ctx: r.Context()}
	metrics.IncStreams()
	s.handler(stream)
	metrics.DecStreams()
	ses.Close()
}

// handleChunk ingests one sequence-numbered upload chunk. An empty body
// marks the end of the upload sequence.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request, id, seqStr string) {
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBody+1))
	if err != nil || len(body) > maxChunkBody {
		metrics.IncDecodeErrors()
		http.NotFound(w, r)
		return
	}
	if len(body) == 0 {
		s.mgr.FinishUpload(id)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.mgr.PushChunk(id, seq, body); err != nil {
		metrics.IncDecodeErrors()
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleStreamOne serves the single-pipe mode: an smux server over the
// duplex request body multiplexes logical streams, optionally LZ4-framed.
func (s *Server) handleStreamOne(w http.ResponseWriter, r *http.Request) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	var carrier io.ReadWriteCloser = &duplexBody{r: r.Body, w: w, flush: flusher}
	if s.opts.Compression {
		carrier = lz4.NewStream(carrier, s.opts.CompressionLevel)
	}

	cfg := smux.DefaultConfig()
	mux, err := smux.Server(carrier, cfg)
	if err != nil {
		log.Printf("[xhttp] smux server: %v", err)
		return
	}
	defer mux.Close()

	metrics.IncSessions()
	defer metrics.DecSessions()

	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			return
		}
		metrics.IncStreams()
		go func() {
			defer metrics.DecStreams()
			defer stream.Close()
			s.handler(stream)
		}()
	}
}

// splitStream is the logical stream handed to the proxy handler in
// split-stream mode: reads come from the reassembled upload sequence, writes
// go to the download response.
type splitStream struct {
	ses   *Session
	w     io.Writer
	flush http.Flusher
	ctx   context.Context
}

func (s *splitStream) Read(p []byte) (int, error) {
	return s.ses.Read(p)
}

func (s *splitStream) Write(p []byte) (int, error) {
	select {
	case <-s.ctx.Done():
		return 0, io.ErrClosedPipe
	default:
	}
	n, err := s.w.Write(p)
	if err == nil && s.flush != nil {
		s.flush.Flush()
	}
	return n, err
}

func (s *splitStream) Close() error {
	s.ses.Close()
	return nil
}

// duplexBody adapts an HTTP/2 request/response pair into a duplex stream.
type duplexBody struct {
	r     io.ReadCloser
	w     io.Writer
	flush http.Flusher
}

func (d *duplexBody) Read(p []byte) (int, error) { return d.r.Read(p) }

func (d *duplexBody) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if err == nil && d.flush != nil {
		d.flush.Flush()
	}
	return n, err
}

func (d *duplexBody) Close() error { return d.r.Close() }
