// Package xhttp implements the HTTP/2 adaptive transport: a split-stream
// mode that pairs a download response with sequence-numbered upload chunks,
// and a single-pipe mode that multiplexes over one duplex request body.
package xhttp

import (
	"errors"
	"io"
	"sync"
	"time"

	"veilgate/internal/metrics"
)

// Session states. A session moves New → AwaitingPair → Paired → Closing →
// Closed; the transition into Paired happens at most once.
type State int

const (
	StateNew State = iota
	StateAwaitingPair
	StatePaired
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAwaitingPair:
		return "awaiting-pair"
	case StatePaired:
		return "paired"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

var (
	// ErrPairingTimeout ends a session whose companion never arrived.
	ErrPairingTimeout = errors.New("xhttp: pairing timeout")
	// ErrReorderOverflow ends a session whose out-of-order backlog exceeded
	// the configured bounds.
	ErrReorderOverflow = errors.New("xhttp: reorder buffer overflow")
	// errDuplicateSide rejects a second stream claiming an attached side.
	errDuplicateSide = errors.New("xhttp: side already attached")
)

// Limits bounds per-session buffering.
type Limits struct {
	PairingTimeout time.Duration
	MaxChunks      int // out-of-order chunks held
	MaxBytes       int // out-of-order bytes held
}

func (l *Limits) applyDefaults() {
	if l.PairingTimeout <= 0 {
		l.PairingTimeout = 5 * time.Second
	}
	if l.MaxChunks <= 0 {
		l.MaxChunks = 64
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = 4 * 1024 * 1024
	}
}

// Manager owns the pairing table. All map access is synchronized; pairing
// uses insert-if-absent so exactly one creator wins a racing id.
type Manager struct {
	limits Limits

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(limits Limits) *Manager {
	limits.applyDefaults()
	return &Manager{
		limits:   limits,
		sessions: make(map[string]*Session),
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StateOf reports a session's state, or StateClosed for unknown ids.
func (m *Manager) StateOf(id string) State {
	m.mu.Lock()
	ses, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return StateClosed
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	return ses.state
}

// getOrCreate returns the session for id, creating it in StateNew and arming
// the pairing timer when absent. The boolean reports creation.
func (m *Manager) getOrCreate(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ses, ok := m.sessions[id]; ok {
		return ses, false
	}
	ses := &Session{
		id:     id,
		mgr:    m,
		state:  StateNew,
		up:     newReorderBuffer(m.limits.MaxChunks, m.limits.MaxBytes),
		paired: make(chan struct{}),
	}
	ses.pairTimer = time.AfterFunc(m.limits.PairingTimeout, ses.pairingExpired)
	m.sessions[id] = ses
	metrics.IncSessions()
	return ses, true
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		metrics.DecSessions()
	}
	m.mu.Unlock()
}

// Session is one split-stream pairing of a download response and an upload
// chunk sequence.
type Session struct {
	id  string
	mgr *Manager
	up  *reorderBuffer

	mu           sync.Mutex
	state        State
	downAttached bool
	upAttached   bool
	pairTimer    *time.Timer
	paired       chan struct{}
	closeErr     error
}

// AttachDownload claims the download side. At most one claimant wins; the
// rest get errDuplicateSide.
func (m *Manager) AttachDownload(id string) (*Session, error) {
	ses, _ := m.getOrCreate(id)
	ses.mu.Lock()
	defer ses.mu.Unlock()
	if ses.state >= StateClosing {
		return nil, ses.closeErr
	}
	if ses.downAttached {
		return nil, errDuplicateSide
	}
	ses.downAttached = true
	ses.advanceLocked()
	return ses, nil
}

// PushChunk delivers one sequence-numbered upload chunk for id, creating the
// session when the upload side arrives first.
func (m *Manager) PushChunk(id string, seq uint64, data []byte) error {
	ses, _ := m.getOrCreate(id)
	ses.mu.Lock()
	if ses.state >= StateClosing {
		err := ses.closeErr
		ses.mu.Unlock()
		if err == nil {
			err = io.ErrClosedPipe
		}
		return err
	}
	if !ses.upAttached {
		ses.upAttached = true
		ses.advanceLocked()
	}
	ses.mu.Unlock()

	if err := ses.up.Push(seq, data); err != nil {
		ses.fail(err)
		return err
	}
	return nil
}

// FinishUpload marks the upload sequence complete; pending in-order data
// still drains, then reads return EOF.
func (m *Manager) FinishUpload(id string) {
	m.mu.Lock()
	ses, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		ses.up.CloseWrite()
	}
}

// advanceLocked recomputes the pairing state. Caller holds ses.mu.
func (s *Session) advanceLocked() {
	switch {
	case s.downAttached && s.upAttached:
		if s.state < StatePaired {
			s.state = StatePaired
			s.pairTimer.Stop()
			close(s.paired)
		}
	case s.downAttached || s.upAttached:
		if s.state == StateNew {
			s.state = StateAwaitingPair
		}
	}
}

// WaitPaired blocks until the companion arrives or the pairing timer fires.
// The paired channel also closes on teardown, so the terminal error decides
// the outcome.
func (s *Session) WaitPaired() error {
	select {
	case <-s.paired:
	case <-time.After(s.mgr.limits.PairingTimeout + time.Second):
		// The timer callback normally fires first; this is a backstop.
		s.fail(ErrPairingTimeout)
		return ErrPairingTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil && s.closeErr != io.EOF {
		return s.closeErr
	}
	return nil
}

func (s *Session) pairingExpired() {
	s.mu.Lock()
	if s.state == StatePaired || s.state >= StateClosing {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	metrics.IncPairingTimeouts()
	s.fail(ErrPairingTimeout)
}

// fail tears the session down with err.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.closeErr = err
	s.pairTimer.Stop()
	s.mu.Unlock()

	s.up.Close(err)
	s.mgr.remove(s.id)

	s.mu.Lock()
	s.state = StateClosed
	wasPaired := false
	select {
	case <-s.paired:
		wasPaired = true
	default:
	}
	if !wasPaired {
		close(s.paired)
	}
	s.mu.Unlock()
}

// Close ends the session normally.
func (s *Session) Close() {
	s.fail(io.EOF)
}

// Err returns the session's terminal error, nil while live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateClosing && s.closeErr != io.EOF {
		return s.closeErr
	}
	return nil
}

// Read drains reassembled upload bytes in strict sequence order.
func (s *Session) Read(p []byte) (int, error) {
	return s.up.Read(p)
}

// reorderBuffer releases chunks strictly in sequence order, holding
// out-of-order arrivals up to bounded capacity.
type reorderBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	next      uint64
	pending   map[uint64][]byte
	pendBytes int
	maxChunks int
	maxBytes  int

	ready     [][]byte
	writeDone bool
	err       error
}

func newReorderBuffer(maxChunks, maxBytes int) *reorderBuffer {
	b := &reorderBuffer{
		pending:   make(map[uint64][]byte),
		maxChunks: maxChunks,
		maxBytes:  maxBytes,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push inserts chunk seq. Duplicate and already-released sequence numbers
// are dropped silently; exceeding capacity is an error.
func (b *reorderBuffer) Push(seq uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if b.writeDone || seq < b.next {
		return nil
	}
	if _, dup := b.pending[seq]; dup {
		return nil
	}

	owned := append([]byte(nil), data...)
	b.pending[seq] = owned
	b.pendBytes += len(owned)

	// Release the in-order run.
	for {
		chunk, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		b.pendBytes -= len(chunk)
		b.ready = append(b.ready, chunk)
		b.next++
	}

	if len(b.pending) > b.maxChunks || b.pendBytes > b.maxBytes {
		b.err = ErrReorderOverflow
		b.cond.Broadcast()
		return ErrReorderOverflow
	}

	if len(b.ready) > 0 {
		b.cond.Broadcast()
	}
	return nil
}

func (b *reorderBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if len(b.ready) > 0 {
			n := copy(p, b.ready[0])
			if n == len(b.ready[0]) {
				b.ready = b.ready[1:]
			} else {
				b.ready[0] = b.ready[0][n:]
			}
			return n, nil
		}
		if b.err != nil {
			return 0, b.err
		}
		if b.writeDone {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
}

// CloseWrite marks the sequence complete; buffered data still drains.
func (b *reorderBuffer) CloseWrite() {
	b.mu.Lock()
	b.writeDone = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Close ends the buffer. A nil or io.EOF err drains as a clean EOF; any
// other error fails pending and future reads.
func (b *reorderBuffer) Close(err error) {
	b.mu.Lock()
	if err == nil || err == io.EOF {
		b.writeDone = true
	} else if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}
