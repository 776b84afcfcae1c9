package server

import (
	"net"
	"sync"
)

// recordingConn keeps a copy of everything read from the wrapped connection
// until recording stops. The camouflage path replays the recorded prefix to
// the decoy so inspection never consumes bytes the decoy should have seen.
type recordingConn struct {
	net.Conn

	mu        sync.Mutex
	buf       []byte
	recording bool
}

func newRecordingConn(c net.Conn) *recordingConn {
	return &recordingConn{Conn: c, recording: true}
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		if c.recording {
			c.buf = append(c.buf, p[:n]...)
		}
		c.mu.Unlock()
	}
	return n, err
}

// recorded returns the bytes read so far while recording.
func (c *recordingConn) recorded() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

// stopRecording releases the replay buffer.
func (c *recordingConn) stopRecording() {
	c.mu.Lock()
	c.recording = false
	c.buf = nil
	c.mu.Unlock()
}

// CloseWrite half-closes the underlying connection when it supports it, so
// the relay can drain the opposite direction.
func (c *recordingConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
