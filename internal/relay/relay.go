// Package relay copies bytes between the client-facing and upstream-facing
// sides of a proxied connection.
package relay

import (
	"io"
	"sync"

	"veilgate/internal/metrics"
)

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

type closeWriter interface {
	CloseWrite() error
}

// Pipe relays traffic in both directions until both sides finish.
// When one direction hits EOF it half-closes the peer so in-flight data in
// the other direction drains before teardown. Returns the first error.
func Pipe(client, upstream io.ReadWriter) error {
	return PipeCounted(client, upstream, metrics.AddTrafficInbound, metrics.AddTrafficOutbound)
}

// PipeCounted is Pipe with per-direction byte callbacks. clientToUp receives
// bytes copied from client to upstream, upToClient the reverse.
func PipeCounted(client, upstream io.ReadWriter, clientToUp, upToClient func(int64)) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- copyHalf(upstream, client, clientToUp)
	}()
	go func() {
		defer wg.Done()
		errCh <- copyHalf(client, upstream, upToClient)
	}()
	wg.Wait()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func copyHalf(dst io.Writer, src io.Reader, onBytes func(int64)) error {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)

	n, err := io.CopyBuffer(dst, src, *bufp)
	if onBytes != nil {
		onBytes(n)
	}
	// src reached EOF or failed: half-close dst so its peer sees the end of
	// this direction while the opposite direction keeps draining. Without a
	// CloseWrite a failed copy tears dst down outright.
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else if c, ok := dst.(io.Closer); ok && err != nil {
		_ = c.Close()
	}
	return err
}
