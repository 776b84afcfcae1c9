// Package lz4 implements framed stream compression for the single-pipe
// adaptive mode. Frames are self-describing, so a peer can mix raw and
// compressed frames on the same stream.
package lz4

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

// Level selects the compression effort.
type Level int

const (
	LevelFastest Level = iota
	LevelFast
	LevelDefault
	LevelSlow
	LevelSlowest
)

// Frame codecs on the wire.
const (
	codecRaw  = 0x00
	codecLZ4  = 0x01
	codecZlib = 0x02
)

// maxChunk bounds a single frame's decoded size so a malformed peer cannot
// force an unbounded allocation.
const maxChunk = 64 * 1024

// header: codec(1) | compLen(3, BE) | origLen(3, BE)
const headerSize = 7

// Stream wraps rw with framed compression in both directions.
type Stream struct {
	rw    io.ReadWriteCloser
	level Level

	readMu  sync.Mutex
	pending bytes.Buffer

	writeMu sync.Mutex
	scratch []byte
}

// NewStream creates a compressed stream over rw. LevelSlow and LevelSlowest
// trade CPU for ratio by switching the frame codec to zlib.
func NewStream(rw io.ReadWriteCloser, level Level) *Stream {
	if level < LevelFastest || level > LevelSlowest {
		level = LevelDefault
	}
	return &Stream{rw: rw, level: level}
}

func (s *Stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		if err := s.writeFrame(chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *Stream) writeFrame(chunk []byte) error {
	codec := byte(codecLZ4)
	var compressed []byte

	switch {
	case s.level >= LevelSlow:
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, zlibLevel(s.level))
		if err != nil {
			return err
		}
		if _, err := zw.Write(chunk); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		compressed = buf.Bytes()
		codec = codecZlib
	default:
		bound := lz4.CompressBlockBound(len(chunk))
		if cap(s.scratch) < bound {
			s.scratch = make([]byte, bound)
		}
		n, err := lz4.CompressBlock(chunk, s.scratch[:bound], nil)
		if err != nil || n <= 0 {
			n = 0
		}
		compressed = s.scratch[:n]
	}

	// No benefit: ship the raw bytes.
	if len(compressed) == 0 || len(compressed) >= len(chunk) {
		compressed = chunk
		codec = codecRaw
	}

	var hdr [headerSize]byte
	hdr[0] = codec
	putUint24(hdr[1:4], uint32(len(compressed)))
	putUint24(hdr[4:7], uint32(len(chunk)))
	if _, err := s.rw.Write(hdr[:]); err != nil {
		return err
	}
	_, err := s.rw.Write(compressed)
	return err
}

func (s *Stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for s.pending.Len() == 0 {
		if err := s.readFrame(); err != nil {
			return 0, err
		}
	}
	return s.pending.Read(p)
}

func (s *Stream) readFrame() error {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(s.rw, hdr[:]); err != nil {
		return err
	}
	compLen := getUint24(hdr[1:4])
	origLen := getUint24(hdr[4:7])
	if origLen > maxChunk || compLen > uint32(lz4.CompressBlockBound(maxChunk)) {
		return fmt.Errorf("lz4: frame exceeds limits: comp=%d orig=%d", compLen, origLen)
	}

	compressed := make([]byte, compLen)
	if _, err := io.ReadFull(s.rw, compressed); err != nil {
		return err
	}

	switch hdr[0] {
	case codecRaw:
		if uint32(len(compressed)) != origLen {
			return fmt.Errorf("lz4: raw frame length mismatch")
		}
		s.pending.Write(compressed)
	case codecLZ4:
		dst := make([]byte, origLen)
		n, err := lz4.UncompressBlock(compressed, dst)
		if err != nil {
			return fmt.Errorf("lz4: decompress: %w", err)
		}
		if uint32(n) != origLen {
			return fmt.Errorf("lz4: decoded %d bytes, frame declared %d", n, origLen)
		}
		s.pending.Write(dst[:n])
	case codecZlib:
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return fmt.Errorf("lz4: zlib frame: %w", err)
		}
		defer zr.Close()
		decoded, err := io.ReadAll(io.LimitReader(zr, int64(origLen)+1))
		if err != nil {
			return fmt.Errorf("lz4: zlib frame: %w", err)
		}
		if uint32(len(decoded)) != origLen {
			return fmt.Errorf("lz4: zlib decoded %d bytes, frame declared %d", len(decoded), origLen)
		}
		s.pending.Write(decoded)
	default:
		return fmt.Errorf("lz4: unknown frame codec 0x%02x", hdr[0])
	}
	return nil
}

func (s *Stream) Close() error { return s.rw.Close() }

func zlibLevel(l Level) int {
	if l == LevelSlowest {
		return zlib.BestCompression
	}
	return zlib.DefaultCompression
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
