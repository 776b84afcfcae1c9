package tls13

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Record content types.
const (
	RecordChangeCipherSpec = 0x14
	RecordAlert            = 0x15
	RecordHandshake        = 0x16
	RecordApplicationData  = 0x17
)

const (
	maxPlaintext  = 16384
	maxCiphertext = maxPlaintext + 256
)

type halfConn struct {
	aead cipher.AEAD
	iv   []byte
	seq  uint64
}

func (hc *halfConn) nonce() []byte {
	nonce := make([]byte, len(hc.iv))
	copy(nonce, hc.iv)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], hc.seq)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-8+i] ^= seqBytes[i]
	}
	return nonce
}

// Conn is a net.Conn protected by TLS 1.3 record framing. Both directions
// start in plaintext; SetReadSecret/SetWriteSecret switch a direction to
// AEAD protection. Callers drive the handshake themselves.
type Conn struct {
	conn  net.Conn
	suite *CipherSuite

	in  *halfConn
	out *halfConn

	// leftover holds decrypted plaintext not yet consumed by Read.
	leftover []byte
}

// NewConn wraps conn. Records pass through unprotected until secrets are set.
func NewConn(conn net.Conn, suite *CipherSuite) *Conn {
	return &Conn{conn: conn, suite: suite}
}

// SetReadSecret installs the inbound traffic secret and resets the sequence.
func (c *Conn) SetReadSecret(trafficSecret []byte) error {
	hc, err := c.newHalfConn(trafficSecret)
	if err != nil {
		return err
	}
	c.in = hc
	return nil
}

// SetWriteSecret installs the outbound traffic secret and resets the sequence.
func (c *Conn) SetWriteSecret(trafficSecret []byte) error {
	hc, err := c.newHalfConn(trafficSecret)
	if err != nil {
		return err
	}
	c.out = hc
	return nil
}

func (c *Conn) newHalfConn(trafficSecret []byte) (*halfConn, error) {
	key, iv := TrafficKeys(c.suite, trafficSecret)
	aead, err := c.suite.AEAD(key)
	if err != nil {
		return nil, fmt.Errorf("tls13: aead: %w", err)
	}
	return &halfConn{aead: aead, iv: iv}, nil
}

// WriteRecord frames and sends one record. When the write direction is
// protected, payload is sealed with recType as the inner content type;
// otherwise it is sent as a plaintext record of recType.
func (c *Conn) WriteRecord(recType byte, payload []byte) error {
	for len(payload) > 0 || recType != RecordApplicationData {
		chunk := payload
		if len(chunk) > maxPlaintext-1 {
			chunk = chunk[:maxPlaintext-1]
		}
		if err := c.writeOneRecord(recType, chunk); err != nil {
			return err
		}
		payload = payload[len(chunk):]
		if len(payload) == 0 {
			return nil
		}
	}
	return nil
}

func (c *Conn) writeOneRecord(recType byte, chunk []byte) error {
	if c.out == nil {
		hdr := []byte{recType, 0x03, 0x03, byte(len(chunk) >> 8), byte(len(chunk))}
		if _, err := c.conn.Write(append(hdr, chunk...)); err != nil {
			return err
		}
		return nil
	}

	inner := make([]byte, 0, len(chunk)+1)
	inner = append(inner, chunk...)
	inner = append(inner, recType)

	sealedLen := len(inner) + c.out.aead.Overhead()
	hdr := []byte{RecordApplicationData, 0x03, 0x03, byte(sealedLen >> 8), byte(sealedLen)}
	sealed := c.out.aead.Seal(nil, c.out.nonce(), inner, hdr)
	c.out.seq++

	if _, err := c.conn.Write(append(hdr, sealed...)); err != nil {
		return err
	}
	return nil
}

// ReadRecord reads the next record, decrypting when the read direction is
// protected. ChangeCipherSpec records are skipped. Alerts surface as errors.
func (c *Conn) ReadRecord() (byte, []byte, error) {
	for {
		var hdr [5]byte
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			return 0, nil, err
		}
		length := int(hdr[3])<<8 | int(hdr[4])
		if length == 0 || length > maxCiphertext {
			return 0, nil, fmt.Errorf("tls13: record length %d out of range", length)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return 0, nil, err
		}

		recType := hdr[0]
		if recType == RecordChangeCipherSpec {
			continue
		}

		if c.in == nil || recType != RecordApplicationData {
			if recType == RecordAlert {
				return 0, nil, alertError(body)
			}
			return recType, body, nil
		}

		plain, err := c.in.aead.Open(nil, c.in.nonce(), body, hdr[:])
		if err != nil {
			return 0, nil, fmt.Errorf("tls13: record authentication failed")
		}
		c.in.seq++

		// Strip zero padding and recover the inner content type.
		i := len(plain) - 1
		for i >= 0 && plain[i] == 0 {
			i--
		}
		if i < 0 {
			return 0, nil, fmt.Errorf("tls13: record with no content type")
		}
		innerType := plain[i]
		content := plain[:i]

		if innerType == RecordAlert {
			return 0, nil, alertError(content)
		}
		return innerType, content, nil
	}
}

func alertError(body []byte) error {
	if len(body) >= 2 {
		if body[1] == 0 { // close_notify
			return io.EOF
		}
		return fmt.Errorf("tls13: alert %d", body[1])
	}
	return fmt.Errorf("tls13: malformed alert")
}

// Read returns application data, buffering whole records internally.
func (c *Conn) Read(p []byte) (int, error) {
	for len(c.leftover) == 0 {
		recType, content, err := c.ReadRecord()
		if err != nil {
			return 0, err
		}
		switch recType {
		case RecordApplicationData:
			c.leftover = content
		case RecordHandshake:
			// Post-handshake messages (key updates, tickets) are not
			// supported; drop them.
		default:
			return 0, fmt.Errorf("tls13: unexpected record type 0x%02x", recType)
		}
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

// Write sends application data records.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.WriteRecord(RecordApplicationData, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error { return c.conn.Close() }

// CloseWrite half-closes the underlying connection when it supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *Conn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
