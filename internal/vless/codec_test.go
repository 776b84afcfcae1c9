package vless

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"veilgate/internal/identity"
)

var testID = mustID("0f608d3c-a0a7-4dbe-a053-8ba1e06f3d7b")

func mustID(s string) [16]byte {
	id, err := identity.ParseClientID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func accepted() [][16]byte {
	return [][16]byte{
		mustID("11111111-2222-3333-4444-555555555555"),
		testID,
	}
}

func TestDecodeConnectIPv4(t *testing.T) {
	// version 1, client id, no ext, CONNECT to 127.0.0.1:443.
	buf := append([]byte{0x01}, testID[:]...)
	buf = append(buf, 0x00)                   // extLen
	buf = append(buf, 0x01, 0x01, 0xbb, 0x01) // CONNECT, port 443, IPv4
	buf = append(buf, 127, 0, 0, 1)

	req, err := Decode(buf, accepted())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Version != 1 || req.Command != CommandConnect {
		t.Fatalf("version=%d command=%d", req.Version, req.Command)
	}
	if req.Port != 443 {
		t.Fatalf("port %d", req.Port)
	}
	if req.Addr.Type != AddrIPv4 || !req.Addr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("addr %+v", req.Addr)
	}
	if req.Target() != "127.0.0.1:443" {
		t.Fatalf("target %q", req.Target())
	}
	if len(req.Payload) != 0 {
		t.Fatalf("payload %v", req.Payload)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	cases := []Request{
		{Version: 1, ClientID: testID, Command: CommandConnect, Port: 443,
			Addr: Address{Type: AddrIPv4, IP: net.IPv4(10, 0, 0, 7).To4()}},
		{Version: 1, ClientID: testID, Command: CommandConnect, Port: 8443,
			Addr: Address{Type: AddrDomain, Domain: "upstream.example.com"},
			Ext:  []byte{0xde, 0xad}},
		{Version: 1, ClientID: testID, Command: CommandAssociate, Port: 53,
			Addr:    Address{Type: AddrIPv6, IP: net.ParseIP("2001:db8::1")},
			Payload: []byte("first-datagram")},
	}
	for i, want := range cases {
		buf, err := Encode(&want)
		if err != nil {
			t.Fatalf("case %d encode: %v", i, err)
		}
		got, err := Decode(buf, accepted())
		if err != nil {
			t.Fatalf("case %d decode: %v", i, err)
		}
		if got.Command != want.Command || got.Port != want.Port {
			t.Fatalf("case %d command/port mismatch", i)
		}
		if got.Addr.Host() != want.Addr.Host() {
			t.Fatalf("case %d addr %q != %q", i, got.Addr.Host(), want.Addr.Host())
		}
		if !bytes.Equal(got.Ext, want.Ext) || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("case %d ext/payload mismatch", i)
		}
	}
}

func TestDecodeRejectsUnknownClient(t *testing.T) {
	req := Request{Version: 1, ClientID: mustID("99999999-8888-7777-6666-555555555555"),
		Command: CommandConnect, Port: 80, Addr: Address{Type: AddrIPv4, IP: net.IPv4(1, 2, 3, 4).To4()}}
	buf, err := Encode(&req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(buf, accepted()); !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestDecodeTruncationSweep(t *testing.T) {
	req := Request{Version: 1, ClientID: testID, Command: CommandConnect, Port: 443,
		Addr: Address{Type: AddrDomain, Domain: "example.com"}}
	buf, err := Encode(&req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Every strict prefix must fail cleanly with ErrDecode.
	for cut := 0; cut < len(buf); cut++ {
		if _, err := Decode(buf[:cut], accepted()); !errors.Is(err, ErrDecode) {
			t.Fatalf("prefix %d: err = %v, want ErrDecode", cut, err)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	base := func() []byte {
		req := Request{Version: 1, ClientID: testID, Command: CommandConnect, Port: 443,
			Addr: Address{Type: AddrIPv4, IP: net.IPv4(1, 2, 3, 4).To4()}}
		buf, _ := Encode(&req)
		return buf
	}
	t.Run("bad version", func(t *testing.T) {
		buf := base()
		buf[0] = 2
		if _, err := Decode(buf, accepted()); !errors.Is(err, ErrDecode) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("bad command", func(t *testing.T) {
		buf := base()
		buf[18] = 0x7f
		if _, err := Decode(buf, accepted()); !errors.Is(err, ErrDecode) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("bad addr type", func(t *testing.T) {
		buf := base()
		buf[21] = 0x09
		if _, err := Decode(buf, accepted()); !errors.Is(err, ErrDecode) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("ext past end", func(t *testing.T) {
		buf := base()
		buf[17] = 0xff
		if _, err := Decode(buf, accepted()); !errors.Is(err, ErrDecode) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestReadRequestStreaming(t *testing.T) {
	req := Request{Version: 1, ClientID: testID, Command: CommandConnect, Port: 443,
		Addr: Address{Type: AddrDomain, Domain: "example.com"}, Payload: []byte("GET /")}
	buf, err := Encode(&req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	r := bytes.NewReader(buf)
	got, err := ReadRequest(r, accepted())
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if got.Addr.Domain != "example.com" || got.Port != 443 {
		t.Fatalf("got %+v", got)
	}
	// Payload stays in the stream.
	rest := make([]byte, r.Len())
	if _, err := r.Read(rest); err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if !bytes.Equal(rest, []byte("GET /")) {
		t.Fatalf("trailing bytes %q", rest)
	}
}

func TestReadRequestRejectsOverlongDomain(t *testing.T) {
	// Both decoders must cap domain length at 253 bytes; build the oversized
	// header by hand since Encode refuses to.
	buf := append([]byte{0x01}, testID[:]...)
	buf = append(buf, 0x00)                   // extLen
	buf = append(buf, 0x01, 0x01, 0xbb, 0x02) // CONNECT, port 443, domain
	buf = append(buf, 0xff)                   // length 255
	buf = append(buf, bytes.Repeat([]byte{'a'}, 255)...)

	if _, err := ReadRequest(bytes.NewReader(buf), accepted()); !errors.Is(err, ErrDecode) {
		t.Fatalf("ReadRequest err = %v, want ErrDecode", err)
	}
	if _, err := Decode(buf, accepted()); !errors.Is(err, ErrDecode) {
		t.Fatalf("Decode err = %v, want ErrDecode", err)
	}

	// 253 bytes is the maximum and must pass.
	buf[22] = 253
	buf = buf[:23+253]
	req, err := ReadRequest(bytes.NewReader(buf), accepted())
	if err != nil {
		t.Fatalf("ReadRequest at the cap: %v", err)
	}
	if len(req.Addr.Domain) != 253 {
		t.Fatalf("domain length %d", len(req.Addr.Domain))
	}
}

func TestResponseHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponseHeader(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{1, 0}) {
		t.Fatalf("header % x", buf.Bytes())
	}
	if err := ReadResponseHeader(&buf); err != nil {
		t.Fatalf("read: %v", err)
	}
}
