package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/kordivox/voicecore/rtp"
)

func dialPair(t *testing.T, ssrc uint32) (*Connection, net.Addr, func()) {
	t.Helper()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	go func() {
		buf := make([]byte, discoveryRequestLen)
		n, addr, err := peer.ReadFromUDP(buf)
		if err != nil || n != discoveryRequestLen {
			return
		}
		var resp [discoveryResponseLen]byte
		copy(resp[8:], "127.0.0.1")
		binary.BigEndian.PutUint16(resp[72:74], 4242)
		peer.WriteToUDP(resp[:], addr)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Dial(ctx, peer.LocalAddr().String(), ssrc)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	return conn, peer.LocalAddr(), func() {
		conn.Close()
		peer.Close()
	}
}

func TestConnectionWriteRequiresCodec(t *testing.T) {
	conn, _, cleanup := dialPair(t, 1)
	defer cleanup()

	if err := conn.Write(context.Background(), []byte("hi")); err == nil {
		t.Fatal("expected Write to fail before UseCodec")
	}
}

func TestConnectionWriteReadRoundTrip(t *testing.T) {
	var secret [32]byte
	codec, err := rtp.NewCodec(rtp.ModeXSalsa20Poly1305, secret)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer server.Close()

	var clientAddr net.Addr
	done := make(chan struct{})
	go func() {
		defer close(done)

		buf := make([]byte, discoveryRequestLen)
		n, addr, err := server.ReadFromUDP(buf)
		if err != nil || n != discoveryRequestLen {
			return
		}
		clientAddr = addr

		var resp [discoveryResponseLen]byte
		copy(resp[8:], "127.0.0.1")
		binary.BigEndian.PutUint16(resp[72:74], 9999)
		server.WriteToUDP(resp[:], addr)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Dial(ctx, server.LocalAddr().String(), 0x1)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	<-done
	if clientAddr == nil {
		t.Fatal("server never observed the discovery request")
	}

	conn.UseCodec(codec)
	conn.ResetFrequency(time.Millisecond, 960) // keep the test fast

	plaintext := []byte("some opus bytes")
	if err := conn.Write(context.Background(), plaintext); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	packet := make([]byte, 1400)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := server.ReadFromUDP(packet)
	if err != nil {
		t.Fatalf("server failed to read voice packet: %v", err)
	}
	packet = packet[:n]

	h, ok := rtp.ParseHeader(packet)
	if !ok {
		t.Fatal("server received a non-RTP-looking packet")
	}
	if h.SSRC() != 0x1 {
		t.Fatalf("ssrc = %x, want 0x1", h.SSRC())
	}

	serverCodec, err := rtp.NewCodec(rtp.ModeXSalsa20Poly1305, secret)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	opened, err := serverCodec.Decode(h, packet[rtp.HeaderSize:])
	if err != nil {
		t.Fatalf("server failed to decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	conn, _, cleanup := dialPair(t, 1)
	defer cleanup()

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
