package udp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// fakeDiscoveryServer answers exactly one discovery request the way a real
// voice UDP server would, then stops.
func fakeDiscoveryServer(t *testing.T, ip string, port uint16) net.Addr {
	t.Helper()

	srv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	go func() {
		defer srv.Close()

		buf := make([]byte, discoveryRequestLen)
		n, addr, err := srv.ReadFromUDP(buf)
		if err != nil || n != discoveryRequestLen {
			return
		}

		var resp [discoveryResponseLen]byte
		binary.BigEndian.PutUint16(resp[0:2], 2)
		binary.BigEndian.PutUint16(resp[2:4], discoveryLengthField)
		copy(resp[8:], ip)
		binary.BigEndian.PutUint16(resp[72:74], port)

		srv.WriteToUDP(resp[:], addr)
	}()

	return srv.LocalAddr()
}

func TestDiscoverParsesResponse(t *testing.T) {
	addr := fakeDiscoveryServer(t, "203.0.113.7", 6420)

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ip, port, err := Discover(ctx, conn, 0xABCD1234)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if ip != "203.0.113.7" {
		t.Fatalf("ip = %q, want 203.0.113.7", ip)
	}
	if port != 6420 {
		t.Fatalf("port = %d, want 6420", port)
	}
}

func TestDiscoverMissingNullTerminator(t *testing.T) {
	srv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer srv.Close()

	go func() {
		buf := make([]byte, discoveryRequestLen)
		_, addr, err := srv.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var resp [discoveryResponseLen]byte
		for i := 8; i < 72; i++ {
			resp[i] = 'x' // no NUL anywhere in the IP field
		}
		srv.WriteToUDP(resp[:], addr)
	}()

	conn, err := net.Dial("udp", srv.LocalAddr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, _, err := Discover(ctx, conn, 1); err != ErrNoNullTerminator {
		t.Fatalf("Discover err = %v, want ErrNoNullTerminator", err)
	}
}

func TestDiscoverContextDeadlineExceeded(t *testing.T) {
	// Nothing listens on this address, so the read will hang until the
	// deadline; a silent sinkhole server would work too, but an expired
	// deadline on an unbound local socket exercises the same Discover path
	// without depending on platform-specific ICMP unreachable behavior.
	conn, err := net.Dial("udp", "127.0.0.1:1")
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, _, err := Discover(ctx, conn, 1); err == nil {
		t.Fatal("expected Discover to fail against a non-responding address")
	}
}
