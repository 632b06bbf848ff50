// Package udp implements the external-address discovery handshake and the
// paced, reconnectable UDP transport for encrypted voice packets, grounded
// on this module's teacher's voice/udp package.
package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
)

// discoveryRequestLen/discoveryResponseLen are the fixed 74-byte frames the
// IP discovery handshake exchanges: a 2-byte request code, 2-byte length
// (70), 4-byte SSRC, and 66 zero-padded bytes; the response mirrors that
// shape with the padding replaced by a NUL-terminated ASCII IP and a
// trailing big-endian port.
const (
	discoveryRequestLen  = 74
	discoveryResponseLen = 74
	discoveryLengthField = 70
)

// ErrNoNullTerminator is returned if the discovery response's IP field
// isn't NUL-terminated within the expected window.
var ErrNoNullTerminator = errors.New("udp: ip discovery response missing null terminator")

// Discover performs the external-address discovery handshake over an
// already-dialed UDP socket and returns the external IP and port the voice
// server observed.
func Discover(ctx context.Context, conn net.Conn, ssrc uint32) (ip string, port uint16, err error) {
	var req [discoveryRequestLen]byte
	binary.BigEndian.PutUint16(req[0:2], 1) // request code
	binary.BigEndian.PutUint16(req[2:4], discoveryLengthField)
	binary.BigEndian.PutUint32(req[4:8], ssrc)

	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
		defer conn.SetDeadline(zeroTime)
	}

	if _, err := conn.Write(req[:]); err != nil {
		return "", 0, errors.Wrap(err, "failed to write discovery request")
	}

	var resp [discoveryResponseLen]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return "", 0, errors.Wrap(err, "failed to read discovery response")
	}

	ipField := resp[8:72]
	nullPos := bytes.IndexByte(ipField, 0)
	if nullPos < 0 {
		return "", 0, ErrNoNullTerminator
	}

	ip = string(ipField[:nullPos])
	port = binary.BigEndian.Uint16(resp[72:74])

	return ip, port, nil
}
