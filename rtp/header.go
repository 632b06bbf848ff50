// Package rtp implements the 12-byte RTP header used to frame encrypted
// voice packets, and the three AEAD encryption modes the voice gateway may
// negotiate, grounded on this module's teacher's voice/udp.Packet and
// voice/udp/connection.go.
package rtp

import "encoding/binary"

// HeaderSize is the fixed RTP header length this protocol uses (no CSRC
// list, no extensions at the RTP layer itself).
const HeaderSize = 12

const (
	versionFlags byte = 0x80
	payloadType  byte = 0x78
)

// Header is the 12-byte RTP header prefixed to every voice packet.
type Header [HeaderSize]byte

// NewHeader builds a header with the standard version/payload-type bytes
// and the given sequence, timestamp, and SSRC.
func NewHeader(seq uint16, timestamp uint32, ssrc uint32) Header {
	var h Header
	h[0] = versionFlags
	h[1] = payloadType
	binary.BigEndian.PutUint16(h[2:4], seq)
	binary.BigEndian.PutUint32(h[4:8], timestamp)
	binary.BigEndian.PutUint32(h[8:12], ssrc)
	return h
}

func (h Header) VersionFlags() byte  { return h[0] }
func (h Header) Type() byte          { return h[1] }
func (h Header) Sequence() uint16    { return binary.BigEndian.Uint16(h[2:4]) }
func (h Header) Timestamp() uint32   { return binary.BigEndian.Uint32(h[4:8]) }
func (h Header) SSRC() uint32        { return binary.BigEndian.Uint32(h[8:12]) }

// HasExtension reports the RTP extension bit (RFC3550 §5.1).
func (h Header) HasExtension() bool { return h[0]&0x10 == 0x10 }

// IsMarker reports the RTCP-vs-RTP marker bit (RFC3550 §5.1, RFC3550 §12.1):
// when set, the received datagram is RTCP, not RTP, and must be ignored by
// the audio decode path.
func (h Header) IsMarker() bool { return h[1]&0x80 != 0 }

// ParseHeader validates and extracts the header from a raw datagram. It
// returns false if b is too short or doesn't look like an RTP packet.
func ParseHeader(b []byte) (h Header, ok bool) {
	if len(b) < HeaderSize {
		return h, false
	}
	if b[0] != 0x80 && b[0] != 0x90 {
		return h, false
	}
	copy(h[:], b[:HeaderSize])
	return h, true
}
