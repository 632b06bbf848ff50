package udp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/kordivox/voicecore/rtp"
)

var zeroTime = time.Time{}

// defaultDialer mirrors the teacher's package-level default dialer.
var defaultDialer = net.Dialer{Timeout: 30 * time.Second}

// Dialer can be overridden by callers before dialing, matching the
// teacher's exported package-level Dialer knob.
var Dialer = defaultDialer

// DefaultFrameDuration/DefaultTimestampIncrement are the 20ms/960-sample
// Opus defaults recommended by RFC7587 §4.2, matching the teacher's
// Connection defaults.
const (
	DefaultFrameDuration      = 20 * time.Millisecond
	DefaultTimestampIncrement = 960
)

// Connection is a single dialed UDP voice socket. Concurrent Write calls
// are not safe; Manager below carries callers across reconnects but does
// not lock around Write or ReadPacket.
type Connection struct {
	GatewayIP   string
	GatewayPort uint16

	conn net.Conn
	ssrc uint32

	codec   rtp.Codec
	codecMu sync.RWMutex

	limiter  *rate.Limiter
	timeIncr uint32

	sequence  uint16
	timestamp uint32

	recvBuf []byte

	closeOnce sync.Once
}

// Dial performs the UDP dial and IP discovery handshake, returning a
// Connection with no codec configured yet (UseCodec must be called once
// SESSION_DESCRIPTION arrives).
func Dial(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	conn, err := Dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial voice udp endpoint")
	}

	ip, port, err := Discover(ctx, conn, ssrc)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed ip discovery")
	}

	return &Connection{
		GatewayIP:   ip,
		GatewayPort: port,
		conn:        conn,
		ssrc:        ssrc,
		limiter:     rate.NewLimiter(rate.Every(DefaultFrameDuration), 1),
		timeIncr:    DefaultTimestampIncrement,
		recvBuf:     make([]byte, 1400),
	}, nil
}

// ResetFrequency changes the pacing interval and per-packet timestamp
// increment, e.g. to match a non-default Opus frame size. See RFC7587
// §4.2 for the valid frameDuration/timeIncr pairs (10/20/40/60ms →
// 480/960/1920/2880).
func (c *Connection) ResetFrequency(frameDuration time.Duration, timeIncr uint32) {
	c.limiter = rate.NewLimiter(rate.Every(frameDuration), 1)
	c.timeIncr = timeIncr
}

// UseCodec installs the AEAD codec negotiated via SESSION_DESCRIPTION.
// Safe to call concurrently with Write/ReadPacket; each of those uses the
// codec installed when it starts.
func (c *Connection) UseCodec(codec rtp.Codec) {
	c.codecMu.Lock()
	c.codec = codec
	c.codecMu.Unlock()
}

func (c *Connection) currentCodec() rtp.Codec {
	c.codecMu.RLock()
	defer c.codecMu.RUnlock()
	return c.codec
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// Write rate-paces, seals and sends a single Opus frame. It blocks until
// the pacing limiter admits the send.
func (c *Connection) Write(ctx context.Context, plaintext []byte) error {
	codec := c.currentCodec()
	if codec == nil {
		return errors.New("udp: write attempted before a codec was negotiated")
	}

	h := rtp.NewHeader(c.sequence, c.timestamp, c.ssrc)
	c.sequence++
	c.timestamp += c.timeIncr

	packet, err := codec.Encode(h, plaintext)
	if err != nil {
		return errors.Wrap(err, "failed to encode voice packet")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "pacing limiter wait failed")
	}

	if _, err := c.conn.Write(packet); err != nil {
		return errors.Wrap(err, "failed to write voice packet")
	}
	return nil
}

// ReadPacket reads and decrypts the next voice packet, stripping any RTP
// extension header present (RFC3550 §5.1) and skipping RTCP packets
// (detected via the marker bit per RFC3550 §12.1). The returned slice is
// only valid until the next ReadPacket call.
func (c *Connection) ReadPacket() (h rtp.Header, ssrc uint32, opus []byte, err error) {
	for {
		n, rerr := c.conn.Read(c.recvBuf)
		if rerr != nil {
			return h, 0, nil, errors.Wrap(rerr, "udp read failed")
		}

		parsed, ok := rtp.ParseHeader(c.recvBuf[:n])
		if !ok {
			continue
		}

		if parsed.IsMarker() {
			// RTCP, not a voice frame; ignore and keep reading.
			continue
		}

		codec := c.currentCodec()
		if codec == nil {
			continue
		}

		body := c.recvBuf[rtp.HeaderSize:n]
		plain, derr := codec.Decode(parsed, body)
		if derr != nil {
			return h, 0, nil, rtp.ErrDecryptFailed
		}

		if parsed.HasExtension() && !parsed.IsMarker() {
			if len(plain) >= 4 {
				extLen := int(plain[2])<<8 | int(plain[3])
				shift := 4 + 4*extLen
				if len(plain) > shift {
					plain = plain[shift:]
				}
			}
		}

		return parsed, parsed.SSRC(), plain, nil
	}
}
