package wsgateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// SendRateLimit paces outbound control frames to at most one every 500ms
// (burst of 1). Only control-channel traffic goes through it, not audio;
// grounded on the teacher's own send-rate limiter pairing in utils/wsutil.
var SendRateLimit = rate.Every(500 * time.Millisecond)

// DialTimeout bounds how long the initial handshake may take.
var DialTimeout = 10 * time.Second

// Event is a single decoded inbound frame.
type Event struct {
	Payload Payload
	Err     error
}

// Transport is a minimal gorilla/websocket-backed duplex connection with a
// send-rate limiter, grounded on this module's teacher's
// utils/wsutil.Conn (zlib-aware read loop, write-deadline handling) but
// without the zlib payload path: the voice gateway never compresses its
// JSON control frames the way the main platform gateway does.
type Transport struct {
	dialer websocket.Dialer
	conn   *websocket.Conn
	events chan Event

	sendLimiter *rate.Limiter
}

// NewTransport creates a Transport ready to Dial.
func NewTransport() *Transport {
	return &Transport{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DialTimeout,
		},
		sendLimiter: rate.NewLimiter(SendRateLimit, 1),
	}
}

// Dial connects to the given wss:// endpoint and starts the read loop.
func (t *Transport) Dial(ctx context.Context, addr string) error {
	conn, _, err := t.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return errors.Wrap(err, "failed to dial voice gateway websocket")
	}

	t.conn = conn
	t.events = make(chan Event, 16)

	go t.readLoop()

	return nil
}

func (t *Transport) readLoop() {
	defer close(t.events)

	for {
		_, b, err := t.conn.ReadMessage()
		if err != nil {
			t.events <- Event{Err: errors.Wrap(err, "websocket read error")}
			return
		}

		var p Payload
		if err := unmarshalPayload(b, &p); err != nil {
			t.events <- Event{Err: errors.Wrap(err, "failed to decode payload")}
			continue
		}

		t.events <- Event{Payload: p}
	}
}

// Listen returns the inbound event channel. It is closed when the
// connection drops.
func (t *Transport) Listen() <-chan Event {
	return t.events
}

// Send rate-limits and writes a single opcode payload.
func (t *Transport) Send(ctx context.Context, op OPCode, v interface{}) error {
	if t.conn == nil {
		return errors.New("tried to send on a transport without a connection")
	}

	if err := t.sendLimiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter wait failed")
	}

	b, err := marshalPayload(op, v)
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}

	if d, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(d)
		defer t.conn.SetWriteDeadline(time.Time{})
	}

	return t.conn.WriteMessage(websocket.TextMessage, b)
}

// Close sends a close frame, then tears down the connection.
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}

	t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	err := t.conn.Close()

	// Drain the events channel so readLoop's goroutine can exit.
	for range t.events {
	}

	return err
}

// CloseCode extracts the close code from err if it is a
// *websocket.CloseError. It does not unwrap: the read loop wraps its
// errors, so callers pass errors.Cause(err).
func CloseCode(err error) (code int, ok bool) {
	if ce, isClose := err.(*websocket.CloseError); isClose {
		return ce.Code, true
	}
	return 0, false
}
