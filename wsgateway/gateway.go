package wsgateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kordivox/voicecore/dave"
)

// Version is the voice gateway protocol version this client negotiates.
const Version = "8"

var (
	ErrMissingForIdentify = errors.New("wsgateway: missing guild/user/session/token for identify")
	ErrMissingForResume   = errors.New("wsgateway: missing guild/session/token for resume")
)

// Identity carries the fields needed to identify or resume.
type Identity struct {
	GuildID   GuildIDString
	UserID    string
	SessionID string
	Token     string
	Endpoint  string

	// SeqAck is the last sequence number this client processed. Resume
	// reports it as seq_ack so the server knows where to replay from.
	SeqAck int64
}

// GuildIDString is a string-typed guild id; the voice gateway always speaks
// string-form snowflakes on the wire for server_id.
type GuildIDString = string

// Gateway owns a single Transport and sends the typed command payloads
// over it. It is the sole owner of its Transport; callers drive it
// through Open/Close/Send and observe the raw Events through Events(),
// mirroring this module's teacher's voicegateway.Gateway shape.
type Gateway struct {
	identity Identity
	resuming bool

	transport *Transport

	Timeout time.Duration

	// ErrorLog receives asynchronous errors (defaults to a no-op).
	ErrorLog func(error)
}

// New creates a Gateway for the given identity.
func New(identity Identity) *Gateway {
	return &Gateway{
		identity: identity,
		Timeout:  10 * time.Second,
		ErrorLog: func(error) {},
	}
}

// SetResuming marks whether the next Open should send RESUME instead of
// IDENTIFY.
func (g *Gateway) SetResuming(resuming bool) {
	g.resuming = resuming
}

// Open dials the endpoint, waits for Hello, and sends Identify or Resume.
// It consumes Hello itself and returns it once Identify or Resume is sent;
// the caller reads Ready/Resumed and later frames off Events().
func (g *Gateway) Open(ctx context.Context) (*Transport, *HelloData, error) {
	endpoint := "wss://" + strings.TrimSuffix(g.identity.Endpoint, ":80") + "/?v=" + Version

	t := NewTransport()
	if err := t.Dial(ctx, endpoint); err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to voice gateway")
	}
	g.transport = t

	ev, ok := <-t.Listen()
	if !ok || ev.Err != nil {
		return nil, nil, errors.Wrap(errOrClosed(ev), "error waiting for hello")
	}
	if ev.Payload.Op != OPHello {
		return nil, nil, &protoErr{"expected HELLO, got opcode " + strconv.Itoa(int(ev.Payload.Op))}
	}

	var hello HelloData
	if err := json.Unmarshal(ev.Payload.Data, &hello); err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode hello")
	}

	if g.resuming {
		if err := g.Resume(ctx); err != nil {
			return nil, nil, errors.Wrap(err, "failed to send resume")
		}
	} else {
		if err := g.Identify(ctx); err != nil {
			return nil, nil, errors.Wrap(err, "failed to send identify")
		}
	}

	return t, &hello, nil
}

// Identify sends opcode 0. Never sent on a resume.
func (g *Gateway) Identify(ctx context.Context) error {
	id := g.identity
	if id.GuildID == "" || id.UserID == "" || id.SessionID == "" || id.Token == "" {
		return ErrMissingForIdentify
	}

	return g.transport.Send(ctx, OPIdentify, IdentifyData{
		ServerID:               id.GuildID,
		UserID:                 id.UserID,
		SessionID:              id.SessionID,
		Token:                  id.Token,
		MaxDaveProtocolVersion: dave.ProtocolVersion,
	})
}

// Resume sends opcode 7.
func (g *Gateway) Resume(ctx context.Context) error {
	id := g.identity
	if id.GuildID == "" || id.SessionID == "" || id.Token == "" {
		return ErrMissingForResume
	}

	return g.transport.Send(ctx, OPResume, ResumeData{
		ServerID:  id.GuildID,
		SessionID: id.SessionID,
		Token:     id.Token,
		SeqAck:    id.SeqAck,
	})
}

// SelectProtocol sends opcode 1 with the discovered address and the chosen
// encryption mode.
func (g *Gateway) SelectProtocol(ctx context.Context, data SelectProtocolData) error {
	return g.transport.Send(ctx, OPSelectProtocol, data)
}

// Heartbeat sends opcode 3.
func (g *Gateway) Heartbeat(ctx context.Context, t int64, seqAck int64) error {
	return g.transport.Send(ctx, OPHeartbeat, HeartbeatData{T: t, SeqAck: seqAck})
}

// Speaking sends opcode 5.
func (g *Gateway) Speaking(ctx context.Context, flag SpeakingFlag, ssrc uint32) error {
	return g.transport.Send(ctx, OPSpeaking, SpeakingData{Speaking: flag, Delay: 0, SSRC: ssrc})
}

// Events returns the transport's inbound channel.
func (g *Gateway) Events() <-chan Event {
	if g.transport == nil {
		return nil
	}
	return g.transport.Listen()
}

// Close tears down the transport.
func (g *Gateway) Close() error {
	if g.transport == nil {
		return nil
	}
	return g.transport.Close()
}

type protoErr struct{ reason string }

func (e *protoErr) Error() string { return "wsgateway: " + e.reason }

func errOrClosed(ev Event) error {
	if ev.Err != nil {
		return ev.Err
	}
	return errors.New("event channel closed unexpectedly")
}
