package voicecore

import "github.com/pkg/errors"

// PreconditionError is returned when an operation is attempted while the
// supervisor isn't in a state that permits it (e.g. sending audio before
// Ready).
type PreconditionError struct {
	Op    string
	State string
}

func (e *PreconditionError) Error() string {
	return "voicecore: cannot " + e.Op + " while in state " + e.State
}

// AlreadyPlayingError is returned by the audio pipeline when a transmit is
// requested while another transmit is already in progress.
type AlreadyPlayingError struct{}

func (e *AlreadyPlayingError) Error() string {
	return "voicecore: audio pipeline is already playing"
}

// TransportError wraps a failure from the websocket or UDP transport layer.
type TransportError struct {
	Transport string // "gateway" or "udp"
	Err       error
}

func (e *TransportError) Error() string {
	return "voicecore: " + e.Transport + " transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is returned when the gateway sends something that doesn't
// conform to the expected opcode/payload shape.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "voicecore: protocol error: " + e.Reason
}

// DecryptFailedError describes a voice packet that failed to decrypt. No
// function in this module returns it: rtp.Codec.Decode reports a failed
// tag as rtp.ErrDecryptFailed, and the receive path counts such packets in
// DroppedPackets and keeps reading.
type DecryptFailedError struct{}

func (e *DecryptFailedError) Error() string {
	return "voicecore: failed to decrypt voice packet"
}

// HeartbeatTimeoutError is returned when the heartbeat engine determines the
// connection is dead (no ack within twice the heartbeat interval).
type HeartbeatTimeoutError struct{}

func (e *HeartbeatTimeoutError) Error() string {
	return "voicecore: heartbeat timed out, connection presumed dead"
}

// RemoteCloseError wraps a close code/reason sent by the voice server.
type RemoteCloseError struct {
	Code     int
	Reason   string
	Critical bool // true if reconnect must not be attempted
}

func (e *RemoteCloseError) Error() string {
	return "voicecore: remote closed connection: " + e.Reason
}

// criticalCloseCodes are voice gateway close codes that must never trigger a
// reconnect attempt: the server is telling us the session itself is invalid,
// not merely interrupted.
var criticalCloseCodes = map[int]bool{
	4004: true, // authentication failed
	4006: true, // session no longer valid
	4009: true, // session timed out
	4011: true, // server not found
	4012: true, // unknown protocol
	4014: true, // disconnected (kicked from channel)
	4016: true, // unknown encryption mode
}

// IsCriticalCloseCode reports whether the given voice gateway close code
// forbids a resume/reconnect attempt.
func IsCriticalCloseCode(code int) bool {
	return criticalCloseCodes[code]
}

// wrap is a small local alias for errors.Wrap, following the teacher's
// habit of wrapping every boundary crossing with a short verb phrase.
func wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}
