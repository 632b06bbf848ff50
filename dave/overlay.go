// Package dave stubs out the end-to-end media security overlay the voice
// gateway advertises via its DAVE_* opcodes. This core does not implement
// MLS-based E2EE group key agreement: the client announces protocol
// version 0, the overlay accepts every DAVE_* opcode locally without
// sending anything back to the voice server, and the transport-level AEAD
// (see package rtp) is the only encryption in effect.
package dave

import "context"

// ProtocolVersion is the DAVE protocol version this overlay claims
// support for. 0 means "no E2EE, transport encryption only," which is
// always backward compatible with a server that supports later versions.
const ProtocolVersion = 0

// Overlay reacts to the DAVE_* opcodes a voice gateway may send once a
// session upgrades past transport-only encryption. A real implementation
// would drive an MLS group state machine here. The supervisor sends no
// reply frame for these opcodes; a transition-ready reply is not sent.
type Overlay interface {
	PrepareTransition(ctx context.Context, transitionID int) error
	ExecuteTransition(ctx context.Context, transitionID int) error
	ProcessKeyPackage(ctx context.Context, data []byte) error
	ProcessCommitWelcome(ctx context.Context, data []byte) error
}

// NoopOverlay returns nil for every call without performing any key
// agreement or sending anything, keeping the session on transport-level
// AEAD only.
type NoopOverlay struct{}

var _ Overlay = NoopOverlay{}

func (NoopOverlay) PrepareTransition(ctx context.Context, transitionID int) error { return nil }
func (NoopOverlay) ExecuteTransition(ctx context.Context, transitionID int) error { return nil }
func (NoopOverlay) ProcessKeyPackage(ctx context.Context, data []byte) error     { return nil }
func (NoopOverlay) ProcessCommitWelcome(ctx context.Context, data []byte) error  { return nil }
