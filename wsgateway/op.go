// Package wsgateway implements the voice-gateway WebSocket control channel:
// opcode framing, identify/resume negotiation, and the typed payloads
// exchanged with the voice server.
package wsgateway

import "encoding/json"

// OPCode is a voice gateway operation code.
type OPCode int

const (
	OPIdentify           OPCode = 0
	OPSelectProtocol     OPCode = 1
	OPReady              OPCode = 2
	OPHeartbeat          OPCode = 3
	OPSessionDescription OPCode = 4
	OPSpeaking           OPCode = 5
	OPHeartbeatACK       OPCode = 6
	OPResume             OPCode = 7
	OPHello              OPCode = 8
	OPResumed            OPCode = 9
	OPClientConnect      OPCode = 12
	OPClientDisconnect   OPCode = 13

	// DAVE / end-to-end media security overlay opcodes. This client
	// announces overlay protocol version 0; the supervisor hands these
	// opcodes to the dave overlay and sends no reply; see the dave package.
	OPDAVEPrepareTransition   OPCode = 21
	OPDAVEExecuteTransition   OPCode = 22
	OPDAVETransitionReady     OPCode = 23
	OPDAVEPrepareEpoch        OPCode = 24
	OPDAVEMLSExternalSender   OPCode = 25
	OPDAVEMLSKeyPackage       OPCode = 26
	OPDAVEMLSProposals        OPCode = 27
	OPDAVEMLSCommitWelcome    OPCode = 28
	OPDAVEMLSAnnounceCommit   OPCode = 29
	OPDAVEMLSWelcome          OPCode = 30
	OPDAVEMLSInvalidCommit    OPCode = 31
)

// Payload is the envelope every voice gateway frame is wrapped in.
type Payload struct {
	Op   OPCode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int            `json:"seq,omitempty"`
}
