package wsgateway

import "strconv"

// ReadyData is the opcode 2 payload: it carries the UDP discovery target and
// the encryption modes the server offers.
type ReadyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// Addr returns the "ip:port" form ready for net.Dial.
func (r ReadyData) Addr() string {
	return r.IP + ":" + strconv.Itoa(r.Port)
}

// SessionDescriptionData is the opcode 4 payload: the server's authoritative
// choice of encryption mode and the shared secret key.
type SessionDescriptionData struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// HelloData is the opcode 8 payload: the heartbeat interval, in
// milliseconds, that the client must honor.
type HelloData struct {
	HeartbeatIntervalMS float64 `json:"heartbeat_interval"`
}

// HeartbeatACKData is the opcode 6 payload: the echoed heartbeat nonce.
type HeartbeatACKData struct {
	T      int64 `json:"t"`
	SeqAck int64 `json:"seq_ack"`
}

// ResumedData is the opcode 9 payload; it carries no fields.
type ResumedData struct{}

// ClientConnectData is the opcode 12 payload announcing a new remote SSRC.
type ClientConnectData struct {
	UserID    string `json:"user_id"`
	AudioSSRC uint32 `json:"audio_ssrc"`
}

// ClientDisconnectData is the opcode 13 payload.
type ClientDisconnectData struct {
	UserID string `json:"user_id"`
}
