package voicecore

import "sync"

// Session is the per-guild record of everything negotiated over the
// lifetime of one voice connection: the identify material handed down by
// the external gateway, and the values the voice server assigns once the
// handshake completes. Grounded on this module's teacher's
// voicegateway.Gateway State struct and the old voice package's Session
// type, both of which accumulate these same fields across the same
// handshake.
type Session struct {
	mu sync.RWMutex

	guildID   GuildID
	channelID ChannelID
	userID    UserID

	token    string
	endpoint string

	sessionID string

	ssrc      SSRC
	mode      string
	secretKey [32]byte
	hasKey    bool

	heartbeatIntervalMS float64
	seq                 int64

	selfMute bool
	selfDeaf bool

	state SupervisorState
}

// NewSession creates a Session in state Idle for the given guild/channel/
// user triple.
func NewSession(guildID GuildID, channelID ChannelID, userID UserID) *Session {
	return &Session{
		guildID:   guildID,
		channelID: channelID,
		userID:    userID,
		state:     StateIdle,
	}
}

func (s *Session) GuildID() GuildID     { return s.guildID }
func (s *Session) ChannelID() ChannelID { s.mu.RLock(); defer s.mu.RUnlock(); return s.channelID }
func (s *Session) UserID() UserID       { return s.userID }

// SetVoiceState records the session_id delivered by the external
// gateway's VOICE_STATE_UPDATE.
func (s *Session) SetVoiceState(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
}

// SetVoiceServer records the token/endpoint delivered by the external
// gateway's VOICE_SERVER_UPDATE.
func (s *Session) SetVoiceServer(token, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.endpoint = endpoint
}

func (s *Session) identifyReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID != "" && s.token != "" && s.endpoint != ""
}

func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// SetReady records the SSRC from READY. Called once, on first
// READY of a fresh (non-resumed) connection.
func (s *Session) SetReady(ssrc SSRC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ssrc = ssrc
}

func (s *Session) SSRC() SSRC {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ssrc
}

// SetSessionDescription records the server's authoritative mode and
// secret key. Rotating to a new mode/key always implies a fresh nonce
// counter; callers must build a new rtp.Codec rather than mutate one in
// place.
func (s *Session) SetSessionDescription(mode string, secretKey [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.secretKey = secretKey
	s.hasKey = true
}

func (s *Session) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Session) SecretKey() ([32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secretKey, s.hasKey
}

// ClearKeyMaterial drops the secret key, e.g. on Close, so it doesn't
// linger in memory past the session's life.
func (s *Session) ClearKeyMaterial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secretKey = [32]byte{}
	s.hasKey = false
}

// SetSeq records the last control-plane sequence seen, used as seq_ack on
// both HEARTBEAT and RESUME.
func (s *Session) SetSeq(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.seq {
		s.seq = seq
	}
}

func (s *Session) Seq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// SetMuteDeaf records the self_mute/self_deaf flags sent on
// UPDATE_VOICE_STATE.
func (s *Session) SetMuteDeaf(mute, deaf bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfMute = mute
	s.selfDeaf = deaf
}

func (s *Session) MuteDeaf() (mute, deaf bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfMute, s.selfDeaf
}

// State returns the current lifecycle state.
func (s *Session) State() SupervisorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// setState transitions the lifecycle state and returns the prior state;
// it does not itself emit any event, leaving that to the caller, which
// has the Bus.
func (s *Session) setState(to SupervisorState) (from SupervisorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from = s.state
	s.state = to
	return from
}

// Ready reports whether both READY and SESSION_DESCRIPTION have been
// processed: the only state in which audio may be transmitted.
func (s *Session) Ready() bool {
	return s.State() == StateReady
}
