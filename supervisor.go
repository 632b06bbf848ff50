package voicecore

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/kordivox/voicecore/audio"
	"github.com/kordivox/voicecore/dave"
	"github.com/kordivox/voicecore/heartbeat"
	"github.com/kordivox/voicecore/internal/backoff"
	"github.com/kordivox/voicecore/logging"
	"github.com/kordivox/voicecore/mux"
	"github.com/kordivox/voicecore/rtp"
	"github.com/kordivox/voicecore/udp"
	"github.com/kordivox/voicecore/wsgateway"
)

// SupervisorState is one state in the SessionSupervisor's lifecycle, per
// this module's state diagram: Idle -> AwaitingServer -> Connecting ->
// Identifying -> AwaitingReady -> AwaitingDescription -> Ready, with
// Reconnecting and Closed reachable from most of the above.
type SupervisorState int

const (
	StateIdle SupervisorState = iota
	StateAwaitingServer
	StateConnecting
	StateIdentifying
	StateAwaitingReady
	StateAwaitingDescription
	StateReady
	StateReconnecting
	StateClosed
)

func (s SupervisorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingServer:
		return "awaiting_server"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateAwaitingDescription:
		return "awaiting_description"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultReadyTimeout bounds how long a pending join waits for
// SESSION_DESCRIPTION before failing.
const DefaultReadyTimeout = 10 * time.Second

// DefaultReconnectDelay is the fixed wait after a non-critical close
// before a resume attempt.
const DefaultReconnectDelay = 2 * time.Second

// DefaultMaxReconnectAttempts escalates to Closed after this many
// consecutive reconnect failures.
const DefaultMaxReconnectAttempts = 5

// RemoteUser tracks one other participant's receive-side state: their
// bound SSRC, last known speaking flags, and (if a decoder was
// configured) the decoded PCM stream consumers can read from.
type RemoteUser struct {
	UserID   UserID
	SSRC     SSRC
	Speaking wsgateway.SpeakingFlag

	pipeline *audio.Pipeline
	frames   chan []byte
}

// Frames returns the channel of decoded (or, with no decoder configured,
// raw Opus) frames received for this user. It is closed when the user
// disconnects or the session closes.
func (r *RemoteUser) Frames() <-chan []byte { return r.frames }

// SessionSupervisor is the top-level owner of one guild's voice
// connection: it holds the sole Gateway and the sole udp.Manager, drives
// the state machine above, and is the only writer of Session's mutable
// fields. Grounded on this module's teacher's voice.Session, whose
// reconnect/join/leave methods serialize exactly this same WS-close,
// UDP-pause, re-dial, session-description sequence.
type SessionSupervisor struct {
	session *Session
	bus     *Bus

	mux     *mux.ReceiveMux
	udpMgr  *udp.Manager
	overlay dave.Overlay

	// ReadyTimeout bounds Start/Join; defaults to DefaultReadyTimeout.
	ReadyTimeout time.Duration
	// ReconnectDelay is the fixed wait before a resume attempt after a
	// non-critical close; defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts escalates to Closed after this many consecutive
	// failures; defaults to DefaultMaxReconnectAttempts.
	MaxReconnectAttempts int

	// EncoderFactory/DecoderFactory start the transcoder subprocesses used
	// by TransmitAudio and the receive path, respectively. Both may be nil
	// if the caller only needs the control-plane/session-management half
	// of this type.
	EncoderFactory func() (*audio.Subprocess, error)
	DecoderFactory func() (*audio.Subprocess, error)

	// ErrorLog receives asynchronous errors that don't have another
	// observer (defaults to a no-op).
	ErrorLog func(error)
	Log      logging.Logger

	dropped uint64 // atomic: packets dropped to DecryptFailed

	mu         sync.Mutex
	gateway    *wsgateway.Gateway
	hb         *heartbeat.Engine
	loopCancel context.CancelFunc
	userClosed bool
	remotes    map[UserID]*RemoteUser
	txPipeline *audio.Pipeline

	readyWaiters []chan error
}

// NewSupervisor creates an idle SessionSupervisor for one guild/channel/
// user triple. Callers must feed it HandleVoiceStateUpdate and
// HandleVoiceServerUpdate as the external gateway delivers them, then
// call Start.
func NewSupervisor(guildID GuildID, channelID ChannelID, userID UserID) *SessionSupervisor {
	return &SessionSupervisor{
		session:              NewSession(guildID, channelID, userID),
		bus:                  NewBus(),
		mux:                  mux.New(),
		udpMgr:               udp.NewManager(),
		overlay:              dave.NoopOverlay{},
		ReadyTimeout:         DefaultReadyTimeout,
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ErrorLog:             func(error) {},
		Log:                  logging.Nop(),
		remotes:              make(map[UserID]*RemoteUser),
	}
}

// Session returns the supervisor's session record.
func (sup *SessionSupervisor) Session() *Session { return sup.session }

// Bus returns the event bus observers subscribe to.
func (sup *SessionSupervisor) Bus() *Bus { return sup.bus }

// DroppedPackets returns the count of receive-path packets dropped to a
// decrypt failure so far.
func (sup *SessionSupervisor) DroppedPackets() uint64 {
	return atomic.LoadUint64(&sup.dropped)
}

// HandleVoiceStateUpdate records the session_id the external gateway
// delivered via VOICE_STATE_UPDATE.
func (sup *SessionSupervisor) HandleVoiceStateUpdate(sessionID string) {
	sup.session.SetVoiceState(sessionID)
	sup.transitionIfIdle(StateAwaitingServer)
}

func (sup *SessionSupervisor) transitionIfIdle(to SupervisorState) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if sup.session.State() == StateIdle {
		from := sup.session.setState(to)
		sup.bus.EmitConnectionStateChange(ConnectionStateChange{From: from, To: to})
	}
}

// Start blocks until the session reaches Ready, a join error occurs, or
// ctx is canceled/times out against ReadyTimeout, whichever is sooner.
// It requires HandleVoiceStateUpdate and a prior VOICE_SERVER_UPDATE
// (via HandleVoiceServerUpdate) to already have populated session_id,
// token, and endpoint.
func (sup *SessionSupervisor) Start(ctx context.Context) error {
	if sup.ReadyTimeout <= 0 {
		sup.ReadyTimeout = DefaultReadyTimeout
	}
	if !sup.session.identifyReady() {
		return &PreconditionError{Op: "start", State: "missing session_id/token/endpoint"}
	}

	deadline := time.Now().Add(sup.ReadyTimeout)
	joinCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	waiter := make(chan error, 1)
	sup.mu.Lock()
	sup.readyWaiters = append(sup.readyWaiters, waiter)
	sup.mu.Unlock()

	if err := sup.dialAndRun(joinCtx, false); err != nil {
		return err
	}

	select {
	case err := <-waiter:
		return err
	case <-joinCtx.Done():
		return errors.New("voicecore: session_description not received within deadline")
	}
}

// HandleVoiceServerUpdate records the token/endpoint the external gateway
// delivered via VOICE_SERVER_UPDATE. It only records the values; Start
// reads them when it is called and performs the dial.
func (sup *SessionSupervisor) HandleVoiceServerUpdate(token, endpoint string) {
	sup.session.SetVoiceServer(token, endpoint)
}

// dialAndRun opens a fresh Gateway connection (IDENTIFY or RESUME per the
// resume flag) and starts its event loop in the background.
func (sup *SessionSupervisor) dialAndRun(ctx context.Context, resume bool) error {
	sup.mu.Lock()
	if sup.userClosed {
		sup.mu.Unlock()
		return &PreconditionError{Op: "connect", State: StateClosed.String()}
	}
	from := sup.session.setState(StateConnecting)
	sup.mu.Unlock()
	sup.bus.EmitConnectionStateChange(ConnectionStateChange{From: from, To: StateConnecting})

	identity := wsgateway.Identity{
		GuildID:   strconv.FormatUint(uint64(sup.session.GuildID()), 10),
		UserID:    strconv.FormatUint(uint64(sup.session.UserID()), 10),
		SessionID: sup.session.SessionID(),
		Token:     sup.session.Token(),
		Endpoint:  sup.session.Endpoint(),
		SeqAck:    sup.session.Seq(),
	}

	gw := wsgateway.New(identity)
	gw.SetResuming(resume)
	gw.ErrorLog = sup.ErrorLog

	from = sup.session.setState(StateIdentifying)
	sup.bus.EmitConnectionStateChange(ConnectionStateChange{From: from, To: StateIdentifying})

	// Open dials the transport, waits for HELLO, and sends IDENTIFY or
	// RESUME before returning, so a successful return means the server
	// already has our identify/resume and we're only waiting on READY.
	_, hello, err := gw.Open(ctx)
	if err != nil {
		sup.failJoin(errors.Wrap(err, "failed to open voice gateway"))
		return err
	}

	from = sup.session.setState(StateAwaitingReady)
	sup.bus.EmitConnectionStateChange(ConnectionStateChange{From: from, To: StateAwaitingReady})

	loopCtx, cancel := context.WithCancel(context.Background())

	sup.mu.Lock()
	sup.gateway = gw
	sup.loopCancel = cancel
	sup.mu.Unlock()

	go sup.runLoop(loopCtx, gw, hello, resume)

	return nil
}

// failJoin delivers err to every waiter registered by Start and clears
// the list; used when a connect attempt fails before Ready is reachable
// at all.
func (sup *SessionSupervisor) failJoin(err error) {
	sup.mu.Lock()
	waiters := sup.readyWaiters
	sup.readyWaiters = nil
	sup.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
}

func (sup *SessionSupervisor) resolveJoin(err error) {
	sup.mu.Lock()
	waiters := sup.readyWaiters
	sup.readyWaiters = nil
	sup.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
}

// runLoop is the single logical task per session mandated by this
// module's concurrency model: it is the only goroutine that mutates
// control-plane state, processing Gateway events and heartbeat
// observations off one select loop.
func (sup *SessionSupervisor) runLoop(ctx context.Context, gw *wsgateway.Gateway, hello *wsgateway.HelloData, resuming bool) {
	var hbDeath <-chan error

	hbStart := time.Now()
	hb := heartbeat.NewEngine(time.Duration(hello.HeartbeatIntervalMS)*time.Millisecond, func(beatCtx context.Context) (int64, error) {
		t := time.Since(hbStart).Milliseconds()
		if err := gw.Heartbeat(beatCtx, t, sup.session.Seq()); err != nil {
			return 0, err
		}
		return t, nil
	})
	sup.mu.Lock()
	sup.hb = hb
	sup.mu.Unlock()
	hbDeath = hb.StartAsync()

	defer func() {
		hb.Stop()
		gw.Close()
	}()

	events := gw.Events()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-hbDeath:
			if err == nil {
				return
			}
			sup.ErrorLog(errors.Wrap(err, "heartbeat engine failed"))
			if errors.Is(err, heartbeat.ErrDead) {
				err = &HeartbeatTimeoutError{}
			}
			sup.onTransportFault(err)
			return

		case ev, ok := <-events:
			if !ok {
				sup.onTransportFault(errors.New("voice gateway event channel closed"))
				return
			}
			if ev.Err != nil {
				sup.onCloseOrError(ev.Err)
				return
			}
			if err := sup.dispatch(ctx, gw, ev.Payload, resuming); err != nil {
				sup.ErrorLog(err)
			}
		}
	}
}

func (sup *SessionSupervisor) dispatch(ctx context.Context, gw *wsgateway.Gateway, p wsgateway.Payload, resuming bool) error {
	if p.Seq != nil {
		sup.session.SetSeq(int64(*p.Seq))
	}

	switch p.Op {
	case wsgateway.OPHello:
		// Already consumed by Open; a HELLO mid-session would indicate a
		// server-side re-handshake, which this protocol version doesn't do.
		return nil

	case wsgateway.OPReady:
		var ready wsgateway.ReadyData
		if err := json.Unmarshal(p.Data, &ready); err != nil {
			return errors.Wrap(err, "failed to decode ready")
		}
		return sup.handleReady(ctx, gw, ready)

	case wsgateway.OPSessionDescription:
		var desc wsgateway.SessionDescriptionData
		if err := json.Unmarshal(p.Data, &desc); err != nil {
			return errors.Wrap(err, "failed to decode session description")
		}
		return sup.handleSessionDescription(desc, resuming)

	case wsgateway.OPSpeaking:
		var sp wsgateway.SpeakingData
		if err := json.Unmarshal(p.Data, &sp); err != nil {
			return errors.Wrap(err, "failed to decode speaking")
		}
		sup.handleSpeaking(sp.UserID, sp.SSRC, sp.Speaking)
		return nil

	case wsgateway.OPHeartbeatACK:
		var ack wsgateway.HeartbeatACKData
		if err := json.Unmarshal(p.Data, &ack); err != nil {
			return errors.Wrap(err, "failed to decode heartbeat ack")
		}
		sup.mu.Lock()
		hb := sup.hb
		sup.mu.Unlock()
		if hb != nil {
			hb.Ack(ack.SeqAck)
			latency, seqAck := hb.LastObservation()
			sup.bus.EmitHeartbeatObserved(HeartbeatObserved{LatencyMS: latency, SeqAck: seqAck})
		}
		return nil

	case wsgateway.OPResumed:
		from := sup.session.setState(StateReady)
		sup.bus.EmitConnectionStateChange(ConnectionStateChange{From: from, To: StateReady})
		sup.resolveJoin(nil)
		return nil

	case wsgateway.OPClientConnect:
		var cc wsgateway.ClientConnectData
		if err := json.Unmarshal(p.Data, &cc); err != nil {
			return errors.Wrap(err, "failed to decode client connect")
		}
		sup.bindUser(cc.UserID, SSRC(cc.AudioSSRC))
		return nil

	case wsgateway.OPClientDisconnect:
		var cd wsgateway.ClientDisconnectData
		if err := json.Unmarshal(p.Data, &cd); err != nil {
			return errors.Wrap(err, "failed to decode client disconnect")
		}
		sup.removeUser(cd.UserID)
		return nil

	case wsgateway.OPDAVEPrepareTransition, wsgateway.OPDAVEExecuteTransition,
		wsgateway.OPDAVEMLSKeyPackage, wsgateway.OPDAVEMLSCommitWelcome,
		wsgateway.OPDAVEPrepareEpoch, wsgateway.OPDAVEMLSExternalSender,
		wsgateway.OPDAVEMLSProposals, wsgateway.OPDAVEMLSAnnounceCommit,
		wsgateway.OPDAVEMLSWelcome, wsgateway.OPDAVEMLSInvalidCommit,
		wsgateway.OPDAVETransitionReady:
		return sup.handleDAVE(ctx, p)

	default:
		sup.Log.Debugf("voicecore: unhandled opcode %d", p.Op)
		return nil
	}
}

func (sup *SessionSupervisor) handleReady(ctx context.Context, gw *wsgateway.Gateway, ready wsgateway.ReadyData) error {
	sup.session.SetReady(SSRC(ready.SSRC))

	from := sup.session.setState(StateAwaitingDescription)
	sup.bus.EmitConnectionStateChange(ConnectionStateChange{From: from, To: StateAwaitingDescription})

	dialCtx, cancel := context.WithTimeout(ctx, sup.ReadyTimeout)
	defer cancel()

	sup.udpMgr.Pause()
	conn, err := sup.udpMgr.Dial(dialCtx, ready.Addr(), ready.SSRC)
	sup.udpMgr.Unpause()
	if err != nil {
		return errors.Wrap(err, "udp dial/discovery failed")
	}

	mode := chooseMode(ready.Modes)
	if mode == "" {
		return &ProtocolError{Reason: "server offered no mode this client supports"}
	}

	return gw.SelectProtocol(ctx, wsgateway.SelectProtocolData{
		Protocol: "udp",
		Data: wsgateway.SelectProtocolInnerData{
			Address: conn.GatewayIP,
			Port:    int(conn.GatewayPort),
			Mode:    mode,
		},
	})
}

// chooseMode picks this client's most preferred mode from the
// intersection of what it supports and what the server offered; it never
// falls back to a mode the server didn't list.
func chooseMode(offered []string) string {
	offeredSet := make(map[string]bool, len(offered))
	for _, m := range offered {
		offeredSet[m] = true
	}
	for _, preferred := range rtp.SupportedModes() {
		if offeredSet[preferred] {
			return preferred
		}
	}
	return ""
}

func (sup *SessionSupervisor) handleSessionDescription(desc wsgateway.SessionDescriptionData, resuming bool) error {
	sup.session.SetSessionDescription(desc.Mode, desc.SecretKey)

	codec, err := rtp.NewCodec(desc.Mode, desc.SecretKey)
	if err != nil {
		return errors.Wrap(err, "failed to build codec for negotiated mode")
	}
	sup.udpMgr.UseCodec(codec)

	from := sup.session.setState(StateReady)
	sup.bus.EmitConnectionStateChange(ConnectionStateChange{From: from, To: StateReady})

	go sup.receiveLoop()

	sup.resolveJoin(nil)
	return nil
}

func (sup *SessionSupervisor) handleSpeaking(userIDStr string, ssrc uint32, flags wsgateway.SpeakingFlag) {
	// SPEAKING is the only event that tells us ssrc->user_id for members
	// already in the channel when this client joins: CLIENT_CONNECT only
	// fires for users who join afterward. Bind (or rebind) here whenever
	// the server includes a user_id.
	user := userIDStr
	if user != "" {
		sup.bindUser(user, SSRC(ssrc))
	} else if u, ok := sup.mux.UserFor(ssrc); ok {
		user = u
	} else {
		return
	}

	sup.mu.Lock()
	ru, ok := sup.remotes[UserID(mustParseUint(user))]
	sup.mu.Unlock()
	if ok {
		ru.Speaking = flags
	}
	sup.bus.EmitSpeakingUpdate(SpeakingUpdate{
		UserID:   UserID(mustParseUint(user)),
		SSRC:     SSRC(ssrc),
		Speaking: flags != 0,
	})
}

func (sup *SessionSupervisor) bindUser(userIDStr string, ssrc SSRC) {
	uid := UserID(mustParseUint(userIDStr))

	sup.mu.Lock()
	ru, exists := sup.remotes[uid]
	if !exists {
		ru = &RemoteUser{UserID: uid, SSRC: ssrc, frames: make(chan []byte, 32)}
		if sup.DecoderFactory != nil {
			if dec, err := sup.DecoderFactory(); err == nil {
				ru.pipeline = audio.NewPipeline(nil, dec, nil, nil)
			} else {
				sup.ErrorLog(errors.Wrap(err, "failed to start decoder subprocess"))
			}
		}
		sup.remotes[uid] = ru
	} else {
		ru.SSRC = ssrc
	}
	sup.mu.Unlock()

	sup.mux.Bind(uint32(ssrc), userIDStr)
}

func (sup *SessionSupervisor) removeUser(userIDStr string) {
	uid := UserID(mustParseUint(userIDStr))

	sup.mu.Lock()
	ru, ok := sup.remotes[uid]
	delete(sup.remotes, uid)
	sup.mu.Unlock()

	sup.mux.Unbind(userIDStr)

	if ok {
		close(ru.frames)
		if ru.pipeline != nil {
			ru.pipeline.Close()
		}
	}
}

func mustParseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

// receiveLoop pumps decoded UDP packets into the ReceiveMux, which fans
// them out to the bound RemoteUser's frame channel (running them through
// its decoder subprocess first, if one was configured).
func (sup *SessionSupervisor) receiveLoop() {
	sup.mux.Deliver = func(user mux.UserID, p mux.Packet) {
		uid := UserID(mustParseUint(user))

		sup.mu.Lock()
		ru, ok := sup.remotes[uid]
		sup.mu.Unlock()
		if !ok {
			return
		}

		out := p.Opus
		if ru.pipeline != nil {
			pcm, err := ru.pipeline.Feed(p.Opus)
			if err == nil {
				out = pcm
			} else {
				sup.ErrorLog(errors.Wrap(err, "decoder feed failed"))
			}
		}

		select {
		case ru.frames <- out:
		default:
			// Consumer isn't keeping up; drop this newest frame rather
			// than block the single receive loop.
		}
	}

	evictTicker := time.NewTicker(time.Second)
	defer evictTicker.Stop()

	for {
		sup.mu.Lock()
		closed := sup.userClosed
		sup.mu.Unlock()
		if closed {
			return
		}

		h, ssrc, opus, err := sup.udpMgr.ReadPacket()
		if err != nil {
			if errors.Is(err, udp.ErrManagerClosed) {
				return
			}
			if errors.Is(err, rtp.ErrDecryptFailed) {
				atomic.AddUint64(&sup.dropped, 1)
				continue
			}
			sup.ErrorLog(errors.Wrap(err, "udp read failed"))
			continue
		}

		sup.mux.Route(ssrc, h.Sequence(), opus)

		select {
		case <-evictTicker.C:
			sup.mux.EvictStale(time.Now())
		default:
		}
	}
}

func (sup *SessionSupervisor) handleDAVE(ctx context.Context, p wsgateway.Payload) error {
	switch p.Op {
	case wsgateway.OPDAVEPrepareTransition:
		return sup.overlay.PrepareTransition(ctx, 0)
	case wsgateway.OPDAVEExecuteTransition, wsgateway.OPDAVETransitionReady:
		return sup.overlay.ExecuteTransition(ctx, 0)
	case wsgateway.OPDAVEMLSKeyPackage:
		return sup.overlay.ProcessKeyPackage(ctx, p.Data)
	case wsgateway.OPDAVEMLSCommitWelcome, wsgateway.OPDAVEMLSWelcome:
		return sup.overlay.ProcessCommitWelcome(ctx, p.Data)
	default:
		return nil
	}
}

// onCloseOrError classifies a transport error as critical (no resume) or
// transient (resume/reconnect) per the close-code table, and reacts
// accordingly.
func (sup *SessionSupervisor) onCloseOrError(err error) {
	code, isClose := wsgateway.CloseCode(errors.Cause(err))

	sup.mu.Lock()
	userClosed := sup.userClosed
	sup.mu.Unlock()

	if userClosed {
		return
	}

	if isClose && IsCriticalCloseCode(code) {
		sup.forceClosed(&RemoteCloseError{Code: code, Critical: true})
		return
	}

	sup.onTransportFault(err)
}

func (sup *SessionSupervisor) onTransportFault(err error) {
	sup.mu.Lock()
	if sup.userClosed {
		sup.mu.Unlock()
		return
	}
	from := sup.session.setState(StateReconnecting)
	sup.mu.Unlock()
	sup.bus.EmitConnectionStateChange(ConnectionStateChange{From: from, To: StateReconnecting})

	go sup.reconnectLoop(&TransportError{Transport: "gateway", Err: err})
}

func (sup *SessionSupervisor) reconnectLoop(cause error) {
	bo := backoff.NewBackoff(sup.ReconnectDelay, sup.ReconnectDelay)

	for attempt := 1; attempt <= sup.MaxReconnectAttempts; attempt++ {
		sup.mu.Lock()
		userClosed := sup.userClosed
		sup.mu.Unlock()
		if userClosed {
			return
		}

		time.Sleep(bo.Next())

		ctx, cancel := context.WithTimeout(context.Background(), sup.ReadyTimeout)
		err := sup.dialAndRun(ctx, true)
		cancel()

		sup.bus.EmitReconnectAttempt(ReconnectAttempt{Attempt: attempt, Resumed: err == nil, Err: err})

		if err == nil {
			return
		}
		cause = err
	}

	sup.forceClosed(errors.Wrap(cause, "exhausted reconnect attempts"))
}

func (sup *SessionSupervisor) forceClosed(cause error) {
	sup.Close()
	sup.bus.EmitDisconnected(Disconnected{Err: cause, Critical: true})
}

// Write implements audio.Sender by delegating to the UDP manager; it is
// only meaningful once the session is Ready. A nonce counter exhausted on
// the active codec means this session can no longer encrypt traffic
// safely, so it's force-closed rather than left to keep reusing nonces.
func (sup *SessionSupervisor) Write(ctx context.Context, plaintext []byte) error {
	if !sup.session.Ready() {
		return &PreconditionError{Op: "write audio", State: sup.session.State().String()}
	}
	return sup.checkNonceExhaustion(sup.udpMgr.Write(ctx, plaintext))
}

// checkNonceExhaustion force-closes the session if err indicates the
// active codec's 32-bit nonce counter has wrapped, since continuing to
// encrypt would mean reusing a nonce under the same key. It returns err
// unchanged either way.
func (sup *SessionSupervisor) checkNonceExhaustion(err error) error {
	if errors.Is(err, rtp.ErrNonceExhausted) {
		sup.forceClosed(errors.Wrap(err, "nonce counter exhausted"))
	}
	return err
}

// SetSpeaking implements audio.SpeakingNotifier by sending opcode 5 with
// the voice flag on or off.
func (sup *SessionSupervisor) SetSpeaking(ctx context.Context, speaking bool) error {
	sup.mu.Lock()
	gw := sup.gateway
	sup.mu.Unlock()
	if gw == nil {
		return &PreconditionError{Op: "set speaking", State: sup.session.State().String()}
	}

	var flag wsgateway.SpeakingFlag
	if speaking {
		flag = wsgateway.SpeakingVoice
	}
	return gw.Speaking(ctx, flag, uint32(sup.session.SSRC()))
}

// TransmitAudio streams src through a freshly-started encoder subprocess
// to the voice server, managing the speaking flag around it. Only one
// transmission may be active at a time; a second concurrent call returns
// AlreadyPlayingError.
func (sup *SessionSupervisor) TransmitAudio(ctx context.Context, src io.Reader) error {
	if !sup.session.Ready() {
		return &PreconditionError{Op: "transmit audio", State: sup.session.State().String()}
	}
	if sup.EncoderFactory == nil {
		return errors.New("voicecore: no EncoderFactory configured")
	}

	enc, err := sup.EncoderFactory()
	if err != nil {
		return errors.Wrap(err, "failed to start encoder subprocess")
	}
	defer enc.Close()

	pipeline := audio.NewPipeline(enc, nil, sup, sup)

	sup.mu.Lock()
	sup.txPipeline = pipeline
	sup.mu.Unlock()
	defer func() {
		sup.mu.Lock()
		if sup.txPipeline == pipeline {
			sup.txPipeline = nil
		}
		sup.mu.Unlock()
	}()

	err = pipeline.Transmit(ctx, src)
	if _, already := err.(*audio.AlreadyPlayingError); already {
		return &AlreadyPlayingError{}
	}
	return err
}

// PauseAudio stops the in-progress TransmitAudio call from sending further
// frames without emitting the silence burst or flipping the speaking flag
// off; ResumeAudio continues from where it left off. Both return
// *PreconditionError if no transmission is in progress.
func (sup *SessionSupervisor) PauseAudio() error {
	pipeline, err := sup.activeTxPipeline()
	if err != nil {
		return err
	}
	pipeline.Pause()
	return nil
}

// ResumeAudio undoes PauseAudio.
func (sup *SessionSupervisor) ResumeAudio() error {
	pipeline, err := sup.activeTxPipeline()
	if err != nil {
		return err
	}
	pipeline.Resume()
	return nil
}

// StopAudio ends the in-progress TransmitAudio call, which still sends the
// mandated silence burst and flips the speaking flag off.
func (sup *SessionSupervisor) StopAudio() error {
	pipeline, err := sup.activeTxPipeline()
	if err != nil {
		return err
	}
	pipeline.Stop()
	return nil
}

func (sup *SessionSupervisor) activeTxPipeline() (*audio.Pipeline, error) {
	sup.mu.Lock()
	pipeline := sup.txPipeline
	sup.mu.Unlock()
	if pipeline == nil {
		return nil, &PreconditionError{Op: "control audio", State: "no transmission in progress"}
	}
	return pipeline, nil
}

// ReceiveStream returns the channel of frames received from the given
// remote user, if one is currently tracked.
func (sup *SessionSupervisor) ReceiveStream(user UserID) (<-chan []byte, bool) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	ru, ok := sup.remotes[user]
	if !ok {
		return nil, false
	}
	return ru.frames, true
}

// Close tears down the session: cancels the event loop, closes the UDP
// manager, stops any in-flight remote decoders, and drops key material.
// Idempotent.
func (sup *SessionSupervisor) Close() error {
	sup.mu.Lock()
	if sup.userClosed {
		sup.mu.Unlock()
		return nil
	}
	sup.userClosed = true
	cancel := sup.loopCancel
	gw := sup.gateway
	remotes := sup.remotes
	sup.remotes = make(map[UserID]*RemoteUser)
	sup.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if gw != nil {
		gw.Close()
	}
	sup.udpMgr.Close()

	for _, ru := range remotes {
		close(ru.frames)
		if ru.pipeline != nil {
			ru.pipeline.Close()
		}
	}

	sup.session.ClearKeyMaterial()
	from := sup.session.setState(StateClosed)
	sup.bus.EmitConnectionStateChange(ConnectionStateChange{From: from, To: StateClosed})

	sup.failJoin(&PreconditionError{Op: "start", State: StateClosed.String()})

	return nil
}
