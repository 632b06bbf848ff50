package voicecore

import "sync"

// SpeakingUpdate reports that a remote user started or stopped sending
// voice, audio-mixing-relevant for mux/pipeline consumers.
type SpeakingUpdate struct {
	UserID   UserID
	SSRC     SSRC
	Speaking bool
}

// ConnectionStateChange reports a SessionSupervisor lifecycle transition.
type ConnectionStateChange struct {
	From, To SupervisorState
}

// HeartbeatObserved reports a round-trip heartbeat ack, carrying the
// latency and the acknowledged sequence value.
type HeartbeatObserved struct {
	LatencyMS int64
	SeqAck    int64
}

// ReconnectAttempt reports a resume/reconnect attempt and its outcome.
type ReconnectAttempt struct {
	Attempt int
	Resumed bool
	Err     error
}

// Disconnected reports the session closed, successfully or otherwise.
type Disconnected struct {
	Err      error
	ByUser   bool
	Critical bool
}

// Subscriber receives session events. Every method is optional in spirit
// (embed a NopSubscriber to avoid implementing all of them), but the
// interface itself is a closed, typed sum rather than a reflect-dispatched
// handler registry.
type Subscriber interface {
	OnSpeakingUpdate(SpeakingUpdate)
	OnConnectionStateChange(ConnectionStateChange)
	OnHeartbeatObserved(HeartbeatObserved)
	OnReconnectAttempt(ReconnectAttempt)
	OnDisconnected(Disconnected)
}

// NopSubscriber implements Subscriber with no-ops so callers can embed it and
// override only the events they care about.
type NopSubscriber struct{}

func (NopSubscriber) OnSpeakingUpdate(SpeakingUpdate)               {}
func (NopSubscriber) OnConnectionStateChange(ConnectionStateChange) {}
func (NopSubscriber) OnHeartbeatObserved(HeartbeatObserved)         {}
func (NopSubscriber) OnReconnectAttempt(ReconnectAttempt)           {}
func (NopSubscriber) OnDisconnected(Disconnected)                   {}

// Bus fans typed events out to subscribers registered with it. Unlike the
// reflect-based dispatcher this module's teacher uses elsewhere, Bus dispatch
// is a closed set of known event types, each with its own call site — there
// is no runtime type-switch-on-anything-you-hand-it behavior to get wrong.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber and returns a function that removes it.
func (b *Bus) Subscribe(s Subscriber) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = append(b.subs, s)
	idx := len(b.subs) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subs) {
			b.subs[idx] = nil
		}
	}
}

func (b *Bus) snapshot() []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) EmitSpeakingUpdate(e SpeakingUpdate) {
	for _, s := range b.snapshot() {
		s.OnSpeakingUpdate(e)
	}
}

func (b *Bus) EmitConnectionStateChange(e ConnectionStateChange) {
	for _, s := range b.snapshot() {
		s.OnConnectionStateChange(e)
	}
}

func (b *Bus) EmitHeartbeatObserved(e HeartbeatObserved) {
	for _, s := range b.snapshot() {
		s.OnHeartbeatObserved(e)
	}
}

func (b *Bus) EmitReconnectAttempt(e ReconnectAttempt) {
	for _, s := range b.snapshot() {
		s.OnReconnectAttempt(e)
	}
}

func (b *Bus) EmitDisconnected(e Disconnected) {
	for _, s := range b.snapshot() {
		s.OnDisconnected(e)
	}
}
