package voicecore

import "testing"

type recordingSubscriber struct {
	NopSubscriber
	speakingUpdates []SpeakingUpdate
	stateChanges    []ConnectionStateChange
}

func (r *recordingSubscriber) OnSpeakingUpdate(e SpeakingUpdate) {
	r.speakingUpdates = append(r.speakingUpdates, e)
}

func (r *recordingSubscriber) OnConnectionStateChange(e ConnectionStateChange) {
	r.stateChanges = append(r.stateChanges, e)
}

func TestBusFansOutToSubscribers(t *testing.T) {
	bus := NewBus()

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	bus.Subscribe(a)
	bus.Subscribe(b)

	bus.EmitSpeakingUpdate(SpeakingUpdate{UserID: 7, SSRC: 42, Speaking: true})

	if len(a.speakingUpdates) != 1 || len(b.speakingUpdates) != 1 {
		t.Fatalf("expected both subscribers to receive the event: a=%d b=%d",
			len(a.speakingUpdates), len(b.speakingUpdates))
	}
	if a.speakingUpdates[0].UserID != 7 {
		t.Fatalf("unexpected event payload: %+v", a.speakingUpdates[0])
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus()

	a := &recordingSubscriber{}
	cancel := bus.Subscribe(a)

	bus.EmitConnectionStateChange(ConnectionStateChange{From: StateIdle, To: StateConnecting})
	cancel()
	bus.EmitConnectionStateChange(ConnectionStateChange{From: StateConnecting, To: StateReady})

	if len(a.stateChanges) != 1 {
		t.Fatalf("expected exactly 1 delivery before cancel, got %d", len(a.stateChanges))
	}
}

func TestBusCancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	a := &recordingSubscriber{}
	cancel := bus.Subscribe(a)

	cancel()
	cancel() // must not panic or double-remove something else
}

func TestNopSubscriberSatisfiesInterface(t *testing.T) {
	var _ Subscriber = NopSubscriber{}
}
