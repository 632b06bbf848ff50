package voicecore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/kordivox/voicecore/rtp"
	"github.com/kordivox/voicecore/wsgateway"
)

func TestChooseModePrefersClientOrderWithinOffer(t *testing.T) {
	cases := []struct {
		name    string
		offered []string
		want    string
	}{
		{
			name:    "server offers everything, client still prefers AES-GCM",
			offered: []string{rtp.ModeXSalsa20Poly1305, rtp.ModeAEADXChaCha20Poly1305RTPSize, rtp.ModeAEADAES256GCMRTPSize},
			want:    rtp.ModeAEADAES256GCMRTPSize,
		},
		{
			name:    "server only offers XChaCha and legacy",
			offered: []string{rtp.ModeAEADXChaCha20Poly1305RTPSize, rtp.ModeXSalsa20Poly1305},
			want:    rtp.ModeAEADXChaCha20Poly1305RTPSize,
		},
		{
			name:    "server only offers legacy",
			offered: []string{rtp.ModeXSalsa20Poly1305},
			want:    rtp.ModeXSalsa20Poly1305,
		},
		{
			name:    "no overlap",
			offered: []string{"some_future_mode"},
			want:    "",
		},
		{
			name:    "empty offer",
			offered: nil,
			want:    "",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := chooseMode(c.offered); got != c.want {
				t.Fatalf("chooseMode(%v) = %q, want %q", c.offered, got, c.want)
			}
		})
	}
}

func TestMustParseUint(t *testing.T) {
	if got := mustParseUint("12345"); got != 12345 {
		t.Fatalf("mustParseUint(\"12345\") = %d, want 12345", got)
	}
	if got := mustParseUint("not-a-number"); got != 0 {
		t.Fatalf("mustParseUint(garbage) = %d, want 0", got)
	}
}

func TestBindAndRemoveUserTracksRemotes(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	sub := &recordingSubscriber{}
	sup.Bus().Subscribe(sub)

	sup.bindUser("555", 9000)

	if _, ok := sup.ReceiveStream(555); !ok {
		t.Fatal("expected a receive stream for the bound user")
	}

	sup.handleSpeaking("", 9000, wsgateway.SpeakingVoice)

	if len(sub.speakingUpdates) != 1 {
		t.Fatalf("expected 1 speaking update, got %d", len(sub.speakingUpdates))
	}
	if sub.speakingUpdates[0].UserID != 555 || !sub.speakingUpdates[0].Speaking {
		t.Fatalf("unexpected speaking update: %+v", sub.speakingUpdates[0])
	}

	sup.removeUser("555")
	if _, ok := sup.ReceiveStream(555); ok {
		t.Fatal("expected the user to be forgotten after removeUser")
	}
}

func TestHandleSpeakingWithoutUserIDIgnoresUnboundSSRC(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	sub := &recordingSubscriber{}
	sup.Bus().Subscribe(sub)

	sup.handleSpeaking("", 0xDEAD, wsgateway.SpeakingVoice)

	if len(sub.speakingUpdates) != 0 {
		t.Fatalf("expected no speaking update for an unbound SSRC with no user_id, got %d", len(sub.speakingUpdates))
	}
}

func TestHandleSpeakingWithUserIDBindsPreexistingMember(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	sub := &recordingSubscriber{}
	sup.Bus().Subscribe(sub)

	// No CLIENT_CONNECT ever fires for a member already in the channel
	// when this client joins; SPEAKING carrying user_id is the only way
	// to learn their ssrc binding.
	sup.handleSpeaking("555", 9000, wsgateway.SpeakingVoice)

	if _, ok := sup.ReceiveStream(555); !ok {
		t.Fatal("expected handleSpeaking to bind the ssrc->user mapping")
	}
	if len(sub.speakingUpdates) != 1 || sub.speakingUpdates[0].UserID != 555 || !sub.speakingUpdates[0].Speaking {
		t.Fatalf("unexpected speaking updates: %+v", sub.speakingUpdates)
	}
}

func TestWriteAndSetSpeakingRequireReady(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	if err := sup.Write(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected Write to fail before Ready")
	} else if _, ok := err.(*PreconditionError); !ok {
		t.Fatalf("expected *PreconditionError, got %T: %v", err, err)
	}

	if err := sup.SetSpeaking(context.Background(), true); err == nil {
		t.Fatal("expected SetSpeaking to fail before a gateway exists")
	} else if _, ok := err.(*PreconditionError); !ok {
		t.Fatalf("expected *PreconditionError, got %T: %v", err, err)
	}
}

func TestTransmitAudioRequiresReady(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	if err := sup.TransmitAudio(context.Background(), nil); err == nil {
		t.Fatal("expected TransmitAudio to fail before Ready")
	} else if _, ok := err.(*PreconditionError); !ok {
		t.Fatalf("expected *PreconditionError, got %T: %v", err, err)
	}
}

func TestPauseResumeStopAudioRequireActiveTransmission(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	if err := sup.PauseAudio(); err == nil {
		t.Fatal("expected PauseAudio to fail with no transmission in progress")
	} else if _, ok := err.(*PreconditionError); !ok {
		t.Fatalf("expected *PreconditionError, got %T: %v", err, err)
	}

	if err := sup.ResumeAudio(); err == nil {
		t.Fatal("expected ResumeAudio to fail with no transmission in progress")
	} else if _, ok := err.(*PreconditionError); !ok {
		t.Fatalf("expected *PreconditionError, got %T: %v", err, err)
	}

	if err := sup.StopAudio(); err == nil {
		t.Fatal("expected StopAudio to fail with no transmission in progress")
	} else if _, ok := err.(*PreconditionError); !ok {
		t.Fatalf("expected *PreconditionError, got %T: %v", err, err)
	}
}

func TestStartRequiresVoiceStateAndServer(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	err := sup.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail before HandleVoiceStateUpdate/HandleVoiceServerUpdate")
	}
	if _, ok := err.(*PreconditionError); !ok {
		t.Fatalf("expected *PreconditionError, got %T: %v", err, err)
	}
}

func TestHandleVoiceStateUpdateTransitionsFromIdle(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	sub := &recordingSubscriber{}
	sup.Bus().Subscribe(sub)

	sup.HandleVoiceStateUpdate("session-id")

	if sup.Session().State() != StateAwaitingServer {
		t.Fatalf("state = %v, want StateAwaitingServer", sup.Session().State())
	}
	if len(sub.stateChanges) != 1 || sub.stateChanges[0].To != StateAwaitingServer {
		t.Fatalf("unexpected state change events: %+v", sub.stateChanges)
	}

	// A second call while already past Idle must not re-emit a transition.
	sup.HandleVoiceStateUpdate("session-id-2")
	if len(sub.stateChanges) != 1 {
		t.Fatalf("expected no further transitions once past Idle, got %d", len(sub.stateChanges))
	}
}

func TestHandleSessionDescriptionReachesReadyAndResolvesJoin(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	sup.session.setState(StateAwaitingDescription)

	waiter := make(chan error, 1)
	sup.mu.Lock()
	sup.readyWaiters = append(sup.readyWaiters, waiter)
	sup.mu.Unlock()

	var secret [32]byte
	secret[0] = 0x42

	err := sup.handleSessionDescription(wsgateway.SessionDescriptionData{
		Mode:      rtp.ModeAEADAES256GCMRTPSize,
		SecretKey: secret,
	}, false)
	if err != nil {
		t.Fatalf("handleSessionDescription failed: %v", err)
	}

	if !sup.Session().Ready() {
		t.Fatal("expected the session to be Ready after SESSION_DESCRIPTION")
	}

	got, ok := sup.Session().SecretKey()
	if !ok || got != secret {
		t.Fatalf("secret key mismatch: ok=%v got=%v", ok, got)
	}

	select {
	case joinErr := <-waiter:
		if joinErr != nil {
			t.Fatalf("expected Start's waiter to resolve with nil, got %v", joinErr)
		}
	case <-time.After(time.Second):
		t.Fatal("Start's waiter never resolved")
	}
}

func TestDispatchSpeakingUpdatesBoundUser(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	sup.bindUser("777", 1234)

	sub := &recordingSubscriber{}
	sup.Bus().Subscribe(sub)

	data, _ := json.Marshal(wsgateway.SpeakingData{Speaking: wsgateway.SpeakingVoice, SSRC: 1234})
	payload := wsgateway.Payload{Op: wsgateway.OPSpeaking, Data: data}

	if err := sup.dispatch(context.Background(), nil, payload, false); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if len(sub.speakingUpdates) != 1 || sub.speakingUpdates[0].UserID != 777 {
		t.Fatalf("unexpected speaking updates: %+v", sub.speakingUpdates)
	}
}

func TestDispatchClientConnectAndDisconnect(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	connectData, _ := json.Marshal(wsgateway.ClientConnectData{UserID: "900", AudioSSRC: 42})
	connect := wsgateway.Payload{Op: wsgateway.OPClientConnect, Data: connectData}

	if err := sup.dispatch(context.Background(), nil, connect, false); err != nil {
		t.Fatalf("dispatch(CLIENT_CONNECT) failed: %v", err)
	}
	if _, ok := sup.ReceiveStream(900); !ok {
		t.Fatal("expected a receive stream for user 900 after CLIENT_CONNECT")
	}

	disconnectData, _ := json.Marshal(wsgateway.ClientDisconnectData{UserID: "900"})
	disconnect := wsgateway.Payload{Op: wsgateway.OPClientDisconnect, Data: disconnectData}

	if err := sup.dispatch(context.Background(), nil, disconnect, false); err != nil {
		t.Fatalf("dispatch(CLIENT_DISCONNECT) failed: %v", err)
	}
	if _, ok := sup.ReceiveStream(900); ok {
		t.Fatal("expected the receive stream to be gone after CLIENT_DISCONNECT")
	}
}

func TestDispatchDAVEOpcodesAckViaNoopOverlay(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	prepare := wsgateway.Payload{Op: wsgateway.OPDAVEPrepareTransition}
	if err := sup.dispatch(context.Background(), nil, prepare, false); err != nil {
		t.Fatalf("dispatch(DAVE prepare) failed: %v", err)
	}

	execute := wsgateway.Payload{Op: wsgateway.OPDAVEExecuteTransition}
	if err := sup.dispatch(context.Background(), nil, execute, false); err != nil {
		t.Fatalf("dispatch(DAVE execute) failed: %v", err)
	}
}

func TestDispatchHeartbeatACKWithoutEngineIsSafe(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	data, _ := json.Marshal(wsgateway.HeartbeatACKData{T: 1, SeqAck: 2})
	payload := wsgateway.Payload{Op: wsgateway.OPHeartbeatACK, Data: data}

	if err := sup.dispatch(context.Background(), nil, payload, false); err != nil {
		t.Fatalf("dispatch(HEARTBEAT_ACK) without a running engine = %v, want nil", err)
	}
}

func TestDispatchResumedReachesReadyAndResolvesJoin(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	waiter := make(chan error, 1)
	sup.mu.Lock()
	sup.readyWaiters = append(sup.readyWaiters, waiter)
	sup.mu.Unlock()

	if err := sup.dispatch(context.Background(), nil, wsgateway.Payload{Op: wsgateway.OPResumed}, true); err != nil {
		t.Fatalf("dispatch(RESUMED) failed: %v", err)
	}

	if !sup.Session().Ready() {
		t.Fatal("expected Ready after RESUMED")
	}

	select {
	case err := <-waiter:
		if err != nil {
			t.Fatalf("expected nil from resolved waiter, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved after RESUMED")
	}
}

func TestDispatchUnknownOpcodeIsIgnored(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	if err := sup.dispatch(context.Background(), nil, wsgateway.Payload{Op: wsgateway.OPCode(999)}, false); err != nil {
		t.Fatalf("dispatch(unknown opcode) = %v, want nil", err)
	}
}

func TestDroppedPacketsStartsAtZero(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	if sup.DroppedPackets() != 0 {
		t.Fatalf("DroppedPackets() = %d, want 0", sup.DroppedPackets())
	}
}

func TestSupervisorCloseIsIdempotentAndClearsKeyMaterial(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)

	sup.session.SetSessionDescription(rtp.ModeXSalsa20Poly1305, [32]byte{1, 2, 3})

	if err := sup.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if _, ok := sup.Session().SecretKey(); ok {
		t.Fatal("expected key material cleared on Close")
	}
	if sup.Session().State() != StateClosed {
		t.Fatalf("state = %v, want StateClosed", sup.Session().State())
	}

	if err := sup.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestCheckNonceExhaustionForceClosesSession(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	sub := &recordingSubscriber{}
	sup.Bus().Subscribe(sub)

	wrapped := errors.Wrap(rtp.ErrNonceExhausted, "failed to encode voice packet")
	if err := sup.checkNonceExhaustion(wrapped); err != wrapped {
		t.Fatalf("checkNonceExhaustion should return its input error unchanged, got %v", err)
	}

	if sup.Session().State() != StateClosed {
		t.Fatalf("state = %v, want StateClosed after nonce exhaustion", sup.Session().State())
	}

	if len(sub.stateChanges) == 0 {
		t.Fatal("expected a connection state change to StateClosed")
	}
}

func TestCheckNonceExhaustionIgnoresOtherErrors(t *testing.T) {
	sup := NewSupervisor(1, 2, 3)
	defer sup.Close()

	other := errors.New("some other write failure")
	if err := sup.checkNonceExhaustion(other); err != other {
		t.Fatalf("expected the original error back, got %v", err)
	}

	if sup.Session().State() == StateClosed {
		t.Fatal("an unrelated write error should not force-close the session")
	}
}
