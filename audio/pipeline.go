package audio

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kordivox/voicecore/internal/atomix"
)

// stopSpeakingTimeout bounds the silence burst and flags-off send that run
// when Transmit ends, using a context independent of the caller's (which
// may already be canceled, e.g. on Stop or a canceled Transmit ctx).
const stopSpeakingTimeout = 2 * time.Second

// SilenceFrame is the 3-byte Opus silence frame the voice protocol expects
// before dropping the speaking flag, sent 5 times in a row. Grounded
// verbatim on this module's teacher's old voice/op.go StopSpeaking burst.
var SilenceFrame = [3]byte{0xF8, 0xFF, 0xFE}

// SilenceFrameBurst is how many silence frames precede a speaking-flags-off
// send.
const SilenceFrameBurst = 5

// MaxGain/MinGain bound the int16 volume multiplier applied to decoded PCM
// before it's handed to a mixer; clamped to stay within signed 16-bit PCM
// range.
const (
	MinGain = 0.0
	MaxGain = 2.0
)

// Sender writes a single already-Opus-encoded frame to the transport.
type Sender interface {
	Write(ctx context.Context, plaintext []byte) error
}

// SpeakingNotifier tells the gateway the current speaking flag state.
type SpeakingNotifier interface {
	SetSpeaking(ctx context.Context, speaking bool) error
}

// Pipeline drives the transmit path (PCM in -> encoder subprocess -> Opus
// out -> Sender) and owns the speaking-state transitions around it. A
// single Pipeline handles one direction of one user's audio at a time;
// receive-side per-user decode is driven by mux.ReceiveMux calling into a
// per-user Pipeline's Feed method instead.
type Pipeline struct {
	encoder *Subprocess
	decoder *Subprocess

	sender   Sender
	notifier SpeakingNotifier

	playing       atomix.Bool
	closed        atomix.Bool
	paused        atomix.Bool
	stopRequested atomix.Bool

	gain float32

	mu   sync.Mutex
	wake chan struct{} // buffered(1); non-nil only while Transmit runs
}

// NewPipeline builds a Pipeline around an already-started encoder and/or
// decoder subprocess.
func NewPipeline(encoder, decoder *Subprocess, sender Sender, notifier SpeakingNotifier) *Pipeline {
	return &Pipeline{
		encoder:  encoder,
		decoder:  decoder,
		sender:   sender,
		notifier: notifier,
		gain:     1.0,
	}
}

// SetGain clamps and applies a linear gain multiplier to subsequently
// decoded PCM. Values outside [MinGain, MaxGain] are clamped rather than
// rejected.
func (p *Pipeline) SetGain(gain float32) {
	if gain < MinGain {
		gain = MinGain
	}
	if gain > MaxGain {
		gain = MaxGain
	}
	p.mu.Lock()
	p.gain = gain
	p.mu.Unlock()
}

// Transmit streams PCM from src through the encoder subprocess and out to
// the Sender, announcing speaking-on first and speaking-off (after the
// silence burst) when src is exhausted, ctx is canceled, or Stop is
// called. Only one Transmit may run at a time. While paused (see Pause),
// Transmit stops sending frames but neither sends the silence burst nor
// flips the speaking flag off; Resume picks back up where it left off.
func (p *Pipeline) Transmit(ctx context.Context, src io.Reader) error {
	if !p.playing.CompareAndSwap(false, true) {
		return &AlreadyPlayingError{}
	}
	defer p.playing.Set(false)

	if p.encoder == nil {
		return errors.New("audio: transmit requires an encoder subprocess")
	}

	p.paused.Set(false)
	p.stopRequested.Set(false)
	wake := make(chan struct{}, 1)
	p.mu.Lock()
	p.wake = wake
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.wake = nil
		p.mu.Unlock()
	}()

	if p.notifier != nil {
		if err := p.notifier.SetSpeaking(ctx, true); err != nil {
			return errors.Wrap(err, "failed to announce speaking")
		}
	}
	defer p.stopSpeaking()

	go func() {
		_, _ = io.Copy(p.encoder, src)
		p.encoder.stdin.Close()
	}()

	buf := make([]byte, 4000)
	for {
		for p.paused.Get() && !p.stopRequested.Get() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if p.stopRequested.Get() {
			return nil
		}

		n, err := p.encoder.Read(buf)
		if n > 0 {
			if sendErr := p.sender.Write(ctx, buf[:n]); sendErr != nil {
				return errors.Wrap(sendErr, "failed to send encoded frame")
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "failed to read encoded frame")
		}
	}
}

// Pause stops the in-progress Transmit from sending further encoded
// frames, without sending the silence burst or flipping the speaking flag
// off. A no-op if no Transmit is running.
func (p *Pipeline) Pause() {
	p.paused.Set(true)
	p.wakeTransmit()
}

// Resume undoes Pause, letting Transmit continue sending frames from
// where it left off. A no-op if no Transmit is running.
func (p *Pipeline) Resume() {
	p.paused.Set(false)
	p.wakeTransmit()
}

// Stop ends the in-progress Transmit, if any, which still runs the
// deferred silence burst and speaking-off per stopSpeaking. A no-op if no
// Transmit is running.
func (p *Pipeline) Stop() {
	p.stopRequested.Set(true)
	p.wakeTransmit()
}

func (p *Pipeline) wakeTransmit() {
	p.mu.Lock()
	wake := p.wake
	p.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// stopSpeaking runs on its own bounded context rather than Transmit's,
// since Transmit's ctx may already be canceled or Stop-triggered by the
// time this runs, and the silence burst/flags-off must still go out.
func (p *Pipeline) stopSpeaking() {
	ctx, cancel := context.WithTimeout(context.Background(), stopSpeakingTimeout)
	defer cancel()

	for i := 0; i < SilenceFrameBurst; i++ {
		_ = p.sender.Write(ctx, SilenceFrame[:])
	}
	if p.notifier != nil {
		_ = p.notifier.SetSpeaking(ctx, false)
	}
}

// AlreadyPlayingError is returned by Transmit when another transmit is
// already in progress.
type AlreadyPlayingError struct{}

func (e *AlreadyPlayingError) Error() string {
	return "audio: pipeline is already playing"
}

// Feed hands a decoded Opus payload to the decoder subprocess and returns
// the resulting PCM, applying the current gain.
func (p *Pipeline) Feed(opus []byte) ([]byte, error) {
	if p.decoder == nil {
		return nil, errors.New("audio: feed requires a decoder subprocess")
	}

	if _, err := p.decoder.Write(opus); err != nil {
		return nil, errors.Wrap(err, "failed to write to decoder")
	}

	pcm := make([]byte, 0, 3840)
	buf := make([]byte, 3840)
	n, err := p.decoder.Read(buf)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to read from decoder")
	}
	pcm = append(pcm, buf[:n]...)

	p.mu.Lock()
	gain := p.gain
	p.mu.Unlock()

	applyGainInt16LE(pcm, gain)

	return pcm, nil
}

// Close tears down both subprocesses.
func (p *Pipeline) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	if p.encoder != nil {
		if err := p.encoder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.decoder != nil {
		if err := p.decoder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// applyGainInt16LE scales little-endian signed-16 PCM samples in place,
// clamping to the int16 range to avoid wraparound distortion.
func applyGainInt16LE(pcm []byte, gain float32) {
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		scaled := float32(sample) * gain

		if scaled > 32767 {
			scaled = 32767
		}
		if scaled < -32768 {
			scaled = -32768
		}

		out := int16(scaled)
		pcm[i] = byte(out)
		pcm[i+1] = byte(out >> 8)
	}
}
