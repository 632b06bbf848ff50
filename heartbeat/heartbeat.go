// Package heartbeat implements the voice gateway's heartbeat/ack pacing and
// dead-connection detection, grounded on this module's teacher's
// internal/heart.Pacemaker.
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrDead is returned from the engine's death channel when no ack arrived
// within twice the heartbeat interval.
var ErrDead = errors.New("heartbeat: no ack received, connection presumed dead")

// atomicTime is a thread-safe UnixNano timestamp, lifted as-is from the
// teacher's heart.AtomicTime.
type atomicTime struct{ unixnano int64 }

func (t *atomicTime) Get() int64        { return atomic.LoadInt64(&t.unixnano) }
func (t *atomicTime) Set(tm time.Time)  { atomic.StoreInt64(&t.unixnano, tm.UnixNano()) }

// Engine paces heartbeats at a fixed interval and tracks send/ack times to
// detect a dead connection, and additionally tracks the latency and
// seq_ack of the most recent round trip (generalizing the teacher's
// tick-only Pacemaker, which didn't need a per-beat payload).
type Engine struct {
	Interval time.Duration

	// Beat is called once per tick; it sends the heartbeat opcode and
	// returns the t value it sent. The engine does not use the returned t:
	// Ack takes only seq_ack, and latency is measured from the engine's own
	// send timestamp.
	Beat func(ctx context.Context) (t int64, err error)

	sentBeat atomicTime
	echoBeat atomicTime

	lastLatencyMS int64
	lastSeqAck    int64

	stop  chan struct{}
	once  sync.Once
	death chan error
}

// NewEngine creates an Engine with the given interval and beat function.
func NewEngine(interval time.Duration, beat func(context.Context) (int64, error)) *Engine {
	return &Engine{Interval: interval, Beat: beat}
}

// Ack records a heartbeat acknowledgement. Latency is computed from the
// time the engine recorded for the most recent Beat to the time of this
// call.
func (e *Engine) Ack(seqAck int64) {
	now := time.Now()
	e.echoBeat.Set(now)

	latency := now.UnixNano() - e.sentBeat.Get()
	if latency < 0 {
		latency = 0
	}
	atomic.StoreInt64(&e.lastLatencyMS, latency/int64(time.Millisecond))
	atomic.StoreInt64(&e.lastSeqAck, seqAck)
}

// LastObservation returns the latency (ms) and seq_ack of the most recent
// acknowledged heartbeat.
func (e *Engine) LastObservation() (latencyMS, seqAck int64) {
	return atomic.LoadInt64(&e.lastLatencyMS), atomic.LoadInt64(&e.lastSeqAck)
}

// Dead reports whether the gap between the last sent and last acked beat
// exceeds twice the interval.
func (e *Engine) Dead() bool {
	echo := e.echoBeat.Get()
	sent := e.sentBeat.Get()
	if echo == 0 || sent == 0 {
		return false
	}
	return sent-echo > int64(e.Interval)*2
}

func (e *Engine) run() error {
	e.echoBeat.Set(time.Time{})
	e.sentBeat.Set(time.Time{})
	// Prime the echo so Dead() doesn't immediately trip before the first ack.
	e.echoBeat.Set(time.Now())

	tick := time.NewTicker(e.Interval)
	defer tick.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), e.Interval)
		_, err := e.Beat(ctx)
		cancel()
		if err != nil {
			return errors.Wrap(err, "failed to send heartbeat")
		}

		e.sentBeat.Set(time.Now())

		if e.Dead() {
			return ErrDead
		}

		select {
		case <-e.stop:
			return nil
		case <-tick.C:
		}
	}
}

// StartAsync starts the engine's pacing loop in the background and returns a
// channel that receives exactly one value (nil on clean Stop, an error
// otherwise) when the loop exits.
func (e *Engine) StartAsync() <-chan error {
	e.death = make(chan error, 1)
	e.stop = make(chan struct{})
	e.once = sync.Once{}

	go func() {
		e.death <- e.run()
	}()

	return e.death
}

// Stop signals the pacing loop to exit. Safe to call multiple times or
// before StartAsync, and idempotent like the teacher's Pacemaker.Stop.
func (e *Engine) Stop() {
	e.once.Do(func() {
		if e.stop != nil {
			close(e.stop)
		}
	})
}
