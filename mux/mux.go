// Package mux demultiplexes inbound RTP packets by SSRC into per-user
// streams. The voice server binds an SSRC to a user via SPEAKING events
// that may arrive after the first packets for that SSRC do, so packets for
// an unbound SSRC are held in a small bounded buffer rather than dropped
// outright.
package mux

import (
	"sync"
	"time"
)

// UnboundBufferSize caps how many pending packets per unknown SSRC are
// retained before the oldest is dropped.
const UnboundBufferSize = 32

// UnboundTTL is how long a packet may wait for its SSRC to be bound before
// it is evicted.
const UnboundTTL = 2 * time.Second

// Packet is a single decoded, decrypted voice frame awaiting delivery.
type Packet struct {
	SSRC     uint32
	Sequence uint16
	Opus     []byte
	arrived  time.Time
}

// UserID is a minimal string-typed identifier to keep this package
// decoupled from the root package's Snowflake-based UserID; the caller
// supplies whatever identity type it wants bound to an SSRC.
type UserID = string

type pending struct {
	packets []Packet
}

// ReceiveMux owns the SSRC<->UserID binding and the per-user dispatch of
// decoded packets.
type ReceiveMux struct {
	mu sync.Mutex

	ssrcToUser map[uint32]UserID
	userToSSRC map[UserID]uint32

	unbound map[uint32]*pending

	// Deliver is called for every packet whose SSRC is already bound. It
	// must not block for long, as it's called while holding no lock but on
	// the mux's single delivery path.
	Deliver func(user UserID, p Packet)
}

// New creates an empty ReceiveMux.
func New() *ReceiveMux {
	return &ReceiveMux{
		ssrcToUser: make(map[uint32]UserID),
		userToSSRC: make(map[UserID]uint32),
		unbound:    make(map[uint32]*pending),
	}
}

// Bind associates an SSRC with a user, e.g. on receipt of a SPEAKING event
// or CLIENT_CONNECT. Any packets buffered for that SSRC are flushed
// immediately, oldest first.
func (m *ReceiveMux) Bind(ssrc uint32, user UserID) {
	m.mu.Lock()

	if old, ok := m.userToSSRC[user]; ok && old != ssrc {
		delete(m.ssrcToUser, old)
	}
	m.ssrcToUser[ssrc] = user
	m.userToSSRC[user] = ssrc

	buffered := m.unbound[ssrc]
	delete(m.unbound, ssrc)

	deliver := m.Deliver
	m.mu.Unlock()

	if buffered != nil && deliver != nil {
		for _, p := range buffered.packets {
			deliver(user, p)
		}
	}
}

// Unbind removes a user's SSRC association, e.g. on CLIENT_DISCONNECT.
func (m *ReceiveMux) Unbind(user UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ssrc, ok := m.userToSSRC[user]; ok {
		delete(m.ssrcToUser, ssrc)
		delete(m.userToSSRC, user)
	}
}

// UserFor looks up the user bound to an SSRC.
func (m *ReceiveMux) UserFor(ssrc uint32) (UserID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.ssrcToUser[ssrc]
	return u, ok
}

// Route dispatches a decoded packet: if its SSRC is bound, Deliver is
// called immediately; otherwise the packet is buffered, drop-oldest, until
// Bind arrives or UnboundTTL elapses.
func (m *ReceiveMux) Route(ssrc uint32, seq uint16, opus []byte) {
	m.mu.Lock()

	user, bound := m.ssrcToUser[ssrc]
	if bound {
		deliver := m.Deliver
		m.mu.Unlock()
		if deliver != nil {
			deliver(user, Packet{SSRC: ssrc, Sequence: seq, Opus: opus, arrived: time.Now()})
		}
		return
	}

	buf, ok := m.unbound[ssrc]
	if !ok {
		buf = &pending{}
		m.unbound[ssrc] = buf
	}

	buf.packets = append(buf.packets, Packet{SSRC: ssrc, Sequence: seq, Opus: opus, arrived: time.Now()})
	if len(buf.packets) > UnboundBufferSize {
		buf.packets = buf.packets[1:]
	}

	m.mu.Unlock()
}

// EvictStale drops buffered packets older than UnboundTTL. Callers should
// invoke this periodically (e.g. alongside heartbeat pacing) to bound
// memory use from SSRCs that never get bound (e.g. a user who leaves
// immediately after connecting).
func (m *ReceiveMux) EvictStale(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ssrc, buf := range m.unbound {
		kept := buf.packets[:0]
		for _, p := range buf.packets {
			if now.Sub(p.arrived) <= UnboundTTL {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(m.unbound, ssrc)
		} else {
			buf.packets = kept
		}
	}
}
