package udp

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/kordivox/voicecore/rtp"
)

// ErrManagerClosed is returned when a closed Manager is dialed, written to,
// or read from.
var ErrManagerClosed = errors.New("udp: manager is closed")

// ErrDialWhileUnpaused is returned if Dial is called without pausing first.
var ErrDialWhileUnpaused = errors.New("udp: dial called while manager is not paused")

type pauseSignals struct {
	done chan struct{}
}

// Manager owns a single reconnectable Connection and carries callers across
// reconnects the way this module's teacher's udp.Manager does: callers
// keep calling Write/ReadPacket through the Manager, and those calls block
// (rather than error) while a reconnect is in flight.
type Manager struct {
	mu     sync.Mutex
	closed chan struct{}

	paused *pauseSignals
	conn   *Connection
}

// NewManager creates an empty, unpaused Manager.
func NewManager() *Manager {
	return &Manager{closed: make(chan struct{})}
}

// Pause closes the current connection (if any) and marks the manager as
// reconnecting; callers of Write/ReadPacket that find no connection block
// until Unpause or Close.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.paused == nil {
		m.paused = &pauseSignals{done: make(chan struct{})}
	}
}

// Dial dials a fresh Connection while paused. Must be called between Pause
// and Unpause.
func (m *Manager) Dial(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	m.mu.Lock()
	select {
	case <-m.closed:
		m.mu.Unlock()
		return nil, ErrManagerClosed
	default:
	}
	if m.paused == nil {
		m.mu.Unlock()
		return nil, ErrDialWhileUnpaused
	}
	m.mu.Unlock()

	conn, err := Dial(ctx, addr, ssrc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closed:
		conn.Close()
		return nil, ErrManagerClosed
	default:
	}

	m.conn = conn
	return conn, nil
}

// Unpause releases any callers blocked in Write/ReadPacket, whether or not
// Dial succeeded; if Dial never set m.conn, subsequent calls will simply
// fail with ErrManagerClosed-style errors from acquire.
func (m *Manager) Unpause() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused != nil {
		close(m.paused.done)
		m.paused = nil
	}
}

// Close tears down the current connection and permanently closes the
// manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closed:
	default:
		close(m.closed)
	}

	if m.paused != nil {
		close(m.paused.done)
		m.paused = nil
	}

	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}

// UseCodec installs the negotiated codec on the current connection.
func (m *Manager) UseCodec(codec rtp.Codec) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.UseCodec(codec)
	}
}

// Write writes to the current connection, blocking across reconnects.
func (m *Manager) Write(ctx context.Context, b []byte) error {
	return m.acquire(func(conn *Connection) error {
		return conn.Write(ctx, b)
	})
}

// ReadPacket reads from the current connection, blocking across
// reconnects.
func (m *Manager) ReadPacket() (h rtp.Header, ssrc uint32, opus []byte, err error) {
	err = m.acquire(func(conn *Connection) error {
		var e error
		h, ssrc, opus, e = conn.ReadPacket()
		return e
	})
	return
}

func (m *Manager) acquire(f func(conn *Connection) error) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	for {
		if conn != nil {
			err := f(conn)
			if err == nil {
				return nil
			}
			if !errors.Is(err, net.ErrClosed) {
				return err
			}
		}

		m.mu.Lock()
		if conn == nil && m.conn != nil {
			conn = m.conn
			m.mu.Unlock()
			continue
		}

		paused := m.paused
		closing := m.closed
		m.mu.Unlock()

		if paused == nil {
			return ErrManagerClosed
		}

		select {
		case <-closing:
			return ErrManagerClosed
		case <-paused.done:
			m.mu.Lock()
			conn = m.conn
			m.mu.Unlock()
		}
	}
}
