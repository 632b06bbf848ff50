package voicecore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// CantJoinMoreThanOneChannelError is returned by Manager.Join when a
// session already exists for the given guild.
type CantJoinMoreThanOneChannelError struct {
	GuildID GuildID
}

func (e *CantJoinMoreThanOneChannelError) Error() string {
	return "voicecore: a session already exists for guild " + e.GuildID.String()
}

// Manager is a process-wide directory of one SessionSupervisor per guild,
// enforcing the "at most one Session per guild_id" invariant and fanning
// Close out across all of them on shutdown. Grounded on this module's
// teacher's old voice.Voice type (a map[discord.GuildID]*Session plus
// JoinChannel/RemoveSession/Close), generalized to hand back the new
// SessionSupervisor type instead of a reflect-driven Session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[GuildID]*SessionSupervisor

	// NewSupervisor is called to construct each guild's supervisor; tests
	// may override it to inject supervisor options. Defaults to
	// NewSupervisor.
	NewSupervisor func(guildID GuildID, channelID ChannelID, userID UserID) *SessionSupervisor
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions:      make(map[GuildID]*SessionSupervisor),
		NewSupervisor: NewSupervisor,
	}
}

// Join creates and registers a SessionSupervisor for the given guild, if
// one doesn't already exist. It does not start it: callers feed it
// HandleVoiceStateUpdate/HandleVoiceServerUpdate from the external
// gateway and then call Start.
func (m *Manager) Join(guildID GuildID, channelID ChannelID, userID UserID) (*SessionSupervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[guildID]; exists {
		return nil, &CantJoinMoreThanOneChannelError{GuildID: guildID}
	}

	sup := m.NewSupervisor(guildID, channelID, userID)
	m.sessions[guildID] = sup
	return sup, nil
}

// Session looks up the supervisor for a guild, if any.
func (m *Manager) Session(guildID GuildID) (*SessionSupervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.sessions[guildID]
	return sup, ok
}

// Leave closes and forgets the session for a guild.
func (m *Manager) Leave(guildID GuildID) error {
	m.mu.Lock()
	sup, ok := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return sup.Close()
}

// Close tears down every tracked session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[GuildID]*SessionSupervisor)
	m.mu.Unlock()

	var firstErr error
	for _, sup := range sessions {
		if err := sup.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "failed to close session")
		}
	}
	return firstErr
}
