package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jfarrow/channelchat/internal/chat"
	"github.com/jfarrow/channelchat/internal/fanout"
	"github.com/jfarrow/channelchat/internal/identity"
	"github.com/jfarrow/channelchat/internal/presence"
)

// Manager swaps sessions on channel switches: switching is always an
// unmount of the old channel followed by a mount of the new one.
type Manager struct {
	log        *log.Logger
	store      *chat.Store
	reconciler *presence.Reconciler
	fanout     fanout.Fanout
	heartbeat  time.Duration
	echo       bool

	mu      sync.Mutex
	current *Session
}

func NewManager(logger *log.Logger, store *chat.Store, reconciler *presence.Reconciler, f fanout.Fanout, heartbeat time.Duration, echo bool) *Manager {
	return &Manager{
		log:        logger,
		store:      store,
		reconciler: reconciler,
		fanout:     f,
		heartbeat:  heartbeat,
		echo:       echo,
	}
}

// Open mounts a session for the channel, unmounting any current one
// first. On mount failure no session is active and the caller may
// retry.
func (m *Manager) Open(ctx context.Context, caller identity.Identity, channel string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.Unmount()
		m.current = nil
	}

	s := NewSession(m.log, m.store, m.reconciler, m.fanout, caller, channel, m.heartbeat, m.echo)
	if err := s.Mount(ctx); err != nil {
		return nil, err
	}

	m.current = s
	return s, nil
}

// Close unmounts the active session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.Unmount()
		m.current = nil
	}
}

// CloseIf unmounts the active session only when it is mounted on the
// given channel; closing a channel that is not the active view is a
// no-op.
func (m *Manager) CloseIf(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Channel() == channel {
		m.current.Unmount()
		m.current = nil
	}
}
