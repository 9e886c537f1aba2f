package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jfarrow/channelchat/internal/chat"
	"github.com/jfarrow/channelchat/internal/config"
	"github.com/jfarrow/channelchat/internal/database"
	"github.com/jfarrow/channelchat/internal/fanout"
	"github.com/jfarrow/channelchat/internal/identity"
	"github.com/jfarrow/channelchat/internal/presence"
	"github.com/jfarrow/channelchat/internal/stats"
	"github.com/jfarrow/channelchat/internal/testutil"
	"github.com/jfarrow/channelchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeTransport records presence writes; the heartbeat goroutine writes
// concurrently with test assertions, so access is locked.
type fakeTransport struct {
	mu     sync.Mutex
	online map[string]time.Time
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{online: make(map[string]time.Time)}
}

func (f *fakeTransport) key(userId, channel string) string {
	return channel + "/" + userId
}

func (f *fakeTransport) Upsert(_ context.Context, userId, channel string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[f.key(userId, channel)] = at
	return nil
}

func (f *fakeTransport) MarkOffline(_ context.Context, userId, channel string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.online, f.key(userId, channel))
	return nil
}

func (f *fakeTransport) Online(_ context.Context, channel string, cutoff time.Time) ([]types.PresenceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entries []types.PresenceEntry
	for key, last := range f.online {
		if last.Before(cutoff) {
			continue
		}
		entries = append(entries, types.PresenceEntry{UserId: key, IsOnline: true, LastSeen: last})
	}
	return entries, nil
}

func (f *fakeTransport) isOnline(userId, channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.online[f.key(userId, channel)]
	return ok
}

type fixture struct {
	repo      *database.MockChatRepository
	transport *fakeTransport
	bus       *fanout.Bus
	store     *chat.Store
	manager   *Manager
}

func newFixture(t *testing.T, echo bool) *fixture {
	channels := []config.Channel{{Name: "general"}}
	logger := testutil.TestLogger(t)

	repo := &database.MockChatRepository{}
	transport := newFakeTransport()
	bus := fanout.NewBus()

	store := chat.NewStore(logger, repo, bus, stats.NoopStats{}, channels)
	reconciler := presence.NewReconciler(logger, transport, bus, stats.NoopStats{}, time.Minute)
	manager := NewManager(logger, store, reconciler, bus, time.Hour, echo)

	return &fixture{repo: repo, transport: transport, bus: bus, store: store, manager: manager}
}

var alice = identity.Identity{Id: "u1", Username: "alice"}
var bob = identity.Identity{Id: "u2", Username: "bob"}

func (f *fixture) expectChannel() {
	f.repo.On("GetChannelByName", mock.Anything, "general").Return(database.Channel{Id: 1, Name: "general"}, nil)
}

func (f *fixture) expectHistory(messages []database.Message) {
	f.repo.On("GetMessages", mock.Anything, 1, 100).Return(messages, nil).Once()
}

func TestSessionMount(t *testing.T) {
	f := newFixture(t, false)
	f.expectChannel()
	f.expectHistory([]database.Message{
		{Id: 1, ChannelId: 1, UserId: "u2", Content: "hi", Username: "bob"},
	})

	s, err := f.manager.Open(context.Background(), alice, "general")
	require.NoError(t, err)
	defer s.Unmount()

	messages := s.Messages()
	require.Len(t, messages, 1, "expected history seeded into the view")
	assert.Equal(t, "hi", messages[0].Content)

	assert.True(t, f.transport.isOnline("u1", "general"), "expected mount to join presence")
}

func TestSessionPublish_dedup(t *testing.T) {
	// Echo enabled: the fan-out delivers the publisher's own message
	// back, and the reducer must still apply it once.
	f := newFixture(t, true)
	f.expectChannel()
	f.expectHistory(nil)
	f.repo.On("CreateMessage", mock.Anything, mock.Anything).Return(
		database.Message{Id: 5, ChannelId: 1, UserId: "u1", Content: "hello", Username: "alice"}, nil).Once()

	s, err := f.manager.Open(context.Background(), alice, "general")
	require.NoError(t, err)
	defer s.Unmount()

	msg, err := s.Publish(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 5, msg.Id)

	// The optimistic apply is synchronous; the echo arrives via the
	// consumer goroutine. Either way the count settles at one.
	assert.Never(t, func() bool {
		return len(s.Messages()) != 1
	}, 200*time.Millisecond, 20*time.Millisecond, "expected exactly one copy of the published message")
}

func TestSession_receivesOtherPublisher(t *testing.T) {
	f := newFixture(t, false)
	f.expectChannel()
	f.expectHistory(nil)
	f.repo.On("CreateMessage", mock.Anything, mock.Anything).Return(
		database.Message{Id: 9, ChannelId: 1, UserId: "u2", Content: "yo", Username: "bob"}, nil).Once()

	s, err := f.manager.Open(context.Background(), alice, "general")
	require.NoError(t, err)
	defer s.Unmount()

	// Another user publishes through the store directly, as a second
	// server-side session would.
	_, err = f.store.Append(context.Background(), bob, "general", "yo", "other-session")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		messages := s.Messages()
		return len(messages) == 1 && messages[0].User.Username == "bob"
	}, time.Second, 10*time.Millisecond, "expected the other user's message to arrive")
}

func TestSession_membersFollowPresenceEvents(t *testing.T) {
	f := newFixture(t, false)
	f.expectChannel()
	f.expectHistory(nil)

	s, err := f.manager.Open(context.Background(), alice, "general")
	require.NoError(t, err)
	defer s.Unmount()

	reconciler := presence.NewReconciler(testutil.TestLogger(t), f.transport, f.bus, stats.NoopStats{}, time.Minute)
	require.NoError(t, reconciler.Join(context.Background(), types.User{Id: "u2", Username: "bob"}, "general"))

	assert.Eventually(t, func() bool {
		for _, m := range s.Members() {
			if m.Id == "u2" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "expected the enter event to add the member")

	require.NoError(t, reconciler.Leave(context.Background(), types.User{Id: "u2"}, "general"))

	assert.Eventually(t, func() bool {
		for _, m := range s.Members() {
			if m.Id == "u2" {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond, "expected the leave event to remove the member")
}

func TestSessionUnmount(t *testing.T) {
	f := newFixture(t, false)
	f.expectChannel()
	f.expectHistory(nil)

	s, err := f.manager.Open(context.Background(), alice, "general")
	require.NoError(t, err)
	require.True(t, f.transport.isOnline("u1", "general"))

	s.Unmount()
	assert.False(t, f.transport.isOnline("u1", "general"), "expected unmount to leave presence")

	// Safe to call again.
	s.Unmount()
}

func TestSessionUnmount_concurrent(t *testing.T) {
	f := newFixture(t, false)
	f.expectChannel()
	f.expectHistory(nil)

	s, err := f.manager.Open(context.Background(), alice, "general")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Unmount()
		}()
	}
	wg.Wait()

	assert.False(t, f.transport.isOnline("u1", "general"), "expected exactly one teardown to leave presence")
}

func TestSessionUnmount_racesMount(t *testing.T) {
	// Whichever of Mount and Unmount wins the race, the session must end
	// up torn down: either the mount is refused, or it completes and the
	// unmount waits for it and leaves presence.
	f := newFixture(t, false)
	f.expectChannel()
	f.repo.On("GetMessages", mock.Anything, 1, 100).Return([]database.Message(nil), nil)

	reconciler := presence.NewReconciler(testutil.TestLogger(t), f.transport, f.bus, stats.NoopStats{}, time.Minute)
	s := NewSession(testutil.TestLogger(t), f.store, reconciler, f.bus, alice, "general", time.Hour, false)

	mountDone := make(chan struct{})
	go func() {
		defer close(mountDone)
		_ = s.Mount(context.Background())
	}()
	s.Unmount()
	<-mountDone
	s.Unmount()

	assert.False(t, f.transport.isOnline("u1", "general"))
}

func TestManager_channelSwitch(t *testing.T) {
	channels := []config.Channel{{Name: "general"}, {Name: "random"}}
	logger := testutil.TestLogger(t)

	repo := &database.MockChatRepository{}
	transport := newFakeTransport()
	bus := fanout.NewBus()
	store := chat.NewStore(logger, repo, bus, stats.NoopStats{}, channels)
	reconciler := presence.NewReconciler(logger, transport, bus, stats.NoopStats{}, time.Minute)
	manager := NewManager(logger, store, reconciler, bus, time.Hour, false)

	repo.On("GetChannelByName", mock.Anything, "general").Return(database.Channel{Id: 1, Name: "general"}, nil)
	repo.On("GetChannelByName", mock.Anything, "random").Return(database.Channel{Id: 2, Name: "random"}, nil)
	repo.On("GetMessages", mock.Anything, 1, 100).Return([]database.Message(nil), nil).Once()
	repo.On("GetMessages", mock.Anything, 2, 100).Return([]database.Message(nil), nil).Once()

	_, err := manager.Open(context.Background(), alice, "general")
	require.NoError(t, err)
	require.True(t, transport.isOnline("u1", "general"))

	// Switching is unmount-then-mount, never both channels at once.
	_, err = manager.Open(context.Background(), alice, "random")
	require.NoError(t, err)
	assert.False(t, transport.isOnline("u1", "general"), "expected the old channel to be left")
	assert.True(t, transport.isOnline("u1", "random"))

	manager.Close()
	assert.False(t, transport.isOnline("u1", "random"))
}

func TestManager_closeIf(t *testing.T) {
	f := newFixture(t, false)
	f.expectChannel()
	f.expectHistory(nil)

	_, err := f.manager.Open(context.Background(), alice, "general")
	require.NoError(t, err)
	require.True(t, f.transport.isOnline("u1", "general"))

	f.manager.CloseIf("random")
	assert.True(t, f.transport.isOnline("u1", "general"), "expected closing another channel to be a no-op")

	f.manager.CloseIf("general")
	assert.False(t, f.transport.isOnline("u1", "general"))
}
