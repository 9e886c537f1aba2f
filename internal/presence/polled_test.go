package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jfarrow/channelchat/internal/database"
	"github.com/jfarrow/channelchat/internal/stats"
	"github.com/jfarrow/channelchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPolledTransport_online(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	defer mockRepo.AssertExpectations(t)

	st := &stats.MockStatsProvider{}
	defer st.AssertExpectations(t)

	transport := NewPolledTransport(testutil.TestLogger(t), mockRepo, st)

	cutoff := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lastSeen := cutoff.Add(10 * time.Second)

	// Stale rows are swept to offline before the read.
	mockRepo.On("SweepStalePresence", mock.Anything, "general", cutoff).Return(int64(2), nil).Once()
	st.On("Incr", stats.MetricStaleSweeps).Once()
	mockRepo.On("ListOnlinePresence", mock.Anything, "general").Return([]database.PresenceRow{
		{UserId: "u1", ChannelName: "general", IsOnline: true, LastSeen: lastSeen, Username: "alice", AvatarUrl: "https://example.com/a.png"},
	}, nil).Once()

	entries, err := transport.Online(context.Background(), "general", cutoff)
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].UserId)
	assert.True(t, entries[0].IsOnline)
	assert.Equal(t, lastSeen, entries[0].LastSeen)
	assert.Equal(t, "alice", entries[0].User.Username)
}

func TestPolledTransport_onlineNoSweep(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	defer mockRepo.AssertExpectations(t)

	st := &stats.MockStatsProvider{}
	defer st.AssertExpectations(t)

	transport := NewPolledTransport(testutil.TestLogger(t), mockRepo, st)

	cutoff := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Nothing swept, no metric.
	mockRepo.On("SweepStalePresence", mock.Anything, "general", cutoff).Return(int64(0), nil).Once()
	mockRepo.On("ListOnlinePresence", mock.Anything, "general").Return([]database.PresenceRow{}, nil).Once()

	entries, err := transport.Online(context.Background(), "general", cutoff)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPolledTransport_sweepError(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	defer mockRepo.AssertExpectations(t)

	transport := NewPolledTransport(testutil.TestLogger(t), mockRepo, stats.NoopStats{})

	cutoff := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mockRepo.On("SweepStalePresence", mock.Anything, "general", cutoff).Return(int64(0), errors.New("db error")).Once()

	_, err := transport.Online(context.Background(), "general", cutoff)
	assert.Error(t, err)
}

func TestPolledTransport_writes(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	defer mockRepo.AssertExpectations(t)

	transport := NewPolledTransport(testutil.TestLogger(t), mockRepo, stats.NoopStats{})

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mockRepo.On("UpsertPresence", mock.Anything, "u1", "general", at).Return(nil).Once()
	mockRepo.On("MarkPresenceOffline", mock.Anything, "u1", "general", at).Return(nil).Once()

	require.NoError(t, transport.Upsert(context.Background(), "u1", "general", at))
	require.NoError(t, transport.MarkOffline(context.Background(), "u1", "general", at))
}
