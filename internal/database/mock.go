package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) UpsertUser(ctx context.Context, params UpsertUserParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetUserById(ctx context.Context, id string) (User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetChannelByName(ctx context.Context, name string) (Channel, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockChatRepository) EnsureChannel(ctx context.Context, name string) (Channel, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockChatRepository) ListChannels(ctx context.Context) ([]Channel, error) {
	args := m.Called(ctx)
	return args.Get(0).([]Channel), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, channelId, limit int) ([]Message, error) {
	args := m.Called(ctx, channelId, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) DeleteMessage(ctx context.Context, messageId, channelId int) error {
	args := m.Called(ctx, messageId, channelId)
	return args.Error(0)
}
func (m *MockChatRepository) UpsertPresence(ctx context.Context, userId, channelName string, at time.Time) error {
	args := m.Called(ctx, userId, channelName, at)
	return args.Error(0)
}
func (m *MockChatRepository) MarkPresenceOffline(ctx context.Context, userId, channelName string, at time.Time) error {
	args := m.Called(ctx, userId, channelName, at)
	return args.Error(0)
}
func (m *MockChatRepository) SweepStalePresence(ctx context.Context, channelName string, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, channelName, cutoff)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockChatRepository) ListOnlinePresence(ctx context.Context, channelName string) ([]PresenceRow, error) {
	args := m.Called(ctx, channelName)
	return args.Get(0).([]PresenceRow), args.Error(1)
}
