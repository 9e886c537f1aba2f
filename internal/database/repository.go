package database

import (
	"context"
	"time"
)

type ChatRepository interface {
	Ping() error
	UpsertUser(ctx context.Context, params UpsertUserParams) (User, error)
	GetUserById(ctx context.Context, id string) (User, error)
	GetChannelByName(ctx context.Context, name string) (Channel, error)
	EnsureChannel(ctx context.Context, name string) (Channel, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessages(ctx context.Context, channelId, limit int) ([]Message, error)
	DeleteMessage(ctx context.Context, messageId, channelId int) error
	UpsertPresence(ctx context.Context, userId, channelName string, at time.Time) error
	MarkPresenceOffline(ctx context.Context, userId, channelName string, at time.Time) error
	SweepStalePresence(ctx context.Context, channelName string, cutoff time.Time) (int64, error)
	ListOnlinePresence(ctx context.Context, channelName string) ([]PresenceRow, error)
}
