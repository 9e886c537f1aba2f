// Package chat owns the durable per-channel message log.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jfarrow/channelchat/internal/config"
	"github.com/jfarrow/channelchat/internal/database"
	"github.com/jfarrow/channelchat/internal/fanout"
	"github.com/jfarrow/channelchat/internal/identity"
	"github.com/jfarrow/channelchat/internal/stats"
	"github.com/jfarrow/channelchat/internal/types"
)

const defaultHistoryLimit = 100

type Store struct {
	log      *log.Logger
	repo     database.ChatRepository
	fanout   fanout.Fanout
	stats    stats.StatsProvider
	channels []config.Channel
}

func NewStore(logger *log.Logger, repo database.ChatRepository, f fanout.Fanout, st stats.StatsProvider, channels []config.Channel) *Store {
	return &Store{
		log:      logger,
		repo:     repo,
		fanout:   f,
		stats:    st,
		channels: channels,
	}
}

func (s *Store) channelConfig(name string) (config.Channel, bool) {
	for _, ch := range s.channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return config.Channel{}, false
}

func (s *Store) resolveChannel(ctx context.Context, name string) (database.Channel, config.Channel, error) {
	cfg, ok := s.channelConfig(name)
	if !ok {
		return database.Channel{}, config.Channel{}, ErrChannelNotFound
	}

	channel, err := s.repo.GetChannelByName(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Channel{}, config.Channel{}, ErrChannelNotFound
		}
		return database.Channel{}, config.Channel{}, fmt.Errorf("get channel %q: %w", name, err)
	}

	return channel, cfg, nil
}

// History returns the most recent non-deleted messages for a channel in
// ascending creation order, author fields resolved.
func (s *Store) History(ctx context.Context, channelName string, limit int) ([]types.Message, error) {
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}

	channel, _, err := s.resolveChannel(ctx, channelName)
	if err != nil {
		return nil, err
	}

	dbMessages, err := s.repo.GetMessages(ctx, channel.Id, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages for %q: %w", channelName, err)
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, messageFromRow(channelName, msg))
	}

	return messages, nil
}

// Append persists a message and broadcasts it on the fan-out. The
// sessionId tags the event's origin so the publisher's own echo can be
// suppressed; the caller applies the returned message locally without
// waiting for the echo.
func (s *Store) Append(ctx context.Context, author identity.Identity, channelName, content, sessionId string) (types.Message, error) {
	if strings.TrimSpace(content) == "" {
		return types.Message{}, fmt.Errorf("%w: message content is empty", ErrValidation)
	}

	channel, cfg, err := s.resolveChannel(ctx, channelName)
	if err != nil {
		return types.Message{}, err
	}

	if cfg.ReadOnly && !author.IsModerator {
		return types.Message{}, fmt.Errorf("%w: only moderators can post in %q", ErrForbidden, channelName)
	}

	dbMsg, err := s.repo.CreateMessage(ctx, database.CreateMessageParams{
		ChannelId: channel.Id,
		UserId:    author.Id,
		Content:   content,
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("create message in %q: %w", channelName, err)
	}
	s.stats.Incr(stats.MetricMessagesPublished)

	msg := messageFromRow(channelName, dbMsg)

	if err := s.fanout.Publish(ctx, fanout.Event{
		Kind:     fanout.EventMessage,
		Channel:  channelName,
		ClientId: sessionId,
		Message:  &msg,
	}); err != nil {
		// The row is committed; subscribers that miss the event pick it
		// up on their next history load.
		s.log.Printf("chat: publish message %d to fan-out: %v", msg.Id, err)
	}

	return msg, nil
}

// Delete soft-deletes a message. Moderators only; the row keeps its
// place in the log but disappears from History.
func (s *Store) Delete(ctx context.Context, caller identity.Identity, channelName string, messageId int) error {
	if !caller.IsModerator {
		return fmt.Errorf("%w: only moderators can delete messages", ErrForbidden)
	}

	channel, _, err := s.resolveChannel(ctx, channelName)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteMessage(ctx, messageId, channel.Id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: message %d in %q", ErrMessageNotFound, messageId, channelName)
		}
		return fmt.Errorf("delete message %d in %q: %w", messageId, channelName, err)
	}

	return nil
}

func messageFromRow(channelName string, msg database.Message) types.Message {
	return types.Message{
		Id:        msg.Id,
		Channel:   channelName,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		User: types.User{
			Id:        msg.UserId,
			Username:  msg.Username,
			AvatarUrl: msg.AvatarUrl,
		},
	}
}
