package presence

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jfarrow/channelchat/internal/database"
	"github.com/jfarrow/channelchat/internal/types"
	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "presence:"

// RealtimeTransport keeps presence in a Redis sorted set per channel,
// scored by last-seen. Reads filter by score without mutating storage;
// a client that vanished without a leave simply ages out of the score
// window. User metadata is resolved from the repository.
type RealtimeTransport struct {
	log   *log.Logger
	redis *redis.Client
	repo  database.ChatRepository
}

func NewRealtimeTransport(logger *log.Logger, redisAddr string, repo database.ChatRepository) *RealtimeTransport {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	return &RealtimeTransport{log: logger, redis: rdb, repo: repo}
}

func presenceKey(channel string) string {
	return presenceKeyPrefix + channel
}

func (t *RealtimeTransport) Upsert(ctx context.Context, userId, channel string, at time.Time) error {
	return t.redis.ZAdd(ctx, presenceKey(channel), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: userId,
	}).Err()
}

func (t *RealtimeTransport) MarkOffline(ctx context.Context, userId, channel string, _ time.Time) error {
	return t.redis.ZRem(ctx, presenceKey(channel), userId).Err()
}

func (t *RealtimeTransport) Online(ctx context.Context, channel string, cutoff time.Time) ([]types.PresenceEntry, error) {
	members, err := t.redis.ZRevRangeByScoreWithScores(ctx, presenceKey(channel), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range presence set for %q: %w", channel, err)
	}

	entries := make([]types.PresenceEntry, 0, len(members))
	for _, member := range members {
		userId, ok := member.Member.(string)
		if !ok {
			continue
		}

		entry := types.PresenceEntry{
			UserId:   userId,
			IsOnline: true,
			LastSeen: time.UnixMilli(int64(member.Score)).UTC(),
		}

		user, err := t.repo.GetUserById(ctx, userId)
		if err != nil {
			// The presence row outlived the user lookup; keep the id so
			// the member is still counted.
			t.log.Printf("presence: resolve user %q: %v", userId, err)
			entry.User = types.User{Id: userId}
		} else {
			entry.User = types.User{
				Id:        user.Id,
				Username:  user.Username,
				AvatarUrl: user.AvatarUrl,
			}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (t *RealtimeTransport) Close() error {
	return t.redis.Close()
}
