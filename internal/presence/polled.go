package presence

import (
	"context"
	"log"
	"time"

	"github.com/jfarrow/channelchat/internal/database"
	"github.com/jfarrow/channelchat/internal/stats"
	"github.com/jfarrow/channelchat/internal/types"
)

// PolledTransport persists presence in the user_presence table. Reads
// sweep stale rows to offline first, tightening the table eagerly, so
// the subsequent select only sees fresh rows.
type PolledTransport struct {
	log   *log.Logger
	repo  database.ChatRepository
	stats stats.StatsProvider
}

func NewPolledTransport(logger *log.Logger, repo database.ChatRepository, st stats.StatsProvider) *PolledTransport {
	return &PolledTransport{log: logger, repo: repo, stats: st}
}

func (t *PolledTransport) Upsert(ctx context.Context, userId, channel string, at time.Time) error {
	return t.repo.UpsertPresence(ctx, userId, channel, at)
}

func (t *PolledTransport) MarkOffline(ctx context.Context, userId, channel string, at time.Time) error {
	return t.repo.MarkPresenceOffline(ctx, userId, channel, at)
}

func (t *PolledTransport) Online(ctx context.Context, channel string, cutoff time.Time) ([]types.PresenceEntry, error) {
	swept, err := t.repo.SweepStalePresence(ctx, channel, cutoff)
	if err != nil {
		return nil, err
	}
	if swept > 0 {
		t.log.Printf("presence: swept %d stale rows in %q", swept, channel)
		t.stats.Incr(stats.MetricStaleSweeps)
	}

	rows, err := t.repo.ListOnlinePresence(ctx, channel)
	if err != nil {
		return nil, err
	}

	entries := make([]types.PresenceEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, types.PresenceEntry{
			UserId:   row.UserId,
			IsOnline: row.IsOnline,
			LastSeen: row.LastSeen,
			User: types.User{
				Id:        row.UserId,
				Username:  row.Username,
				AvatarUrl: row.AvatarUrl,
			},
		})
	}

	return entries, nil
}
