// Package presence turns raw join/heartbeat/leave signals plus
// wall-clock time into a consistent view of who is in which channel,
// independent of the transport reporting it.
package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jfarrow/channelchat/internal/fanout"
	"github.com/jfarrow/channelchat/internal/stats"
	"github.com/jfarrow/channelchat/internal/types"
)

// Transport is the storage-side contract behind the reconciler. Join
// and heartbeat are the same write; leave updates the row rather than
// deleting it, keeping a historical marker.
type Transport interface {
	Upsert(ctx context.Context, userId, channel string, at time.Time) error
	MarkOffline(ctx context.Context, userId, channel string, at time.Time) error
	// Online returns members whose last write is at or after cutoff,
	// most recently seen first.
	Online(ctx context.Context, channel string, cutoff time.Time) ([]types.PresenceEntry, error)
}

type Reconciler struct {
	log       *log.Logger
	transport Transport
	fanout    fanout.Fanout
	stats     stats.StatsProvider
	staleness time.Duration
	now       func() time.Time
}

func NewReconciler(logger *log.Logger, transport Transport, f fanout.Fanout, st stats.StatsProvider, staleness time.Duration) *Reconciler {
	return &Reconciler{
		log:       logger,
		transport: transport,
		fanout:    f,
		stats:     st,
		staleness: staleness,
		now:       time.Now,
	}
}

// Join marks the user online in the channel and announces them on the
// fan-out. Re-joining an already-online user only refreshes last-seen;
// subscribers dedup enter events by user id.
func (r *Reconciler) Join(ctx context.Context, user types.User, channel string) error {
	return r.record(ctx, user, channel, "join")
}

// Heartbeat is the same operation as Join. The distinct name is
// advisory metadata; it must never change behavior beyond logging.
func (r *Reconciler) Heartbeat(ctx context.Context, user types.User, channel string) error {
	return r.record(ctx, user, channel, "heartbeat")
}

func (r *Reconciler) record(ctx context.Context, user types.User, channel, action string) error {
	if err := r.touch(ctx, user.Id, channel, action); err != nil {
		return err
	}

	if err := r.fanout.Publish(ctx, fanout.Event{
		Kind:    fanout.EventEnter,
		Channel: channel,
		Member:  &user,
	}); err != nil {
		// Presence converges through polling; a lost event only delays
		// the update for subscribers.
		r.log.Printf("presence: publish enter for %q in %q (%s): %v", user.Id, channel, action, err)
	}

	return nil
}

func (r *Reconciler) touch(ctx context.Context, userId, channel, action string) error {
	if userId == "" || channel == "" {
		return fmt.Errorf("user id and channel are required")
	}

	if err := r.transport.Upsert(ctx, userId, channel, r.now().UTC()); err != nil {
		return fmt.Errorf("presence %s for %q in %q: %w", action, userId, channel, err)
	}

	r.stats.Incr(stats.MetricPresenceWrites)
	return nil
}

// Leave marks the user offline and announces the departure. Must be
// called on every exit path; a missed leave is eventually corrected by
// the staleness cutoff.
func (r *Reconciler) Leave(ctx context.Context, user types.User, channel string) error {
	if user.Id == "" || channel == "" {
		return fmt.Errorf("user id and channel are required")
	}

	if err := r.transport.MarkOffline(ctx, user.Id, channel, r.now().UTC()); err != nil {
		return fmt.Errorf("presence leave for %q in %q: %w", user.Id, channel, err)
	}
	r.stats.Incr(stats.MetricPresenceWrites)

	if err := r.fanout.Publish(ctx, fanout.Event{
		Kind:    fanout.EventLeave,
		Channel: channel,
		Member:  &user,
	}); err != nil {
		r.log.Printf("presence: publish leave for %q in %q: %v", user.Id, channel, err)
	}

	return nil
}

// OnlineUsers returns the effectively-online members of a channel: the
// stored flag alone is not authoritative, a row older than the
// staleness threshold is offline no matter what it says.
func (r *Reconciler) OnlineUsers(ctx context.Context, channel string) ([]types.PresenceEntry, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel is required")
	}

	cutoff := r.now().UTC().Add(-r.staleness)
	entries, err := r.transport.Online(ctx, channel, cutoff)
	if err != nil {
		return nil, fmt.Errorf("presence query for %q: %w", channel, err)
	}

	return entries, nil
}
