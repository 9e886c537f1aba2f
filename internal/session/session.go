// Package session wires a mounted channel view: history load, presence
// join, heartbeating, fan-out consumption, and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jfarrow/channelchat/internal/chat"
	"github.com/jfarrow/channelchat/internal/fanout"
	"github.com/jfarrow/channelchat/internal/identity"
	"github.com/jfarrow/channelchat/internal/presence"
	"github.com/jfarrow/channelchat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	fetchTimeout   = 5 * time.Second
	eventQueueSize = 256
)

// Session is one user's view of one channel. A channel switch is a new
// Session, never a mutation of this one.
type Session struct {
	log        *log.Logger
	store      *chat.Store
	reconciler *presence.Reconciler
	fanout     fanout.Fanout
	caller     identity.Identity
	channel    string
	id         string
	heartbeat  time.Duration
	echo       bool

	// events is the single-consumer queue: every inbound fan-out event
	// is applied in arrival order by one goroutine, so view state is
	// never touched concurrently.
	events chan fanout.Event
	unsub  func()

	viewLock sync.RWMutex
	messages []types.Message
	seen     map[int]struct{}
	members  map[string]types.User

	stop         chan struct{}
	consumerDone chan struct{}
	hbDone       chan struct{}
	unmountOnce  sync.Once

	// stateLock serializes Mount and Unmount so an Unmount racing a
	// Mount in flight waits for it and tears down whatever it set up.
	stateLock sync.Mutex
	mounted   bool
}

func NewSession(logger *log.Logger, store *chat.Store, reconciler *presence.Reconciler, f fanout.Fanout, caller identity.Identity, channel string, heartbeat time.Duration, echo bool) *Session {
	sid, err := shortid.Generate()
	if err != nil {
		sid = fmt.Sprintf("%s-%d", caller.Id, time.Now().UnixNano())
	}

	return &Session{
		log:          logger,
		store:        store,
		reconciler:   reconciler,
		fanout:       f,
		caller:       caller,
		channel:      channel,
		id:           sid,
		heartbeat:    heartbeat,
		echo:         echo,
		events:       make(chan fanout.Event, eventQueueSize),
		seen:         make(map[int]struct{}),
		members:      make(map[string]types.User),
		stop:         make(chan struct{}),
		consumerDone: make(chan struct{}),
		hbDone:       make(chan struct{}),
	}
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) Channel() string {
	return s.channel
}

// Mount loads history, joins presence, and starts the heartbeat. A
// history failure aborts the mount and is returned for the caller to
// retry explicitly; an empty channel must mean genuinely empty.
func (s *Session) Mount(ctx context.Context) error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	select {
	case <-s.stop:
		return errors.New("session is closed")
	default:
	}

	historyCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	messages, err := s.store.History(historyCtx, s.channel, 0)
	if err != nil {
		return fmt.Errorf("load history for %q: %w", s.channel, err)
	}

	for _, msg := range messages {
		s.applyMessage(msg)
	}

	unsub, err := s.fanout.Subscribe(s.channel, s.enqueue)
	if err != nil {
		return fmt.Errorf("subscribe to %q: %w", s.channel, err)
	}
	s.unsub = unsub

	joinCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	if err := s.reconciler.Join(joinCtx, s.user(), s.channel); err != nil {
		s.unsub()
		return fmt.Errorf("join presence for %q: %w", s.channel, err)
	}

	go s.consume()
	go s.heartbeatLoop()
	s.mounted = true

	return nil
}

// Unmount tears the view down: stop the heartbeat and wait for any
// in-flight tick, unsubscribe, drain the queue, then send leave so the
// leave is ordered after the last heartbeat at the store. Safe to call
// more than once and on every exit path.
func (s *Session) Unmount() {
	s.unmountOnce.Do(func() {
		close(s.stop)

		s.stateLock.Lock()
		mounted := s.mounted
		s.stateLock.Unlock()
		if !mounted {
			return
		}

		<-s.hbDone

		s.unsub()
		<-s.consumerDone

		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if err := s.reconciler.Leave(ctx, s.user(), s.channel); err != nil {
			// The staleness cutoff will correct a lost leave.
			s.log.Printf("session %s: leave %q: %v", s.id, s.channel, err)
		}
	})
}

// Publish appends the message and applies it locally right away; the
// fan-out echo of the same id collapses in the reducer.
func (s *Session) Publish(ctx context.Context, content string) (types.Message, error) {
	msg, err := s.store.Append(ctx, s.caller, s.channel, content, s.id)
	if err != nil {
		return types.Message{}, err
	}

	s.applyMessage(msg)
	return msg, nil
}

// Messages returns the view's message list in apply order.
func (s *Session) Messages() []types.Message {
	s.viewLock.RLock()
	defer s.viewLock.RUnlock()

	out := make([]types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Members returns the users currently shown as present.
func (s *Session) Members() []types.User {
	s.viewLock.RLock()
	defer s.viewLock.RUnlock()

	out := make([]types.User, 0, len(s.members))
	for _, u := range s.members {
		out = append(out, u)
	}
	return out
}

func (s *Session) user() types.User {
	return types.User{
		Id:          s.caller.Id,
		Username:    s.caller.Username,
		AvatarUrl:   s.caller.AvatarUrl,
		IsModerator: s.caller.IsModerator,
	}
}

func (s *Session) enqueue(event fanout.Event) {
	if !s.echo && event.Kind == fanout.EventMessage && event.ClientId == s.id {
		return
	}

	select {
	case s.events <- event:
	default:
		// Arrival order matters more than completeness: drop and let
		// the next history reload converge.
		s.log.Printf("session %s: event queue full, dropping %s event", s.id, event.Kind)
	}
}

func (s *Session) consume() {
	defer close(s.consumerDone)

	for {
		select {
		case <-s.stop:
			return
		case event := <-s.events:
			switch event.Kind {
			case fanout.EventMessage:
				if event.Message != nil {
					s.applyMessage(*event.Message)
				}
			case fanout.EventEnter:
				if event.Member != nil {
					s.applyEnter(*event.Member)
				}
			case fanout.EventLeave:
				if event.Member != nil {
					s.applyLeave(*event.Member)
				}
			}
		}
	}
}

// applyMessage adds a message unless its id was already applied, no
// matter whether the optimistic apply or the fan-out echo got there
// first.
func (s *Session) applyMessage(msg types.Message) {
	s.viewLock.Lock()
	defer s.viewLock.Unlock()

	if _, ok := s.seen[msg.Id]; ok {
		return
	}
	s.seen[msg.Id] = struct{}{}
	s.messages = append(s.messages, msg)
}

func (s *Session) applyEnter(user types.User) {
	s.viewLock.Lock()
	defer s.viewLock.Unlock()
	s.members[user.Id] = user
}

func (s *Session) applyLeave(user types.User) {
	s.viewLock.Lock()
	defer s.viewLock.Unlock()
	delete(s.members, user.Id)
}

func (s *Session) heartbeatLoop() {
	defer close(s.hbDone)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
			err := s.reconciler.Heartbeat(ctx, s.user(), s.channel)
			cancel()
			if err != nil {
				// Retried on the next tick.
				s.log.Printf("session %s: heartbeat %q: %v", s.id, s.channel, err)
			}
		}
	}
}
