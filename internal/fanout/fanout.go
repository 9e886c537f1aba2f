// Package fanout delivers published messages and presence events to
// subscribed clients.
package fanout

import (
	"context"
	"sync"

	"github.com/jfarrow/channelchat/internal/types"
)

type EventKind string

const (
	EventMessage EventKind = "message"
	EventEnter   EventKind = "enter"
	EventLeave   EventKind = "leave"
)

type Event struct {
	Kind    EventKind `json:"kind"`
	Channel string    `json:"channel"`
	// ClientId identifies the originating session so subscribers can
	// drop their own echo when the deployment disables it.
	ClientId string         `json:"client_id,omitempty"`
	Message  *types.Message `json:"message,omitempty"`
	Member   *types.User    `json:"member,omitempty"`
}

type Handler func(Event)

type Fanout interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe registers a handler for a channel and returns an
	// unsubscribe function. Delivery order across subscribers is
	// best-effort; readers converge via history reloads.
	Subscribe(channel string, handler Handler) (func(), error)
}

// Bus is the in-process Fanout used when no external broker is
// configured, and by tests.
type Bus struct {
	mu     sync.RWMutex
	nextId int
	subs   map[string]map[int]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

func (b *Bus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event.Channel]))
	for _, h := range b.subs[event.Channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (b *Bus) Subscribe(channel string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]Handler)
	}
	id := b.nextId
	b.nextId++
	b.subs[channel][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[channel], id)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
	}, nil
}
