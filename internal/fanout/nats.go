package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "chat.msg."

// NatsFanout publishes events over a NATS subject per channel so
// multiple server instances fan out to each other's clients.
type NatsFanout struct {
	nc  *nats.Conn
	log *log.Logger
}

func NewNatsFanout(url string, logger *log.Logger) (*NatsFanout, error) {
	nc, err := nats.Connect(url, nats.Name("channelchat"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NatsFanout{nc: nc, log: logger}, nil
}

func (f *NatsFanout) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return f.nc.Publish(subjectPrefix+event.Channel, data)
}

func (f *NatsFanout) Subscribe(channel string, handler Handler) (func(), error) {
	sub, err := f.nc.Subscribe(subjectPrefix+channel, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			f.log.Printf("fanout: discarding malformed event on %q: %v", msg.Subject, err)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			f.log.Printf("fanout: unsubscribe %q: %v", channel, err)
		}
	}, nil
}

func (f *NatsFanout) Close() {
	f.nc.Close()
}
