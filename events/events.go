// Package events carries state transitions of the ledger and the liquidity
// acquirer over an in-process watermill pub/sub, and keeps a short history
// for the API.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-errors/errors"
)

const (
	TopicQuotes      = "quotes"
	TopicAcquisition = "acquisition"
)

type Event struct {
	Topic  string                 `json:"topic"`
	Kind   string                 `json:"kind"`
	Time   time.Time              `json:"time"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Sink receives events. Publishing never blocks the caller on a slow
// consumer and never fails the caller's operation.
type Sink interface {
	Publish(topic string, kind string, fields map[string]interface{})
}

type discard struct{}

func (discard) Publish(string, string, map[string]interface{}) {}

// Discard drops every event.
var Discard Sink = discard{}

type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
	now    func() time.Time
}

var _ Sink = (*Bus)(nil)

func NewBus(logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 128,
		}, logger),
		logger: logger,
		now:    time.Now,
	}
}

func (b *Bus) Publish(topic string, kind string, fields map[string]interface{}) {
	payload, err := json.Marshal(Event{
		Topic:  topic,
		Kind:   kind,
		Time:   b.now(),
		Fields: fields,
	})
	if err != nil {
		b.logger.Error("Could not encode event", err, watermill.LogFields{"kind": kind})
		return
	}

	if err := b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		b.logger.Error("Could not publish event", err, watermill.LogFields{"kind": kind})
	}
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	messages, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Errorf("Could not subscribe to %v: %v", topic, err)
	}

	return messages, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Recorder remembers the most recent events of the topics it follows.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 100
	}

	return &Recorder{limit: limit}
}

// Follow subscribes to the given topics and records their events until ctx
// is done.
func (r *Recorder) Follow(ctx context.Context, bus *Bus, topics ...string) error {
	for _, topic := range topics {
		messages, err := bus.Subscribe(ctx, topic)
		if err != nil {
			return err
		}

		go func() {
			for msg := range messages {
				var event Event
				if err := json.Unmarshal(msg.Payload, &event); err == nil {
					r.record(event)
				}
				msg.Ack()
			}
		}()
	}

	return nil
}

func (r *Recorder) record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	if len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Recent returns the recorded events, oldest first.
func (r *Recorder) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}
