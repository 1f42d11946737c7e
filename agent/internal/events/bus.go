package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Topic names the kind of event carried on the bus.
type Topic string

const (
	TopicConnectionState   Topic = "connection.state"
	TopicConnectionWarning Topic = "connection.warning"
	TopicConnectionGivenUp Topic = "connection.given_up"
	TopicCommandStatus     Topic = "command.status"
	TopicReportDivergence  Topic = "report.divergence"
	TopicEmergencyStop     Topic = "estop.state"
	TopicSafetyBreach      Topic = "safety.breach"
)

// Event is the decoded envelope handed to subscribers.
type Event struct {
	ID      string
	Topic   Topic
	Time    time.Time
	Payload json.RawMessage
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// Bus is the in-process publish/subscribe channel between the agent's tasks.
// Delivery is asynchronous and ordering between two publishes is not guaranteed,
// so payloads that describe state carry their own sequence numbers.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    zerolog.Logger
}

func NewBus(bufferSize int64, log zerolog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: bufferSize}, zerologAdapter{log: log}),
		log:    log,
	}
}

// Publish encodes payload as JSON and fans it out to the topic's subscribers.
func (b *Bus) Publish(topic Topic, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	msg := message.NewMessage(uuid.NewString(), raw)
	msg.Metadata.Set("published_at", time.Now().UTC().Format(time.RFC3339Nano))
	if err := b.pubsub.Publish(string(topic), msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe runs fn for every event on topic until ctx is cancelled or the bus closes.
// The returned channel is closed once the subscriber goroutine exits.
func (b *Bus) Subscribe(ctx context.Context, topic Topic, fn func(Event)) (<-chan struct{}, error) {
	msgs, err := b.pubsub.Subscribe(ctx, string(topic))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			b.deliver(topic, msg, fn)
		}
	}()
	return done, nil
}

func (b *Bus) deliver(topic Topic, msg *message.Message, fn func(Event)) {
	defer msg.Ack()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("topic", string(topic)).Interface("panic", r).Msg("event subscriber panicked")
		}
	}()
	at, _ := time.Parse(time.RFC3339Nano, msg.Metadata.Get("published_at"))
	fn(Event{ID: msg.UUID, Topic: topic, Time: at, Payload: json.RawMessage(msg.Payload)})
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

type zerologAdapter struct {
	log    zerolog.Logger
	fields watermill.LogFields
}

func (a zerologAdapter) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	return e.Fields(map[string]interface{}(a.fields.Add(fields)))
}

func (a zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(a.log.Error().Err(err), fields).Msg(msg)
}

func (a zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(a.log.Debug(), fields).Msg(msg)
}

func (a zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(a.log.Trace(), fields).Msg(msg)
}

func (a zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(a.log.Trace(), fields).Msg(msg)
}

func (a zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{log: a.log, fields: a.fields.Add(fields)}
}
