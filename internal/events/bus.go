// Package events publishes workflow lifecycle events over watermill so that
// analytics consumers and notification sinks can follow executions without
// polling the store.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rendis/taskflow/internal/store"
)

// Topics.
const (
	TopicLifecycle     = "taskflow.lifecycle"
	TopicNotifications = "taskflow.notifications"
)

// Message metadata keys.
const (
	MetadataEventType   = "event_type"
	MetadataExecutionID = "execution_id"
	MetadataTemplateID  = "template_id"
)

// Handler consumes one lifecycle event. Errors are logged and the message
// is acked regardless.
type Handler func(ctx context.Context, event *store.Event) error

// Bus is a watermill-backed publisher/subscriber pair.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger
}

// NewBus creates an in-process bus on a GoChannel pub/sub.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
	return NewBusWith(pubSub, pubSub, logger)
}

// NewBusWith wraps an existing publisher and subscriber.
func NewBusWith(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{publisher: pub, subscriber: sub, logger: logger.With(slog.String("module", "events"))}
}

// Publisher exposes the raw publisher for components publishing their own topics.
func (b *Bus) Publisher() message.Publisher {
	return b.publisher
}

// PublishLifecycle publishes a persisted lifecycle event.
func (b *Bus) PublishLifecycle(event *store.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(MetadataEventType, event.Type)
	msg.Metadata.Set(MetadataExecutionID, event.ExecutionID)
	msg.Metadata.Set(MetadataTemplateID, event.TemplateID)
	return b.publisher.Publish(TopicLifecycle, msg)
}

// Subscribe returns the raw message channel for topic.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.subscriber.Subscribe(ctx, topic)
}

// HandleLifecycle consumes lifecycle events until ctx is done. When types is
// non-empty only those event types reach h; the rest are acked and dropped.
func (b *Bus) HandleLifecycle(ctx context.Context, h Handler, types ...string) error {
	messages, err := b.subscriber.Subscribe(ctx, TopicLifecycle)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	go func() {
		for msg := range messages {
			if len(wanted) > 0 && !wanted[msg.Metadata.Get(MetadataEventType)] {
				msg.Ack()
				continue
			}

			var event store.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.Warn("drop malformed lifecycle message", slog.String("uuid", msg.UUID), slog.Any("error", err))
				msg.Ack()
				continue
			}

			if err := h(msg.Context(), &event); err != nil {
				b.logger.Warn("lifecycle handler failed",
					slog.String("event_type", event.Type),
					slog.String("execution_id", event.ExecutionID),
					slog.Any("error", err))
			}
			msg.Ack()
		}
	}()
	return nil
}

// Close closes the publisher and subscriber.
func (b *Bus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}
	if any(b.subscriber) == any(b.publisher) {
		return nil
	}
	return b.subscriber.Close()
}
