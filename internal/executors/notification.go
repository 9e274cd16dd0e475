package executors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/pkg/schema"
)

const defaultChannel = "default"

// Notification is the message published by the notification kind. Delivery
// to email, chat or SMS is done by whichever consumer subscribes to the topic.
type Notification struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	TemplateID  string    `json:"template_id"`
	StepID      string    `json:"step_id"`
	Channel     string    `json:"channel"`
	Message     string    `json:"message"`
	Recipients  []string  `json:"recipients,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// NotificationExecutor renders the step's message against the context and
// publishes it on a watermill topic.
type NotificationExecutor struct {
	publisher message.Publisher
	topic     string
}

// NewNotificationExecutor creates a notification executor publishing to topic.
func NewNotificationExecutor(pub message.Publisher, topic string) *NotificationExecutor {
	return &NotificationExecutor{publisher: pub, topic: topic}
}

func (e *NotificationExecutor) Execute(ctx context.Context, req Request) (any, error) {
	cfg := req.Step.Configuration

	text, err := expressions.RenderString(stringParam(cfg, "message", ""), req.Context)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(req.Step.ID)
	}
	if text == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "notification: missing required config 'message'").
			WithStep(req.Step.ID)
	}

	recipients := stringsParam(cfg, "recipients")
	for i, r := range recipients {
		if recipients[i], err = expressions.RenderString(r, req.Context); err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(req.Step.ID)
		}
	}

	n := Notification{
		ID:          watermill.NewUUID(),
		ExecutionID: req.ExecutionID,
		TemplateID:  req.TemplateID,
		StepID:      req.Step.ID,
		Channel:     stringParam(cfg, "channel", defaultChannel),
		Message:     text,
		Recipients:  recipients,
		SentAt:      time.Now().UTC(),
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "notification: marshal payload").
			WithCause(err).WithStep(req.Step.ID)
	}

	msg := message.NewMessage(n.ID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("channel", n.Channel)
	msg.Metadata.Set("execution_id", n.ExecutionID)

	if err := e.publisher.Publish(e.topic, msg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "notification: publish to %s failed", e.topic).
			WithCause(err).WithStep(req.Step.ID)
	}

	return map[string]any{
		"delivered":  true,
		"message_id": n.ID,
		"channel":    n.Channel,
		"recipients": len(recipients),
	}, nil
}
