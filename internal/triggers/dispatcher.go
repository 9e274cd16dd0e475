// Package triggers matches inbound events against registered trigger
// definitions and starts executions for every match.
package triggers

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/validation"
	"github.com/rendis/taskflow/pkg/schema"
)

const defaultWebhookMethod = "POST"

// Executor starts executions. Satisfied by *engine.Engine.
type Executor interface {
	ExecuteWorkflow(ctx context.Context, templateID, taskID string, opts schema.ExecuteOptions) (string, error)
}

// Publisher receives trigger events after they are persisted.
type Publisher interface {
	PublishLifecycle(event *store.Event) error
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher sets where trigger events are published.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher owns trigger registrations and turns matching events into executions.
type Dispatcher struct {
	store     store.Store
	events    *store.EventLog
	executor  Executor
	validator *validation.Validator
	publisher Publisher
	matcher   *Matcher
	logger    *slog.Logger

	mu        sync.Mutex
	listeners []func(ctx context.Context)
}

// NewDispatcher creates a Dispatcher that starts executions through exec.
func NewDispatcher(s store.Store, exec Executor, v *validation.Validator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     s,
		events:    store.NewEventLog(s),
		executor:  exec,
		validator: v,
		matcher:   NewMatcher(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With(slog.String("module", "triggers"))
	return d
}

// OnRegistrationsChanged registers fn to run after registrations are added or removed.
func (d *Dispatcher) OnRegistrationsChanged(fn func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *Dispatcher) changed(ctx context.Context) {
	d.matcher.Reset()
	d.mu.Lock()
	listeners := append([]func(context.Context){}, d.listeners...)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx)
	}
}

// RegisterTrigger binds def to templateID. A template may hold several
// registrations and several templates may register the same trigger type.
func (d *Dispatcher) RegisterTrigger(ctx context.Context, templateID string, def schema.TriggerDefinition) (*schema.TriggerRegistration, error) {
	if _, err := d.store.GetTemplate(ctx, templateID); err != nil {
		return nil, err
	}
	if !def.Type.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger type %q", def.Type)
	}
	if d.validator != nil {
		if err := d.validator.Configs().ValidateTrigger(def, "trigger").ToError(); err != nil {
			return nil, err
		}
	}

	reg := &schema.TriggerRegistration{
		ID:            uuid.NewString(),
		TemplateID:    templateID,
		Type:          def.Type,
		Configuration: schema.CloneMap(def.Configuration),
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := d.store.CreateRegistration(ctx, reg); err != nil {
		return nil, err
	}
	d.logger.InfoContext(ctx, "trigger registered",
		slog.String("registration_id", reg.ID), slog.String("template_id", templateID), slog.String("type", string(def.Type)))
	d.changed(ctx)
	return reg, nil
}

// UnregisterTemplate removes every registration of templateID.
func (d *Dispatcher) UnregisterTemplate(ctx context.Context, templateID string) (int, error) {
	n, err := d.store.DeleteRegistrations(ctx, templateID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.InfoContext(ctx, "triggers unregistered", slog.String("template_id", templateID), slog.Int("count", n))
		d.changed(ctx)
	}
	return n, nil
}

// Registrations lists registrations, optionally for one template.
func (d *Dispatcher) Registrations(ctx context.Context, filter store.RegistrationFilter) ([]*schema.TriggerRegistration, error) {
	return d.store.ListRegistrations(ctx, filter)
}

// ProcessTriggerEvent starts one execution per matching registration and
// returns their ids. No match is not an error. A malformed registration or
// a failed start is logged and recorded as a trigger_error event without
// affecting the other registrations.
func (d *Dispatcher) ProcessTriggerEvent(ctx context.Context, event schema.TriggerEvent) ([]string, error) {
	if d.validator != nil {
		if err := d.validator.ValidateEvent(&event); err != nil {
			return nil, err
		}
	} else if !event.Type.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger type %q", event.Type)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Data == nil {
		event.Data = map[string]any{}
	}

	regs, err := d.store.ListRegistrations(ctx, store.RegistrationFilter{Type: event.Type, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	log := d.logger.With(slog.String("event_id", event.ID), slog.String("event_type", string(event.Type)))
	started := []string{}
	for _, reg := range regs {
		tpl, err := d.store.GetTemplate(ctx, reg.TemplateID)
		if err != nil {
			d.recordError(ctx, reg, event, err)
			continue
		}
		if !tpl.IsActive {
			continue
		}

		ok, err := d.matcher.Match(reg, event)
		if err != nil {
			d.recordError(ctx, reg, event, err)
			continue
		}
		if !ok {
			continue
		}

		execID, err := d.executor.ExecuteWorkflow(ctx, reg.TemplateID, taskID(event), schema.ExecuteOptions{
			InitialContext: map[string]any{schema.TriggerEventContextKey: event.AsMap()},
			TriggeredBy:    reg.ID,
			UserID:         event.UserID,
		})
		if err != nil {
			d.recordError(ctx, reg, event, err)
			continue
		}

		d.emit(ctx, reg.TemplateID, schema.EventTriggerMatched, map[string]any{
			"registration_id": reg.ID,
			"event_id":        event.ID,
			"execution_id":    execID,
		})
		log.InfoContext(ctx, "trigger matched",
			slog.String("registration_id", reg.ID), slog.String("template_id", reg.TemplateID), slog.String("execution_id", execID))
		started = append(started, execID)
	}
	return started, nil
}

// taskID names the business task an event-started execution serves: the
// event's data.taskId when given, otherwise the event id.
func taskID(event schema.TriggerEvent) string {
	if id, ok := event.Data["taskId"].(string); ok && id != "" {
		return id
	}
	return event.ID
}

// HandleWebhookRequest turns an HTTP request into a webhook event. A JSON
// body is decoded; any other body is passed on as a string.
func (d *Dispatcher) HandleWebhookRequest(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]string, error) {
	if method == "" {
		method = defaultWebhookMethod
	}
	data := map[string]any{
		"path":    path,
		"method":  strings.ToUpper(method),
		"headers": maps.Clone(headers),
	}
	if len(body) > 0 {
		var decoded any
		if json.Valid(body) && json.Unmarshal(body, &decoded) == nil {
			data["body"] = decoded
		} else {
			data["body"] = string(body)
		}
	}

	event := schema.TriggerEvent{
		Type:      schema.TriggerWebhook,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Source:    "webhook",
	}
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "x-request-id":
			event.ID = v
		case "x-user-id":
			event.UserID = v
		}
	}
	return d.ProcessTriggerEvent(ctx, event)
}

func (d *Dispatcher) recordError(ctx context.Context, reg *schema.TriggerRegistration, event schema.TriggerEvent, err error) {
	ferr := schema.AsFlowError(err, schema.ErrCodeTriggerMatch)
	d.logger.WarnContext(ctx, "trigger registration failed",
		slog.String("registration_id", reg.ID),
		slog.String("template_id", reg.TemplateID),
		slog.String("event_id", event.ID),
		slog.String("error", ferr.Error()))
	d.emit(ctx, reg.TemplateID, schema.EventTriggerError, map[string]any{
		"registration_id": reg.ID,
		"event_id":        event.ID,
		"error":           ferr,
	})
}

func (d *Dispatcher) emit(ctx context.Context, templateID, typ string, payload any) {
	ev := &store.Event{TemplateID: templateID, Type: typ}
	if err := d.events.Append(ctx, ev, payload); err != nil {
		d.logger.ErrorContext(ctx, "append trigger event", slog.String("event_type", typ), slog.Any("error", err))
		return
	}
	if d.publisher != nil {
		if err := d.publisher.PublishLifecycle(ev); err != nil {
			d.logger.WarnContext(ctx, "publish trigger event", slog.String("event_type", typ), slog.Any("error", err))
		}
	}
}
