package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/taskflow/pkg/schema"
)

// EventLog records lifecycle events and rebuilds step history from them.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-log operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// StepEventPayload is the payload recorded with step events.
type StepEventPayload struct {
	Attempt int               `json:"attempt,omitempty"`
	Branch  string            `json:"branch,omitempty"`
	Error   *schema.FlowError `json:"error,omitempty"`
	Delay   string            `json:"delay,omitempty"`
}

// Append marshals payload and appends the event.
func (el *EventLog) Append(ctx context.Context, event *Event, payload any) error {
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		event.Payload = b
	}
	return el.store.AppendEvent(ctx, event)
}

// Events returns events for an execution with sequence > since, ordered by sequence.
func (el *EventLog) Events(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// ReplayStepHistory rebuilds per-step records for an execution from its events.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayStepHistory(ctx context.Context, executionID string) (map[string]*schema.StepRecord, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	records := make(map[string]*schema.StepRecord)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		rec, ok := records[e.StepID]
		if !ok {
			rec = &schema.StepRecord{StepID: e.StepID, Status: schema.StepPending}
			records[e.StepID] = rec
		}

		var p StepEventPayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &p)
		}
		ts := e.Timestamp

		switch e.Type {
		case schema.EventStepStarted:
			rec.Status = schema.StepRunning
			if rec.StartedAt == nil {
				rec.StartedAt = &ts
			}
			rec.Attempts = max(rec.Attempts, p.Attempt)
		case schema.EventStepRetrying:
			rec.Status = schema.StepRetrying
			rec.Error = p.Error
		case schema.EventStepCompleted:
			rec.Status = schema.StepCompleted
			rec.CompletedAt = &ts
			rec.Branch = p.Branch
			rec.Error = nil
		case schema.EventStepFailed:
			rec.Status = schema.StepFailed
			rec.CompletedAt = &ts
			rec.Error = p.Error
		case schema.EventStepSkipped:
			rec.Status = schema.StepSkipped
			rec.CompletedAt = &ts
		}
	}
	return records, nil
}
