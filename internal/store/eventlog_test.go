package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

func TestEventLog_ReplayStepHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		el := NewEventLog(s)
		tpl := seedTemplate(t, s)
		exec := seedExecution(t, s, tpl)

		base := time.Now().UTC()
		appendAt := func(offset time.Duration, typ, stepID string, payload any) {
			ev := &Event{ExecutionID: exec.ID, TemplateID: tpl.ID, StepID: stepID, Type: typ, Timestamp: base.Add(offset)}
			require.NoError(t, el.Append(ctx, ev, payload))
		}

		appendAt(0, schema.EventExecutionStarted, "", nil)
		appendAt(time.Millisecond, schema.EventStepStarted, "s1", StepEventPayload{Attempt: 1})
		appendAt(2*time.Millisecond, schema.EventStepRetrying, "s1", StepEventPayload{
			Attempt: 1, Error: schema.NewError(schema.ErrCodeStepFailed, "flaky"),
		})
		appendAt(3*time.Millisecond, schema.EventStepStarted, "s1", StepEventPayload{Attempt: 2})
		appendAt(4*time.Millisecond, schema.EventStepCompleted, "s1", StepEventPayload{Attempt: 2})
		appendAt(5*time.Millisecond, schema.EventStepSkipped, "s2", nil)

		records, err := el.ReplayStepHistory(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, records, 2)

		s1 := records["s1"]
		assert.Equal(t, schema.StepCompleted, s1.Status)
		assert.Equal(t, 2, s1.Attempts)
		assert.Nil(t, s1.Error)
		require.NotNil(t, s1.StartedAt)
		require.NotNil(t, s1.CompletedAt)
		assert.True(t, s1.CompletedAt.After(*s1.StartedAt))

		assert.Equal(t, schema.StepSkipped, records["s2"].Status)
	})
}

func TestEventLog_ReplayFailedStep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	el := NewEventLog(s)
	tpl := seedTemplate(t, s)
	exec := seedExecution(t, s, tpl)

	require.NoError(t, el.Append(ctx, &Event{ExecutionID: exec.ID, StepID: "s1", Type: schema.EventStepStarted}, StepEventPayload{Attempt: 1}))
	require.NoError(t, el.Append(ctx, &Event{ExecutionID: exec.ID, StepID: "s1", Type: schema.EventStepFailed},
		StepEventPayload{Attempt: 1, Error: schema.NewError(schema.ErrCodeTimeout, "too slow")}))

	records, err := el.ReplayStepHistory(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, records["s1"].Error)
	assert.Equal(t, schema.StepFailed, records["s1"].Status)
	assert.Equal(t, schema.ErrCodeTimeout, records["s1"].Error.Code)
}

func TestEventLog_ReplayEmpty(t *testing.T) {
	el := NewEventLog(NewMemoryStore())
	records, err := el.ReplayStepHistory(context.Background(), "none")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEventLog_EventsSince(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	el := NewEventLog(s)
	tpl := seedTemplate(t, s)
	exec := seedExecution(t, s, tpl)

	for _, typ := range []string{schema.EventExecutionCreated, schema.EventExecutionStarted, schema.EventExecutionCompleted} {
		require.NoError(t, el.Append(ctx, &Event{ExecutionID: exec.ID, Type: typ}, nil))
	}

	events, err := el.Events(ctx, exec.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventExecutionCompleted, events[0].Type)
}
