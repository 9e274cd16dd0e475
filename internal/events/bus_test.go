package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestPublishLifecycleCarriesMetadata(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := bus.Subscribe(ctx, TopicLifecycle)
	require.NoError(t, err)

	require.NoError(t, bus.PublishLifecycle(&store.Event{
		ExecutionID: "exec-1",
		TemplateID:  "tpl-1",
		Type:        schema.EventExecutionStarted,
		Sequence:    2,
	}))

	select {
	case msg := <-messages:
		assert.Equal(t, schema.EventExecutionStarted, msg.Metadata.Get(MetadataEventType))
		assert.Equal(t, "exec-1", msg.Metadata.Get(MetadataExecutionID))
		assert.Equal(t, "tpl-1", msg.Metadata.Get(MetadataTemplateID))
		assert.Contains(t, string(msg.Payload), `"event_type":"execution_started"`)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestHandleLifecycleFiltersTypes(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *store.Event, 4)
	require.NoError(t, bus.HandleLifecycle(ctx, func(_ context.Context, ev *store.Event) error {
		got <- ev
		return nil
	}, schema.EventExecutionCompleted, schema.EventExecutionFailed))

	for _, typ := range []string{schema.EventExecutionStarted, schema.EventStepCompleted, schema.EventExecutionCompleted} {
		require.NoError(t, bus.PublishLifecycle(&store.Event{ExecutionID: "exec-2", Type: typ}))
	}

	select {
	case ev := <-got:
		assert.Equal(t, schema.EventExecutionCompleted, ev.Type)
		assert.Equal(t, "exec-2", ev.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	assert.Empty(t, got)
}

func TestHandlerErrorsDoNotStopConsumption(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan string, 4)
	require.NoError(t, bus.HandleLifecycle(ctx, func(_ context.Context, ev *store.Event) error {
		calls <- ev.ExecutionID
		return errors.New("sink unavailable")
	}))

	require.NoError(t, bus.PublishLifecycle(&store.Event{ExecutionID: "a", Type: schema.EventStepStarted}))
	require.NoError(t, bus.PublishLifecycle(&store.Event{ExecutionID: "b", Type: schema.EventStepStarted}))

	for _, want := range []string{"a", "b"} {
		select {
		case id := <-calls:
			assert.Equal(t, want, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("handler not called for %s", want)
		}
	}
}
