package executors

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

func request(kind schema.StepType, cfg map[string]any, ctxData map[string]any) Request {
	return Request{
		ExecutionID: "exec-1",
		TemplateID:  "tpl-1",
		Step:        schema.Step{ID: "s1", Type: kind, Configuration: cfg},
		Context:     ctxData,
		Attempt:     1,
	}
}

// --- Registry ---

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	exec := ExecutorFunc(func(context.Context, Request) (any, error) { return "ok", nil })

	require.NoError(t, r.Register(schema.StepTypeAIProcessing, exec))
	assert.True(t, r.Has(schema.StepTypeAIProcessing))

	got, err := r.Get(schema.StepTypeAIProcessing)
	require.NoError(t, err)
	out, err := got.Execute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()
	exec := ExecutorFunc(func(context.Context, Request) (any, error) { return nil, nil })

	err := r.Register(schema.StepTypeNotification, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = r.Register("bogus", exec)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownStepType))

	err = r.Register(schema.StepTypeConditional, exec)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	require.NoError(t, r.Register(schema.StepTypeNotification, exec))
	err = r.Register(schema.StepTypeNotification, exec)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = r.Get(schema.StepTypeAIProcessing)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownStepType))
}

func TestRegistry_KindsAndMissing(t *testing.T) {
	r := NewRegistry()
	exec := ExecutorFunc(func(context.Context, Request) (any, error) { return nil, nil })
	require.NoError(t, r.Register(schema.StepTypeNotification, exec))
	require.NoError(t, r.Register(schema.StepTypeDataTransform, exec))

	assert.Equal(t, []schema.StepType{schema.StepTypeDataTransform, schema.StepTypeNotification}, r.Kinds())
	assert.Equal(t, []schema.StepType{
		schema.StepTypeAIProcessing,
		schema.StepTypeExternalAPICall,
		schema.StepTypeUserApproval,
	}, r.Missing())
}

func TestRegisterBuiltins(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinConfig{Publisher: pubSub, Approvals: NewApprovalGate()}))
	assert.Equal(t, []schema.StepType{schema.StepTypeAIProcessing}, r.Missing())

	r = NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinConfig{}))
	assert.Equal(t, []schema.StepType{
		schema.StepTypeAIProcessing,
		schema.StepTypeUserApproval,
		schema.StepTypeNotification,
	}, r.Missing())
}

// --- data-transform ---

func TestTransform_WholeContext(t *testing.T) {
	e := NewTransformExecutor(nil)
	out, err := e.Execute(context.Background(), request(schema.StepTypeDataTransform,
		map[string]any{"query": "{total: (.input.items | length)}"},
		map[string]any{"input": map[string]any{"items": []any{1, 2, 3}}},
	))
	require.NoError(t, err)
	assert.EqualValues(t, 3, out.(map[string]any)["total"])
}

func TestTransform_InputPath(t *testing.T) {
	e := NewTransformExecutor(nil)
	out, err := e.Execute(context.Background(), request(schema.StepTypeDataTransform,
		map[string]any{"query": "map(select(.score > 50) | .name)", "input": "steps.fetch.body"},
		map[string]any{schema.ResultKey("fetch"): map[string]any{
			"body": []any{
				map[string]any{"name": "a", "score": 80},
				map[string]any{"name": "b", "score": 20},
			},
		}},
	))
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out)
}

func TestTransform_Errors(t *testing.T) {
	e := NewTransformExecutor(nil)

	_, err := e.Execute(context.Background(), request(schema.StepTypeDataTransform, map[string]any{}, nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Execute(context.Background(), request(schema.StepTypeDataTransform,
		map[string]any{"query": ".", "input": "missing.path"}, map[string]any{}))
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))

	_, err = e.Execute(context.Background(), request(schema.StepTypeDataTransform,
		map[string]any{"query": `error("bad")`}, map[string]any{}))
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
}

// --- external-api-call ---

func TestAPICall_PostWithInterpolation(t *testing.T) {
	var gotBody map[string]any
	var gotAuth, gotHeader, gotExec string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/customers/acme", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Get("X-Score")
		gotExec = r.Header.Get("X-Taskflow-Execution")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"c-1"}`))
	}))
	defer srv.Close()

	e := NewAPICallExecutor(HTTPConfig{})
	out, err := e.Execute(context.Background(), request(schema.StepTypeExternalAPICall,
		map[string]any{
			"url":     srv.URL + "/customers/${{input.name}}",
			"method":  "post",
			"headers": map[string]any{"X-Score": "${{input.value}}"},
			"body":    map[string]any{"value": "${{input.value}}"},
			"auth":    map[string]any{"type": "bearer", "token": "t0k"},
		},
		map[string]any{"input": map[string]any{"name": "acme", "value": 75.0}},
	))
	require.NoError(t, err)

	res := out.(map[string]any)
	assert.Equal(t, http.StatusCreated, res["status_code"])
	assert.Equal(t, map[string]any{"id": "c-1"}, res["body"])
	assert.Equal(t, "Bearer t0k", gotAuth)
	assert.Equal(t, "75", gotHeader)
	assert.Equal(t, "exec-1", gotExec)
	assert.Equal(t, 75.0, gotBody["value"])
}

func TestAPICall_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	e := NewAPICallExecutor(HTTPConfig{})
	_, err := e.Execute(context.Background(), request(schema.StepTypeExternalAPICall,
		map[string]any{"url": srv.URL}, nil))
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeStepFailed, fe.Code)
	assert.True(t, fe.IsRetryable())
	assert.Equal(t, "down", fe.Details["body"])
}

func TestAPICall_ExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewAPICallExecutor(HTTPConfig{})
	out, err := e.Execute(context.Background(), request(schema.StepTypeExternalAPICall,
		map[string]any{"url": srv.URL, "expected_status": []any{200.0, 404.0}}, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, out.(map[string]any)["status_code"])
	assert.Nil(t, out.(map[string]any)["body"])
}

type fakeSecrets map[string]string

func (f fakeSecrets) Resolve(_ context.Context, key string) ([]byte, error) {
	v, ok := f[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return []byte(v), nil
}

func TestAPICall_SecretReferences(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := NewAPICallExecutor(HTTPConfig{Secrets: fakeSecrets{"crm_token": "vault-tok"}})
	ctxData := map[string]any{"input": map[string]any{}}
	_, err := e.Execute(context.Background(), request(schema.StepTypeExternalAPICall,
		map[string]any{
			"url":  srv.URL,
			"auth": map[string]any{"type": "bearer", "token": "${{secrets.crm_token}}"},
		}, ctxData))
	require.NoError(t, err)
	assert.Equal(t, "Bearer vault-tok", gotAuth)
	assert.NotContains(t, ctxData, "secrets")

	_, err = e.Execute(context.Background(), request(schema.StepTypeExternalAPICall,
		map[string]any{"url": srv.URL, "headers": map[string]any{"X-Key": "${{secrets.nope}}"}}, ctxData))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAPICall_InvalidURL(t *testing.T) {
	e := NewAPICallExecutor(HTTPConfig{})
	_, err := e.Execute(context.Background(), request(schema.StepTypeExternalAPICall,
		map[string]any{"url": "ftp://example.com"}, nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestAPICall_ContextTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	e := NewAPICallExecutor(HTTPConfig{})
	_, err := e.Execute(ctx, request(schema.StepTypeExternalAPICall, map[string]any{"url": srv.URL}, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// --- notification ---

func TestNotification_Publishes(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 10}, watermill.NopLogger{})
	defer pubSub.Close()

	messages, err := pubSub.Subscribe(context.Background(), "alerts")
	require.NoError(t, err)

	e := NewNotificationExecutor(pubSub, "alerts")
	out, err := e.Execute(context.Background(), request(schema.StepTypeNotification,
		map[string]any{
			"channel":    "email",
			"message":    "Order ${{input.name}} scored ${{input.value}}",
			"recipients": []any{"ops@example.com", "${{input.owner}}"},
		},
		map[string]any{"input": map[string]any{"name": "acme", "value": 75.0, "owner": "owner@example.com"}},
	))
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["delivered"])

	select {
	case msg := <-messages:
		var n Notification
		require.NoError(t, json.Unmarshal(msg.Payload, &n))
		msg.Ack()
		assert.Equal(t, "Order acme scored 75", n.Message)
		assert.Equal(t, "email", n.Channel)
		assert.Equal(t, []string{"ops@example.com", "owner@example.com"}, n.Recipients)
		assert.Equal(t, "exec-1", n.ExecutionID)
		assert.Equal(t, "email", msg.Metadata.Get("channel"))
	case <-time.After(2 * time.Second):
		t.Fatal("notification not published")
	}
}

func TestNotification_MissingMessage(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	e := NewNotificationExecutor(pubSub, "alerts")
	_, err := e.Execute(context.Background(), request(schema.StepTypeNotification, map[string]any{}, nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

// --- user-approval ---

func waitPending(t *testing.T, g *ApprovalGate, executionID string) ApprovalRequest {
	t.Helper()
	var req ApprovalRequest
	require.Eventually(t, func() bool {
		pending := g.Pending(executionID)
		if len(pending) == 0 {
			return false
		}
		req = pending[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return req
}

func TestApproval_Approve(t *testing.T) {
	g := NewApprovalGate()
	done := make(chan any, 1)
	go func() {
		out, err := g.Execute(context.Background(), request(schema.StepTypeUserApproval,
			map[string]any{"approvers": []any{"alice"}, "message": "Approve ${{input.name}}?"},
			map[string]any{"input": map[string]any{"name": "acme"}}))
		assert.NoError(t, err)
		done <- out
	}()

	pending := waitPending(t, g, "exec-1")
	assert.Equal(t, "Approve acme?", pending.Message)
	assert.Equal(t, "s1", pending.StepID)

	err := g.Decide("exec-1", "s1", ApprovalDecision{Approved: true, Approver: "mallory"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	require.NoError(t, g.Decide("exec-1", "s1", ApprovalDecision{Approved: true, Approver: "alice", Comment: "lgtm"}))

	select {
	case out := <-done:
		assert.Equal(t, map[string]any{"approved": true, "approver": "alice", "comment": "lgtm"}, out)
	case <-time.After(2 * time.Second):
		t.Fatal("approval did not complete")
	}
	assert.Empty(t, g.Pending(""))
}

func TestApproval_RejectIsAResult(t *testing.T) {
	g := NewApprovalGate()
	done := make(chan any, 1)
	go func() {
		out, err := g.Execute(context.Background(), request(schema.StepTypeUserApproval, map[string]any{}, nil))
		assert.NoError(t, err)
		done <- out
	}()

	waitPending(t, g, "")
	require.NoError(t, g.Decide("exec-1", "s1", ApprovalDecision{Approved: false, Approver: "bob"}))
	out := <-done
	assert.Equal(t, false, out.(map[string]any)["approved"])
}

func TestApproval_TimeoutAndUnknown(t *testing.T) {
	g := NewApprovalGate()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.Execute(ctx, request(schema.StepTypeUserApproval, map[string]any{}, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, g.Pending(""))

	err = g.Decide("exec-1", "s1", ApprovalDecision{Approved: true})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestExecutorFunc_CountsCalls(t *testing.T) {
	var calls atomic.Int32
	var exec Executor = ExecutorFunc(func(context.Context, Request) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	_, _ = exec.Execute(context.Background(), Request{})
	_, _ = exec.Execute(context.Background(), Request{})
	assert.Equal(t, int32(2), calls.Load())
}
