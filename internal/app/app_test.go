package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/events"
	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newApp(t *testing.T, dbPath string) *App {
	t.Helper()
	a, err := New(context.Background(), Config{
		DBPath: dbPath,
		Engine: engine.Config{Retry: engine.RetryPolicy{BaseDelay: 5 * time.Millisecond}},
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	return a
}

func closeApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
}

func await(t *testing.T, a *App, id string) *schema.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := a.Engine.Await(ctx, id)
	require.NoError(t, err)
	return exec
}

func orderTemplate() schema.TemplateSpec {
	return schema.TemplateSpec{
		Name:     "order-intake",
		Category: "sales",
		IsActive: true,
		Triggers: []schema.TriggerDefinition{{
			Type:          schema.TriggerWebhook,
			Configuration: map[string]any{"path": "/hooks/orders", "method": "POST"},
		}},
		Steps: []schema.Step{
			{
				ID:            "extract",
				Type:          schema.StepTypeDataTransform,
				Configuration: map[string]any{"query": ".body.order", "input": "trigger.data"},
			},
			{
				ID:           "check",
				Type:         schema.StepTypeConditional,
				Dependencies: []string{"extract"},
				Configuration: map[string]any{
					"expression": "step_extract_result.total > 100",
					"branches":   map[string]any{"true": []any{"notify_sales"}, "false": []any{"archive"}},
				},
			},
			{
				ID:            "notify_sales",
				Type:          schema.StepTypeNotification,
				Dependencies:  []string{"check"},
				Configuration: map[string]any{"channel": "slack", "message": "big order ${{ steps.extract.id }}"},
			},
			{
				ID:            "archive",
				Type:          schema.StepTypeDataTransform,
				Dependencies:  []string{"check"},
				Configuration: map[string]any{"query": "."},
			},
		},
	}
}

func TestWebhookDrivesExecutionEndToEnd(t *testing.T) {
	a := newApp(t, filepath.Join(t.TempDir(), "taskflow.db"))
	defer closeApp(t, a)
	ctx := context.Background()

	notifications, err := a.Bus.Subscribe(ctx, events.TopicNotifications)
	require.NoError(t, err)

	tpl, err := a.Templates.CreateTemplate(ctx, orderTemplate())
	require.NoError(t, err)

	ids, err := a.Triggers.HandleWebhookRequest(ctx, "POST", "/hooks/orders",
		[]byte(`{"order":{"id":"A-42","total":250}}`), map[string]string{"Content-Type": "application/json"})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	exec := await(t, a, ids[0])
	require.Equal(t, schema.ExecutionCompleted, exec.Status, "error: %v", exec.Error)
	assert.Equal(t, tpl.ID, exec.TemplateID)
	assert.NotEqual(t, schema.TriggeredManually, exec.TriggeredBy)
	assert.Equal(t, "true", exec.StepRecord("check").Branch)
	assert.Equal(t, schema.StepCompleted, exec.StepRecord("notify_sales").Status)
	assert.Equal(t, schema.StepSkipped, exec.StepRecord("archive").Status)

	select {
	case msg := <-notifications:
		var n executors.Notification
		require.NoError(t, json.Unmarshal(msg.Payload, &n))
		msg.Ack()
		assert.Equal(t, "big order A-42", n.Message)
		assert.Equal(t, "slack", n.Channel)
		assert.Equal(t, exec.ID, n.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification published")
	}

	history, err := a.Engine.History(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepSkipped, history["archive"].Status)
}

func TestApprovalGateBlocksUntilDecided(t *testing.T) {
	a := newApp(t, "")
	defer closeApp(t, a)
	ctx := context.Background()

	tpl, err := a.Templates.CreateTemplate(ctx, schema.TemplateSpec{
		Name: "expense",
		Steps: []schema.Step{
			{ID: "approve", Type: schema.StepTypeUserApproval,
				Configuration: map[string]any{"approvers": []any{"lead"}, "message": "approve ${{ amount }}"}},
			{ID: "route", Type: schema.StepTypeConditional, Dependencies: []string{"approve"},
				Configuration: map[string]any{"expression": "step_approve_result.approved"}},
		},
	})
	require.NoError(t, err)

	id, err := a.Engine.ExecuteWorkflow(ctx, tpl.ID, "exp-1", schema.ExecuteOptions{
		InitialContext: map[string]any{"amount": 90},
	})
	require.NoError(t, err)

	var pending []executors.ApprovalRequest
	require.Eventually(t, func() bool {
		pending = a.Approvals.Pending(id)
		return len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "approve 90", pending[0].Message)

	err = a.Approvals.Decide(id, "approve", executors.ApprovalDecision{Approved: true, Approver: "intern"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	require.NoError(t, a.Approvals.Decide(id, "approve", executors.ApprovalDecision{Approved: true, Approver: "lead"}))

	exec := await(t, a, id)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, "true", exec.StepRecord("route").Branch)
}

func TestStateSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskflow.db")
	ctx := context.Background()

	a := newApp(t, dbPath)
	tpl, err := a.Templates.CreateTemplate(ctx, orderTemplate())
	require.NoError(t, err)
	v2, err := a.Templates.UpdateTemplate(ctx, tpl.ID, schema.TemplatePatch{}, true)
	require.NoError(t, err)

	id, err := a.Engine.ExecuteWorkflow(ctx, v2.ID, "task-9", schema.ExecuteOptions{
		InitialContext: map[string]any{"triggerEvent": map[string]any{"data": map[string]any{
			"body": map[string]any{"order": map[string]any{"id": "B-1", "total": 10}},
		}}},
	})
	require.NoError(t, err)
	first := await(t, a, id)
	require.Equal(t, schema.ExecutionCompleted, first.Status, "error: %v", first.Error)
	closeApp(t, a)

	b := newApp(t, dbPath)
	defer closeApp(t, b)

	versions, err := b.Templates.ListVersions(ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.False(t, versions[0].IsActive)
	assert.True(t, versions[1].IsActive)

	exec, err := b.Engine.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, "false", exec.StepRecord("check").Branch)

	regs, err := b.Triggers.Registrations(ctx, store.RegistrationFilter{TemplateID: v2.ID})
	require.NoError(t, err)
	assert.Len(t, regs, 1)
}

func TestVaultSecretsReachAPICalls(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	a, err := New(ctx, Config{Vault: secrets.VaultConfig{Passphrase: "pw", Salt: []byte("0123456789abcdef"), Iterations: 1000}}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer closeApp(t, a)
	require.NotNil(t, a.Secrets)

	require.NoError(t, a.Secrets.Store(ctx, "crm_token", []byte("abc")))
	tpl, err := a.Templates.CreateTemplate(ctx, schema.TemplateSpec{
		Name: "sync-crm",
		Steps: []schema.Step{{
			ID:   "push",
			Type: schema.StepTypeExternalAPICall,
			Configuration: map[string]any{
				"url":  srv.URL,
				"auth": map[string]any{"type": "bearer", "token": "${{secrets.crm_token}}"},
			},
		}},
	})
	require.NoError(t, err)

	id, err := a.Engine.ExecuteWorkflow(ctx, tpl.ID, "crm-1", schema.ExecuteOptions{})
	require.NoError(t, err)
	exec := await(t, a, id)
	require.Equal(t, schema.ExecutionCompleted, exec.Status, "error: %v", exec.Error)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.NotContains(t, exec.Context, secrets.ContextKey)
}
