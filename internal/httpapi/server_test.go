package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/app"
	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

type testEnv struct {
	app *app.App
	srv *httptest.Server
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(context.Background(), app.Config{
		Engine: engine.Config{Retry: engine.RetryPolicy{BaseDelay: 5 * time.Millisecond}},
		Vault:  secrets.VaultConfig{MasterKey: bytes.Repeat([]byte{7}, 32)},
	}, logger)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	srv := httptest.NewServer(NewServer(Deps{
		Engine:    a.Engine,
		Templates: a.Templates,
		Triggers:  a.Triggers,
		Scheduler: a.Scheduler,
		Approvals: a.Approvals,
		Bus:       a.Bus,
		Secrets:   a.Secrets,
		Logger:    logger,
	}).Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return &testEnv{app: a, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp, out
}

func (e *testEnv) await(t *testing.T, id string) *schema.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := e.app.Engine.Await(ctx, id)
	require.NoError(t, err)
	return exec
}

func pipeline() map[string]any {
	return map[string]any{
		"name":      "pipeline",
		"category":  "ops",
		"is_active": true,
		"triggers": []any{
			map[string]any{"type": "webhook", "configuration": map[string]any{"path": "/hooks/deploy"}},
		},
		"steps": []any{
			map[string]any{"id": "shape", "type": "data-transform", "configuration": map[string]any{"query": "{n: .n}"}},
			map[string]any{"id": "gate", "type": "conditional", "dependencies": []any{"shape"},
				"configuration": map[string]any{"expression": "(step_shape_result.n ?? 0) > 1"}},
		},
	}
}

func TestHealth(t *testing.T) {
	env := setup(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "pool")
}

func TestTemplateLifecycle(t *testing.T) {
	env := setup(t)

	resp, created := env.do(t, http.MethodPost, "/api/v1/templates", pipeline())
	require.Equal(t, http.StatusCreated, resp.StatusCode, "%v", created)
	id := created["id"].(string)

	resp, got := env.do(t, http.MethodGet, "/api/v1/templates/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pipeline", got["name"])

	resp, list := env.do(t, http.MethodGet, "/api/v1/templates?category=ops", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["templates"], 1)

	resp, v2 := env.do(t, http.MethodPatch, "/api/v1/templates/"+id+"?new_version=true",
		map[string]any{"description": "second"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "%v", v2)
	assert.EqualValues(t, 2, v2["version"])
	assert.NotEqual(t, id, v2["id"])

	resp, versions := env.do(t, http.MethodGet, "/api/v1/templates/"+id+"/versions", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, versions["versions"], 2)

	resp, regs := env.do(t, http.MethodGet, "/api/v1/templates/"+v2["id"].(string)+"/triggers", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, regs["registrations"], 1)

	resp, deactivated := env.do(t, http.MethodPost, "/api/v1/templates/"+v2["id"].(string)+"/deactivate", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, deactivated["is_active"])
}

func TestCreateTemplateProblems(t *testing.T) {
	env := setup(t)

	cyclic := map[string]any{
		"name": "loop",
		"steps": []any{
			map[string]any{"id": "a", "type": "data-transform", "dependencies": []any{"b"}, "configuration": map[string]any{"query": "."}},
			map[string]any{"id": "b", "type": "data-transform", "dependencies": []any{"a"}, "configuration": map[string]any{"query": "."}},
		},
	}
	resp, body := env.do(t, http.MethodPost, "/api/v1/templates", cyclic)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, problemContentType, resp.Header.Get("Content-Type"))
	assert.Equal(t, schema.ErrCodeCycleDetected, body["code"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/templates", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", body["type"])

	resp, body = env.do(t, http.MethodGet, "/api/v1/templates/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])
}

func TestValidateEndpoint(t *testing.T) {
	env := setup(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/templates/validate", pipeline())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, []any{"shape", "gate"}, body["order"])

	dangling := pipeline()
	dangling["steps"] = []any{
		map[string]any{"id": "a", "type": "data-transform", "dependencies": []any{"ghost"}, "configuration": map[string]any{"query": "."}},
	}
	resp, body = env.do(t, http.MethodPost, "/api/v1/templates/validate", dangling)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["errors"])
}

func TestExecuteAndInspect(t *testing.T) {
	env := setup(t)
	_, created := env.do(t, http.MethodPost, "/api/v1/templates", pipeline())
	id := created["id"].(string)

	assert.Equal(t, http.StatusBadRequest, statusOf(t, env, id, map[string]any{}))

	resp, body := env.do(t, http.MethodPost, "/api/v1/templates/"+id+"/executions", map[string]any{"task_id": "t-1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "%v", body)
	execID := body["execution_id"].(string)
	assert.Equal(t, "/api/v1/executions/"+execID, resp.Header.Get("Location"))

	exec := env.await(t, execID)
	require.Equal(t, schema.ExecutionCompleted, exec.Status, "error: %v", exec.Error)

	resp, got := env.do(t, http.MethodGet, "/api/v1/executions/"+execID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", got["status"])

	_, list := env.do(t, http.MethodGet, "/api/v1/executions?task_id=t-1&status=completed", nil)
	assert.Len(t, list["executions"], 1)

	_, evs := env.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/events", nil)
	events := evs["events"].([]any)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventExecutionCreated, events[0].(map[string]any)["event_type"])

	_, hist := env.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/history", nil)
	steps := hist["steps"].(map[string]any)
	assert.Equal(t, "completed", steps["gate"].(map[string]any)["status"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeInvalidTransition, body["code"])
}

func statusOf(t *testing.T, env *testEnv, templateID string, req map[string]any) int {
	t.Helper()
	resp, _ := env.do(t, http.MethodPost, "/api/v1/templates/"+templateID+"/executions", req)
	return resp.StatusCode
}

func TestWebhookIngress(t *testing.T) {
	env := setup(t)
	_, created := env.do(t, http.MethodPost, "/api/v1/templates", pipeline())
	require.NotNil(t, created["id"])

	resp, body := env.do(t, http.MethodPost, "/hooks/deploy", map[string]any{"n": 3})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "%v", body)
	ids := body["execution_ids"].([]any)
	require.Len(t, ids, 1)

	exec := env.await(t, ids[0].(string))
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)

	resp, body = env.do(t, http.MethodPost, "/hooks/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no_matching_trigger", body["type"])
}

func TestOversizedBodiesAreRejected(t *testing.T) {
	env := setup(t)
	_, created := env.do(t, http.MethodPost, "/api/v1/templates", pipeline())
	require.NotNil(t, created["id"])

	big := `{"type":"webhook","data":{"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}}`
	for _, path := range []string{"/hooks/deploy", "/api/v1/events", "/api/v1/templates"} {
		rec := httptest.NewRecorder()
		env.srv.Config.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(big)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "request_too_large", path)
	}

	execs, err := env.app.Engine.ListExecutions(context.Background(), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestTriggerEventEndpoint(t *testing.T) {
	env := setup(t)
	tpl := pipeline()
	tpl["triggers"] = []any{
		map[string]any{"type": "email-received", "configuration": map[string]any{"from": ".*@acme\\.com"}},
	}
	_, created := env.do(t, http.MethodPost, "/api/v1/templates", tpl)
	require.NotNil(t, created["id"])

	resp, body := env.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"type": "email-received",
		"data": map[string]any{"from": "ops@acme.com", "subject": "deploy"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "%v", body)
	assert.Len(t, body["execution_ids"], 1)

	resp, body = env.do(t, http.MethodPost, "/api/v1/events", map[string]any{"data": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", body["type"])
}

func TestSchedulesEndpoint(t *testing.T) {
	env := setup(t)
	tpl := pipeline()
	tpl["triggers"] = []any{
		map[string]any{"type": "schedule", "configuration": map[string]any{"cron": "0 9 * * 1"}},
	}
	_, created := env.do(t, http.MethodPost, "/api/v1/templates", tpl)
	require.NotNil(t, created["id"])

	require.Eventually(t, func() bool { return env.app.Scheduler.Len() == 1 }, time.Second, 5*time.Millisecond)

	resp, body := env.do(t, http.MethodGet, "/api/v1/schedules", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	schedules := body["schedules"].([]any)
	require.Len(t, schedules, 1)
	assert.NotEmpty(t, schedules[0].(map[string]any)["next_run"])
}

func TestApprovalEndpoints(t *testing.T) {
	env := setup(t)
	_, created := env.do(t, http.MethodPost, "/api/v1/templates", map[string]any{
		"name": "signoff",
		"steps": []any{
			map[string]any{"id": "ok", "type": "user-approval", "configuration": map[string]any{"approvers": []any{"lead"}}},
		},
	})
	_, started := env.do(t, http.MethodPost, "/api/v1/templates/"+created["id"].(string)+"/executions", map[string]any{"task_id": "s-1"})
	execID := started["execution_id"].(string)

	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/api/v1/approvals?execution_id="+execID, nil)
		return len(body["approvals"].([]any)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, body := env.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/steps/ok/decision",
		map[string]any{"approved": true, "approver": "guest"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/steps/ok/decision",
		map[string]any{"approved": true, "approver": "lead"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, schema.ExecutionCompleted, env.await(t, execID).Status)

	resp, body = env.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/steps/ok/decision",
		map[string]any{"approved": true, "approver": "lead"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])
}

func TestExecutionStreamReplaysUntilTerminal(t *testing.T) {
	env := setup(t)
	_, created := env.do(t, http.MethodPost, "/api/v1/templates", pipeline())
	_, started := env.do(t, http.MethodPost, "/api/v1/templates/"+created["id"].(string)+"/executions",
		map[string]any{"task_id": "sse", "context": map[string]any{"n": 5}})
	execID := started["execution_id"].(string)
	env.await(t, execID)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/v1/executions/"+execID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if after, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			types = append(types, after)
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, schema.EventExecutionCreated, types[0])
	assert.Equal(t, schema.EventExecutionCompleted, types[len(types)-1])
}

func TestDiagramEndpoints(t *testing.T) {
	env := setup(t)
	_, created := env.do(t, http.MethodPost, "/api/v1/templates", pipeline())
	id := created["id"].(string)

	resp, err := http.Get(env.srv.URL + "/api/v1/templates/" + id + "/diagram?format=mermaid")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "shape --> gate")

	resp, body := env.do(t, http.MethodGet, "/api/v1/templates/"+id+"/diagram?format=svg", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", body["type"])

	_, started := env.do(t, http.MethodPost, "/api/v1/templates/"+id+"/executions", map[string]any{"task_id": "d-1"})
	execID := started["execution_id"].(string)
	env.await(t, execID)

	resp, err = http.Get(env.srv.URL + "/api/v1/executions/" + execID + "/diagram")
	require.NoError(t, err)
	raw, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "[OK]")
}

func TestSecretsEndpoints(t *testing.T) {
	env := setup(t)

	resp, _ := env.do(t, http.MethodPut, "/api/v1/secrets/crm_token", map[string]any{"value": "tok"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/v1/secrets", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"crm_token"}, body["keys"])

	resp, body = env.do(t, http.MethodPut, "/api/v1/secrets/crm_token", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", body["type"])

	resp, body = env.do(t, http.MethodPut, "/api/v1/secrets/bad.key", map[string]any{"value": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/secrets/crm_token", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/api/v1/secrets/crm_token", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecretsDisabledWithoutVault(t *testing.T) {
	h := NewServer(Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/secrets", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "vault_disabled")
}
