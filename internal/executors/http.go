package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/pkg/schema"
)

// HTTPConfig configures the external-api-call executor.
type HTTPConfig struct {
	MaxResponseBody int64
	Client          *http.Client
	// Secrets resolves ${{secrets.KEY}} references. With nil, referencing one fails the step.
	Secrets secrets.Resolver
}

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// APICallExecutor runs the external-api-call kind. String values in the
// configuration may reference the execution context with ${{...}}.
//
// Output: {status_code, status, headers, body, content_type, duration_ms}.
// A status outside expected_status (default 2xx) fails the attempt with
// STEP_FAILED, which the engine retries.
type APICallExecutor struct {
	config HTTPConfig
}

// NewAPICallExecutor creates an external-api-call executor.
func NewAPICallExecutor(cfg HTTPConfig) *APICallExecutor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &APICallExecutor{config: cfg}
}

func (e *APICallExecutor) Execute(ctx context.Context, req Request) (any, error) {
	data, err := secrets.Bind(ctx, e.config.Secrets, req.Step.Configuration, req.Context)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeSecret).WithStep(req.Step.ID)
	}
	resolved, err := expressions.ResolveValue(req.Step.Configuration, data)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(req.Step.ID)
	}
	params, _ := resolved.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	rawURL := stringParam(params, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "external-api-call: invalid url %q", rawURL).
			WithStep(req.Step.ID)
	}
	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))

	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepFailed, "external-api-call: failed to marshal body as JSON").
				WithCause(err).WithStep(req.Step.ID)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "external-api-call: failed to create request").
			WithCause(err).WithStep(req.Step.ID)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range mapParam(params, "headers") {
		httpReq.Header.Set(k, fmt.Sprintf("%v", v))
	}
	applyAuth(httpReq, mapParam(params, "auth"))
	httpReq.Header.Set("X-Taskflow-Execution", req.ExecutionID)

	start := time.Now()
	resp, err := e.config.Client.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "external-api-call: request failed: %v", err).
			WithCause(err).WithStep(req.Step.ID)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "external-api-call: failed to read response body").
			WithCause(err).WithStep(req.Step.ID)
	}

	contentType := resp.Header.Get("Content-Type")
	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parseBody(bodyBytes, contentType),
		"content_type": contentType,
		"duration_ms":  durationMs,
	}

	if !statusAccepted(resp.StatusCode, intsParam(params, "expected_status")) {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "external-api-call: %s %s returned %d",
			method, rawURL, resp.StatusCode).
			WithStep(req.Step.ID).
			WithDetails(result)
	}
	return result, nil
}

func applyAuth(req *http.Request, auth map[string]any) {
	if auth == nil {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

func parseBody(b []byte, contentType string) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}

func statusAccepted(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 300
	}
	return slices.Contains(expected, code)
}
