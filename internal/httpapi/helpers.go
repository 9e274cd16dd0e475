package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/moogar0880/problems"

	"github.com/rendis/taskflow/pkg/schema"
)

const (
	problemContentType = "application/problem+json"
	maxBodyBytes       = 1 << 20
)

// problem is an RFC 7807 body carrying the FlowError code and details.
type problem struct {
	*problems.Problem
	Code    string         `json:"code,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, p *problem) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

func newProblem(r *http.Request, status int, typ, detail string) *problems.Problem {
	return problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(typ).
		WithDetail(detail)
}

// badRequest reports a malformed request.
func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, http.StatusBadRequest, &problem{
		Problem: newProblem(r, http.StatusBadRequest, "bad_request", detail),
	})
}

// writeError maps err to a problem response. FlowErrors keep their code
// and details; anything else is an internal error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		writeProblem(w, http.StatusInternalServerError, &problem{
			Problem: problems.NewStatusProblem(http.StatusInternalServerError).
				WithInstance(r.URL.Path).
				WithType("internal_error").
				WithError(err),
		})
		return
	}

	status := statusFor(fe.Code)
	writeProblem(w, status, &problem{
		Problem: newProblem(r, status, strings.ToLower(fe.Code), fe.Message),
		Code:    fe.Code,
		StepID:  fe.StepID,
		Details: fe.Details,
	})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected, schema.ErrCodeDanglingDep,
		schema.ErrCodeUnknownStepType, schema.ErrCodeTriggerMatch:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readBody reads the request body, refusing bodies over maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// bodyError reports a body that could not be read or decoded.
func bodyError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeProblem(w, http.StatusRequestEntityTooLarge, &problem{
			Problem: newProblem(r, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)),
		})
		return
	}
	badRequest(w, r, err.Error())
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}
