package executors

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/pkg/schema"
)

// ApprovalRequest describes a user-approval step waiting for a decision.
type ApprovalRequest struct {
	ExecutionID string    `json:"execution_id"`
	TemplateID  string    `json:"template_id"`
	StepID      string    `json:"step_id"`
	Approvers   []string  `json:"approvers,omitempty"`
	Message     string    `json:"message,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// ApprovalDecision resolves a pending ApprovalRequest.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

type pendingApproval struct {
	request  ApprovalRequest
	decision chan ApprovalDecision
}

// ApprovalGate runs the user-approval kind. Each attempt blocks until Decide
// is called for it or the step context ends (timeout, cancellation).
// A rejection is a result, not an error: the step completes with
// {"approved": false}, so a downstream conditional can branch on it.
type ApprovalGate struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewApprovalGate creates an empty ApprovalGate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{pending: make(map[string]*pendingApproval)}
}

func approvalKey(executionID, stepID string) string {
	return executionID + "/" + stepID
}

func (g *ApprovalGate) Execute(ctx context.Context, req Request) (any, error) {
	message, err := expressions.RenderString(stringParam(req.Step.Configuration, "message", ""), req.Context)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(req.Step.ID)
	}

	p := &pendingApproval{
		request: ApprovalRequest{
			ExecutionID: req.ExecutionID,
			TemplateID:  req.TemplateID,
			StepID:      req.Step.ID,
			Approvers:   stringsParam(req.Step.Configuration, "approvers"),
			Message:     message,
			RequestedAt: time.Now().UTC(),
		},
		decision: make(chan ApprovalDecision, 1),
	}

	key := approvalKey(req.ExecutionID, req.Step.ID)
	g.mu.Lock()
	g.pending[key] = p
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.pending[key] == p {
			delete(g.pending, key)
		}
		g.mu.Unlock()
	}()

	select {
	case d := <-p.decision:
		return map[string]any{
			"approved": d.Approved,
			"approver": d.Approver,
			"comment":  d.Comment,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decide delivers a decision to the pending approval of a step.
func (g *ApprovalGate) Decide(executionID, stepID string, d ApprovalDecision) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := approvalKey(executionID, stepID)
	p, ok := g.pending[key]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no pending approval for step %q of execution %q", stepID, executionID)
	}
	if approvers := p.request.Approvers; len(approvers) > 0 && !slices.Contains(approvers, d.Approver) {
		return schema.NewErrorf(schema.ErrCodeValidation, "%q is not an approver for step %q", d.Approver, stepID)
	}
	delete(g.pending, key)
	p.decision <- d
	return nil
}

// Pending lists waiting approvals, oldest first. An empty executionID lists all.
func (g *ApprovalGate) Pending(executionID string) []ApprovalRequest {
	g.mu.Lock()
	out := make([]ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		if executionID == "" || p.request.ExecutionID == executionID {
			out = append(out, p.request)
		}
	}
	g.mu.Unlock()

	slices.SortFunc(out, func(a, b ApprovalRequest) int {
		if c := a.RequestedAt.Compare(b.RequestedAt); c != 0 {
			return c
		}
		return cmp.Compare(approvalKey(a.ExecutionID, a.StepID), approvalKey(b.ExecutionID, b.StepID))
	})
	return out
}
