package store

import (
	"context"

	"github.com/rendis/taskflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use and return copies:
// mutating a returned value never changes stored state.
type Store interface {
	// Templates. Versions are stored as independent rows sharing a family ID.
	CreateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	UpdateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error)

	// Executions. SaveExecution replaces the stored snapshot.
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	SaveExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)

	// Trigger registrations
	CreateRegistration(ctx context.Context, reg *schema.TriggerRegistration) error
	GetRegistration(ctx context.Context, id string) (*schema.TriggerRegistration, error)
	ListRegistrations(ctx context.Context, filter RegistrationFilter) ([]*schema.TriggerRegistration, error)
	DeleteRegistrations(ctx context.Context, templateID string) (int, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Secrets hold ciphertext; encryption is the caller's concern.
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}
