package executors

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/pkg/schema"
)

// BuiltinConfig wires the built-in executors. A nil Publisher leaves the
// notification kind unregistered; a nil Approvals leaves user-approval
// unregistered. ai-processing never has a built-in executor.
type BuiltinConfig struct {
	HTTP              HTTPConfig
	JQ                *expressions.GoJQEngine
	Publisher         message.Publisher
	NotificationTopic string
	Approvals         *ApprovalGate
}

// RegisterBuiltins registers the built-in executors into r.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	builtins := map[schema.StepType]Executor{
		schema.StepTypeDataTransform:   NewTransformExecutor(cfg.JQ),
		schema.StepTypeExternalAPICall: NewAPICallExecutor(cfg.HTTP),
	}
	if cfg.Publisher != nil {
		topic := cfg.NotificationTopic
		if topic == "" {
			topic = "taskflow.notifications"
		}
		builtins[schema.StepTypeNotification] = NewNotificationExecutor(cfg.Publisher, topic)
	}
	if cfg.Approvals != nil {
		builtins[schema.StepTypeUserApproval] = cfg.Approvals
	}

	for _, kind := range schema.StepTypes {
		exec, ok := builtins[kind]
		if !ok {
			continue
		}
		if err := r.Register(kind, exec); err != nil {
			return fmt.Errorf("register builtin %s: %w", kind, err)
		}
	}
	return nil
}
