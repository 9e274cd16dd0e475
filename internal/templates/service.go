// Package templates manages versioned workflow templates: validation on
// write, version forking, and trigger registration on activation.
package templates

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/validation"
	"github.com/rendis/taskflow/pkg/schema"
)

// TriggerRegistrar binds a template's trigger definitions to the dispatcher.
type TriggerRegistrar interface {
	RegisterTrigger(ctx context.Context, templateID string, def schema.TriggerDefinition) (*schema.TriggerRegistration, error)
	UnregisterTemplate(ctx context.Context, templateID string) (int, error)
}

// Publisher receives template lifecycle events after they are persisted.
type Publisher interface {
	PublishLifecycle(event *store.Event) error
}

// Option customizes a Service.
type Option func(*Service)

// WithTriggers sets the registrar used when templates are activated.
func WithTriggers(r TriggerRegistrar) Option {
	return func(s *Service) { s.triggers = r }
}

// WithPublisher sets where template events are published.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service is the template store's public face.
type Service struct {
	store     store.Store
	events    *store.EventLog
	validator *validation.Validator
	triggers  TriggerRegistrar
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service over s validating with v.
func NewService(s store.Store, v *validation.Validator, opts ...Option) *Service {
	svc := &Service{
		store:     s,
		events:    store.NewEventLog(s),
		validator: v,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	svc.logger = svc.logger.With(slog.String("module", "templates"))
	return svc
}

// ValidateWorkflowTemplate runs the full validation pipeline without storing anything.
func (s *Service) ValidateWorkflowTemplate(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	return s.validator.ValidateTemplate(tpl)
}

// Validate checks a step set: dangling dependencies, cycles and configuration.
func (s *Service) Validate(steps []schema.Step) *schema.ValidationResult {
	return s.validator.ValidateSteps(steps)
}

// CreateTemplate validates spec and stores it as version 1 of a new family.
func (s *Service) CreateTemplate(ctx context.Context, spec schema.TemplateSpec) (*schema.WorkflowTemplate, error) {
	now := s.now()
	tpl := &schema.WorkflowTemplate{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Description: spec.Description,
		Category:    spec.Category,
		Steps:       spec.Steps,
		Triggers:    spec.Triggers,
		Version:     1,
		IsActive:    spec.IsActive,
		CreatedBy:   spec.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tpl.FamilyID = tpl.ID
	tpl = tpl.Clone()

	if err := s.prepare(tpl); err != nil {
		return nil, err
	}
	if err := s.store.CreateTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	s.emit(ctx, tpl, schema.EventTemplateCreated, nil)

	if tpl.IsActive {
		if err := s.syncTriggers(ctx, tpl); err != nil {
			return nil, err
		}
	}
	s.logger.InfoContext(ctx, "template created",
		slog.String("template_id", tpl.ID), slog.String("name", tpl.Name), slog.Int("steps", len(tpl.Steps)))
	return tpl, nil
}

// UpdateTemplate applies patch to template id. With createNewVersion the
// stored template is left untouched and a new version of its family is
// created; otherwise the template is changed in place, keeping id and version.
// An active new version takes over from the version it was forked from.
func (s *Service) UpdateTemplate(ctx context.Context, id string, patch schema.TemplatePatch, createNewVersion bool) (*schema.WorkflowTemplate, error) {
	current, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	applyPatch(next, patch)
	if err := s.prepare(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()

	if !createNewVersion {
		if err := s.store.UpdateTemplate(ctx, next); err != nil {
			return nil, err
		}
		s.emit(ctx, next, schema.EventTemplateUpdated, map[string]any{"version": next.Version, "new_version": false})
		if next.IsActive || current.IsActive {
			if err := s.syncTriggers(ctx, next); err != nil {
				return nil, err
			}
		}
		return next, nil
	}

	version, err := s.nextVersion(ctx, current.FamilyID)
	if err != nil {
		return nil, err
	}
	next.ID = uuid.NewString()
	next.Version = version
	next.CreatedAt = next.UpdatedAt
	if err := s.store.CreateTemplate(ctx, next); err != nil {
		return nil, err
	}
	s.emit(ctx, next, schema.EventTemplateUpdated, map[string]any{
		"version":     next.Version,
		"new_version": true,
		"previous_id": current.ID,
	})

	if next.IsActive {
		if current.IsActive {
			if _, err := s.DeactivateTemplate(ctx, current.ID); err != nil {
				return nil, err
			}
		}
		if err := s.syncTriggers(ctx, next); err != nil {
			return nil, err
		}
	}
	s.logger.InfoContext(ctx, "template version created",
		slog.String("template_id", next.ID), slog.String("family_id", next.FamilyID), slog.Int("version", next.Version))
	return next, nil
}

// GetTemplate returns a template by id.
func (s *Service) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	return s.store.GetTemplate(ctx, id)
}

// ListTemplates returns templates matching filter, ordered by family then version.
func (s *Service) ListTemplates(ctx context.Context, filter store.TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	return s.store.ListTemplates(ctx, filter)
}

// ListVersions returns every version of the family the template id belongs
// to, oldest first. id may be any version's id.
func (s *Service) ListVersions(ctx context.Context, id string) ([]*schema.WorkflowTemplate, error) {
	tpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.store.ListTemplates(ctx, store.TemplateFilter{FamilyID: tpl.FamilyID})
}

// ActivateTemplate makes a template eligible for trigger-started executions
// and registers its triggers.
func (s *Service) ActivateTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	return s.setActive(ctx, id, true)
}

// DeactivateTemplate removes a template's trigger registrations. Running
// executions are not affected.
func (s *Service) DeactivateTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	return s.setActive(ctx, id, false)
}

func (s *Service) setActive(ctx context.Context, id string, active bool) (*schema.WorkflowTemplate, error) {
	tpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	changed := tpl.IsActive != active
	tpl.IsActive = active
	if changed {
		tpl.UpdatedAt = s.now()
		if err := s.store.UpdateTemplate(ctx, tpl); err != nil {
			return nil, err
		}
	}
	if err := s.syncTriggers(ctx, tpl); err != nil {
		return nil, err
	}

	if changed {
		typ := schema.EventTemplateDeactivated
		if active {
			typ = schema.EventTemplateActivated
		}
		s.emit(ctx, tpl, typ, map[string]any{"version": tpl.Version})
		s.logger.InfoContext(ctx, "template activation changed",
			slog.String("template_id", tpl.ID), slog.Bool("active", active))
	}
	return tpl, nil
}

// prepare validates tpl and caches its execution order and complexity.
func (s *Service) prepare(tpl *schema.WorkflowTemplate) error {
	result := s.validator.ValidateTemplate(tpl)
	if !result.Valid() {
		return result.ToError()
	}
	for _, w := range result.Warnings {
		s.logger.Warn("template validation warning",
			slog.String("template", tpl.Name), slog.String("path", w.Path), slog.String("message", w.Message))
	}
	tpl.ExecutionOrder = result.Order
	tpl.Complexity = result.Complexity
	return nil
}

// syncTriggers replaces the template's registrations with its current
// trigger definitions, or removes them when the template is inactive.
func (s *Service) syncTriggers(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	if s.triggers == nil {
		return nil
	}
	if _, err := s.triggers.UnregisterTemplate(ctx, tpl.ID); err != nil {
		return fmt.Errorf("unregister triggers of %s: %w", tpl.ID, err)
	}
	if !tpl.IsActive {
		return nil
	}
	for _, def := range tpl.Triggers {
		if _, err := s.triggers.RegisterTrigger(ctx, tpl.ID, def); err != nil {
			return fmt.Errorf("register %s trigger of %s: %w", def.Type, tpl.ID, err)
		}
	}
	return nil
}

func (s *Service) nextVersion(ctx context.Context, familyID string) (int, error) {
	versions, err := s.store.ListTemplates(ctx, store.TemplateFilter{FamilyID: familyID})
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, v := range versions {
		latest = max(latest, v.Version)
	}
	return latest + 1, nil
}

func applyPatch(tpl *schema.WorkflowTemplate, patch schema.TemplatePatch) {
	if patch.Name != nil {
		tpl.Name = *patch.Name
	}
	if patch.Description != nil {
		tpl.Description = *patch.Description
	}
	if patch.Category != nil {
		tpl.Category = *patch.Category
	}
	if patch.Steps != nil {
		tpl.Steps = (&schema.WorkflowTemplate{Steps: patch.Steps}).Clone().Steps
	}
	if patch.Triggers != nil {
		tpl.Triggers = (&schema.WorkflowTemplate{Triggers: *patch.Triggers}).Clone().Triggers
	}
	if patch.IsActive != nil {
		tpl.IsActive = *patch.IsActive
	}
}

func (s *Service) emit(ctx context.Context, tpl *schema.WorkflowTemplate, typ string, payload any) {
	ev := &store.Event{TemplateID: tpl.ID, Type: typ}
	if err := s.events.Append(ctx, ev, payload); err != nil {
		s.logger.ErrorContext(ctx, "append template event",
			slog.String("template_id", tpl.ID), slog.String("event_type", typ), slog.Any("error", err))
		return
	}
	if s.publisher != nil {
		if err := s.publisher.PublishLifecycle(ev); err != nil {
			s.logger.WarnContext(ctx, "publish template event", slog.String("event_type", typ), slog.Any("error", err))
		}
	}
}
