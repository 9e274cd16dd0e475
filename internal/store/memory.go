package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// MemoryStore is a process-local Store. Values are deep-copied on the way
// in and out so callers never share state with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	templates     map[string]*schema.WorkflowTemplate
	executions    map[string]*schema.Execution
	registrations map[string]*schema.TriggerRegistration
	events        []*Event
	sequences     map[string]int64
	nextEventID   int64
	secrets       map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:     make(map[string]*schema.WorkflowTemplate),
		executions:    make(map[string]*schema.Execution),
		registrations: make(map[string]*schema.TriggerRegistration),
		sequences:     make(map[string]int64),
		secrets:       make(map[string][]byte),
	}
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// --- Templates ---

func (s *MemoryStore) CreateTemplate(_ context.Context, tpl *schema.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[tpl.ID]; ok {
		return storeConflict("template", tpl.ID)
	}
	for _, existing := range s.templates {
		if existing.FamilyID == tpl.FamilyID && existing.Version == tpl.Version {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"template family %q already has version %d", tpl.FamilyID, tpl.Version)
		}
	}
	c := tpl.Clone()
	c.CreatedAt = timeOrNow(c.CreatedAt)
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	s.templates[tpl.ID] = c
	return nil
}

func (s *MemoryStore) UpdateTemplate(_ context.Context, tpl *schema.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[tpl.ID]; !ok {
		return storeNotFound("template", tpl.ID)
	}
	c := tpl.Clone()
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	s.templates[tpl.ID] = c
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id string) (*schema.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[id]
	if !ok {
		return nil, storeNotFound("template", id)
	}
	return tpl.Clone(), nil
}

func (s *MemoryStore) ListTemplates(_ context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	s.mu.RLock()
	var out []*schema.WorkflowTemplate
	for _, tpl := range s.templates {
		if filter.FamilyID != "" && tpl.FamilyID != filter.FamilyID {
			continue
		}
		if filter.Category != "" && tpl.Category != filter.Category {
			continue
		}
		if filter.Name != "" && tpl.Name != filter.Name {
			continue
		}
		if filter.ActiveOnly && !tpl.IsActive {
			continue
		}
		out = append(out, tpl.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *schema.WorkflowTemplate) int {
		if c := cmp.Compare(a.FamilyID, b.FamilyID); c != 0 {
			return c
		}
		return cmp.Compare(a.Version, b.Version)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(_ context.Context, exec *schema.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; ok {
		return storeConflict("execution", exec.ID)
	}
	if _, ok := s.templates[exec.TemplateID]; !ok {
		return storeNotFound("template", exec.TemplateID)
	}
	c := exec.Clone()
	c.CreatedAt = timeOrNow(c.CreatedAt)
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	s.executions[exec.ID] = c
	return nil
}

func (s *MemoryStore) SaveExecution(_ context.Context, exec *schema.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return storeNotFound("execution", exec.ID)
	}
	c := exec.Clone()
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	s.executions[exec.ID] = c
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*schema.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	s.mu.RLock()
	var out []*schema.Execution
	for _, exec := range s.executions {
		if filter.TemplateID != "" && exec.TemplateID != filter.TemplateID {
			continue
		}
		if filter.TaskID != "" && exec.TaskID != filter.TaskID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && exec.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, exec.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *schema.Execution) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// --- Trigger registrations ---

func (s *MemoryStore) CreateRegistration(_ context.Context, reg *schema.TriggerRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registrations[reg.ID]; ok {
		return storeConflict("trigger registration", reg.ID)
	}
	c := reg.Clone()
	c.CreatedAt = timeOrNow(c.CreatedAt)
	s.registrations[reg.ID] = c
	return nil
}

func (s *MemoryStore) GetRegistration(_ context.Context, id string) (*schema.TriggerRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.registrations[id]
	if !ok {
		return nil, storeNotFound("trigger registration", id)
	}
	return reg.Clone(), nil
}

func (s *MemoryStore) ListRegistrations(_ context.Context, filter RegistrationFilter) ([]*schema.TriggerRegistration, error) {
	s.mu.RLock()
	var out []*schema.TriggerRegistration
	for _, reg := range s.registrations {
		if filter.TemplateID != "" && reg.TemplateID != filter.TemplateID {
			continue
		}
		if filter.Type != "" && reg.Type != filter.Type {
			continue
		}
		if filter.ActiveOnly && !reg.Active {
			continue
		}
		out = append(out, reg.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *schema.TriggerRegistration) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) DeleteRegistrations(_ context.Context, templateID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, reg := range s.registrations {
		if reg.TemplateID == templateID {
			delete(s.registrations, id)
			n++
		}
	}
	return n, nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream := event.stream()
	s.sequences[stream]++
	s.nextEventID++

	event.ID = s.nextEventID
	event.Sequence = s.sequences[stream]
	event.Timestamp = timeOrNow(event.Timestamp)

	c := *event
	c.Payload = slices.Clone(event.Payload)
	s.events = append(s.events, &c)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if e.ExecutionID == executionID && e.Sequence > since {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]*Event, error) {
	s.mu.RLock()
	var out []*Event
	for _, e := range s.events {
		if filter.ExecutionID != "" && e.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.TemplateID != "" && e.TemplateID != filter.TemplateID {
			continue
		}
		if filter.StepID != "" && e.StepID != filter.StepID {
			continue
		}
		if filter.EventType != "" && e.Type != filter.EventType {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	s.mu.RUnlock()

	slices.Reverse(out)
	return paginate(out, filter.Limit, 0), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// --- Secrets ---

func (s *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}
