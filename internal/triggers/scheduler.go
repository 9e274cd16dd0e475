package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// Scheduler emits schedule events for active schedule registrations on
// their cron expressions. Each tick is offered to the dispatcher carrying
// the registration id, so only that registration matches it.
type Scheduler struct {
	dispatcher *Dispatcher
	parser     cron.Parser
	cron       *cron.Cron
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]scheduledEntry // registration ID -> entry
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

type scheduledEntry struct {
	id   cron.EntryID
	spec string
}

// NewScheduler creates a Scheduler for d's schedule registrations and keeps
// it in sync as registrations change.
func NewScheduler(d *Dispatcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "scheduler"))
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if d.validator != nil {
		parser = d.validator.Configs().CronParser()
	}

	s := &Scheduler{
		dispatcher: d,
		parser:     parser,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger:  logger,
		entries: make(map[string]scheduledEntry),
		ctx:     context.Background(),
	}
	d.OnRegistrationsChanged(func(ctx context.Context) {
		if err := s.Sync(ctx); err != nil {
			s.logger.Error("sync schedules", slog.Any("error", err))
		}
	})
	return s
}

// Start loads the schedule registrations and starts ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("schedules", s.Len()))
	return nil
}

// Stop stops ticking and waits for running ticks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	cancel()
	s.logger.Info("scheduler stopped")
}

// Sync reconciles cron entries with the active schedule registrations.
func (s *Scheduler) Sync(ctx context.Context) error {
	regs, err := s.dispatcher.Registrations(ctx, store.RegistrationFilter{Type: schema.TriggerSchedule, ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list schedule registrations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]*schema.TriggerRegistration, len(regs))
	for _, reg := range regs {
		wanted[reg.ID] = reg
	}
	for id, entry := range s.entries {
		reg, ok := wanted[id]
		if !ok || cronSpec(reg) != entry.spec {
			s.cron.Remove(entry.id)
			delete(s.entries, id)
		}
	}

	for id, reg := range wanted {
		if _, ok := s.entries[id]; ok {
			continue
		}
		spec := cronSpec(reg)
		sched, err := s.parser.Parse(spec)
		if err != nil {
			s.logger.Warn("skip schedule registration",
				slog.String("registration_id", id), slog.String("cron", spec), slog.Any("error", err))
			continue
		}
		entryID := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(reg) }))
		s.entries[id] = scheduledEntry{id: entryID, spec: spec}
	}
	return nil
}

// Len returns the number of scheduled registrations.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Next returns the next tick time of a registration, or the zero time.
func (s *Scheduler) Next(registrationID string) time.Time {
	s.mu.Lock()
	entry, ok := s.entries[registrationID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	if next := s.cron.Entry(entry.id).Next; !next.IsZero() {
		return next
	}
	sched, err := s.parser.Parse(entry.spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now().UTC())
}

func (s *Scheduler) fire(reg *schema.TriggerRegistration) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	ids, err := s.dispatcher.ProcessTriggerEvent(ctx, schema.TriggerEvent{
		Type: schema.TriggerSchedule,
		Data: map[string]any{
			"registrationId": reg.ID,
			"templateId":     reg.TemplateID,
			"cron":           cronSpec(reg),
		},
		Timestamp: time.Now().UTC(),
		Source:    "scheduler",
	})
	if err != nil {
		s.logger.Error("scheduled trigger failed", slog.String("registration_id", reg.ID), slog.Any("error", err))
		return
	}
	s.logger.Debug("scheduled trigger fired", slog.String("registration_id", reg.ID), slog.Int("executions", len(ids)))
}

func cronSpec(reg *schema.TriggerRegistration) string {
	spec, _ := reg.Configuration["cron"].(string)
	return spec
}
