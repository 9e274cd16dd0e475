// Package app wires the taskflow components into one running instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/events"
	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/templates"
	"github.com/rendis/taskflow/internal/triggers"
	"github.com/rendis/taskflow/internal/validation"
)

// Config selects the store and tunes the engine.
type Config struct {
	// DBPath is a libSQL database file. Empty keeps everything in memory.
	DBPath string
	Engine engine.Config
	HTTP   executors.HTTPConfig
	// Vault enables ${{secrets.KEY}} references. Zero disables secrets.
	Vault secrets.VaultConfig
}

// App holds the wired components.
type App struct {
	Store     store.Store
	Bus       *events.Bus
	Registry  *executors.Registry
	Approvals *executors.ApprovalGate
	Validator *validation.Validator
	Engine    *engine.Engine
	Templates *templates.Service
	Triggers  *triggers.Dispatcher
	Scheduler *triggers.Scheduler
	Secrets   secrets.Vault // nil when no vault key is configured
	Logger    *slog.Logger
}

// New opens the store and builds every component on top of it.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	var vault secrets.Vault
	if len(cfg.Vault.MasterKey) > 0 || cfg.Vault.Passphrase != "" {
		v, err := secrets.NewAESVault(s, cfg.Vault)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open vault: %w", err)
		}
		vault = v
		if cfg.HTTP.Secrets == nil {
			cfg.HTTP.Secrets = v
		}
	}

	bus := events.NewBus(logger)
	registry := executors.NewRegistry()
	approvals := executors.NewApprovalGate()
	if err := executors.RegisterBuiltins(registry, executors.BuiltinConfig{
		HTTP:              cfg.HTTP,
		JQ:                expressions.NewGoJQEngine(),
		Publisher:         bus.Publisher(),
		NotificationTopic: events.TopicNotifications,
		Approvals:         approvals,
	}); err != nil {
		_ = s.Close()
		return nil, err
	}

	v, err := validation.NewValidator(registry)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("build validator: %w", err)
	}
	resolver, err := expressions.NewResolver()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("build condition resolver: %w", err)
	}

	eng := engine.New(s, registry, cfg.Engine,
		engine.WithResolver(resolver),
		engine.WithPublisher(bus),
		engine.WithLogger(logger),
	)
	dispatcher := triggers.NewDispatcher(s, eng, v,
		triggers.WithPublisher(bus),
		triggers.WithLogger(logger),
	)
	tpls := templates.NewService(s, v,
		templates.WithTriggers(dispatcher),
		templates.WithPublisher(bus),
		templates.WithLogger(logger),
	)

	return &App{
		Store:     s,
		Bus:       bus,
		Registry:  registry,
		Approvals: approvals,
		Validator: v,
		Engine:    eng,
		Templates: tpls,
		Triggers:  dispatcher,
		Scheduler: triggers.NewScheduler(dispatcher, logger),
		Secrets:   vault,
		Logger:    logger,
	}, nil
}

func openStore(ctx context.Context, dbPath string) (store.Store, error) {
	if dbPath == "" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewLibSQLStore("file:" + dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return s, nil
}

// Start pauses executions interrupted by a previous process and starts the
// schedule trigger loop.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	return a.Scheduler.Start(ctx)
}

// Close stops scheduling, pauses active executions and releases the store.
func (a *App) Close(ctx context.Context) error {
	a.Scheduler.Stop()
	err := a.Engine.Shutdown(ctx)
	return errors.Join(err, a.Bus.Close(), a.Store.Close())
}
