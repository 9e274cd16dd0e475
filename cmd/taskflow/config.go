package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/taskflow/internal/app"
	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/secrets"
)

// Config holds all taskflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	BaseURL    string `json:"base_url"`
	// DBPath is the libSQL database file. Empty keeps state in memory.
	DBPath             string `json:"db_path"`
	LogLevel           string `json:"log_level"`
	PoolSize           int    `json:"pool_size"`
	MaxParallel        int    `json:"max_parallel"`
	DefaultStepTimeout string `json:"default_step_timeout"`
	RetryBaseDelay     string `json:"retry_base_delay"`
	RetryMaxDelay      string `json:"retry_max_delay,omitempty"`
	CircuitThreshold   int    `json:"circuit_threshold,omitempty"`
	CircuitCooldown    string `json:"circuit_cooldown,omitempty"`
	// VaultKey comes from TASKFLOW_VAULT_KEY only and is never written to disk.
	VaultKey string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:         ":4200",
		DBPath:             filepath.Join(taskflowDir(), "taskflow.db"),
		LogLevel:           "info",
		PoolSize:           engine.DefaultPoolSize,
		MaxParallel:        engine.DefaultMaxParallel,
		DefaultStepTimeout: "30s",
		RetryBaseDelay:     "1s",
	}
}

func taskflowDir() string {
	if v := os.Getenv("TASKFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskflow"
	}
	return filepath.Join(home, ".taskflow")
}

func settingsPath() string {
	return filepath.Join(taskflowDir(), "settings.json")
}

func saltPath() string {
	return filepath.Join(taskflowDir(), "vault.salt")
}

func pidPath() string {
	return filepath.Join(taskflowDir(), "taskflow.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v, ok := os.LookupEnv("TASKFLOW_DB_PATH"); ok {
		cfg.DBPath = v
	}
	for name, dst := range map[string]*string{
		"TASKFLOW_LISTEN_ADDR":          &cfg.ListenAddr,
		"TASKFLOW_BASE_URL":             &cfg.BaseURL,
		"TASKFLOW_LOG_LEVEL":            &cfg.LogLevel,
		"TASKFLOW_DEFAULT_STEP_TIMEOUT": &cfg.DefaultStepTimeout,
		"TASKFLOW_RETRY_BASE_DELAY":     &cfg.RetryBaseDelay,
		"TASKFLOW_RETRY_MAX_DELAY":      &cfg.RetryMaxDelay,
		"TASKFLOW_CIRCUIT_COOLDOWN":     &cfg.CircuitCooldown,
	} {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	for name, dst := range map[string]*int{
		"TASKFLOW_POOL_SIZE":         &cfg.PoolSize,
		"TASKFLOW_MAX_PARALLEL":      &cfg.MaxParallel,
		"TASKFLOW_CIRCUIT_THRESHOLD": &cfg.CircuitThreshold,
	} {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	cfg.VaultKey = os.Getenv("TASKFLOW_VAULT_KEY")

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	return cfg
}

// appConfig converts cfg into component settings. Unparseable durations
// fall back to the engine defaults.
func (c Config) appConfig() (app.Config, error) {
	ec := engine.Config{
		PoolSize:           c.PoolSize,
		MaxParallel:        c.MaxParallel,
		DefaultStepTimeout: parseDuration(c.DefaultStepTimeout),
		Retry: engine.RetryPolicy{
			BaseDelay: parseDuration(c.RetryBaseDelay),
			MaxDelay:  parseDuration(c.RetryMaxDelay),
		},
	}
	if c.CircuitThreshold > 0 {
		ec.CircuitBreaker = &engine.CircuitBreakerConfig{
			FailureThreshold: c.CircuitThreshold,
			Cooldown:         parseDuration(c.CircuitCooldown),
		}
	}
	ac := app.Config{DBPath: c.DBPath, Engine: ec}
	if c.VaultKey != "" {
		salt, err := loadSalt(c.DBPath == "")
		if err != nil {
			return ac, err
		}
		ac.Vault = secrets.VaultConfig{Passphrase: c.VaultKey, Salt: salt}
	}
	return ac, nil
}

// loadSalt returns the persisted vault salt, creating it on first use.
// Ephemeral salts serve in-memory stores, whose secrets die with the process.
func loadSalt(ephemeral bool) ([]byte, error) {
	if ephemeral {
		return secrets.NewSalt()
	}
	if data, err := os.ReadFile(saltPath()); err == nil && len(data) > 0 {
		return data, nil
	}
	salt, err := secrets.NewSalt()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(taskflowDir(), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(saltPath(), salt, 0o600); err != nil {
		return nil, fmt.Errorf("write vault salt: %w", err)
	}
	return salt, nil
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.BaseURL != new.BaseURL {
		d.RestartNeeded = append(d.RestartNeeded, "base_url")
	}
	if old.VaultKey != new.VaultKey {
		d.RestartNeeded = append(d.RestartNeeded, "vault_key")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.MaxParallel != new.MaxParallel {
		d.RestartNeeded = append(d.RestartNeeded, "max_parallel")
	}
	if old.DefaultStepTimeout != new.DefaultStepTimeout ||
		old.RetryBaseDelay != new.RetryBaseDelay || old.RetryMaxDelay != new.RetryMaxDelay {
		d.RestartNeeded = append(d.RestartNeeded, "step_policy")
	}
	return d
}
