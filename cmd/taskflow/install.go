package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rendis/taskflow/internal/engine"
)

func runInstall(args []string) {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", ":4200", "TCP listen address")
	baseURL := fs.String("base-url", "", "public base URL (derived from listen-addr if empty)")
	dbPath := fs.String("db-path", "", "database path (default: ~/.taskflow/taskflow.db)")
	memory := fs.Bool("memory", false, "keep state in memory only")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", engine.DefaultPoolSize, "shared slots for parallel step attempts")
	maxParallel := fs.Int("max-parallel", engine.DefaultMaxParallel, "concurrent steps per execution")
	stepTimeout := fs.String("step-timeout", "30s", "default step timeout")
	retryBase := fs.String("retry-base-delay", "1s", "base retry backoff")
	vaultKey := fs.String("vault-key", "", "vault passphrase (memory only, not persisted to disk)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := taskflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	cfg := Config{
		ListenAddr:         *listenAddr,
		BaseURL:            *baseURL,
		DBPath:             *dbPath,
		LogLevel:           *logLevel,
		PoolSize:           *poolSize,
		MaxParallel:        *maxParallel,
		DefaultStepTimeout: *stepTimeout,
		RetryBaseDelay:     *retryBase,
	}
	switch {
	case *memory:
		cfg.DBPath = ""
	case cfg.DBPath == "":
		cfg.DBPath = filepath.Join(dir, "taskflow.db")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)

	// Set vault key in env (memory only) if provided.
	if *vaultKey != "" {
		os.Setenv("TASKFLOW_VAULT_KEY", *vaultKey)
	}

	// Signal running server to reload, or start a new one.
	if signalRunningServer() {
		return
	}
	runServe()
}

// signalRunningServer sends SIGHUP to a running taskflow server (via pidfile).
// Returns true if the server was signaled (caller should NOT start a new one).
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
