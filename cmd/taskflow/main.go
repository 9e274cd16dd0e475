package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/taskflow/internal/app"
	"github.com/rendis/taskflow/internal/diagram"
	"github.com/rendis/taskflow/internal/httpapi"
	"github.com/rendis/taskflow/internal/logging"
	taskflowmcp "github.com/rendis/taskflow/pkg/mcp"
	"github.com/rendis/taskflow/pkg/schema"
)

const usage = `usage: taskflow <command> [flags]

commands:
  serve      run the HTTP API, the MCP SSE endpoint and the scheduler (default)
  mcp        run the MCP server over stdio
  install    write ~/.taskflow/settings.json and start or reload the server
  validate   validate a template JSON file
  diagram    draw a template JSON file
  version    print the build version
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe()
	case "mcp":
		runStdio()
	case "install":
		runInstall(args)
	case "validate":
		os.Exit(runValidate(args))
	case "diagram":
		os.Exit(runDiagram(args))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

func runServe() {
	cfg := loadConfig()

	var level slog.LevelVar
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, &level)

	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			logger.Error("create data dir", slog.Any("error", err))
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appCfg, err := cfg.appConfig()
	if err != nil {
		logger.Error("config", slog.Any("error", err))
		os.Exit(1)
	}
	a, err := app.New(ctx, appCfg, logger)
	if err != nil {
		logger.Error("init", slog.Any("error", err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		logger.Error("start", slog.Any("error", err))
		_ = a.Close(context.Background())
		os.Exit(1)
	}

	mcpSrv := newMCPServer(a, logger)
	go func() {
		if err := mcpSrv.WatchExecutions(ctx, nil); err != nil && ctx.Err() == nil {
			logger.Error("execution watcher stopped", slog.Any("error", err))
		}
	}()

	api := httpapi.NewServer(httpapi.Deps{
		Engine:    a.Engine,
		Templates: a.Templates,
		Triggers:  a.Triggers,
		Scheduler: a.Scheduler,
		Approvals: a.Approvals,
		Bus:       a.Bus,
		Secrets:   a.Secrets,
		Logger:    logger,
	})
	mux := http.NewServeMux()
	mux.Handle("/mcp/", mcpSrv.SSEServer(cfg.BaseURL, "/mcp"))
	mux.Handle("/", api.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := writePIDFile(); err != nil {
		logger.Warn("pidfile", slog.Any("error", err))
	}
	defer os.Remove(pidPath())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("taskflow listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("base_url", cfg.BaseURL),
			slog.String("db_path", cfg.DBPath),
			slog.Bool("vault", a.Secrets != nil),
			slog.String("version", version))
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	exitCode := 0
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				next := loadConfig()
				d := diffConfigs(cfg, next)
				if d.LogLevelChanged {
					level.Set(logging.ParseLevel(next.LogLevel))
					logger.Info("log level changed", slog.String("level", next.LogLevel))
				}
				if len(d.RestartNeeded) > 0 {
					logger.Warn("config changes need a restart", slog.Any("fields", d.RestartNeeded))
				}
				cfg.LogLevel = next.LogLevel
				continue
			}
			logger.Info("shutting down", slog.String("signal", sig.String()))
			break loop
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server", slog.Any("error", err))
				exitCode = 1
			}
			break loop
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("close", slog.Any("error", err))
		exitCode = 1
	}
	if exitCode != 0 {
		os.Remove(pidPath())
		os.Exit(exitCode)
	}
}

func runStdio() {
	cfg := loadConfig()
	// stdout carries the protocol.
	logger := logging.New(os.Stderr, cfg.LogLevel)

	if cfg.DBPath != "" {
		_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appCfg, err := cfg.appConfig()
	if err != nil {
		logger.Error("config", slog.Any("error", err))
		os.Exit(1)
	}
	a, err := app.New(ctx, appCfg, logger)
	if err != nil {
		logger.Error("init", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.Close(context.Background())
	if err := a.Start(ctx); err != nil {
		logger.Error("start", slog.Any("error", err))
		return
	}

	srv := newMCPServer(a, logger)
	go func() {
		_ = srv.WatchExecutions(ctx, nil)
	}()
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("mcp", slog.Any("error", err))
	}
}

func newMCPServer(a *app.App, logger *slog.Logger) *taskflowmcp.TaskflowServer {
	return taskflowmcp.NewTaskflowServer(taskflowmcp.TaskflowServerDeps{
		Engine:    a.Engine,
		Templates: a.Templates,
		Triggers:  a.Triggers,
		Approvals: a.Approvals,
		Bus:       a.Bus,
		Logger:    logger,
	})
}

func writePIDFile() error {
	if err := os.MkdirAll(taskflowDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// loadTemplateFile reads a template definition and checks it against an
// in-memory instance, which carries the builtin step types.
func loadTemplateFile(path string) (*schema.WorkflowTemplate, *schema.ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var tpl schema.WorkflowTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	a, err := app.New(context.Background(), app.Config{}, logging.New(os.Stderr, "error"))
	if err != nil {
		return nil, nil, err
	}
	defer a.Close(context.Background())
	return &tpl, a.Templates.ValidateWorkflowTemplate(&tpl), nil
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskflow validate <template.json>")
		return 2
	}
	_, res, err := loadTemplateFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if !res.Valid() {
		return 1
	}
	return 0
}

func runDiagram(args []string) int {
	fs := flag.NewFlagSet("diagram", flag.ExitOnError)
	format := fs.String("format", diagram.FormatASCII, "output format: ascii, mermaid, image")
	out := fs.String("o", "", "write output to file (required for image)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskflow diagram [-format ascii|mermaid|image] [-o file] <template.json>")
		return 2
	}
	tpl, res, err := loadTemplateFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := res.ToError(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	model, err := diagram.Build(tpl, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	if *format == diagram.FormatImage {
		if *out == "" {
			fmt.Fprintln(os.Stderr, "Error: -o is required for image output")
			return 2
		}
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if err := os.WriteFile(*out, png, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	text, err := diagram.Render(ctx, model, *format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *out != "" {
		if err := os.WriteFile(*out, []byte(text), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Println(text)
	return 0
}
