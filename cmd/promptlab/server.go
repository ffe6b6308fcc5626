package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	httpmw "github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
	"github.com/spf13/cobra"

	"github.com/kalambet/promptlab/internal/api"
	"github.com/kalambet/promptlab/internal/catalog"
	"github.com/kalambet/promptlab/internal/config"
	"github.com/kalambet/promptlab/internal/identity"
	"github.com/kalambet/promptlab/internal/llm"
	"github.com/kalambet/promptlab/internal/pipeline"
	"github.com/kalambet/promptlab/internal/progress"
	"github.com/kalambet/promptlab/internal/storage"
	"github.com/kalambet/promptlab/internal/turnlock"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the study HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a server started on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and configuration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve read-only research tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "promptlab.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func openStore(cfg config.Config) (*storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return storage.OpenPostgres(cfg.Storage.PostgresURL, storage.PostgresOptions{
			DialAddress: cfg.Storage.PostgresDialAddress,
			DialTimeout: cfg.Storage.Timeout,
		})
	default:
		return storage.Open(cfg.Storage.DataDir)
	}
}

// newLocker returns nil when no Redis URL is configured; the pipeline then
// serializes turns in process.
func newLocker(cfg config.Config) (turnlock.Locker, func(), error) {
	if cfg.Lock.RedisURL == "" {
		return nil, func() {}, nil
	}
	l, err := turnlock.NewRedis(cfg.Lock.RedisURL, cfg.Lock.TTL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting turn lock: %w", err)
	}
	return l, func() { l.Close() }, nil
}

func newStudyDeps(cfg config.Config, store *storage.Store, pipe *pipeline.Pipeline) api.StudyDeps {
	mdlw := httpmw.New(httpmw.Config{
		Recorder: httpmetrics.NewRecorder(httpmetrics.Config{Prefix: "promptlab"}),
	})
	return api.StudyDeps{
		Pipeline:    pipe,
		Turns:       store,
		Catalog:     catalog.New(store),
		Tracker:     progress.NewTracker(store),
		Sequencer:   progress.NewSequencer(cfg.Study.TaskCount),
		Registrar:   identity.NewRegistrar(store),
		CORSOrigins: cfg.Server.CORSOrigins,
		AdminToken:  cfg.Server.AdminToken,
		Metrics:     promhttp.Handler(),
		Middleware:  []func(http.Handler) http.Handler{std.HandlerProvider("", mdlw)},
	}
}

func runServer() error {
	fmt.Fprintf(diagnostics, "promptlab version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("port %d already in use", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	slog.Info("storage ready", "driver", store.Driver())

	if cfg.Study.TasksFile != "" {
		n, err := catalog.New(store).ImportFile(ctx, cfg.Study.TasksFile)
		if err != nil {
			return fmt.Errorf("importing tasks: %w", err)
		}
		slog.Info("tasks imported", "count", n, "file", cfg.Study.TasksFile)
	}

	model, err := llm.New(llm.Options{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.LLM.Timeout,
	})
	if err != nil {
		return fmt.Errorf("configuring language model: %w", err)
	}

	locker, closeLocker, err := newLocker(cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	pipe := pipeline.New(store, model, locker, pipeline.Options{
		Provider:        cfg.LLM.Provider,
		ModelTimeout:    cfg.LLM.Timeout,
		StoreTimeout:    cfg.Storage.Timeout,
		PersistAttempts: cfg.Pipeline.PersistAttempts,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewStudyHandler(newStudyDeps(cfg, store, pipe)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr, "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("promptlab is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop promptlab (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to promptlab (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "unreachable at %s", client.baseURL)
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running at %s", client.baseURL)
	default:
		resp.Body.Close()
		printStatus("Server", "unhealthy (HTTP %d)", resp.StatusCode)
	}

	printStatus("LLM", "%s (%s)", cfg.LLM.Provider, cfg.LLM.Model)
	if cfg.LLM.APIKey == "" {
		printWarning("llm.api_key is not set; serve will refuse to start")
	}
	printStatus("Storage", "%s", cfg.Storage.Driver)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Tasks", "%d", cfg.Study.TaskCount)
	if cfg.Lock.RedisURL != "" {
		printStatus("Turn lock", "redis")
	} else {
		printStatus("Turn lock", "in-process")
	}
	return nil
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Turns:     store,
		Catalog:   catalog.New(store),
		Tracker:   progress.NewTracker(store),
		Sequencer: progress.NewSequencer(cfg.Study.TaskCount),
	})
	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
