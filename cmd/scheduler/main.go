// Command scheduler runs the Scheduler Loop, Executor pool, progress/notice
// bus and Notifier as a single OS process, reading the same shared
// lock-guarded files the ingest process writes (spec.md §6). Wiring follows
// the teacher's main.go: construct every dependency up front, inject it
// downward, no package-level globals.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"amdl-orchestrator/internal/analytics"
	"amdl-orchestrator/internal/config"
	"amdl-orchestrator/internal/errorsarchive"
	"amdl-orchestrator/internal/executor"
	"amdl-orchestrator/internal/lifecycle"
	"amdl-orchestrator/internal/logger"
	"amdl-orchestrator/internal/notifier"
	"amdl-orchestrator/internal/progressbus"
	"amdl-orchestrator/internal/queuestore"
	"amdl-orchestrator/internal/scheduler"
	"amdl-orchestrator/internal/schedulerapi"
	"amdl-orchestrator/internal/sourceconfig"
	"amdl-orchestrator/internal/token"
	"amdl-orchestrator/internal/udpwake"
	"amdl-orchestrator/internal/users"
)

func main() {
	configPath := flag.String("config", "", "path to app.yaml (defaults to ./config/app.yaml or ./app.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(os.Stdout, cfg.Paths.Logs, "scheduler")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, cancel := lifecycle.WithSignals(context.Background())
	defer cancel()

	store := queuestore.New(cfg.Paths.TaskQueue)
	userDir := users.New(cfg.Paths.Users)
	renderer := sourceconfig.New(cfg.Paths.Source)
	archive := errorsarchive.New(cfg.Paths.Errors)
	stats := analytics.New(statsPath(cfg.Paths.Root))

	tokens, err := token.New(token.Config{
		FetchURL:         cfg.TokenFetchURL,
		JSPattern:        cfg.TokenFetchJSRegex,
		TokenPattern:     cfg.TokenFetchTokenRegex,
		ValidityWindow:   cfg.TokenValidityWindow,
		CheckInterval:    cfg.TokenCheckInterval,
		RefreshThreshold: cfg.TokenRefreshThreshold,
		RetryDelay:       cfg.TokenRetryDelay,
	}, cfg.Paths.Token, log)
	if err != nil {
		return fmt.Errorf("init token manager: %w", err)
	}
	// The scheduler process never runs the background refresh ticker itself
	// (spec.md §4.3 scopes token refresh to the ingest process that owns the
	// Submission API); the Manager's Get still fetches a fresh token
	// synchronously when the cached one has expired.

	bus := progressbus.New(cfg.SSEMaxConnections)

	listener, err := udpwake.Listen(cfg.SchedulerSignalPort, log)
	if err != nil {
		log.Warn("scheduler: udp wake bind failed, degrading to timer-only polling", "error", err)
		listener = nil
	}

	globalSem := make(chan struct{}, cfg.MaxGlobalGoProcesses)

	notif := notifier.New(notifier.SMTPConfig{
		Server:   cfg.SMTP.Server,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	}, log)

	exec := executor.New(executor.Config{
		GoBinaryPath:    cfg.GoBinaryPath,
		MaxTrackWorkers: cfg.MaxTrackWorkers,
		MaxRetries:      cfg.MaxRetries,
		RetryDelay:      cfg.RetryDelay,
	}, store, renderer, tokens, bus, globalSem, notif, log)

	ingestBaseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.IngestPort)

	sched := scheduler.New(scheduler.Config{
		MaxParallelTasks: cfg.MaxParallelTasks,
		LongPollInterval: cfg.SchedulerLongPoll,
		FastPollInterval: cfg.SchedulerFastPoll,
	}, store, userDir, exec, notif, archive, stats, listener, ingestBaseURL, log)

	go sched.Run(ctx)

	server := schedulerapi.New(bus)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.SchedulerAPIPort),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("scheduler: listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("scheduler: shutting down")
		if listener != nil {
			listener.Close()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func statsPath(root string) string {
	return filepath.Join(root, "info", "daily_stats.json")
}
