// Command ingest runs the Submission API, Metadata Resolver, Token Manager
// and Search Cache as a single OS process, coordinating with the scheduler
// process only through the shared lock-guarded files and a best-effort UDP
// wake (spec.md §6). Wiring follows the teacher's main.go: construct every
// dependency up front, inject it downward, no package-level globals.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"amdl-orchestrator/internal/appleapi"
	"amdl-orchestrator/internal/config"
	"amdl-orchestrator/internal/ingestapi"
	"amdl-orchestrator/internal/lifecycle"
	"amdl-orchestrator/internal/logger"
	"amdl-orchestrator/internal/queuestore"
	"amdl-orchestrator/internal/resolver"
	"amdl-orchestrator/internal/searchcache"
	"amdl-orchestrator/internal/security"
	"amdl-orchestrator/internal/token"
	"amdl-orchestrator/internal/udpwake"
	"amdl-orchestrator/internal/users"
)

func main() {
	configPath := flag.String("config", "", "path to app.yaml (defaults to ./config/app.yaml or ./app.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "ingest:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(os.Stdout, cfg.Paths.Logs, "ingest")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, cancel := lifecycle.WithSignals(context.Background())
	defer cancel()

	store := queuestore.New(cfg.Paths.TaskQueue)
	userDir := users.New(cfg.Paths.Users)

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
	go tokens.Run(ctx)

	api := appleapi.New(cfg.UpstreamAPIBase, cfg.UpstreamRequestsPerSecond, cfg.UpstreamBurst)

	cache, err := searchcache.New(
		cfg.Paths.SearchCacheDir,
		time.Duration(cfg.SearchCache.CacheLifetimeHours)*time.Hour,
		cfg.SearchCache.MaxCacheSizeMB,
		cfg.SearchCache.ClearOnStartup,
	)
	if err != nil {
		return fmt.Errorf("init search cache: %w", err)
	}

	wake := udpwake.NewSender(cfg.SchedulerSignalPort, log)

	res := resolver.New(store, api, tokens, wake, log, cfg.MaxRetries, cfg.RetryDelay)
	go res.Watch(ctx)

	audit := security.NewAuditLogger(log, cfg.Paths.Logs)

	server := ingestapi.New(store, userDir, tokens, api, cache, res, audit, log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.IngestPort),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ingest: listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("ingest: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}
