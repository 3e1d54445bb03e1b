// Package token manages the upstream API bearer token: fetching it by
// scraping the public landing page and its legacy JS bundle, persisting it
// to disk under lock, and refreshing it in the background. Adapted from the
// teacher's internal/core token-refresh shape (single-flight try-lock
// guarding a background ticker) and grounded on original_source/python's
// token-scrape regex pair.
package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"amdl-orchestrator/internal/lockfile"
	"amdl-orchestrator/internal/model"
)

// fallbackTokenPattern is tried when the configured token regex misses the
// JS bundle, matching original_source/python/backend.py's hardcoded
// second-chance pattern for the same JWT shape Apple Music's bundle embeds.
const fallbackTokenPattern = `eyJ[a-zA-Z0-9+/_\-.]+`

var fallbackTokenRegex = regexp.MustCompile(fallbackTokenPattern)

// Manager exposes Get/Invalidate and runs a background refresh worker.
type Manager struct {
	httpClient *http.Client
	file       *lockfile.File
	logger     *slog.Logger

	fetchURL    string
	jsRegex     *regexp.Regexp
	tokenRegex  *regexp.Regexp
	validity    time.Duration
	checkEvery  time.Duration
	threshold   time.Duration
	retryDelay  time.Duration

	mu          sync.Mutex
	current     model.TokenRecord
	lastFailure time.Time
	refreshing  int32
}

// Config bundles Manager's construction parameters.
type Config struct {
	FetchURL       string
	JSPattern      string
	TokenPattern   string
	ValidityWindow time.Duration
	CheckInterval  time.Duration
	RefreshThreshold time.Duration
	RetryDelay     time.Duration
}

// New builds a Manager backed by the token file at path, loading any
// persisted record immediately.
func New(cfg Config, path string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		file:       lockfile.New(path),
		logger:     logger,
		fetchURL:   cfg.FetchURL,
		jsRegex:    regexp.MustCompile(cfg.JSPattern),
		tokenRegex: regexp.MustCompile(cfg.TokenPattern),
		validity:   cfg.ValidityWindow,
		checkEvery: cfg.CheckInterval,
		threshold:  cfg.RefreshThreshold,
		retryDelay: cfg.RetryDelay,
	}

	var rec model.TokenRecord
	if err := m.file.ReadJSON(&rec, 200*time.Millisecond); err != nil {
		logger.Warn("token: failed to load persisted token", "error", err)
	}
	m.current = rec

	return m, nil
}

// Get returns the current token, triggering a synchronous refresh if it is
// expired or absent. A refresh already in progress causes the caller to
// receive the stale value rather than block.
func (m *Manager) Get(ctx context.Context) string {
	m.mu.Lock()
	rec := m.current
	m.mu.Unlock()

	if rec.Token != "" && time.Since(rec.Timestamp) < m.validity {
		return rec.Token
	}

	m.tryRefresh(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Token
}

// ExpiresIn reports remaining validity in seconds for the current token.
func (m *Manager) ExpiresIn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	remaining := m.validity - time.Since(m.current.Timestamp)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds())
}

// Invalidate forces expiry so the next Get performs a fresh fetch.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.current.Timestamp = time.Time{}
	m.mu.Unlock()
}

// Run is the background refresh worker; it exits when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			remaining := m.validity - time.Since(m.current.Timestamp)
			m.mu.Unlock()
			if remaining < m.threshold {
				m.tryRefresh(ctx)
			}
		}
	}
}

// tryRefresh attempts the single-flight non-blocking refresh described in
// spec.md §4.1: a refresh already running causes this call to return
// immediately, leaving the stale token in place.
func (m *Manager) tryRefresh(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&m.refreshing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&m.refreshing, 0)

	m.mu.Lock()
	if !m.lastFailure.IsZero() && time.Since(m.lastFailure) < m.retryDelay {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	rec, err := m.fetch(ctx)
	if err != nil {
		m.logger.Error("token: refresh failed", "error", err)
		m.mu.Lock()
		m.lastFailure = time.Now()
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.current = rec
	m.lastFailure = time.Time{}
	m.mu.Unlock()

	if err := m.file.WriteJSON(rec, time.Second); err != nil {
		m.logger.Error("token: failed to persist token", "error", err)
	}
}

func (m *Manager) fetch(ctx context.Context) (model.TokenRecord, error) {
	page, err := m.httpGet(ctx, m.fetchURL)
	if err != nil {
		return model.TokenRecord{}, fmt.Errorf("token: fetch landing page: %w", err)
	}

	jsPath := m.jsRegex.FindString(page)
	if jsPath == "" {
		return model.TokenRecord{}, errors.New("token: js bundle uri not found")
	}

	bundle, err := m.httpGet(ctx, "https://music.apple.com"+jsPath)
	if err != nil {
		return model.TokenRecord{}, fmt.Errorf("token: fetch js bundle: %w", err)
	}

	tok := m.tokenRegex.FindString(bundle)
	if tok == "" {
		m.logger.Warn("token: primary pattern missed js bundle, trying fallback pattern")
		tok = fallbackTokenRegex.FindString(bundle)
	}
	if tok == "" {
		return model.TokenRecord{}, errors.New("token: jwt pattern not found in bundle")
	}

	return model.TokenRecord{Token: tok, Timestamp: time.Now()}, nil
}

func (m *Manager) httpGet(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
