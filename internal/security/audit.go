// Package security carries the ingest API's request audit trail. Adapted
// from the teacher's internal/security/audit.go AuditLogger: same
// append-only JSON-lines log and in-memory tail reader, with the Wails event
// emission dropped (no GUI to emit to) and the log path made explicit
// instead of hard-coded to the OS config dir.
package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessLogEntry is one audited request against the Submission API.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	User      string    `json:"user"`
	Action    string    `json:"action"`
	Status    int       `json:"status"`
	Details   string    `json:"details"`
}

// AuditLogger appends one JSON line per request to logPath and mirrors a
// summary to the structured application logger.
type AuditLogger struct {
	logFile *os.File
	mu      sync.Mutex
	logPath string
	logger  *slog.Logger
}

// NewAuditLogger opens (creating if needed) the audit log under logDir.
func NewAuditLogger(logger *slog.Logger, logDir string) *AuditLogger {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logger.Error("failed to create audit log dir", "error", err)
	}

	path := filepath.Join(logDir, "access.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
	}

	return &AuditLogger{
		logFile: f,
		logPath: path,
		logger:  logger,
	}
}

// Log records one request outcome.
func (a *AuditLogger) Log(sourceIP, user, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		User:      user,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		jsonBytes, _ := json.Marshal(entry)
		a.logFile.WriteString(string(jsonBytes) + "\n")
	}
	a.mu.Unlock()

	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "audit", "action", action, "status", status, "ip", sourceIP, "user", user)
}

// Close flushes and closes the underlying log file.
func (a *AuditLogger) Close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// RecentLogs returns up to limit most-recent entries, newest first.
func (a *AuditLogger) RecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	content, err := os.ReadFile(a.logPath)
	if err != nil {
		return nil
	}

	lines := strings.Split(string(content), "\n")
	var entries []AccessLogEntry
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry AccessLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
		if len(entries) >= limit {
			break
		}
	}
	return entries
}
