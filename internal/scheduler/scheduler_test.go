package scheduler

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amdl-orchestrator/internal/analytics"
	"amdl-orchestrator/internal/errorsarchive"
	"amdl-orchestrator/internal/executor"
	"amdl-orchestrator/internal/lockfile"
	"amdl-orchestrator/internal/model"
	"amdl-orchestrator/internal/notifier"
	"amdl-orchestrator/internal/progressbus"
	"amdl-orchestrator/internal/queuestore"
	"amdl-orchestrator/internal/sourceconfig"
	"amdl-orchestrator/internal/token"
	"amdl-orchestrator/internal/users"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

func newTestScheduler(t *testing.T, ingestBaseURL string) (*Scheduler, *queuestore.Store) {
	t.Helper()
	dir := t.TempDir()

	store := queuestore.New(filepath.Join(dir, "task_queue.json"))
	userDir := users.New(filepath.Join(dir, "users.yaml"))
	renderer := sourceconfig.New(filepath.Join(dir, "source.yaml"))
	archive := errorsarchive.New(filepath.Join(dir, "errors.jsonl"))
	stats := analytics.New(filepath.Join(dir, "daily_stats.json"))
	bus := progressbus.New(10)
	sem := make(chan struct{}, 1)

	tokenPath := filepath.Join(dir, "api_token.json")
	require.NoError(t, lockfile.New(tokenPath).WriteJSON(model.TokenRecord{Token: "eyJvalid", Timestamp: time.Now()}, time.Second))
	tokens, err := token.New(token.Config{
		FetchURL:         "http://127.0.0.1:0",
		JSPattern:        `/assets/[^"]+\.js`,
		TokenPattern:     `eyJ[a-zA-Z0-9+/_\-.]+`,
		ValidityWindow:   time.Hour,
		CheckInterval:    time.Minute,
		RefreshThreshold: time.Minute,
		RetryDelay:       time.Minute,
	}, tokenPath, testLogger())
	require.NoError(t, err)

	notif := notifier.New(notifier.SMTPConfig{}, testLogger())
	exec := executor.New(executor.Config{GoBinaryPath: "true", MaxTrackWorkers: 1}, store, renderer, tokens, bus, sem, notif, testLogger())

	sched := New(Config{MaxParallelTasks: 1}, store, userDir, exec, notif, archive, stats, nil, ingestBaseURL, testLogger())
	return sched, store
}

func TestRequeueOrphans_RemovesOrphanAndResubmitsToIngestAPI(t *testing.T) {
	var mu sync.Mutex
	var gotUser, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotUser = r.Header.Get("X-User")
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		mu.Unlock()
		w.Write([]byte(`{"status":"ok","accepted_count":1}`))
	}))
	defer upstream.Close()

	sched, store := newTestScheduler(t, upstream.URL)

	orphan := &model.Task{
		UUID:   "orphan-1",
		User:   "alice",
		Link:   "https://music.apple.com/us/album/-/1",
		Status: model.StatusRunning,
	}
	_, _, err := store.Append([]*model.Task{orphan})
	require.NoError(t, err)

	sched.requeueOrphans([]*model.Task{orphan})

	all, err := store.All()
	require.NoError(t, err)
	assert.Empty(t, all, "orphan should be removed from the queue, not rewound in place")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "alice", gotUser)
	assert.Contains(t, gotBody, "https://music.apple.com/us/album/-/1")
}

func TestRequeueOrphans_LeavesPendingMetaTasksAlone(t *testing.T) {
	sched, store := newTestScheduler(t, "http://127.0.0.1:0")

	task := &model.Task{UUID: "t1", User: "alice", Link: "https://music.apple.com/us/album/-/1", Status: model.StatusPendingMeta}
	_, _, err := store.Append([]*model.Task{task})
	require.NoError(t, err)

	sched.requeueOrphans([]*model.Task{task})

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "t1", all[0].UUID)
}

func TestRequeueOrphans_LeavesTasksWithMetadataAlone(t *testing.T) {
	sched, store := newTestScheduler(t, "http://127.0.0.1:0")

	task := &model.Task{UUID: "t1", User: "alice", Link: "https://music.apple.com/us/album/-/1", Status: model.StatusRunning, Metadata: &model.Metadata{Name: "x"}}
	_, _, err := store.Append([]*model.Task{task})
	require.NoError(t, err)

	sched.requeueOrphans([]*model.Task{task})

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
}
