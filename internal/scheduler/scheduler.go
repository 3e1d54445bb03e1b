// Package scheduler is the single-goroutine loop that picks ready tasks off
// the shared queue and dispatches one executor per task, bounded by
// max_parallel_tasks. Adapted from the teacher's internal/engine.Manager
// shape (one struct owning the queue, a cond-guarded worker count, and a
// dedicated congestion controller) generalized from an in-process queue to
// the on-disk queuestore.Store, and from a timer-only poll to the UDP
// wake-assisted long/fast poll alternation in spec.md §4.7.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"amdl-orchestrator/internal/analytics"
	"amdl-orchestrator/internal/errorsarchive"
	"amdl-orchestrator/internal/executor"
	"amdl-orchestrator/internal/model"
	"amdl-orchestrator/internal/notifier"
	"amdl-orchestrator/internal/queuestore"
	"amdl-orchestrator/internal/udpwake"
	"amdl-orchestrator/internal/users"
)

const idleSettle = 2 * time.Second

// Config bundles Scheduler's tunables.
type Config struct {
	MaxParallelTasks int
	LongPollInterval time.Duration
	FastPollInterval time.Duration
}

// Scheduler is the single loop owning the running set.
type Scheduler struct {
	cfg      Config
	store    *queuestore.Store
	users    *users.Directory
	executor *executor.Executor
	notifier *notifier.Notifier
	archive  *errorsarchive.Archive
	stats    *analytics.DailyStats
	listener *udpwake.Listener
	ingest   *ingestClient
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New builds a Scheduler. listener may be nil if the UDP bind failed at
// startup (spec.md §4.7: a failed bind degrades to timer-only polling).
// ingestBaseURL points at the ingest process's Submission API, used only to
// re-POST orphaned tasks.
func New(cfg Config, store *queuestore.Store, dir *users.Directory, exec *executor.Executor, notif *notifier.Notifier, archive *errorsarchive.Archive, stats *analytics.DailyStats, listener *udpwake.Listener, ingestBaseURL string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		users:    dir,
		executor: exec,
		notifier: notif,
		archive:  archive,
		stats:    stats,
		listener: listener,
		ingest:   newIngestClient(ingestBaseURL),
		logger:   logger,
		running:  make(map[string]bool),
	}
}

// Run blocks, executing the scheduler loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	pollInterval := s.cfg.LongPollInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		woke := s.tick(ctx)
		if woke {
			pollInterval = s.cfg.FastPollInterval
		} else {
			pollInterval = s.cfg.LongPollInterval
		}

		if s.waitForWakeOrTimeout(pollInterval) {
			pollInterval = s.cfg.FastPollInterval
		}
	}
}

// tick runs one scheduler iteration and reports whether it found work.
func (s *Scheduler) tick(ctx context.Context) bool {
	tasks, err := s.store.All()
	if err != nil {
		s.logger.Error("scheduler: read queue failed", "error", err)
		return false
	}

	s.requeueOrphans(tasks)

	s.mu.Lock()
	runningCount := len(s.running)
	s.mu.Unlock()

	candidate := s.selectCandidate(tasks)

	if candidate != nil && runningCount < s.cfg.MaxParallelTasks {
		s.dispatch(ctx, candidate)
		return true
	}

	if candidate == nil && runningCount == 0 {
		s.runIdleHousekeeping(tasks)
	}

	return candidate != nil
}

// selectCandidate returns the first ready task not already running,
// self-healing any ready record that collides with the running set by
// marking it running on disk in place (spec.md §4.7 step 3).
func (s *Scheduler) selectCandidate(tasks []*model.Task) *model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tasks {
		if t.Status != model.StatusReady {
			continue
		}
		if s.running[t.UUID] {
			if err := s.store.Update(t.UUID, func(rt *model.Task) bool {
				if rt.Status != model.StatusReady {
					return false
				}
				rt.Status = model.StatusRunning
				return true
			}); err != nil {
				s.logger.Warn("scheduler: failed to mark already-running task as running", "uuid", t.UUID, "error", err)
			}
			continue
		}
		return t
	}
	return nil
}

// requeueOrphans removes any task whose metadata is nil but whose status is
// no longer pending_meta — recovery from a resolver crash between accepting
// a submission and writing its metadata — and re-submits it to the ingest
// process's Submission API as a fresh {user, link} task, per spec.md §4.7
// step 2. Re-submitting rather than rewinding the existing record in place
// routes the orphan back through duplicate detection and link validation
// instead of silently resurrecting whatever metadata state it was in.
func (s *Scheduler) requeueOrphans(tasks []*model.Task) {
	var requeued int
	for _, t := range tasks {
		if t.Metadata != nil || t.Status == model.StatusPendingMeta {
			continue
		}

		if err := s.store.RemoveAll(map[string]bool{t.UUID: true}); err != nil {
			s.logger.Error("scheduler: failed to drop orphaned task", "uuid", t.UUID, "error", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := s.ingest.Submit(ctx, t.User, t.Link)
		cancel()
		if err != nil {
			s.logger.Error("scheduler: failed to re-submit orphaned task", "uuid", t.UUID, "user", t.User, "link", t.Link, "error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		s.logger.Warn("scheduler: requeued orphaned tasks", "count", requeued)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task *model.Task) {
	now := time.Now()
	if err := s.store.Update(task.UUID, func(t *model.Task) bool {
		t.Status = model.StatusRunning
		t.ProcessStartTime = &now
		return true
	}); err != nil {
		s.logger.Error("scheduler: failed to mark task running", "uuid", task.UUID, "error", err)
		return
	}

	s.mu.Lock()
	s.running[task.UUID] = true
	s.mu.Unlock()

	snapshot := *task
	snapshot.Status = model.StatusRunning

	userCfg, _, err := s.users.Lookup(task.User)
	if err != nil {
		s.logger.Warn("scheduler: failed to load user config for dispatch", "uuid", task.UUID, "user", task.User, "error", err)
	}

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, task.UUID)
			s.mu.Unlock()
		}()
		s.executor.Run(ctx, &snapshot, task.User, userCfg)
	}()
}

// runIdleHousekeeping fires per-user summary emails for newly terminal
// tasks, archives errors, pauses briefly, then compacts the queue by
// dropping every finish/error record (spec.md §4.7 step 5).
func (s *Scheduler) runIdleHousekeeping(tasks []*model.Task) {
	terminal := make([]*model.Task, 0)
	toRemove := make(map[string]bool)
	for _, t := range tasks {
		if t.IsTerminal() {
			terminal = append(terminal, t)
			toRemove[t.UUID] = true
		}
	}
	if len(terminal) == 0 {
		return
	}

	now := time.Now()
	byUser := make(map[string][]*model.Task)
	for _, t := range terminal {
		byUser[t.User] = append(byUser[t.User], t)
		if t.Status == model.StatusError {
			if err := s.archive.Append(t); err != nil {
				s.logger.Error("scheduler: failed to archive error task", "uuid", t.UUID, "error", err)
			}
		}
		if s.stats != nil {
			if err := s.stats.RecordCompletion(t.Status == model.StatusFinish, now); err != nil {
				s.logger.Warn("scheduler: failed to record daily stats", "uuid", t.UUID, "error", err)
			}
		}
	}

	for user, userTasks := range byUser {
		cfg, ok, err := s.users.Lookup(user)
		if err != nil || !ok {
			continue
		}
		s.notifier.NotifyTerminal(user, cfg, userTasks)
	}

	time.Sleep(idleSettle)

	if err := s.store.RemoveAll(toRemove); err != nil {
		s.logger.Error("scheduler: failed to compact queue", "error", err)
	}
}

// waitForWakeOrTimeout blocks for up to interval, returning true if a UDP
// wake datagram arrived before the timeout.
func (s *Scheduler) waitForWakeOrTimeout(interval time.Duration) bool {
	if s.listener == nil {
		time.Sleep(interval)
		return false
	}
	return s.listener.Wait(interval)
}
