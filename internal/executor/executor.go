// Package executor runs one accepted task to completion: a bounded
// per-task worker pool spawns one downloader subprocess per track, merges
// parsed output into the shared queue file, and — for albums — runs a
// verification pass before declaring the task finish or error. Adapted from
// the teacher's internal/engine worker-pool/manager split
// (manager.go owns the pool, worker.go processes one unit), repointed from
// HTTP range downloads to downloader subprocesses.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"amdl-orchestrator/internal/model"
	"amdl-orchestrator/internal/notifier"
	"amdl-orchestrator/internal/progressbus"
	"amdl-orchestrator/internal/queuestore"
	"amdl-orchestrator/internal/sourceconfig"
	"amdl-orchestrator/internal/token"
)

// Config bundles Executor's tunables, mirroring the relevant subset of
// internal/config.Config.
type Config struct {
	GoBinaryPath    string
	MaxTrackWorkers int
	MaxRetries      int
	RetryDelay      time.Duration
}

// Executor runs a single task's tracks to completion.
type Executor struct {
	cfg      Config
	store    *queuestore.Store
	renderer *sourceconfig.Renderer
	tokens   *token.Manager
	bus      *progressbus.Bus
	spawner  *subprocessSpawner
	governor *congestionGovernor
	verifier *AlbumVerifier
	notifier *notifier.Notifier
	logger   *slog.Logger
}

// New builds an Executor. globalSem is the cross-executor semaphore
// limiting total concurrent downloader subprocesses (spec.md §4.8); it is
// shared by every Executor the scheduler dispatches. notif fires the
// per-task Emby/Bark notifications immediately on terminal transition per
// spec.md §4.8 ("On terminal transition ... invoke the notifier").
func New(cfg Config, store *queuestore.Store, renderer *sourceconfig.Renderer, tokens *token.Manager, bus *progressbus.Bus, globalSem chan struct{}, notif *notifier.Notifier, logger *slog.Logger) *Executor {
	spawner := newSubprocessSpawner(cfg.GoBinaryPath, globalSem, cfg.MaxRetries, cfg.RetryDelay, logger)
	return &Executor{
		cfg:      cfg,
		store:    store,
		renderer: renderer,
		tokens:   tokens,
		bus:      bus,
		spawner:  spawner,
		governor: newCongestionGovernor(1, cfg.MaxTrackWorkers),
		verifier: newAlbumVerifier(spawner),
		notifier: notif,
		logger:   logger,
	}
}

// Run executes task to completion and persists its terminal status. It is
// meant to be invoked as its own goroutine by the scheduler, one per running
// task (spec.md §4.7 step 4).
func (e *Executor) Run(ctx context.Context, task *model.Task, user string, userCfg model.UserConfig) {
	tracks := task.Tracks()

	results := make(chan trackResult, len(tracks))
	pending := make(chan *model.Track, len(tracks))
	for i := range tracks {
		pending <- &tracks[i]
	}
	close(pending)

	var wg sync.WaitGroup
	poolSize := e.governor.Target()
	if poolSize > len(tracks) {
		poolSize = len(tracks)
	}
	if poolSize < 1 {
		poolSize = 1
	}

	tok := e.tokens.Get(ctx)

	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for track := range pending {
				results <- e.runTrack(ctx, task, track, user, tok)
			}
		}()
	}

	wg.Wait()
	close(results)

	var firstFailure *trackResult
	for r := range results {
		e.governor.RecordOutcome(r.success)
		if !r.success && firstFailure == nil {
			failureCopy := r
			firstFailure = &failureCopy
		}
	}

	if firstFailure != nil {
		e.finish(ctx, task, false, fmt.Sprintf("%s: %s", firstFailure.songID, firstFailure.reason), user, userCfg)
		return
	}

	if task.LinkInfo.Type == model.LinkAlbum && needsVerification(task) {
		if err := e.runVerification(ctx, task, user, tok); err != nil {
			e.finish(ctx, task, false, err.Error(), user, userCfg)
			return
		}
	}

	e.finish(ctx, task, true, "", user, userCfg)
}

type trackResult struct {
	songID  string
	success bool
	reason  string
}

func (e *Executor) runTrack(ctx context.Context, task *model.Task, track *model.Track, user, tok string) trackResult {
	rendered, err := e.renderer.Render(tok, user)
	if err != nil {
		e.logger.Error("executor: failed to render source config", "uuid", task.UUID, "error", err)
		return trackResult{songID: track.SongID, success: false, reason: "config render failed"}
	}

	result, err := e.spawner.run(ctx, spawnRequest{
		taskUUID:       task.UUID,
		trackURL:       track.URL,
		song:           task.LinkInfo.Type == model.LinkSong,
		skipCheck:      task.SkipCheck,
		renderedConfig: rendered,
		onPatch: func(p linePatch) {
			e.applyPatch(task, track, p)
		},
	})
	if err != nil {
		return trackResult{songID: track.SongID, success: false, reason: err.Error()}
	}
	if !result.success {
		return trackResult{songID: track.SongID, success: false, reason: result.failureReason}
	}
	return trackResult{songID: track.SongID, success: true}
}

// applyPatch merges one parsed output line into track's runtime state and
// the queue file, then publishes it on the progress bus.
func (e *Executor) applyPatch(task *model.Task, track *model.Track, p linePatch) {
	if p.hasProgress {
		percent := 0.0
		if p.progressTotal > 0 {
			percent = (float64(p.progressCurrent) / float64(p.progressTotal)) * 100
		}
		track.DownloadProgress = &model.Progress{Current: p.progressCurrent, Total: p.progressTotal, Percent: percent}
	}
	if p.connectionStatus != "" {
		track.ConnectionStatus = p.connectionStatus
	}
	if p.downloadStatus != "" {
		track.DownloadStatus = p.downloadStatus
	}
	if p.decryptionStatus != "" {
		track.DecryptionStatus = p.decryptionStatus
	}
	if p.lyricsStatus != "" {
		track.LyricsStatus = p.lyricsStatus
	}
	if p.bitDepth > 0 {
		track.BitDepth = p.bitDepth
		track.SampleRate = p.sampleRate
	}

	songID := track.SongID
	if err := e.store.Update(task.UUID, func(t *model.Task) bool {
		if t.Metadata == nil {
			t.Metadata = &model.Metadata{Name: t.DisplayName()}
		}
		for i := range t.Metadata.Tracks {
			if t.Metadata.Tracks[i].SongID == songID {
				t.Metadata.Tracks[i] = *track
				return true
			}
		}
		// Single-song / music-video task: no metadata track list exists yet,
		// so the virtual track's runtime state is persisted as its sole entry.
		t.Metadata.Tracks = append(t.Metadata.Tracks, *track)
		return true
	}); err != nil {
		e.logger.Warn("executor: failed to persist track patch", "uuid", task.UUID, "song_id", songID, "error", err)
	}

	if track.DownloadProgress != nil {
		e.bus.PublishProgress(task.UUID, progressbus.TrackEvent{
			SongID: songID,
			Progress: progressbus.Progress{
				Current: track.DownloadProgress.Current,
				Total:   track.DownloadProgress.Total,
				Percent: track.DownloadProgress.Percent,
			},
		})
	}
}

// needsVerification is true unless every track already reports
// download_status=exists and decryption_status=exists (spec.md §4.8).
func needsVerification(task *model.Task) bool {
	for _, t := range task.Metadata.Tracks {
		if t.DownloadStatus != "exists" || t.DecryptionStatus != "exists" {
			return true
		}
	}
	return false
}

func (e *Executor) runVerification(ctx context.Context, task *model.Task, user, tok string) error {
	rendered, err := e.renderer.Render(tok, user)
	if err != nil {
		return fmt.Errorf("executor: render verification config: %w", err)
	}
	return e.verifier.Verify(ctx, task, rendered, tok, user, func(songID string) {
		if err := e.store.Update(task.UUID, func(t *model.Task) bool {
			if t.Metadata == nil {
				return false
			}
			for i := range t.Metadata.Tracks {
				if t.Metadata.Tracks[i].SongID == songID {
					t.Metadata.Tracks[i].CheckSuccess = true
					return true
				}
			}
			return false
		}); err != nil {
			e.logger.Warn("executor: failed to persist check_success", "uuid", task.UUID, "song_id", songID, "error", err)
		}
	})
}

func (e *Executor) finish(ctx context.Context, task *model.Task, ok bool, reason, user string, userCfg model.UserConfig) {
	now := time.Now()
	status := model.StatusFinish
	if !ok {
		status = model.StatusError
	}

	if err := e.store.Update(task.UUID, func(t *model.Task) bool {
		t.Status = status
		t.ErrorReason = reason
		t.ProcessCompleteTime = &now
		return true
	}); err != nil {
		e.logger.Error("executor: failed to persist terminal status", "uuid", task.UUID, "error", err)
	}

	e.bus.DropTask(task.UUID)

	noticeType := "success"
	message := "completed"
	if !ok {
		noticeType = "error"
		message = reason
	}
	e.bus.PublishNotice(progressbus.NoticeEvent{
		Event:     "task_completed",
		Type:      noticeType,
		UUID:      task.UUID,
		User:      user,
		TaskName:  task.DisplayName(),
		TaskType:  task.DisplayType(),
		Message:   message,
		Timestamp: now.Unix(),
	})

	task.Status = status
	if e.notifier != nil {
		go e.notifier.NotifyTask(context.Background(), user, userCfg, task)
	}
}
