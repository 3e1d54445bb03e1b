// Package queuestore is the single JSON-array task queue file shared by both
// processes. Adapted from the teacher's internal/queue.DownloadQueue: the
// same sync.Cond-based wake-on-mutation shape, generalized from an in-memory
// list to a lock-guarded on-disk file (the real queue; spec.md §4.5 names
// the on-disk file, not an in-memory list, as the system of record).
package queuestore

import (
	"sync"
	"time"

	"amdl-orchestrator/internal/lockfile"
	"amdl-orchestrator/internal/model"
)

const (
	readTimeout  = 200 * time.Millisecond
	writeTimeout = 10 * time.Second
)

// Store is the process-local handle on task_queue.json. Every process that
// opens a Store gets its own condition variable; broadcasts only reach
// waiters within the same process, so long-poll callers in the ingest
// process wake on the ingest process's own writes (per spec.md §4.5).
type Store struct {
	file *lockfile.File

	mu   sync.Mutex
	cond *sync.Cond
}

// New returns a Store backed by the task queue file at path.
func New(path string) *Store {
	s := &Store{file: lockfile.New(path)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// All returns a snapshot of the current queue, in on-disk order.
func (s *Store) All() ([]*model.Task, error) {
	var tasks []*model.Task
	if err := s.file.ReadJSON(&tasks, readTimeout); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Wait blocks until the next successful write to this Store, or until
// timeout elapses, whichever comes first. Callers should re-check All()
// after Wait returns regardless of cause.
func (s *Store) Wait(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The timer's broadcast needs s.mu, which cond.Wait releases, so it
	// cannot fire before this goroutine is waiting.
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.cond.Wait()
}

// Append adds new task records, dropping any whose (user, link) pair
// collides with either an existing queue entry or another task in the same
// batch. It returns the accepted tasks and a failure reason per rejected
// index in the same order as candidates.
func (s *Store) Append(candidates []*model.Task) (accepted []*model.Task, failures []string, err error) {
	err = s.mutate(func(tasks []*model.Task) ([]*model.Task, error) {
		seen := make(map[string]bool, len(tasks))
		for _, t := range tasks {
			seen[dedupKey(t.User, t.Link)] = true
		}

		for _, c := range candidates {
			key := dedupKey(c.User, c.Link)
			if seen[key] {
				failures = append(failures, "duplicate")
				continue
			}
			seen[key] = true
			tasks = append(tasks, c)
			accepted = append(accepted, c)
		}
		return tasks, nil
	})
	return accepted, failures, err
}

// Update applies fn to the task matching uuid and writes the result back.
// If the uuid is not found, fn is not called and the file is rewritten
// unchanged; returning false from fn aborts the write.
func (s *Store) Update(uuid string, fn func(t *model.Task) bool) error {
	return s.mutate(func(tasks []*model.Task) ([]*model.Task, error) {
		for i, t := range tasks {
			if t.UUID != uuid {
				continue
			}
			candidate := *t
			if !fn(&candidate) {
				return tasks, nil
			}
			tasks[i] = &candidate
			break
		}
		return tasks, nil
	})
}

// Remove deletes the task matching uuid, if present.
func (s *Store) Remove(uuid string) error {
	return s.mutate(func(tasks []*model.Task) ([]*model.Task, error) {
		out := tasks[:0]
		for _, t := range tasks {
			if t.UUID != uuid {
				out = append(out, t)
			}
		}
		return out, nil
	})
}

// RemoveAll deletes every task whose uuid is in uuids.
func (s *Store) RemoveAll(uuids map[string]bool) error {
	return s.mutate(func(tasks []*model.Task) ([]*model.Task, error) {
		out := tasks[:0]
		for _, t := range tasks {
			if !uuids[t.UUID] {
				out = append(out, t)
			}
		}
		return out, nil
	})
}

// mutate performs a locked read-modify-write and then broadcasts to local
// waiters on success, matching the teacher's Push-then-cond.Signal shape.
func (s *Store) mutate(fn func([]*model.Task) ([]*model.Task, error)) error {
	var tasks []*model.Task
	if err := s.file.ReadJSON(&tasks, readTimeout); err != nil {
		return err
	}

	next, err := fn(tasks)
	if err != nil {
		return err
	}

	if err := s.file.WriteJSON(next, writeTimeout); err != nil {
		return err
	}

	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func dedupKey(user, link string) string {
	return user + "\x00" + link
}
