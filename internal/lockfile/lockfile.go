// Package lockfile provides the advisory file-lock discipline shared by both
// processes: every mutation to a file under the project root goes through a
// read-modify-write helper guarded by a sibling ".lock" file
// (github.com/gofrs/flock), writing to a temp file and renaming atomically
// into place. Grounded on utils.py's read_json_with_lock /
// write_json_with_lock / read_yaml_with_lock.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// ErrTimeout is returned when a lock could not be acquired within the
// caller's deadline. Infrastructure errors like this one are surfaced to the
// caller rather than retried indefinitely (SPEC_FULL.md §2.3).
var ErrTimeout = errors.New("lockfile: timed out acquiring lock")

// File wraps one shared on-disk file and the flock guarding it.
type File struct {
	path     string
	lockPath string
}

// New returns a File bound to path, guarded by path+".lock".
func New(path string) *File {
	return &File{path: path, lockPath: path + ".lock"}
}

func (f *File) acquire(timeout time.Duration) (*flock.Flock, error) {
	lk := flock.New(f.lockPath)
	if err := os.MkdirAll(filepath.Dir(f.lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: create lock dir: %w", err)
	}
	ctx, cancel := deadlineCtx(timeout)
	defer cancel()
	ok, err := lk.TryLockContext(ctx, 50*time.Millisecond)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("lockfile: acquire %s: %w", f.lockPath, err)
	}
	if !ok {
		return nil, ErrTimeout
	}
	return lk, nil
}

// ReadJSON reads and parses path as JSON under a short (non-blocking-ish)
// read timeout. A missing file yields (default, nil); a corrupt file yields
// a non-nil error so callers can distinguish "absent" from "broken".
func (f *File) ReadJSON(out any, readTimeout time.Duration) error {
	lk, err := f.acquire(readTimeout)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lockfile: read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("lockfile: parse json %s: %w", f.path, err)
	}
	return nil
}

// WriteJSON serializes value and writes it to path via temp-file + atomic
// rename, under a longer write timeout (writes contend more than reads).
func (f *File) WriteJSON(value any, writeTimeout time.Duration) error {
	lk, err := f.acquire(writeTimeout)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("lockfile: marshal json: %w", err)
	}
	return atomicWrite(f.path, data)
}

// ReadYAML is the YAML counterpart of ReadJSON, used for source.yaml and
// users.yaml. A missing file yields a zero-valued out and nil error.
func (f *File) ReadYAML(out any, readTimeout time.Duration) error {
	lk, err := f.acquire(readTimeout)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lockfile: read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("lockfile: parse yaml %s: %w", f.path, err)
	}
	return nil
}

// WriteYAML is the YAML counterpart of WriteJSON.
func (f *File) WriteYAML(value any, writeTimeout time.Duration) error {
	lk, err := f.acquire(writeTimeout)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("lockfile: marshal yaml: %w", err)
	}
	return atomicWrite(f.path, data)
}

// Mutate performs a locked read-modify-write cycle: it reads the current
// raw bytes (nil if absent), passes them to fn, and writes back whatever fn
// returns non-nil. fn is called once, holding the write lock the whole time,
// so it is the only sanctioned mutation path for this file.
func (f *File) Mutate(writeTimeout time.Duration, fn func(current []byte) (next []byte, err error)) error {
	lk, err := f.acquire(writeTimeout)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	current, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		current = nil
	} else if err != nil {
		return fmt.Errorf("lockfile: read %s: %w", f.path, err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	return atomicWrite(f.path, next)
}

func atomicWrite(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("lockfile: create dir %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("lockfile: write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("lockfile: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
