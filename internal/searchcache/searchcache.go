// Package searchcache is a transparent MD5-keyed, mtime-TTL, size-capped
// disk cache for upstream search responses. Grounded on utils.py's
// purge_old_cache/cache key derivation, reimplemented with the teacher's
// lock-free-per-file, directory-scan style used in internal/analytics for
// on-disk accounting.
package searchcache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Manager is a disk-backed cache of upstream search JSON responses.
type Manager struct {
	dir      string
	ttl      time.Duration
	capBytes int64
}

// New returns a Manager rooted at dir, purging its contents on startup if
// clearOnStartup is set (matching spec.md §4.2's optional startup purge).
func New(dir string, ttl time.Duration, capMB int, clearOnStartup bool) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("searchcache: create dir: %w", err)
	}
	m := &Manager{dir: dir, ttl: ttl, capBytes: int64(capMB) * 1024 * 1024}
	if clearOnStartup {
		entries, err := os.ReadDir(dir)
		if err == nil {
			for _, e := range entries {
				os.Remove(filepath.Join(dir, e.Name()))
			}
		}
	}
	return m, nil
}

// Key derives the cache filename for region+params: MD5 of the region and a
// canonical (sorted-key) JSON encoding of params.
func Key(region string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := "{"
	for i, k := range keys {
		if i > 0 {
			canonical += ","
		}
		canonical += fmt.Sprintf("%q:%q", k, params[k])
	}
	canonical += "}"

	sum := md5.Sum([]byte(region + ":" + canonical))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached response for key, or ok=false on a miss,
// expired entry, or corrupt file (both deleted).
func (m *Manager) Lookup(key string) (data []byte, ok bool) {
	path := filepath.Join(m.dir, key+".json")
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > m.ttl {
		os.Remove(path)
		return nil, false
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if !json.Valid(raw) {
		os.Remove(path)
		return nil, false
	}
	return raw, true
}

// Store writes response under key, evicting the oldest entries first if the
// cache directory would otherwise exceed its configured cap.
func (m *Manager) Store(key string, response []byte) error {
	if err := m.evictIfNeeded(int64(len(response))); err != nil {
		return err
	}
	path := filepath.Join(m.dir, key+".json")
	return os.WriteFile(path, response, 0o644)
}

func (m *Manager) evictIfNeeded(incoming int64) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("searchcache: read dir: %w", err)
	}

	type fileInfo struct {
		path  string
		mtime time.Time
		size  int64
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		files = append(files, fileInfo{path: filepath.Join(m.dir, e.Name()), mtime: info.ModTime(), size: info.Size()})
	}

	if total+incoming <= m.capBytes {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	target := (m.capBytes * 80) / 100
	for _, f := range files {
		if total <= target {
			break
		}
		if err := os.Remove(f.path); err == nil {
			total -= f.size
		}
	}
	return nil
}
