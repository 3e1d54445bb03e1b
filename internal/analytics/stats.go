// Package analytics tracks per-day task completion counters. Adapted from
// the teacher's internal/analytics/stats.go StatsManager: the same
// daily-bucket-keyed-by-date shape and GetDailyStats(days) query, but
// persisted as a small lock-guarded JSON file under info/daily_stats.json
// (the shared-file-plus-advisory-lock discipline every other on-disk
// artifact in this module uses) instead of a GORM/SQLite table, since there
// is no byte-stream to count — completions and failures are counted instead
// of downloaded bytes and file counts. Fed by the scheduler's idle
// housekeeping pass (spec.md §4.7 step 5); the per-user summary email
// (spec.md §4.10) does not include these counters.
package analytics

import (
	"encoding/json"
	"time"

	"amdl-orchestrator/internal/lockfile"
)

const (
	readTimeout  = 200 * time.Millisecond
	writeTimeout = 5 * time.Second
	dateLayout   = "2006-01-02"
)

// DayBucket is one calendar day's completion counters.
type DayBucket struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// daily is the on-disk shape of daily_stats.json: date (YYYY-MM-DD) to bucket.
type daily map[string]DayBucket

// DailyStats is the process-local handle on info/daily_stats.json.
type DailyStats struct {
	file *lockfile.File
}

// New returns a DailyStats backed by the file at path.
func New(path string) *DailyStats {
	return &DailyStats{file: lockfile.New(path)}
}

// RecordCompletion increments today's succeeded or failed counter by one.
func (d *DailyStats) RecordCompletion(succeeded bool, now time.Time) error {
	key := now.Format(dateLayout)
	return d.file.Mutate(writeTimeout, func(current []byte) ([]byte, error) {
		buckets, err := decode(current)
		if err != nil {
			return nil, err
		}
		b := buckets[key]
		if succeeded {
			b.Succeeded++
		} else {
			b.Failed++
		}
		buckets[key] = b
		return encode(buckets)
	})
}

// LastNDays returns the counters for the most recent n calendar days
// (including today), keyed by date (YYYY-MM-DD); a day with no record maps
// to a zero bucket.
func (d *DailyStats) LastNDays(n int, now time.Time) (map[string]DayBucket, error) {
	var buckets daily
	if err := d.file.ReadJSON(&buckets, readTimeout); err != nil {
		return nil, err
	}
	if buckets == nil {
		buckets = daily{}
	}

	out := make(map[string]DayBucket, n)
	for i := n - 1; i >= 0; i-- {
		key := now.AddDate(0, 0, -i).Format(dateLayout)
		out[key] = buckets[key]
	}
	return out, nil
}

func decode(raw []byte) (daily, error) {
	if len(raw) == 0 {
		return daily{}, nil
	}
	var buckets daily
	if err := json.Unmarshal(raw, &buckets); err != nil {
		return nil, err
	}
	if buckets == nil {
		buckets = daily{}
	}
	return buckets, nil
}

func encode(buckets daily) ([]byte, error) {
	return json.MarshalIndent(buckets, "", "  ")
}
