// Package errorsarchive is the append-only errors.json archive: every task
// that reaches terminal status=error is appended here exactly once,
// deduplicated by uuid, during the scheduler's idle housekeeping pass.
// Grounded on spec.md §3 "Error archive" and §4.7 step 5, implemented with
// the same lockfile.File read-modify-write discipline as queuestore.
package errorsarchive

import (
	"encoding/json"
	"time"

	"amdl-orchestrator/internal/lockfile"
	"amdl-orchestrator/internal/model"
)

const (
	readTimeout  = 200 * time.Millisecond
	writeTimeout = 10 * time.Second
)

// Archive is the process-local handle on errors.json.
type Archive struct {
	file *lockfile.File
}

// New returns an Archive backed by the errors file at path.
func New(path string) *Archive {
	return &Archive{file: lockfile.New(path)}
}

// All returns every archived error task.
func (a *Archive) All() ([]*model.Task, error) {
	var tasks []*model.Task
	if err := a.file.ReadJSON(&tasks, readTimeout); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Append adds task to the archive unless its uuid is already present.
func (a *Archive) Append(task *model.Task) error {
	return a.file.Mutate(writeTimeout, func(current []byte) ([]byte, error) {
		var tasks []*model.Task
		if len(current) > 0 {
			if err := unmarshalTasks(current, &tasks); err != nil {
				return nil, err
			}
		}

		for _, t := range tasks {
			if t.UUID == task.UUID {
				return nil, nil
			}
		}

		tasks = append(tasks, task)
		return marshalTasks(tasks)
	})
}

func unmarshalTasks(data []byte, out *[]*model.Task) error {
	return json.Unmarshal(data, out)
}

func marshalTasks(tasks []*model.Task) ([]byte, error) {
	return json.MarshalIndent(tasks, "", "  ")
}
