package structs

import (
	"time"

	"github.com/marcher/marcher/pkg/id"
)

// TaskStatus mirrors the resource master's terminal/non-terminal task
// states.
type TaskStatus string

const (
	TaskStaging  TaskStatus = "STAGING"
	TaskStarting TaskStatus = "STARTING"
	TaskRunning  TaskStatus = "RUNNING"
	TaskFailed   TaskStatus = "FAILED"
	TaskFinished TaskStatus = "FINISHED"
	TaskKilled   TaskStatus = "KILLED"
	TaskLost     TaskStatus = "LOST"
	TaskError    TaskStatus = "ERROR"
)

// IsTerminal reports whether s is one of the terminal statuses.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskFailed, TaskFinished, TaskKilled, TaskLost, TaskError:
		return true
	default:
		return false
	}
}

// Task is one observed instance of an app.
type Task struct {
	ID         string
	AppID      id.PathId
	AppVersion time.Time
	Host       string
	HostPorts  []int
	// Attrs captures the offer's node attributes at launch time, so
	// later constraint evaluation (UNIQUE/CLUSTER/GROUP_BY/LIKE/UNLIKE,
	// §4.3) can compare a field across already-placed tasks without a
	// separate host-attribute cache.
	Attrs map[string]string

	StagedAt  time.Time
	StartedAt *time.Time

	LastKnownStatus TaskStatus

	// HealthResults holds per-check verdicts for the task. No component
	// in this module writes it (the health manager keeps its own
	// per-check state), so it stays empty unless a caller sets it.
	HealthResults []bool
}

// Healthy reports whether all recorded health results are true, or true
// when there are none (an app with no health checks treats RUNNING as
// healthy, per §4.7).
func (t *Task) Healthy() bool {
	for _, h := range t.HealthResults {
		if !h {
			return false
		}
	}
	return true
}

// Copy returns a deep copy.
func (t *Task) Copy() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.HostPorts = append([]int(nil), t.HostPorts...)
	out.HealthResults = append([]bool(nil), t.HealthResults...)
	if t.Attrs != nil {
		out.Attrs = make(map[string]string, len(t.Attrs))
		for k, v := range t.Attrs {
			out.Attrs[k] = v
		}
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		out.StartedAt = &started
	}
	return &out
}
