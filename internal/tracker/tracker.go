package tracker

import (
	"fmt"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/marcher/marcher/pkg/clock"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
)

// trackedTask is the memdb row: the tracked task plus a denormalized
// string key for the "app" index (memdb's StringFieldIndex needs a
// plain string field; structs.Task.AppID is a pkg/id.PathId).
type trackedTask struct {
	*structs.Task
	AppIDStr string
}

// Store is the subset of the key-value store (§6) the tracker mirrors
// writes to. The concrete backend is out of scope (§1); this interface
// lets the tracker be exercised against a fake in tests.
type Store interface {
	PutTask(appID id.PathId, task *structs.Task) error
	DeleteTask(appID id.PathId, taskID string) error
}

// Tracker is the authoritative appId -> set<Task> index.
type Tracker struct {
	db    *memdb.MemDB
	store Store
	clock clock.Clock

	// appLocks serializes writes per app (§4.4 "Writes are serialized
	// per app", §5).
	mu       sync.Mutex
	appLocks map[string]*sync.Mutex
}

// New constructs an empty Tracker backed by store for persistence.
func New(store Store, clk clock.Clock) (*Tracker, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	if clk == nil {
		clk = clock.Real
	}
	return &Tracker{db: db, store: store, clock: clk, appLocks: map[string]*sync.Mutex{}}, nil
}

func (t *Tracker) lockFor(appID id.PathId) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := appID.String()
	l, ok := t.appLocks[key]
	if !ok {
		l = &sync.Mutex{}
		t.appLocks[key] = l
	}
	return l
}

// Created registers a freshly launched task in STAGING.
func (t *Tracker) Created(appID id.PathId, task *structs.Task) error {
	lock := t.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	task = task.Copy()
	task.AppID = appID
	if task.LastKnownStatus == "" {
		task.LastKnownStatus = structs.TaskStaging
	}
	if task.StagedAt.IsZero() {
		task.StagedAt = t.clock.Now()
	}

	txn := t.db.Txn(true)
	if err := txn.Insert(tableTasks, &trackedTask{Task: task, AppIDStr: appID.String()}); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()

	if t.store != nil {
		return t.store.PutTask(appID, task)
	}
	return nil
}

// Running promotes a task to RUNNING and records startedAt, the first
// time a RUNNING status is observed for it.
func (t *Tracker) Running(appID id.PathId, taskID string) (*structs.Task, error) {
	lock := t.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	task, err := t.getLocked(taskID)
	if err != nil {
		return nil, err
	}
	if task.StartedAt == nil {
		now := t.clock.Now()
		task.StartedAt = &now
	}
	task.LastKnownStatus = structs.TaskRunning
	return task, t.putLocked(appID, task)
}

// StatusUpdate records a non-terminal status transition.
func (t *Tracker) StatusUpdate(appID id.PathId, taskID string, status structs.TaskStatus) (*structs.Task, error) {
	if status.IsTerminal() {
		return nil, fmt.Errorf("tracker: StatusUpdate called with terminal status %q; use Terminated", status)
	}
	lock := t.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	task, err := t.getLocked(taskID)
	if err != nil {
		return nil, err
	}
	task.LastKnownStatus = status
	return task, t.putLocked(appID, task)
}

// Terminated removes a task reaching a terminal status and returns the
// removed task (its last known state) for the caller to act on.
func (t *Tracker) Terminated(appID id.PathId, taskID string, status structs.TaskStatus) (*structs.Task, error) {
	lock := t.lockFor(appID)
	lock.Lock()
	defer lock.Unlock()

	task, err := t.getLocked(taskID)
	if err != nil {
		return nil, err
	}
	task.LastKnownStatus = status

	txn := t.db.Txn(true)
	if err := txn.Delete(tableTasks, &trackedTask{Task: task, AppIDStr: appID.String()}); err != nil {
		txn.Abort()
		return nil, err
	}
	txn.Commit()

	if t.store != nil {
		if err := t.store.DeleteTask(appID, taskID); err != nil {
			return task, err
		}
	}
	return task, nil
}

// CheckStagedTasks returns every task still STAGING whose StagedAt is
// older than timeout, across all apps.
func (t *Tracker) CheckStagedTasks(timeout time.Duration) []*structs.Task {
	now := t.clock.Now()
	txn := t.db.Txn(false)
	it, err := txn.Get(tableTasks, "id")
	if err != nil {
		return nil
	}
	var stale []*structs.Task
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*trackedTask)
		if row.LastKnownStatus == structs.TaskStaging && now.Sub(row.StagedAt) > timeout {
			stale = append(stale, row.Task.Copy())
		}
	}
	return stale
}

// Get returns a copy of every tracked task for appID.
func (t *Tracker) Get(appID id.PathId) []*structs.Task {
	txn := t.db.Txn(false)
	it, err := txn.Get(tableTasks, "app", appID.String())
	if err != nil {
		return nil
	}
	var out []*structs.Task
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*trackedTask).Task.Copy())
	}
	return out
}

// Contains reports whether appID has any tracked task.
func (t *Tracker) Contains(appID id.PathId) bool {
	return len(t.Get(appID)) > 0
}

// FindAppByTask returns the app owning taskID, if tracked. The
// scheduler coordinator uses this to route a status update without
// keeping its own taskId->appId index (§4.4, §4.8).
func (t *Tracker) FindAppByTask(taskID string) (id.PathId, bool) {
	txn := t.db.Txn(false)
	raw, err := txn.First(tableTasks, "id", taskID)
	if err != nil || raw == nil {
		return id.PathId{}, false
	}
	return raw.(*trackedTask).AppID, true
}

// GetVersion returns the AppVersion of taskID, if tracked.
func (t *Tracker) GetVersion(appID id.PathId, taskID string) (time.Time, bool) {
	txn := t.db.Txn(false)
	raw, err := txn.First(tableTasks, "id", taskID)
	if err != nil || raw == nil {
		return time.Time{}, false
	}
	return raw.(*trackedTask).AppVersion, true
}

func (t *Tracker) getLocked(taskID string) (*structs.Task, error) {
	txn := t.db.Txn(false)
	raw, err := txn.First(tableTasks, "id", taskID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("tracker: unknown task %q", taskID)
	}
	return raw.(*trackedTask).Task.Copy(), nil
}

func (t *Tracker) putLocked(appID id.PathId, task *structs.Task) error {
	txn := t.db.Txn(true)
	if err := txn.Insert(tableTasks, &trackedTask{Task: task, AppIDStr: appID.String()}); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	if t.store != nil {
		return t.store.PutTask(appID, task)
	}
	return nil
}
