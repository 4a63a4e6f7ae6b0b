package deploy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
	"github.com/stretchr/testify/require"
)

type fakeAppRepo struct {
	mu   sync.Mutex
	apps map[string]*structs.AppDefinition
}

func newFakeAppRepo() *fakeAppRepo { return &fakeAppRepo{apps: map[string]*structs.AppDefinition{}} }

func (r *fakeAppRepo) PutApp(app *structs.AppDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[app.ID.String()] = app
	return nil
}

func (r *fakeAppRepo) RemoveApp(appID id.PathId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.apps, appID.String())
	return nil
}

type fakeQueue struct {
	mu      sync.Mutex
	tracker *fakeTracker
}

// Add simulates instantaneous launch: the queue hands the task straight
// to the tracker so the executor's await loops observe convergence
// without a real scheduler coordinator in these tests.
func (q *fakeQueue) Add(appID id.PathId, version time.Time, backoffSeconds float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracker.launch(appID, version)
}

type fakeTracker struct {
	mu    sync.Mutex
	tasks map[string][]*structs.Task
	seq   int
}

func newFakeTracker() *fakeTracker { return &fakeTracker{tasks: map[string][]*structs.Task{}} }

func (t *fakeTracker) launch(appID id.PathId, version time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	key := appID.String()
	task := &structs.Task{
		ID: key + "-" + time.Now().Format("150405.000000000") + "-" + itoa(t.seq), AppID: appID, AppVersion: version,
		StagedAt: time.Now(), LastKnownStatus: structs.TaskRunning, HealthResults: nil,
	}
	t.tasks[key] = append(t.tasks[key], task)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (t *fakeTracker) Get(appID id.PathId) []*structs.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*structs.Task(nil), t.tasks[appID.String()]...)
}

func (t *fakeTracker) kill(appID id.PathId, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := appID.String()
	kept := t.tasks[key][:0]
	for _, tk := range t.tasks[key] {
		if tk.ID != taskID {
			kept = append(kept, tk)
		}
	}
	t.tasks[key] = kept
}

type fakeDriver struct {
	tracker *fakeTracker
	appID   id.PathId
}

func (d *fakeDriver) KillTask(taskID string) error {
	d.tracker.kill(d.appID, taskID)
	return nil
}

type fakeHealth struct{}

func (fakeHealth) Statuses(appID id.PathId, version time.Time) map[string][]bool { return nil }

func TestExecutor_StartAction_LaunchesInstances(t *testing.T) {
	appID := id.MustParse("/web")
	repo := newFakeAppRepo()
	tracker := newFakeTracker()
	queue := &fakeQueue{tracker: tracker}
	driver := &fakeDriver{tracker: tracker, appID: appID}
	locker := NewLocker()
	exec := NewExecutor(hclog.NewNullLogger(), repo, queue, tracker, driver, fakeHealth{}, nil, nil, locker)

	app := &structs.AppDefinition{ID: appID, Version: time.Now(), Instances: 3, Cmd: "true"}
	d := &structs.Deployment{
		ID: "d1", AffectedApps: []id.PathId{appID},
		Steps: []structs.Step{{Actions: []structs.Action{{Kind: structs.ActionStart, AppID: appID, App: app}}}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, exec.Execute(ctx, d))
	require.Equal(t, structs.DeploymentSucceeded, d.Status)
	require.Len(t, tracker.Get(appID), 3)
	require.Empty(t, locker.HoldersOf(appID))
}

func TestExecutor_ScaleUp_AwaitsInstanceCount(t *testing.T) {
	appID := id.MustParse("/web")
	repo := newFakeAppRepo()
	tracker := newFakeTracker()
	queue := &fakeQueue{tracker: tracker}
	driver := &fakeDriver{tracker: tracker, appID: appID}
	locker := NewLocker()
	exec := NewExecutor(hclog.NewNullLogger(), repo, queue, tracker, driver, fakeHealth{}, nil, nil, locker)

	from := &structs.AppDefinition{ID: appID, Version: time.Now(), Instances: 2}
	to := &structs.AppDefinition{ID: appID, Version: from.Version, Instances: 5}
	tracker.launch(appID, from.Version)
	tracker.launch(appID, from.Version)

	d := &structs.Deployment{
		ID: "d2", AffectedApps: []id.PathId{appID},
		Steps: []structs.Step{{Actions: []structs.Action{{
			Kind: structs.ActionScale, AppID: appID, FromApp: from, ToApp: to, FromInstances: 2, ToInstances: 5,
		}}}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, exec.Execute(ctx, d))
	require.Len(t, tracker.Get(appID), 5)
}

func TestExecutor_ScaleDown_KillsExcess(t *testing.T) {
	appID := id.MustParse("/web")
	repo := newFakeAppRepo()
	tracker := newFakeTracker()
	queue := &fakeQueue{tracker: tracker}
	driver := &fakeDriver{tracker: tracker, appID: appID}
	locker := NewLocker()
	exec := NewExecutor(hclog.NewNullLogger(), repo, queue, tracker, driver, fakeHealth{}, nil, nil, locker)

	from := &structs.AppDefinition{ID: appID, Version: time.Now(), Instances: 4}
	to := &structs.AppDefinition{ID: appID, Version: from.Version, Instances: 1}
	for i := 0; i < 4; i++ {
		tracker.launch(appID, from.Version)
	}

	d := &structs.Deployment{
		ID: "d3", AffectedApps: []id.PathId{appID},
		Steps: []structs.Step{{Actions: []structs.Action{{
			Kind: structs.ActionScale, AppID: appID, FromApp: from, ToApp: to, FromInstances: 4, ToInstances: 1,
		}}}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, exec.Execute(ctx, d))
	require.Len(t, tracker.Get(appID), 1)
}

func TestExecutor_StopAction_RemovesAppAfterDraining(t *testing.T) {
	appID := id.MustParse("/doomed")
	repo := newFakeAppRepo()
	repo.apps[appID.String()] = &structs.AppDefinition{ID: appID}
	tracker := newFakeTracker()
	queue := &fakeQueue{tracker: tracker}
	driver := &fakeDriver{tracker: tracker, appID: appID}
	locker := NewLocker()
	exec := NewExecutor(hclog.NewNullLogger(), repo, queue, tracker, driver, fakeHealth{}, nil, nil, locker)
	tracker.launch(appID, time.Now())

	d := &structs.Deployment{
		ID: "d4", AffectedApps: []id.PathId{appID},
		Steps: []structs.Step{{Actions: []structs.Action{{Kind: structs.ActionStop, AppID: appID}}}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, exec.Execute(ctx, d))
	require.Empty(t, tracker.Get(appID))
	_, stillThere := repo.apps[appID.String()]
	require.False(t, stillThere)
}

func TestExecutor_Locker_RejectsConcurrentDeploymentWithoutForce(t *testing.T) {
	appID := id.MustParse("/web")
	locker := NewLocker()
	_, err := locker.Acquire([]id.PathId{appID}, "first", false)
	require.NoError(t, err)

	repo := newFakeAppRepo()
	tracker := newFakeTracker()
	queue := &fakeQueue{tracker: tracker}
	driver := &fakeDriver{tracker: tracker, appID: appID}
	exec := NewExecutor(hclog.NewNullLogger(), repo, queue, tracker, driver, fakeHealth{}, nil, nil, locker)

	app := &structs.AppDefinition{ID: appID, Version: time.Now(), Instances: 1}
	d := &structs.Deployment{
		ID: "second", AffectedApps: []id.PathId{appID},
		Steps: []structs.Step{{Actions: []structs.Action{{Kind: structs.ActionStart, AppID: appID, App: app}}}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = exec.Execute(ctx, d)
	require.Error(t, err)
}
