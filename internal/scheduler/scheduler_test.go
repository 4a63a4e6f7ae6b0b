package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/marcher/marcher/internal/driver"
	"github.com/marcher/marcher/internal/health"
	"github.com/marcher/marcher/internal/offer"
	"github.com/marcher/marcher/internal/queue"
	"github.com/marcher/marcher/internal/store"
	"github.com/marcher/marcher/internal/tracker"
	"github.com/marcher/marcher/pkg/clock"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
	"github.com/shoenig/test/wait"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemStore() *memStore { return &memStore{m: map[string][]byte{}} }

func (s *memStore) Put(ctx context.Context, path string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[path] = value
	return nil
}

func (s *memStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[path]
	return v, ok, nil
}

func (s *memStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, path)
	return nil
}

func (s *memStore) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }

type fakeDriver struct {
	mu       sync.Mutex
	killed   []string
	launched int
	declined int
}

func (d *fakeDriver) LaunchTasks(offerID string, tasks []driver.TaskInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launched += len(tasks)
	return nil
}
func (d *fakeDriver) DeclineOffer(offerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.declined++
	return nil
}
func (d *fakeDriver) KillTask(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killed = append(d.killed, taskID)
	return nil
}
func (d *fakeDriver) ReviveOffers() error { return nil }
func (d *fakeDriver) ReconcileTasks(statuses []driver.StatusUpdate) error { return nil }

func (d *fakeDriver) killedTasks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.killed...)
}

func newTestCoordinator(t *testing.T, appID id.PathId, app *structs.AppDefinition) (*Coordinator, *fakeDriver, *tracker.Tracker, *queue.Queue) {
	t.Helper()
	log := hclog.NewNullLogger()
	trk, err := tracker.New(nil, clock.Real)
	require.NoError(t, err)
	q := queue.New(clock.Real)
	hm := health.New(log, clock.Real, nil)
	drv := &fakeDriver{}
	fwIDs := store.NewFrameworkIDStore(newMemStore())

	lookupApp := func(a id.PathId) (AppBackoff, time.Time, bool) {
		if !a.Equal(appID) {
			return AppBackoff{}, time.Time{}, false
		}
		return AppBackoff{BackoffSeconds: app.BackoffSeconds, BackoffFactor: app.BackoffFactor, MaxLaunchDelaySeconds: app.MaxLaunchDelaySeconds}, app.Version, true
	}
	offerLookup := func(a id.PathId, version time.Time) (*structs.AppDefinition, bool) {
		if !a.Equal(appID) || !version.Equal(app.Version) {
			return nil, false
		}
		return app, true
	}
	taskLookup := func(taskID string) (id.PathId, bool) {
		return trk.FindAppByTask(taskID)
	}
	appLister := func() []id.PathId { return []id.PathId{appID} }

	matcher := offer.New(log, q, offerLookup, trk.Get, func() string { return "t-" + appID.Base() }).WithDefaultRoles(true)

	coord := New(log, trk, q, matcher, hm, drv, fwIDs, lookupApp, taskLookup, appLister, 30*time.Second, time.Hour, clock.Real)
	return coord, drv, trk, q
}

func TestCoordinator_ResourceOffers_MatchesAndLaunches(t *testing.T) {
	appID := id.MustParse("/web")
	app := &structs.AppDefinition{ID: appID, Version: time.Now(), Instances: 1, Cmd: "true", Resources: structs.Resources{CPUs: 1, Mem: 128}}
	coord, drv, _, q := newTestCoordinator(t, appID, app)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go coord.Run(ctx)

	q.Add(appID, app.Version, 0)
	coord.ResourceOffers([]structs.Offer{{
		ID: "offer1", Host: "h1",
		Resources: []structs.RoleResources{{Role: structs.DefaultRole, CPUs: 4, Mem: 1024}},
	}})

	wait.For(t, wait.TestFunc(func() (bool, error) {
		return drv.launched == 1, nil
	}))
}

func TestCoordinator_StatusUpdate_TerminalFailureAddsBackoff(t *testing.T) {
	appID := id.MustParse("/web")
	app := &structs.AppDefinition{ID: appID, Version: time.Now(), Instances: 1, BackoffSeconds: 5, BackoffFactor: 2, MaxLaunchDelaySeconds: 300}
	coord, _, trk, q := newTestCoordinator(t, appID, app)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go coord.Run(ctx)

	require.NoError(t, trk.Created(appID, &structs.Task{ID: "t1", AppVersion: app.Version}))

	coord.StatusUpdate(driver.StatusUpdate{TaskID: "t1", Status: structs.TaskFailed})

	wait.For(t, wait.TestFunc(func() (bool, error) {
		return q.HasTimeLeft(appID, app.Version), nil
	}))
	require.False(t, trk.Contains(appID))
}

func TestCoordinator_StatusUpdate_UnknownTaskIsKilled(t *testing.T) {
	appID := id.MustParse("/web")
	app := &structs.AppDefinition{ID: appID, Version: time.Now()}
	coord, drv, _, _ := newTestCoordinator(t, appID, app)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go coord.Run(ctx)

	coord.StatusUpdate(driver.StatusUpdate{TaskID: "ghost", Status: structs.TaskRunning})

	wait.For(t, wait.TestFunc(func() (bool, error) {
		for _, k := range drv.killedTasks() {
			if k == "ghost" {
				return true, nil
			}
		}
		return false, nil
	}))
}

func TestCoordinator_Error_TerminatesAndExpungesFrameworkID(t *testing.T) {
	appID := id.MustParse("/web")
	app := &structs.AppDefinition{ID: appID, Version: time.Now()}
	coord, _, _, _ := newTestCoordinator(t, appID, app)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go coord.Run(ctx)

	coord.Error(assertFatalError{})
	select {
	case err := <-coord.Done():
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected coordinator to terminate on fatal driver error")
	}
}

type assertFatalError struct{}

func (assertFatalError) Error() string { return "fatal driver error" }
