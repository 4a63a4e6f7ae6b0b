package tracker

import (
	"testing"
	"time"

	"github.com/marcher/marcher/pkg/clock"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	puts    int
	deletes int
}

func (f *fakeStore) PutTask(appID id.PathId, task *structs.Task) error { f.puts++; return nil }
func (f *fakeStore) DeleteTask(appID id.PathId, taskID string) error   { f.deletes++; return nil }

func TestTracker_Lifecycle(t *testing.T) {
	store := &fakeStore{}
	mc := clock.NewManual(time.Unix(0, 0))
	tr, err := New(store, mc)
	require.NoError(t, err)

	app := id.MustParse("/app1")
	require.NoError(t, tr.Created(app, &structs.Task{ID: "t1", Host: "h1"}))
	require.True(t, tr.Contains(app))
	require.Equal(t, 1, store.puts)

	tasks := tr.Get(app)
	require.Len(t, tasks, 1)
	require.Equal(t, structs.TaskStaging, tasks[0].LastKnownStatus)

	running, err := tr.Running(app, "t1")
	require.NoError(t, err)
	require.Equal(t, structs.TaskRunning, running.LastKnownStatus)
	require.NotNil(t, running.StartedAt)

	_, err = tr.Terminated(app, "t1", structs.TaskFinished)
	require.NoError(t, err)
	require.False(t, tr.Contains(app))
	require.Equal(t, 1, store.deletes)
}

func TestTracker_CheckStagedTasks(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	tr, err := New(nil, mc)
	require.NoError(t, err)

	app := id.MustParse("/app1")
	require.NoError(t, tr.Created(app, &structs.Task{ID: "t1", Host: "h1"}))

	stale := tr.CheckStagedTasks(5 * time.Second)
	require.Empty(t, stale)

	mc.Advance(6 * time.Second)
	stale = tr.CheckStagedTasks(5 * time.Second)
	require.Len(t, stale, 1)
	require.Equal(t, "t1", stale[0].ID)
}

func TestTracker_StatusUpdate_RejectsTerminal(t *testing.T) {
	tr, err := New(nil, nil)
	require.NoError(t, err)
	app := id.MustParse("/app1")
	require.NoError(t, tr.Created(app, &structs.Task{ID: "t1"}))
	_, err = tr.StatusUpdate(app, "t1", structs.TaskFailed)
	require.Error(t, err)
}
