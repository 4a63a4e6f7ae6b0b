// Package store declares the key-value store collaborator (§6): a
// linearizable namespaced KV the core persists apps, groups,
// deployments, tasks, and the framework id through. The concrete
// backend (ZooKeeper, etcd, etc.) is out of scope (§1); callers obtain
// a Store and pass it to the packages that need persistence.
package store

import (
	"context"
	"time"

	"github.com/marcher/marcher/pkg/errs"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
)

// Paths mirrors §6's namespacing so every caller derives the same keys.
const (
	pathApps        = "apps"
	pathGroups      = "groups/root"
	pathDeployments = "deployments"
	pathTasks       = "tasks"
	pathFrameworkID = "framework-id"
)

// AppPath returns the namespaced key for one app version (§6).
func AppPath(appID id.PathId, version time.Time) string {
	return pathApps + "/" + appID.String() + "/" + version.Format(time.RFC3339Nano)
}

// GroupPath returns the namespaced key for the root group tree (§6).
func GroupPath() string { return pathGroups }

// DeploymentPath returns the namespaced key for one deployment (§6).
func DeploymentPath(deploymentID string) string { return pathDeployments + "/" + deploymentID }

// TaskPath returns the namespaced key for one task (§6).
func TaskPath(appID id.PathId, taskID string) string {
	return pathTasks + "/" + appID.String() + "/" + taskID
}

// FrameworkIDPath returns the namespaced key for the persisted framework
// id (§6, §4.8).
func FrameworkIDPath() string { return pathFrameworkID }

// Store is a linearizable namespaced key-value store. Every operation
// must return *errs.StoreTimeout or *errs.StoreUnavailable on failure
// per §7, bounded by zkTimeoutDuration (§5) via ctx.
type Store interface {
	Put(ctx context.Context, path string, value []byte) error
	Get(ctx context.Context, path string) ([]byte, bool, error)
	Delete(ctx context.Context, path string) error
	// List returns the immediate children under prefix, for scans like
	// "every version of an app" or "every task of an app".
	List(ctx context.Context, prefix string) ([]string, error)
}

// AppRepo persists AppDefinition versions through a Store.
type AppRepo struct {
	store Store
	now   func() time.Time
}

// NewAppRepo constructs an AppRepo. nowFn defaults to time.Now.
func NewAppRepo(s Store, nowFn func() time.Time) *AppRepo {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &AppRepo{store: s, now: nowFn}
}

// Put persists one version of app.
func (r *AppRepo) Put(ctx context.Context, app *structs.AppDefinition, encode func(*structs.AppDefinition) ([]byte, error)) error {
	b, err := encode(app)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, AppPath(app.ID, app.Version), b)
}

// Get fetches one version of an app, decoding with decode.
func (r *AppRepo) Get(ctx context.Context, appID id.PathId, version time.Time, decode func([]byte) (*structs.AppDefinition, error)) (*structs.AppDefinition, error) {
	b, ok, err := r.store.Get(ctx, AppPath(appID, version))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errs.UnknownApp{ID: appID.String()}
	}
	return decode(b)
}

// FrameworkIDStore persists the framework id the scheduler registers
// with (§4.8 "registered/reregistered ... persist id").
type FrameworkIDStore struct{ store Store }

// NewFrameworkIDStore constructs a FrameworkIDStore.
func NewFrameworkIDStore(s Store) *FrameworkIDStore { return &FrameworkIDStore{store: s} }

// Put persists the framework id.
func (f *FrameworkIDStore) Put(ctx context.Context, frameworkID string) error {
	return f.store.Put(ctx, FrameworkIDPath(), []byte(frameworkID))
}

// Get returns the persisted framework id, if any.
func (f *FrameworkIDStore) Get(ctx context.Context) (string, bool, error) {
	b, ok, err := f.store.Get(ctx, FrameworkIDPath())
	if err != nil || !ok {
		return "", ok, err
	}
	return string(b), true, nil
}

// Expunge removes the persisted framework id (§4.8 "on error, expunge
// the persisted framework id").
func (f *FrameworkIDStore) Expunge(ctx context.Context) error {
	return f.store.Delete(ctx, FrameworkIDPath())
}
