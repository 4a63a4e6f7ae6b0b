// Package repo holds the single in-memory root Group tree (§3, §5):
// "Group tree updates are serialized by a single writer queue." All
// mutations go through GroupRepo's mutex; readers get a deep copy so
// they never observe a partially-applied edit.
package repo

import (
	"strings"
	"sync"
	"time"

	"github.com/marcher/marcher/internal/scheduler"
	"github.com/marcher/marcher/pkg/errs"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
)

// GroupRepo is the authoritative root Group tree.
type GroupRepo struct {
	mu   sync.Mutex
	root *structs.Group
}

// NewGroupRepo seeds the repository with an empty root group.
func NewGroupRepo() *GroupRepo {
	return &GroupRepo{root: structs.NewGroup(id.Root)}
}

// Root returns a deep copy of the current root group.
func (r *GroupRepo) Root() *structs.Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root.Copy()
}

// Replace validates next and atomically swaps a copy of it in as the
// root group.
func (r *GroupRepo) Replace(next *structs.Group) error {
	if err := next.Validate(); err != nil {
		return &errs.ValidationFailed{Details: err.Error()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = next.Copy()
	return nil
}

// PutApp upserts a single app into the tree at its declared parent
// group, creating intermediate groups as needed. Satisfies
// deploy.AppRepo.
func (r *GroupRepo) PutApp(app *structs.AppDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	parentID, ok := app.ID.Parent()
	if !ok {
		return &errs.ValidationFailed{Details: "app id has no parent group"}
	}
	parent := r.ensureGroup(parentID)
	parent.Apps[app.ID.String()] = app.Copy()
	return nil
}

// RemoveApp deletes an app from the tree. Satisfies deploy.AppRepo.
func (r *GroupRepo) RemoveApp(appID id.PathId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	parentID, ok := appID.Parent()
	if !ok {
		return &errs.UnknownApp{ID: appID.String()}
	}
	parent, found := r.root.FindGroup(parentID)
	if !found {
		return &errs.UnknownApp{ID: appID.String()}
	}
	if _, exists := parent.Apps[appID.String()]; !exists {
		return &errs.UnknownApp{ID: appID.String()}
	}
	delete(parent.Apps, appID.String())
	return nil
}

// ensureGroup walks/creates the path from root to gid, returning the
// live (not copied) node so callers mutate the authoritative tree under
// the held lock.
func (r *GroupRepo) ensureGroup(gid id.PathId) *structs.Group {
	if gid.IsRoot() || gid.IsEmpty() {
		return r.root
	}
	segments := strings.Split(strings.Trim(gid.String(), "/"), "/")
	node := r.root
	cur := id.Root
	for _, seg := range segments {
		next, err := cur.Append(seg)
		if err != nil {
			// Unreachable: gid was already parsed successfully, so every
			// segment is individually valid.
			return node
		}
		cur = next
		key := cur.String()
		sub, ok := node.Groups[key]
		if !ok {
			sub = structs.NewGroup(cur)
			node.Groups[key] = sub
		}
		node = sub
	}
	return node
}

// LookupApp resolves the current definition of appID at version,
// satisfying offer.AppLookup. A mismatched version is treated as not
// found: the matcher must only place launches of the current version.
func (r *GroupRepo) LookupApp(appID id.PathId, version time.Time) (*structs.AppDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.root.FindApp(appID)
	if !ok || !app.Version.Equal(version) {
		return nil, false
	}
	return app.Copy(), true
}

// CurrentVersionAndBackoff satisfies scheduler.AppLookup.
func (r *GroupRepo) CurrentVersionAndBackoff(appID id.PathId) (cfg scheduler.AppBackoff, version time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, found := r.root.FindApp(appID)
	if !found {
		return cfg, time.Time{}, false
	}
	cfg.BackoffSeconds = app.BackoffSeconds
	cfg.BackoffFactor = app.BackoffFactor
	cfg.MaxLaunchDelaySeconds = app.MaxLaunchDelaySeconds
	cfg.HealthChecks = app.HealthChecks
	return cfg, app.Version, true
}

// AppIDs returns every app id currently declared in the tree, for the
// scheduler's periodic reconcileTasks sweep.
func (r *GroupRepo) AppIDs() []id.PathId {
	r.mu.Lock()
	defer r.mu.Unlock()
	apps := r.root.TransitiveApps()
	out := make([]id.PathId, len(apps))
	for i, a := range apps {
		out[i] = a.ID
	}
	return out
}
