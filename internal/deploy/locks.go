package deploy

import (
	"sync"

	"github.com/marcher/marcher/pkg/errs"
	"github.com/marcher/marcher/pkg/id"
)

// Locker holds the advisory per-app locks deployments acquire for their
// duration (§4.7, §5: "Deployments hold per-affected-app advisory
// locks"). It is not a mutual-exclusion primitive in the Go-memory-model
// sense — it is bookkeeping the executor consults before mutating an
// app, exactly as described in §5's "A user mutation on a locked app
// fails with AppLocked(deploymentIds) unless force=true".
type Locker struct {
	mu    sync.Mutex
	locks map[string][]string // appId -> holding deployment ids
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: map[string][]string{}}
}

// Acquire locks every app in appIDs for deploymentID. If force is false
// and any app is already locked by a different deployment, no locks are
// taken and an *errs.AppLocked is returned. If force is true, the
// existing holders are returned as superseded (the caller is
// responsible for canceling them) and this deployment takes over.
func (l *Locker) Acquire(appIDs []id.PathId, deploymentID string, force bool) (superseded []string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !force {
		for _, app := range appIDs {
			if holders := l.locks[app.String()]; len(holders) > 0 {
				return nil, &errs.AppLocked{AppID: app.String(), DeploymentIDs: holders}
			}
		}
		for _, app := range appIDs {
			l.locks[app.String()] = append(l.locks[app.String()], deploymentID)
		}
		return nil, nil
	}

	supersededSet := map[string]bool{}
	for _, app := range appIDs {
		for _, holder := range l.locks[app.String()] {
			supersededSet[holder] = true
		}
		l.locks[app.String()] = []string{deploymentID}
	}
	for id := range supersededSet {
		superseded = append(superseded, id)
	}
	return superseded, nil
}

// Release drops deploymentID's hold on every app in appIDs.
func (l *Locker) Release(appIDs []id.PathId, deploymentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, app := range appIDs {
		key := app.String()
		holders := l.locks[key]
		filtered := holders[:0]
		for _, h := range holders {
			if h != deploymentID {
				filtered = append(filtered, h)
			}
		}
		if len(filtered) == 0 {
			delete(l.locks, key)
		} else {
			l.locks[key] = filtered
		}
	}
}

// HoldersOf returns the deployment ids currently holding app, if any.
func (l *Locker) HoldersOf(app id.PathId) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.locks[app.String()]...)
}
