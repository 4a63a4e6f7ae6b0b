package offer

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/marcher/marcher/internal/queue"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
)

// AppLookup resolves the current definition for an app, as the planner/
// repository sees it, and returns false for a version that is not the
// current one. The matcher drops such entries at match time, in
// addition to the caller's queue-pruning pass (§4.8).
type AppLookup func(app id.PathId, version time.Time) (*structs.AppDefinition, bool)

// PlacedTasksLookup returns the currently running/staging tasks of an
// app, for constraint evaluation.
type PlacedTasksLookup func(app id.PathId) []*structs.Task

// Matcher consumes a batch of offers against the queue, producing
// launches and mutating the queue in place.
type Matcher struct {
	log           hclog.Logger
	queue         *queue.Queue
	lookupApp     AppLookup
	placedTasks   PlacedTasksLookup
	defaultRoles  bool // true: unset AcceptedResourceRoles accepts any role; false: only DefaultRole (the global default-roles flag, §4.3 step 1)
	newTaskID     func() string
}

// New constructs a Matcher.
func New(log hclog.Logger, q *queue.Queue, lookupApp AppLookup, placedTasks PlacedTasksLookup, newTaskID func() string) *Matcher {
	return &Matcher{log: log.Named("offer"), queue: q, lookupApp: lookupApp, placedTasks: placedTasks, newTaskID: newTaskID}
}

// WithDefaultRoles toggles the global default-roles flag (§4.3 step 1).
func (m *Matcher) WithDefaultRoles(enabled bool) *Matcher {
	m.defaultRoles = enabled
	return m
}

// MatchResult is the outcome of matching a single offer.
type MatchResult struct {
	OfferID string
	Launch  []structs.LaunchTask
	Decline bool
}

// Match walks the queue against each offer in turn, in the order given,
// producing launches and requeuing unmatched entries. Matched queue
// entries are permanently removed (they graduate into launched tasks,
// tracked by the caller via the scheduler/tracker).
func (m *Matcher) Match(offers []structs.Offer) []MatchResult {
	results := make([]MatchResult, 0, len(offers))
	for _, o := range offers {
		results = append(results, m.matchOne(o))
	}
	return results
}

func (m *Matcher) matchOne(o structs.Offer) MatchResult {
	residual := NewResidual(o)
	var launches []structs.LaunchTask

	deferred := make([]queue.QueuedTask, 0)
	for {
		qt, ok := m.queue.Pop()
		if !ok {
			break
		}
		app, ok := m.lookupApp(qt.App, qt.Version)
		if !ok {
			// App no longer current; drop the entry rather than
			// requeue it (the offer handler's Retain pass should have
			// caught this already, but match time is a second chance).
			continue
		}

		launch, matched := m.tryPlace(residual, app)
		if !matched {
			deferred = append(deferred, qt)
			continue
		}
		launches = append(launches, launch)
	}

	for _, qt := range deferred {
		m.queue.Requeue(qt)
	}

	return MatchResult{OfferID: o.ID, Launch: launches, Decline: len(launches) == 0}
}

func (m *Matcher) tryPlace(residual *Residual, app *structs.AppDefinition) (structs.LaunchTask, bool) {
	if !EvaluateConstraints(app.Constraints, residual.Host, residual.Attrs, m.placedTasks(app.ID)) {
		return structs.LaunchTask{}, false
	}

	role := structs.DefaultRole
	var rr *RoleResidual
	// Take the first role (DefaultRole first) that this app accepts and
	// the offer carries; remaining quantities are checked further down.
	for _, candidateRole := range residualRoles(residual) {
		if !m.acceptsRole(app, candidateRole) {
			continue
		}
		if r := residual.Role(candidateRole); r != nil {
			rr = r
			role = candidateRole
			break
		}
	}
	if rr == nil {
		return structs.LaunchTask{}, false
	}

	// Reserve ports before deducting scalars, so a scalar shortfall
	// doesn't leave ports half-consumed; ports are the harder
	// constraint to roll back cleanly.
	hostPorts := make([]int, len(app.Ports))
	reserved := make([]int, 0, len(app.Ports))
	ok := true
	for i, p := range app.Ports {
		if p != 0 && app.RequirePorts {
			if !rr.TakePort(p) {
				ok = false
				break
			}
			hostPorts[i] = p
			reserved = append(reserved, p)
			continue
		}
		picked, got := rr.TakeAnyPort()
		if !got {
			ok = false
			break
		}
		hostPorts[i] = picked
		reserved = append(reserved, picked)
	}
	if !ok {
		for _, p := range reserved {
			rr.Ports = append(rr.Ports, structs.PortRange{Begin: p, End: p})
		}
		return structs.LaunchTask{}, false
	}

	if !rr.DeductScalar(app.Resources.CPUs, app.Resources.Mem, app.Resources.Disk) {
		for _, p := range reserved {
			rr.Ports = append(rr.Ports, structs.PortRange{Begin: p, End: p})
		}
		return structs.LaunchTask{}, false
	}

	launch := structs.LaunchTask{
		TaskID:    m.newTaskID(),
		AppID:     app.ID,
		App:       *app,
		OfferID:   residual.OfferID,
		Host:      residual.Host,
		HostPorts: hostPorts,
		Role:      role,
	}
	return launch, true
}

// acceptsRole applies §4.3 step 1: an app with no declared
// acceptedResourceRoles defaults to "{*}" only, unless the matcher's
// global default-roles flag says otherwise (in which case an app with
// no declaration accepts any role).
func (m *Matcher) acceptsRole(app *structs.AppDefinition, role string) bool {
	if len(app.AcceptedResourceRoles) == 0 {
		if m.defaultRoles {
			return true
		}
		return role == structs.DefaultRole
	}
	_, ok := app.AcceptedResourceRoles[role]
	return ok
}

func residualRoles(r *Residual) []string {
	roles := make([]string, 0, len(r.byRole))
	if rr := r.byRole[structs.DefaultRole]; rr != nil {
		roles = append(roles, structs.DefaultRole)
	}
	for role := range r.byRole {
		if role != structs.DefaultRole {
			roles = append(roles, role)
		}
	}
	return roles
}
