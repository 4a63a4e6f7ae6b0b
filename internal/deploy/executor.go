package deploy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/marcher/marcher/pkg/errs"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
)

// pollInterval bounds how often the executor re-checks tracker/health
// state while a Scale or Restart action awaits convergence. The source
// system is event-driven (status updates push state changes); a poll
// loop is the documented simplification for this core (§9 Open
// Questions: the scale await-policy note — this repo always awaits
// terminal status, via polling, before reporting an action complete).
const pollInterval = 50 * time.Millisecond

// AppRepo is the subset of the group/app repository (§6) the executor
// mutates.
type AppRepo interface {
	PutApp(app *structs.AppDefinition) error
	RemoveApp(appID id.PathId) error
}

// QueueView is the subset of the task queue (§4.2) the executor enqueues
// launches through.
type QueueView interface {
	Add(appID id.PathId, version time.Time, backoffSeconds float64)
}

// TrackerView is the subset of the task tracker (§4.4) the executor
// reads placement state from.
type TrackerView interface {
	Get(appID id.PathId) []*structs.Task
}

// Driver is the subset of the resource-master driver (§6) the executor
// issues kills through.
type Driver interface {
	KillTask(taskID string) error
}

// HealthView is the subset of the health manager (§4.5) the executor
// consults for restart/scale-down convergence.
type HealthView interface {
	Statuses(appID id.PathId, version time.Time) map[string][]bool
}

// ArtifactFetcher fetches a ResolveArtifacts URL to the shared artifact
// store; its concrete backend is out of scope (§1).
type ArtifactFetcher interface {
	Fetch(ctx context.Context, url string) error
}

// DeploymentStore persists the plan before it executes (§4.7
// "persist-before-act") so crash recovery can resume.
type DeploymentStore interface {
	PutDeployment(d *structs.Deployment) error
}

// Executor drives a Deployment's steps to completion.
type Executor struct {
	log     hclog.Logger
	repo    AppRepo
	queue   QueueView
	tracker TrackerView
	driver  Driver
	health  HealthView
	store   DeploymentStore
	fetch   ArtifactFetcher
	locker  *Locker
}

// NewExecutor wires an Executor's collaborators.
func NewExecutor(log hclog.Logger, repo AppRepo, queue QueueView, tracker TrackerView, driver Driver, health HealthView, store DeploymentStore, fetch ArtifactFetcher, locker *Locker) *Executor {
	return &Executor{
		log: log.Named("deploy.executor"), repo: repo, queue: queue, tracker: tracker,
		driver: driver, health: health, store: store, fetch: fetch, locker: locker,
	}
}

// Execute acquires locks on every affected app, persists the plan, and
// drives each step to completion in order. If any step fails, the
// deployment is marked failed and locks are released. With Force set,
// Execute takes over locks held by other deployments; it does not
// cancel those deployments or change their status.
func (e *Executor) Execute(ctx context.Context, d *structs.Deployment) error {
	superseded, err := e.locker.Acquire(d.AffectedApps, d.ID, d.Force)
	if err != nil {
		return err
	}
	_ = superseded // the superseded deployment ids are discarded here
	defer e.locker.Release(d.AffectedApps, d.ID)

	if e.store != nil {
		if err := e.store.PutDeployment(d); err != nil {
			return fmt.Errorf("deploy: persisting plan: %w", err)
		}
	}

	d.Status = structs.DeploymentRunning
	for d.CurrentStep < len(d.Steps) {
		if err := ctx.Err(); err != nil {
			d.Status = structs.DeploymentCanceled
			return err
		}
		step := d.Steps[d.CurrentStep]
		if err := e.runStep(ctx, step); err != nil {
			d.Status = structs.DeploymentFailed
			return err
		}
		d.CurrentStep++
		if e.store != nil {
			_ = e.store.PutDeployment(d)
		}
	}
	d.Status = structs.DeploymentSucceeded
	return nil
}

func (e *Executor) runStep(ctx context.Context, step structs.Step) error {
	errCh := make(chan error, len(step.Actions))
	for _, action := range step.Actions {
		action := action
		go func() {
			errCh <- e.runAction(ctx, action)
		}()
	}
	var result *multierror.Error
	for range step.Actions {
		if err := <-errCh; err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (e *Executor) runAction(ctx context.Context, a structs.Action) error {
	switch a.Kind {
	case structs.ActionStart:
		return e.start(ctx, a)
	case structs.ActionStop:
		return e.stop(ctx, a)
	case structs.ActionScale:
		return e.scale(ctx, a)
	case structs.ActionRestart:
		return e.restart(ctx, a)
	case structs.ActionResolve:
		return e.resolveArtifacts(ctx, a)
	default:
		return fmt.Errorf("deploy: unknown action kind %q", a.Kind)
	}
}

func (e *Executor) start(ctx context.Context, a structs.Action) error {
	if err := e.repo.PutApp(a.App); err != nil {
		return fmt.Errorf("deploy: starting app %q: %w", a.AppID, err)
	}
	for i := 0; i < a.App.Instances; i++ {
		e.queue.Add(a.AppID, a.App.Version, a.App.BackoffSeconds)
	}
	return nil
}

func (e *Executor) stop(ctx context.Context, a structs.Action) error {
	tasks := e.tracker.Get(a.AppID)
	for _, t := range tasks {
		if err := e.driver.KillTask(t.ID); err != nil {
			e.log.Warn("failed to kill task while stopping app", "app", a.AppID, "task", t.ID, "error", err)
		}
	}
	if err := e.awaitNoTasks(ctx, a.AppID); err != nil {
		return err
	}
	return e.repo.RemoveApp(a.AppID)
}

// scale implements §4.7's Scale action. The chosen await policy (§9 open
// question, resolved in DESIGN.md) is: a scale-down awaits terminal
// status of the killed tasks and a scale-up awaits the tracker reaching
// the target count, before the action is reported complete.
func (e *Executor) scale(ctx context.Context, a structs.Action) error {
	if a.ToInstances > a.FromInstances {
		for i := 0; i < a.ToInstances-a.FromInstances; i++ {
			e.queue.Add(a.AppID, a.ToApp.Version, a.ToApp.BackoffSeconds)
		}
		return e.awaitInstanceCount(ctx, a.AppID, a.ToInstances)
	}
	if a.ToInstances < a.FromInstances {
		toKill := a.FromInstances - a.ToInstances
		tasks := e.tracker.Get(a.AppID)
		victims := pickScaleDownVictims(tasks, e.health, a.AppID, a.FromApp.Version, toKill)
		for _, t := range victims {
			if err := e.driver.KillTask(t.ID); err != nil {
				e.log.Warn("failed to kill task while scaling down", "app", a.AppID, "task", t.ID, "error", err)
			}
		}
		return e.awaitInstanceCount(ctx, a.AppID, a.ToInstances)
	}
	return nil
}

// pickScaleDownVictims selects n tasks to kill, preferring unhealthy
// tasks, then oldest StagedAt (§4.7 Scale).
func pickScaleDownVictims(tasks []*structs.Task, health HealthView, appID id.PathId, version time.Time, n int) []*structs.Task {
	statuses := map[string][]bool{}
	if health != nil {
		statuses = health.Statuses(appID, version)
	}
	sorted := append([]*structs.Task(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool {
		hi, hj := taskHealthy(sorted[i], statuses), taskHealthy(sorted[j], statuses)
		if hi != hj {
			return !hi // unhealthy sorts first
		}
		return sorted[i].StagedAt.Before(sorted[j].StagedAt)
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func taskHealthy(t *structs.Task, statuses map[string][]bool) bool {
	bits, ok := statuses[t.ID]
	if !ok {
		return t.Healthy()
	}
	for _, b := range bits {
		if !b {
			return false
		}
	}
	return true
}

// restart drives the rolling replacement of §4.7: launch new-version
// tasks up to maxOver while keeping old-version tasks alive, kill an old
// task whenever a new one becomes healthy, until alive_old=0 and
// healthy_new=N.
func (e *Executor) restart(ctx context.Context, a structs.Action) error {
	n := a.ToApp.Instances
	minHealth := ceilFrac(n, a.UpgradeStrategy.MinimumHealthCapacity)
	maxOver := floorFrac(n, a.UpgradeStrategy.MaximumOverCapacity)

	if err := e.repo.PutApp(a.ToApp); err != nil {
		return fmt.Errorf("deploy: restarting app %q: %w", a.AppID, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		tasks := e.tracker.Get(a.AppID)
		aliveOld, healthyNew, totalNew := restartCounts(tasks, a.FromApp.Version, a.ToApp.Version, e.health, a.AppID)

		if aliveOld == 0 && healthyNew >= n {
			return nil
		}

		// How many more new tasks can we have in flight without
		// breaching total <= N + maxOver?
		budget := n + maxOver - (aliveOld + totalNew)
		// Respect the minimum-healthy floor: don't kill an old task
		// that would drop (aliveOld-1 + healthyNew) below minHealth.
		for budget > 0 && totalNew < n {
			e.queue.Add(a.AppID, a.ToApp.Version, a.ToApp.BackoffSeconds)
			totalNew++
			budget--
		}

		if aliveOld > 0 && (aliveOld-1)+healthyNew >= minHealth {
			if victim := oldestTask(tasks, a.FromApp.Version); victim != nil {
				if err := e.driver.KillTask(victim.ID); err != nil {
					e.log.Warn("failed to kill old-version task during restart", "app", a.AppID, "task", victim.ID, "error", err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func restartCounts(tasks []*structs.Task, fromVersion, toVersion time.Time, health HealthView, appID id.PathId) (aliveOld, healthyNew, totalNew int) {
	var newStatuses map[string][]bool
	if health != nil {
		newStatuses = health.Statuses(appID, toVersion)
	}
	for _, t := range tasks {
		switch {
		case t.AppVersion.Equal(fromVersion):
			aliveOld++
		case t.AppVersion.Equal(toVersion):
			totalNew++
			if t.LastKnownStatus == structs.TaskRunning && taskHealthy(t, newStatuses) {
				healthyNew++
			}
		}
	}
	return
}

func oldestTask(tasks []*structs.Task, version time.Time) *structs.Task {
	var oldest *structs.Task
	for _, t := range tasks {
		if !t.AppVersion.Equal(version) {
			continue
		}
		if oldest == nil || t.StagedAt.Before(oldest.StagedAt) {
			oldest = t
		}
	}
	return oldest
}

func ceilFrac(n int, frac float64) int {
	v := float64(n) * frac
	iv := int(v)
	if float64(iv) < v {
		iv++
	}
	return iv
}

func floorFrac(n int, frac float64) int {
	return int(float64(n) * frac)
}

func (e *Executor) resolveArtifacts(ctx context.Context, a structs.Action) error {
	if e.fetch == nil {
		return nil
	}
	for _, url := range a.URLs {
		if err := e.fetch.Fetch(ctx, url); err != nil {
			return &errs.ResolveArtifactFailed{URL: url}
		}
	}
	return nil
}

func (e *Executor) awaitNoTasks(ctx context.Context, appID id.PathId) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if len(e.tracker.Get(appID)) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) awaitInstanceCount(ctx context.Context, appID id.PathId, n int) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if len(e.tracker.Get(appID)) == n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
