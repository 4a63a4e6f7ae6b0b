// Package scheduler implements the single logical coordinator of §4.8:
// it receives driver events and serializes its mutations to the task
// tracker and queue through one goroutine's event loop (the actor shape
// of spec.md §5 and §9). The coordinator holds no deployment executor;
// deployments run outside this loop.
package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/marcher/marcher/internal/driver"
	"github.com/marcher/marcher/internal/health"
	"github.com/marcher/marcher/internal/offer"
	"github.com/marcher/marcher/internal/queue"
	"github.com/marcher/marcher/internal/store"
	"github.com/marcher/marcher/internal/tracker"
	"github.com/marcher/marcher/pkg/clock"
	"github.com/marcher/marcher/pkg/errs"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
)

// AppBackoff is the subset of an app's configuration the coordinator
// needs to drive the queue's rate limiter on terminal failure (§4.2)
// and to start the right checkers the moment a task reaches RUNNING
// (§4.5).
type AppBackoff struct {
	BackoffSeconds        float64
	BackoffFactor         float64
	MaxLaunchDelaySeconds float64
	HealthChecks          []structs.HealthCheck
}

// AppLookup resolves the backoff configuration, declared health
// checks, and current version of an app for the failure-delay
// calculation, health-checker startup, and stale-queue-entry pruning
// (§4.2, §4.5); returns false if the app is no longer declared.
type AppLookup func(appID id.PathId) (cfg AppBackoff, currentVersion time.Time, ok bool)

// event tags are deliberately unexported: only the coordinator's own
// run loop dispatches on them, matching the actor shape — no external
// package should ever select over scheduler internals (§9).
type eventKind int

const (
	evRegistered eventKind = iota
	evResourceOffers
	evOfferRescinded
	evStatusUpdate
	evReconcileTasks
	evDisconnected
	evError
)

type event struct {
	kind       eventKind
	frameworkID string
	masterInfo *driver.MasterInfo
	offers     []structs.Offer
	offerID    string
	status     driver.StatusUpdate
	err        error
}

// Coordinator is the single actor described in §4.8 and §5. Events are
// delivered over a channel and processed one at a time by Run; every
// mutation the coordinator makes to the tracker or queue happens from
// inside that one goroutine.
type Coordinator struct {
	log hclog.Logger

	tracker *tracker.Tracker
	queue   *queue.Queue
	matcher *offer.Matcher
	health  *health.Manager
	driver  driver.Driver
	fwIDs   *store.FrameworkIDStore

	lookupApp AppLookup

	// taskLookup resolves which app a task id belongs to; the daemon and
	// the tests back it with tracker.FindAppByTask.
	taskLookup func(taskID string) (id.PathId, bool)
	// appLister returns every currently declared app id, for the
	// periodic reconcileTasks sweep.
	appLister func() []id.PathId

	taskLaunchTimeout time.Duration
	reconcileEvery    time.Duration

	clock clock.Clock

	events chan event

	// fatal carries the error that ended Run, for callers waiting on
	// Done() to learn why (§4.8 "terminate the process").
	fatal chan error
}

// New constructs a Coordinator using clk as its time source (pass nil
// for clock.Real; an injectable clock lets tests drive the RUNNING ->
// health-checker-start transition deterministically, same as
// internal/queue and internal/health). None of the collaborators are
// touched until Run is called.
func New(log hclog.Logger, trk *tracker.Tracker, q *queue.Queue, matcher *offer.Matcher, hm *health.Manager, drv driver.Driver, fwIDs *store.FrameworkIDStore, lookupApp AppLookup, taskLookup func(taskID string) (id.PathId, bool), appLister func() []id.PathId, taskLaunchTimeout, reconcileEvery time.Duration, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.Real
	}
	return &Coordinator{
		log: log.Named("scheduler"), tracker: trk, queue: q, matcher: matcher, health: hm, driver: drv, fwIDs: fwIDs,
		lookupApp: lookupApp, taskLookup: taskLookup, appLister: appLister,
		taskLaunchTimeout: taskLaunchTimeout, reconcileEvery: reconcileEvery, clock: clk,
		events: make(chan event, 64), fatal: make(chan error, 1),
	}
}

// Registered delivers a registered/reregistered event (§4.8).
func (c *Coordinator) Registered(frameworkID string, info *driver.MasterInfo) {
	c.events <- event{kind: evRegistered, frameworkID: frameworkID, masterInfo: info}
}

// ResourceOffers delivers a batch of offers (§4.8).
func (c *Coordinator) ResourceOffers(offers []structs.Offer) {
	c.events <- event{kind: evResourceOffers, offers: offers}
}

// OfferRescinded delivers a rescind notice (§4.8).
func (c *Coordinator) OfferRescinded(offerID string) {
	c.events <- event{kind: evOfferRescinded, offerID: offerID}
}

// StatusUpdate delivers a task status update (§4.8).
func (c *Coordinator) StatusUpdate(s driver.StatusUpdate) {
	c.events <- event{kind: evStatusUpdate, status: s}
}

// Disconnected delivers a disconnected notice (§4.8).
func (c *Coordinator) Disconnected() {
	c.events <- event{kind: evDisconnected}
}

// Error delivers a fatal driver error (§4.8: "terminate the process").
func (c *Coordinator) Error(err error) {
	c.events <- event{kind: evError, err: err}
}

// Done reports the error Run exited with, once it has.
func (c *Coordinator) Done() <-chan error { return c.fatal }

// Run processes events until ctx is canceled or a fatal driver error
// arrives, and drives the periodic reconcileTasks sweep (§4.8). It owns
// the only goroutine that mutates tracker/queue/matcher state, per §5.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.fatal <- ctx.Err()
			return
		case <-ticker.C:
			c.handleReconcileTasks()
		case ev := <-c.events:
			if fatal := c.handle(ctx, ev); fatal != nil {
				c.fatal <- fatal
				return
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev event) error {
	switch ev.kind {
	case evRegistered:
		c.handleRegistered(ctx, ev.frameworkID)
	case evResourceOffers:
		c.handleResourceOffers(ev.offers)
	case evOfferRescinded:
		// No in-flight per-offer match state is retained past Match
		// returning (§4.3 matches synchronously within one event), so
		// there's nothing to drop beyond logging the notice.
		c.log.Debug("offer rescinded", "offer", ev.offerID)
	case evStatusUpdate:
		c.handleStatusUpdate(ev.status)
	case evReconcileTasks:
		c.handleReconcileTasks()
	case evDisconnected:
		c.log.Warn("scheduler disconnected from resource master")
	case evError:
		return c.handleError(ctx, ev.err)
	}
	return nil
}

func (c *Coordinator) handleRegistered(ctx context.Context, frameworkID string) {
	if err := c.fwIDs.Put(ctx, frameworkID); err != nil {
		c.log.Error("failed to persist framework id", "error", err)
	}
}

// handleResourceOffers implements §4.8's resourceOffers pre-flight:
// kill staged tasks past their launch timeout, prune stale queue
// entries, then hand the batch to the matcher.
func (c *Coordinator) handleResourceOffers(offers []structs.Offer) {
	for _, stale := range c.tracker.CheckStagedTasks(c.taskLaunchTimeout) {
		c.log.Warn("killing task staged past launch timeout", "task", stale.ID, "app", stale.AppID)
		if err := c.driver.KillTask(stale.ID); err != nil {
			c.log.Error("failed to kill staged task", "task", stale.ID, "error", err)
		}
	}

	c.queue.Retain(func(qt queue.QueuedTask) bool {
		_, currentVersion, ok := c.lookupApp(qt.App)
		return ok && qt.Version.Equal(currentVersion)
	})

	results := c.matcher.Match(offers)
	for _, r := range results {
		if len(r.Launch) > 0 {
			tasks := make([]driver.TaskInfo, 0, len(r.Launch))
			for _, l := range r.Launch {
				c.trackLaunched(l)
				tasks = append(tasks, toTaskInfo(l))
			}
			if err := c.driver.LaunchTasks(r.OfferID, tasks); err != nil {
				c.log.Error("failed to launch tasks", "offer", r.OfferID, "error", err)
			}
		}
		if r.Decline {
			if err := c.driver.DeclineOffer(r.OfferID); err != nil {
				c.log.Error("failed to decline offer", "offer", r.OfferID, "error", err)
			}
		}
	}
}

func (c *Coordinator) trackLaunched(l structs.LaunchTask) {
	task := &structs.Task{
		ID: l.TaskID, AppID: l.AppID, AppVersion: l.App.Version,
		Host: l.Host, HostPorts: l.HostPorts, LastKnownStatus: structs.TaskStaging,
	}
	if err := c.tracker.Created(l.AppID, task); err != nil {
		c.log.Error("failed to record launched task", "task", l.TaskID, "error", err)
	}
}

func toTaskInfo(l structs.LaunchTask) driver.TaskInfo {
	info := driver.TaskInfo{
		TaskID: l.TaskID, OfferID: l.OfferID, Cmd: l.App.Cmd, Args: l.App.Args,
		Container: l.App.Container, Ports: l.HostPorts,
		Resources: structs.RoleResources{Role: l.Role, CPUs: l.App.Resources.CPUs, Mem: l.App.Resources.Mem, Disk: l.App.Resources.Disk},
	}
	for _, hc := range l.App.HealthChecks {
		if hc.Protocol == structs.ProtocolCommand {
			check := hc
			info.HealthCheck = &check
			break
		}
	}
	return info
}

// handleStatusUpdate implements §4.8's statusUpdate handling: forward
// health bits, update the tracker, and on terminal/first-running
// transitions drive the queue's rate limiter.
func (c *Coordinator) handleStatusUpdate(su driver.StatusUpdate) {
	if su.Healthy != nil {
		// COMMAND-protocol result piggy-backed on the update; index 0
		// is the convention for a single declared COMMAND check (§4.5).
		appID, ok := c.findAppForTask(su.TaskID)
		if ok {
			version, _ := c.tracker.GetVersion(appID, su.TaskID)
			c.health.ReportCommandResult(appID, version, su.TaskID, 0, *su.Healthy)
		}
	}

	appID, ok := c.findAppForTask(su.TaskID)
	if !ok {
		c.log.Warn("status update for untracked task; killing", "task", su.TaskID)
		if err := c.driver.KillTask(su.TaskID); err != nil {
			c.log.Error("failed to kill unknown task", "task", su.TaskID, "error", err)
		}
		return
	}

	if su.Status.IsTerminal() {
		task, err := c.tracker.Terminated(appID, su.TaskID, su.Status)
		if err != nil {
			c.log.Error("failed to record terminated task", "task", su.TaskID, "error", err)
			return
		}
		c.health.RemoveTask(appID, task.AppVersion, su.TaskID)

		healthy := su.Healthy == nil || *su.Healthy
		if su.Status == structs.TaskFailed || su.Status == structs.TaskError || (su.Status == structs.TaskKilled && !healthy) {
			if backoff, _, ok := c.lookupApp(appID); ok {
				c.queue.AddFailure(appID, task.AppVersion, backoff.BackoffSeconds, backoff.BackoffFactor, backoff.MaxLaunchDelaySeconds)
			}
			c.queue.Add(appID, task.AppVersion, 0)
		}
		return
	}

	if su.Status == structs.TaskRunning {
		firstRunning := true
		for _, t := range c.tracker.Get(appID) {
			if t.ID == su.TaskID && t.LastKnownStatus == structs.TaskRunning {
				firstRunning = false
			}
		}
		task, err := c.tracker.Running(appID, su.TaskID)
		if err != nil {
			c.log.Error("failed to promote task to running", "task", su.TaskID, "error", err)
			return
		}
		if !firstRunning {
			return
		}
		c.queue.ResetDelay(appID)
		var checks []structs.HealthCheck
		if cfg, _, ok := c.lookupApp(appID); ok {
			checks = cfg.HealthChecks
		}
		c.health.AddTask(appID, task.AppVersion, task, checks, c.clock.Now())
		return
	}

	if _, err := c.tracker.StatusUpdate(appID, su.TaskID, su.Status); err != nil {
		c.log.Error("failed to record status update", "task", su.TaskID, "error", err)
	}
}

// findAppForTask resolves which app owns taskID via the caller-supplied
// taskLookup (tracker.FindAppByTask in the daemon, §4.4).
func (c *Coordinator) findAppForTask(taskID string) (id.PathId, bool) {
	if c.taskLookup == nil {
		return id.PathId{}, false
	}
	return c.taskLookup(taskID)
}

func (c *Coordinator) handleReconcileTasks() {
	nonTerminal := c.collectNonTerminal()
	if err := c.driver.ReconcileTasks(nonTerminal); err != nil {
		c.log.Error("failed to reconcile known tasks", "error", err)
	}
	if err := c.driver.ReconcileTasks(nil); err != nil {
		c.log.Error("failed to reconcile implicit (unknown) tasks", "error", err)
	}
}

func (c *Coordinator) collectNonTerminal() []driver.StatusUpdate {
	var out []driver.StatusUpdate
	for _, appID := range c.knownApps() {
		for _, t := range c.tracker.Get(appID) {
			out = append(out, driver.StatusUpdate{TaskID: t.ID, Status: t.LastKnownStatus})
		}
	}
	return out
}

func (c *Coordinator) knownApps() []id.PathId {
	if c.appLister != nil {
		return c.appLister()
	}
	return nil
}

// handleError implements §4.8's fatal path: expunge the persisted
// framework id and terminate.
func (c *Coordinator) handleError(ctx context.Context, cause error) error {
	if err := c.fwIDs.Expunge(ctx); err != nil {
		c.log.Error("failed to expunge framework id during shutdown", "error", err)
	}
	return &errs.DriverError{Msg: cause.Error()}
}
