// Package health implements the per-(app,version) health check manager
// (§4.5): HTTP/TCP active probing, COMMAND passive forwarding, status
// aggregation, and failure-triggered kills.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/marcher/marcher/pkg/clock"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
)

// state is a single checker's observed status (§4.5 "Unknown -> Healthy
// | Unhealthy").
type state int

const (
	stateUnknown state = iota
	stateHealthy
	stateUnhealthy
)

// Driver is the subset of the resource-master driver (§6) the health
// manager needs: killing a task after MaxConsecutiveFailures.
type Driver interface {
	KillTask(taskID string) error
}

type checkState struct {
	state               state
	consecutiveFailures int
	everHealthy         bool
}

// taskChecker owns one goroutine per HTTP/TCP health check declared on
// the task's app, plus the aggregated per-check state. COMMAND checks
// have no goroutine; their state arrives via ReportCommandResult.
type taskChecker struct {
	task   *structs.Task
	checks []structs.HealthCheck

	mu     sync.Mutex
	states []checkState

	cancel context.CancelFunc
}

func (tc *taskChecker) healthy() []bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]bool, len(tc.states))
	for i, s := range tc.states {
		out[i] = s.state == stateHealthy // unknown (no result yet, e.g. during the grace period) is not healthy
	}
	return out
}

// versionCheckers groups the task checkers belonging to one
// (appId, appVersion) pair.
type versionCheckers struct {
	tasks map[string]*taskChecker
}

// Manager is the health check manager.
type Manager struct {
	log        hclog.Logger
	clock      clock.Clock
	driver     Driver
	httpClient *http.Client

	mu       sync.RWMutex
	versions map[string]map[string]*versionCheckers // appId -> versionKey -> checkers
}

// New constructs a Manager. driver may be nil in tests that don't
// exercise the kill-on-failure path.
func New(log hclog.Logger, clk clock.Clock, driver Driver) *Manager {
	if clk == nil {
		clk = clock.Real
	}
	return &Manager{
		log:        log.Named("health"),
		clock:      clk,
		driver:     driver,
		httpClient: cleanhttp.DefaultPooledClient(),
		versions:   map[string]map[string]*versionCheckers{},
	}
}

func versionKey(v time.Time) string { return v.Format(time.RFC3339Nano) }

// AddTask starts checkers for task against checks, treating runningAt as
// the moment it entered RUNNING (the grace-period anchor).
func (m *Manager) AddTask(appID id.PathId, version time.Time, task *structs.Task, checks []structs.HealthCheck, runningAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	appKey := appID.String()
	vKey := versionKey(version)
	if m.versions[appKey] == nil {
		m.versions[appKey] = map[string]*versionCheckers{}
	}
	if m.versions[appKey][vKey] == nil {
		m.versions[appKey][vKey] = &versionCheckers{tasks: map[string]*taskChecker{}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	tc := &taskChecker{task: task, checks: checks, states: make([]checkState, len(checks)), cancel: cancel}
	m.versions[appKey][vKey].tasks[task.ID] = tc

	for i, check := range checks {
		if check.Protocol == structs.ProtocolCommand {
			continue
		}
		go m.run(ctx, appID, task.ID, i, check, tc, runningAt)
	}
}

// RemoveTask stops and removes the checkers for one task.
func (m *Manager) RemoveTask(appID id.PathId, version time.Time, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vc := m.versions[appID.String()][versionKey(version)]
	if vc == nil {
		return
	}
	if tc, ok := vc.tasks[taskID]; ok {
		tc.cancel()
		delete(vc.tasks, taskID)
	}
}

// Status returns the per-check healthy bits for one task.
func (m *Manager) Status(appID id.PathId, version time.Time, taskID string) []bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vc := m.versions[appID.String()][versionKey(version)]
	if vc == nil {
		return nil
	}
	tc, ok := vc.tasks[taskID]
	if !ok {
		return nil
	}
	return tc.healthy()
}

// Statuses returns every tracked task's status for (appID, version).
func (m *Manager) Statuses(appID id.PathId, version time.Time) map[string][]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vc := m.versions[appID.String()][versionKey(version)]
	if vc == nil {
		return nil
	}
	out := make(map[string][]bool, len(vc.tasks))
	for taskID, tc := range vc.tasks {
		out[taskID] = tc.healthy()
	}
	return out
}

// HealthCounts aggregates every task across every version of appID.
func (m *Manager) HealthCounts(appID id.PathId) (healthy, unhealthy, unknown int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, vc := range m.versions[appID.String()] {
		for _, tc := range vc.tasks {
			bits := tc.healthy()
			if len(bits) == 0 {
				unknown++
				continue
			}
			allHealthy := true
			for _, b := range bits {
				if !b {
					allHealthy = false
					break
				}
			}
			if allHealthy {
				healthy++
			} else {
				unhealthy++
			}
		}
	}
	return
}

// ReportCommandResult forwards a COMMAND-protocol result piggy-backed on
// a task status update to the matching checker.
func (m *Manager) ReportCommandResult(appID id.PathId, version time.Time, taskID string, checkIndex int, healthyResult bool) {
	m.mu.RLock()
	vc := m.versions[appID.String()][versionKey(version)]
	m.mu.RUnlock()
	if vc == nil {
		return
	}
	tc, ok := vc.tasks[taskID]
	if !ok || checkIndex < 0 || checkIndex >= len(tc.states) {
		return
	}
	tc.mu.Lock()
	if healthyResult {
		tc.states[checkIndex] = checkState{state: stateHealthy, everHealthy: true}
	} else {
		tc.states[checkIndex].consecutiveFailures++
		tc.states[checkIndex].state = stateUnhealthy
	}
	failures := tc.states[checkIndex].consecutiveFailures
	tc.mu.Unlock()

	if !healthyResult && failures >= tc.checks[checkIndex].MaxFailures() {
		m.kill(taskID)
	}
}

// ReconcileWith prunes checkers for versions with no surviving tasks and
// ensures a checker exists for every (task, version) currently alive.
func (m *Manager) ReconcileWith(appID id.PathId, alive map[time.Time][]*structs.Task, checksByVersion map[time.Time][]structs.HealthCheck, runningAt func(taskID string) time.Time) {
	m.mu.Lock()
	appKey := appID.String()
	existing := m.versions[appKey]
	aliveKeys := map[string]bool{}
	for v := range alive {
		aliveKeys[versionKey(v)] = true
	}
	for vKey, vc := range existing {
		if !aliveKeys[vKey] {
			for _, tc := range vc.tasks {
				tc.cancel()
			}
			delete(existing, vKey)
		}
	}
	m.mu.Unlock()

	for version, tasks := range alive {
		checks := checksByVersion[version]
		for _, task := range tasks {
			if m.hasChecker(appID, version, task.ID) {
				continue
			}
			m.AddTask(appID, version, task, checks, runningAt(task.ID))
		}
	}
}

func (m *Manager) hasChecker(appID id.PathId, version time.Time, taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vc := m.versions[appID.String()][versionKey(version)]
	if vc == nil {
		return false
	}
	_, ok := vc.tasks[taskID]
	return ok
}

func (m *Manager) kill(taskID string) {
	if m.driver == nil {
		return
	}
	if err := m.driver.KillTask(taskID); err != nil {
		m.log.Warn("failed to kill unhealthy task", "task", taskID, "error", err)
	}
}

func (m *Manager) run(ctx context.Context, appID id.PathId, taskID string, checkIndex int, check structs.HealthCheck, tc *taskChecker, runningAt time.Time) {
	ticker := time.NewTicker(check.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, appID, taskID, checkIndex, check, tc, runningAt)
		}
	}
}

func (m *Manager) tick(ctx context.Context, appID id.PathId, taskID string, checkIndex int, check structs.HealthCheck, tc *taskChecker, runningAt time.Time) {
	tc.mu.Lock()
	inGrace := !tc.states[checkIndex].everHealthy && m.clock.Now().Before(runningAt.Add(check.GracePeriod()))
	tc.mu.Unlock()
	if inGrace {
		return
	}

	ok, is1xx, err := m.probe(ctx, check, tc.task, checkIndex)

	tc.mu.Lock()
	defer tc.mu.Unlock()
	cs := &tc.states[checkIndex]

	if check.Protocol == structs.ProtocolHTTP && is1xx && check.IgnoreHTTP1xx {
		// Decided open question (DESIGN.md): a 1xx response is a no-op
		// tick — it neither increments nor resets the streak.
		return
	}

	if err == nil && ok {
		cs.state = stateHealthy
		cs.everHealthy = true
		cs.consecutiveFailures = 0
		return
	}

	cs.consecutiveFailures++
	cs.state = stateUnhealthy
	if cs.consecutiveFailures >= check.MaxFailures() {
		m.kill(taskID)
	}
}

func (m *Manager) probe(ctx context.Context, check structs.HealthCheck, task *structs.Task, checkIndex int) (healthy bool, is1xx bool, err error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, check.Timeout())
	defer cancel()

	switch check.Protocol {
	case structs.ProtocolHTTP:
		return m.probeHTTP(timeoutCtx, check, task)
	case structs.ProtocolTCP:
		return m.probeTCP(timeoutCtx, check, task)
	default:
		return false, false, fmt.Errorf("health: unsupported active protocol %q", check.Protocol)
	}
}

func (m *Manager) probeHTTP(ctx context.Context, check structs.HealthCheck, task *structs.Task) (bool, bool, error) {
	if check.PortIndex < 0 || check.PortIndex >= len(task.HostPorts) {
		return false, false, fmt.Errorf("health: portIndex %d out of range", check.PortIndex)
	}
	url := fmt.Sprintf("http://%s:%d%s", task.Host, task.HostPorts[check.PortIndex], check.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, false, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()

	is1xx := resp.StatusCode >= 100 && resp.StatusCode < 200
	healthy := resp.StatusCode >= 200 && resp.StatusCode < 400
	return healthy, is1xx, nil
}

func (m *Manager) probeTCP(ctx context.Context, check structs.HealthCheck, task *structs.Task) (bool, bool, error) {
	if check.PortIndex < 0 || check.PortIndex >= len(task.HostPorts) {
		return false, false, fmt.Errorf("health: portIndex %d out of range", check.PortIndex)
	}
	addr := fmt.Sprintf("%s:%d", task.Host, task.HostPorts[check.PortIndex])
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, false, err
	}
	_ = conn.Close()
	return true, false, nil
}
