// Package driver declares the resource-master collaborator (§6). The
// concrete Mesos-style transport is out of scope (§1); this core talks
// to it only through Driver.
package driver

import "github.com/marcher/marcher/pkg/structs"

// MasterInfo identifies the resource master the driver is currently
// connected to.
type MasterInfo struct {
	ID       string
	Hostname string
	Port     int
}

// TaskInfo is one launch description handed to the master (§6).
type TaskInfo struct {
	TaskID    string
	OfferID   string
	Cmd       string
	Args      []string
	Container *structs.Container
	Resources structs.RoleResources
	Ports     []int
	// HealthCheck is only populated for protocol=COMMAND checks, which
	// the master itself executes and reports back via StatusUpdate.
	HealthCheck *structs.HealthCheck
}

// StatusUpdate mirrors the master's observed task state.
type StatusUpdate struct {
	TaskID  string
	Status  structs.TaskStatus
	Healthy *bool // set only for COMMAND-protocol results piggy-backed on the update
	Message string
}

// Driver is the subset of the resource-master protocol this core
// consumes and emits. The scheduler loop (§4.8) is the only caller;
// everything else talks to the master through it.
type Driver interface {
	// LaunchTasks accepts offerID and launches the given tasks against
	// it.
	LaunchTasks(offerID string, tasks []TaskInfo) error
	// DeclineOffer returns an offer unused.
	DeclineOffer(offerID string) error
	// KillTask requests termination of a running or staging task.
	KillTask(taskID string) error
	// ReviveOffers asks the master to resume sending offers after a
	// DeclineOffer/suppress cycle.
	ReviveOffers() error
	// ReconcileTasks asks the master to reconcile over the given
	// statuses; an empty slice requests the master's full
	// implicit-reconciliation sweep (§4.8).
	ReconcileTasks(statuses []StatusUpdate) error
}
