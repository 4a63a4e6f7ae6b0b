package structs

import "github.com/marcher/marcher/pkg/id"

// Offer is a master-provided resource bundle available on one host.
type Offer struct {
	ID        string
	Host      string
	Attrs     map[string]string // node attributes available for constraint matching
	Resources []RoleResources
}

// LaunchTask is the launch description the offer matcher produces for
// one queued task; the scheduler hands a batch of these to the driver
// as TaskInfo.
type LaunchTask struct {
	TaskID    string
	AppID     id.PathId
	App       AppDefinition // snapshot of the definition used to launch
	OfferID   string
	Host      string
	HostPorts []int
	Role      string
}
