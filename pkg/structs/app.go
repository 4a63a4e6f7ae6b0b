package structs

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/marcher/marcher/pkg/id"
)

// UpgradeStrategy bounds how a rolling restart may diverge from desired
// capacity.
type UpgradeStrategy struct {
	MinimumHealthCapacity float64 // in [0,1]
	MaximumOverCapacity   float64 // in [0,1]
}

// DefaultUpgradeStrategy matches Marathon's historical default.
var DefaultUpgradeStrategy = UpgradeStrategy{MinimumHealthCapacity: 1.0, MaximumOverCapacity: 0.2}

// AppDefinition is the declared specification of one replicated service.
// Immutable once Version is set; edits always produce a new value with a
// fresh Version.
type AppDefinition struct {
	ID        id.PathId
	Version   time.Time
	Cmd       string
	Args      []string
	Container *Container

	Instances int
	Resources Resources

	// Ports are required host ports; 0 entries are dynamically assigned
	// service ports. Non-zero entries are service-port labels unless
	// RequirePorts is set, in which case the offer must literally carry
	// the port.
	Ports        []int
	RequirePorts bool

	AcceptedResourceRoles map[string]struct{} // nil means "{*}"

	Constraints []Constraint
	HealthChecks []HealthCheck

	BackoffSeconds       float64
	BackoffFactor        float64
	MaxLaunchDelaySeconds float64

	UpgradeStrategy UpgradeStrategy

	// Dependencies may be absolute or relative PathId strings, resolved
	// against ID's parent group at plan time.
	Dependencies []string
}

// Validate checks the invariants of §3: exactly one of Cmd/Args/Container,
// non-negative resources, instances >= 0, well-formed upgrade strategy.
func (a *AppDefinition) Validate() error {
	var result *multierror.Error

	if a.ID.IsEmpty() || a.ID.IsRoot() {
		result = multierror.Append(result, fmt.Errorf("app id %q is not a valid app path", a.ID))
	}

	runSpecs := 0
	if a.Cmd != "" {
		runSpecs++
	}
	if len(a.Args) > 0 {
		runSpecs++
	}
	if !a.Container.Empty() {
		runSpecs++
	}
	if runSpecs != 1 {
		result = multierror.Append(result, fmt.Errorf("app %q must set exactly one of cmd, args, or container", a.ID))
	}

	if a.Instances < 0 {
		result = multierror.Append(result, fmt.Errorf("app %q: instances must be >= 0", a.ID))
	}
	if a.Resources.CPUs < 0 || a.Resources.Mem < 0 || a.Resources.Disk < 0 {
		result = multierror.Append(result, fmt.Errorf("app %q: resources must be non-negative", a.ID))
	}
	if a.UpgradeStrategy.MinimumHealthCapacity < 0 || a.UpgradeStrategy.MinimumHealthCapacity > 1 {
		result = multierror.Append(result, fmt.Errorf("app %q: minimumHealthCapacity must be in [0,1]", a.ID))
	}
	if a.UpgradeStrategy.MaximumOverCapacity < 0 || a.UpgradeStrategy.MaximumOverCapacity > 1 {
		result = multierror.Append(result, fmt.Errorf("app %q: maximumOverCapacity must be in [0,1]", a.ID))
	}
	for _, c := range a.Constraints {
		switch c.Operator {
		case ConstraintUnique, ConstraintCluster, ConstraintGroupBy, ConstraintLike, ConstraintUnlike:
		default:
			result = multierror.Append(result, fmt.Errorf("app %q: unknown constraint operator %q", a.ID, c.Operator))
		}
	}
	return result.ErrorOrNil()
}

// HasDynamicPorts reports whether any declared port or container port
// mapping needs allocation.
func (a *AppDefinition) HasDynamicPorts() bool {
	for _, p := range a.Ports {
		if p == 0 {
			return true
		}
	}
	if a.Container != nil {
		for _, m := range a.Container.PortMappings {
			if m.HostPort == 0 {
				return true
			}
		}
	}
	return false
}

// ServicePorts returns the resolved service ports, in declaration order,
// across both Ports and container port mappings.
func (a *AppDefinition) ServicePorts() []int {
	var out []int
	out = append(out, a.Ports...)
	if a.Container != nil {
		for _, m := range a.Container.PortMappings {
			out = append(out, m.ServicePort)
		}
	}
	return out
}

// AcceptsRole reports whether role is permitted by this app, treating a
// nil/empty set as "{*}".
func (a *AppDefinition) AcceptsRole(role string) bool {
	if len(a.AcceptedResourceRoles) == 0 {
		return role == DefaultRole
	}
	_, ok := a.AcceptedResourceRoles[role]
	return ok
}

// Copy returns a deep copy with the same Version.
func (a *AppDefinition) Copy() *AppDefinition {
	if a == nil {
		return nil
	}
	out := *a
	out.Args = append([]string(nil), a.Args...)
	out.Container = a.Container.Copy()
	out.Ports = append([]int(nil), a.Ports...)
	out.Constraints = append([]Constraint(nil), a.Constraints...)
	out.HealthChecks = append([]HealthCheck(nil), a.HealthChecks...)
	out.Dependencies = append([]string(nil), a.Dependencies...)
	if a.AcceptedResourceRoles != nil {
		out.AcceptedResourceRoles = make(map[string]struct{}, len(a.AcceptedResourceRoles))
		for k := range a.AcceptedResourceRoles {
			out.AcceptedResourceRoles[k] = struct{}{}
		}
	}
	return &out
}

// EqualIgnoringVersion reports whether a and b describe the same
// desired state, ignoring Version, Instances and PortMapping.ServicePort
// (the planner uses this to distinguish Restart from no-op). A port
// declared 0 on both sides compares equal; a port the allocator has
// already resolved into Ports or a HostPort is compared by its concrete
// value, so it does not equal a 0 on the other side.
func (a *AppDefinition) EqualIgnoringVersion(b *AppDefinition) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !a.ID.Equal(b.ID) {
		return false
	}
	if a.Cmd != b.Cmd || !stringSliceEqual(a.Args, b.Args) {
		return false
	}
	if !containersEqualIgnoringPorts(a.Container, b.Container) {
		return false
	}
	if a.Resources != b.Resources {
		return false
	}
	if !intSliceEqualIgnoringDynamic(a.Ports, b.Ports) {
		return false
	}
	if a.RequirePorts != b.RequirePorts {
		return false
	}
	if !stringSetEqual(a.AcceptedResourceRoles, b.AcceptedResourceRoles) {
		return false
	}
	if len(a.Constraints) != len(b.Constraints) {
		return false
	}
	for i := range a.Constraints {
		if a.Constraints[i] != b.Constraints[i] {
			return false
		}
	}
	if len(a.HealthChecks) != len(b.HealthChecks) {
		return false
	}
	for i := range a.HealthChecks {
		if a.HealthChecks[i] != b.HealthChecks[i] {
			return false
		}
	}
	if a.BackoffSeconds != b.BackoffSeconds || a.BackoffFactor != b.BackoffFactor || a.MaxLaunchDelaySeconds != b.MaxLaunchDelaySeconds {
		return false
	}
	if a.UpgradeStrategy != b.UpgradeStrategy {
		return false
	}
	if !stringSliceEqual(a.Dependencies, b.Dependencies) {
		return false
	}
	return true
}

// SameInstances reports equal desired state (EqualIgnoringVersion) with
// an equal instance count as well.
func (a *AppDefinition) SameInstances(b *AppDefinition) bool {
	return a.EqualIgnoringVersion(b) && a.Instances == b.Instances
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringSetEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// intSliceEqualIgnoringDynamic compares declared ports, treating any
// pair of entries both declared as 0 as equal regardless of what was
// later resolved into ServicePort.
func intSliceEqualIgnoringDynamic(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] == 0 && b[i] == 0 {
			continue
		}
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containersEqualIgnoringPorts(a, b *Container) bool {
	if a.Empty() != b.Empty() {
		return false
	}
	if a.Empty() {
		return true
	}
	if a.Engine != b.Engine || a.Image != b.Image || a.Network != b.Network || a.Privileged != b.Privileged {
		return false
	}
	if len(a.PortMappings) != len(b.PortMappings) {
		return false
	}
	for i := range a.PortMappings {
		pa, pb := a.PortMappings[i], b.PortMappings[i]
		if pa.ContainerPort != pb.ContainerPort || pa.Protocol != pb.Protocol || pa.Name != pb.Name {
			return false
		}
		if pa.HostPort == 0 && pb.HostPort == 0 {
			continue
		}
		if pa.HostPort != pb.HostPort {
			return false
		}
	}
	if len(a.Volumes) != len(b.Volumes) {
		return false
	}
	for i := range a.Volumes {
		if a.Volumes[i] != b.Volumes[i] {
			return false
		}
	}
	if len(a.Parameters) != len(b.Parameters) {
		return false
	}
	for k, v := range a.Parameters {
		if b.Parameters[k] != v {
			return false
		}
	}
	return true
}
