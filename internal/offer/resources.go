// Package offer implements the offer matcher and its resource
// arithmetic (§4.3).
package offer

import "github.com/marcher/marcher/pkg/structs"

// RoleResidual is the mutable remaining-resources view of one role's
// slice of an offer, consumed as launches are matched against it.
type RoleResidual struct {
	Role  string
	CPUs  float64
	Mem   float64
	Disk  float64
	Ports []structs.PortRange
	Sets  map[string]map[string]bool
}

// Residual is the mutable remaining view of an entire offer, grouped by
// role. Unknown resource "kinds" have no representation here at all,
// which is equivalent to treating them as consumed entirely the moment
// they would be inspected (§4.3 "Unknown resource types are consumed
// entirely").
type Residual struct {
	OfferID string
	Host    string
	Attrs   map[string]string
	byRole  map[string]*RoleResidual
}

// NewResidual builds a mutable residual view from an immutable offer.
func NewResidual(o structs.Offer) *Residual {
	r := &Residual{OfferID: o.ID, Host: o.Host, Attrs: o.Attrs, byRole: map[string]*RoleResidual{}}
	for _, rr := range o.Resources {
		cp := &RoleResidual{
			Role: rr.Role,
			CPUs: rr.CPUs,
			Mem:  rr.Mem,
			Disk: rr.Disk,
			Ports: append([]structs.PortRange(nil), rr.Ports...),
			Sets:  map[string]map[string]bool{},
		}
		for k, vals := range rr.Sets {
			m := make(map[string]bool, len(vals))
			for _, v := range vals {
				m[v] = true
			}
			cp.Sets[k] = m
		}
		r.byRole[rr.Role] = cp
	}
	return r
}

// Role returns the residual for role, or nil if the offer carries none.
func (r *Residual) Role(role string) *RoleResidual { return r.byRole[role] }

// DeductScalar subtracts cpus/mem/disk from rr if all three are
// available; otherwise rr is left unchanged and false is returned.
// "if remaining <= 0 the resource is dropped" (§4.3) is enforced by
// simply never allowing a deduction to push a scalar negative.
func (rr *RoleResidual) DeductScalar(cpus, mem, disk float64) bool {
	if rr.CPUs < cpus || rr.Mem < mem || rr.Disk < disk {
		return false
	}
	rr.CPUs -= cpus
	rr.Mem -= mem
	rr.Disk -= disk
	return true
}

// TakePort removes a specific port from rr's ranges, splitting the
// containing range into at most two surviving sub-ranges. Returns false
// if the port is not present.
func (rr *RoleResidual) TakePort(port int) bool {
	for i, rng := range rr.Ports {
		if port < rng.Begin || port > rng.End {
			continue
		}
		var replacement []structs.PortRange
		if rng.Begin <= port-1 {
			replacement = append(replacement, structs.PortRange{Begin: rng.Begin, End: port - 1})
		}
		if port+1 <= rng.End {
			replacement = append(replacement, structs.PortRange{Begin: port + 1, End: rng.End})
		}
		rr.Ports = append(append(append([]structs.PortRange(nil), rr.Ports[:i]...), replacement...), rr.Ports[i+1:]...)
		return true
	}
	return false
}

// TakeAnyPort removes and returns the lowest available port across all
// ranges, or false if none remain.
func (rr *RoleResidual) TakeAnyPort() (int, bool) {
	best := -1
	for _, rng := range rr.Ports {
		if best == -1 || rng.Begin < best {
			best = rng.Begin
		}
	}
	if best == -1 {
		return 0, false
	}
	rr.TakePort(best)
	return best, true
}

// SetDifference removes every item in used from rr.Sets[name].
func (rr *RoleResidual) SetDifference(name string, used []string) {
	m, ok := rr.Sets[name]
	if !ok {
		return
	}
	for _, u := range used {
		delete(m, u)
	}
}
