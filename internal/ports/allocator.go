// Package ports implements the cluster-wide dynamic service port
// allocator (§4.1).
package ports

import (
	"fmt"

	"github.com/hashicorp/go-set/v3"
	"github.com/marcher/marcher/pkg/structs"
)

// RangeExhausted is returned when there are not enough free ports in
// [Min, Max] to satisfy every dynamic ("0") port declared in the tree.
type RangeExhausted struct {
	Min, Max int
}

func (e *RangeExhausted) Error() string {
	return fmt.Sprintf("port range exhausted: no free ports in [%d, %d]", e.Min, e.Max)
}

// Allocator assigns service ports from a fixed [Min, Max] range.
type Allocator struct {
	Min, Max int
}

// New returns an Allocator over the inclusive range [min, max].
func New(min, max int) *Allocator {
	return &Allocator{Min: min, Max: max}
}

// Assign walks every app in apps (in the given order, which callers
// should make deterministic — see §4.1 "deterministic by iteration
// order") and mutates a copy of each app so that every declared "0"
// port (top-level Ports and container PortMappings) receives a fresh,
// cluster-unique port from [Min, Max]. A non-zero declared port that
// falls inside [Min, Max] is reserved from the dynamic pool and
// checked for collisions against other apps; a non-zero declared port
// outside [Min, Max] is a fixed service-port label (Marathon does not
// constrain these to the dynamic range — see spec.md §8 Scenario 1)
// and is left untouched, with no range or collision validation.
//
// Assign never mutates its input apps; it returns new *AppDefinition
// values with Ports/PortMappings ServicePort fields resolved.
func (a *Allocator) Assign(apps []*structs.AppDefinition) ([]*structs.AppDefinition, error) {
	used := set.New[int](len(apps) * 2)

	// First pass: reserve every non-zero declared port that falls
	// inside the dynamic range; out-of-range labels are left alone.
	for _, app := range apps {
		for _, p := range app.Ports {
			if p == 0 || p < a.Min || p > a.Max {
				continue
			}
			if err := a.reserve(used, p); err != nil {
				return nil, fmt.Errorf("app %q: %w", app.ID, err)
			}
		}
		if app.Container != nil {
			for _, m := range app.Container.PortMappings {
				if m.HostPort == 0 || m.HostPort < a.Min || m.HostPort > a.Max {
					continue
				}
				if err := a.reserve(used, m.HostPort); err != nil {
					return nil, fmt.Errorf("app %q: %w", app.ID, err)
				}
			}
		}
	}

	free := a.freePool(used)

	out := make([]*structs.AppDefinition, 0, len(apps))
	for _, app := range apps {
		cp := app.Copy()
		for i, p := range cp.Ports {
			if p != 0 {
				continue
			}
			assigned, err := a.take(&free)
			if err != nil {
				return nil, err
			}
			cp.Ports[i] = assigned
		}
		if cp.Container != nil {
			for i, m := range cp.Container.PortMappings {
				if m.HostPort != 0 {
					cp.Container.PortMappings[i].ServicePort = m.HostPort
					continue
				}
				assigned, err := a.take(&free)
				if err != nil {
					return nil, err
				}
				cp.Container.PortMappings[i].HostPort = assigned
				cp.Container.PortMappings[i].ServicePort = assigned
			}
		}
		out = append(out, cp)
	}
	return out, nil
}

// reserve claims port from the dynamic pool. Callers only invoke this
// for ports already known to lie within [a.Min, a.Max].
func (a *Allocator) reserve(used *set.Set[int], port int) error {
	if used.Contains(port) {
		return fmt.Errorf("declared service port %d collides with another app", port)
	}
	used.Insert(port)
	return nil
}

func (a *Allocator) freePool(used *set.Set[int]) []int {
	free := make([]int, 0, a.Max-a.Min+1)
	for p := a.Min; p <= a.Max; p++ {
		if !used.Contains(p) {
			free = append(free, p)
		}
	}
	return free
}

// take pops the next free port deterministically (lowest first).
func (a *Allocator) take(free *[]int) (int, error) {
	if len(*free) == 0 {
		return 0, &RangeExhausted{Min: a.Min, Max: a.Max}
	}
	p := (*free)[0]
	*free = (*free)[1:]
	return p, nil
}
