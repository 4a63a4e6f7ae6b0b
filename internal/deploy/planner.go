// Package deploy implements the deployment planner (§4.6) and executor
// (§4.7): diffing a declared group tree against the observed one, and
// driving the resulting steps to completion.
package deploy

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
)

// CycleError is returned when the dependency graph over affected apps
// is not a DAG.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("deploy: dependency cycle detected: %v", e.Cycle)
}

// Planner diffs an original group tree against a target one and
// produces an ordered Deployment.
type Planner struct {
	now func() time.Time
}

// NewPlanner constructs a Planner; nowFn defaults to time.Now.
func NewPlanner(nowFn func() time.Time) *Planner {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Planner{now: nowFn}
}

type classification int

const (
	classNone classification = iota
	classStart
	classStop
	classRestart
	classScale
)

// Plan diffs original against target and returns the resulting
// Deployment. force is recorded on the result for the executor/
// scheduler to honor supersession (§4.7 "Forced deployments").
func (p *Planner) Plan(original, target *structs.Group, force bool) (*structs.Deployment, error) {
	originalApps := indexApps(original)
	targetApps := indexApps(target)

	affected := map[string]classification{}
	for key, newApp := range targetApps {
		oldApp, inOld := originalApps[key]
		if !inOld {
			affected[key] = classStart
			continue
		}
		if !oldApp.EqualIgnoringVersion(newApp) {
			affected[key] = classRestart
		} else if oldApp.Instances != newApp.Instances {
			affected[key] = classScale
		}
		// else: identical, no action (classNone / absent).
	}
	for key := range originalApps {
		if _, inNew := targetApps[key]; !inNew {
			affected[key] = classStop
		}
	}

	graph, err := mergedDependencyGraph(original, target)
	if err != nil {
		return nil, err
	}
	generations, err := computeGenerations(affected, graph)
	if err != nil {
		return nil, err
	}

	steps := emitSteps(affected, generations, originalApps, targetApps)

	affectedIDs := make([]id.PathId, 0, len(affected))
	for key := range affected {
		affectedIDs = append(affectedIDs, id.MustParse(key))
	}

	depID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("deploy: generating deployment id: %w", err)
	}

	return &structs.Deployment{
		ID:           depID,
		Version:      p.now(),
		Original:     original,
		Target:       target,
		Steps:        steps,
		CurrentStep:  0,
		Status:       structs.DeploymentPending,
		AffectedApps: affectedIDs,
		Force:        force,
	}, nil
}

func indexApps(g *structs.Group) map[string]*structs.AppDefinition {
	out := map[string]*structs.AppDefinition{}
	if g == nil {
		return out
	}
	for _, a := range g.TransitiveApps() {
		out[a.ID.String()] = a
	}
	return out
}

// mergedDependencyGraph combines the original and target trees' declared
// dependencies, preferring the target's declaration for any app present
// in both (its dependency list may have changed).
func mergedDependencyGraph(original, target *structs.Group) (*structs.DependencyGraph, error) {
	merged := &structs.DependencyGraph{Forward: map[string][]string{}, Reverse: map[string][]string{}}
	if original != nil {
		g, err := original.BuildDependencyGraph()
		if err != nil {
			return nil, fmt.Errorf("deploy: resolving dependencies in original tree: %w", err)
		}
		mergeGraph(merged, g)
	}
	if target != nil {
		g, err := target.BuildDependencyGraph()
		if err != nil {
			return nil, fmt.Errorf("deploy: resolving dependencies in target tree: %w", err)
		}
		// Target's declaration for an app overrides the original's.
		for k := range g.Forward {
			merged.Forward[k] = g.Forward[k]
		}
		for k, v := range g.Reverse {
			merged.Reverse[k] = append(merged.Reverse[k], v...)
		}
	}
	return merged, nil
}

func mergeGraph(dst, src *structs.DependencyGraph) {
	for k, v := range src.Forward {
		dst.Forward[k] = append(dst.Forward[k], v...)
	}
	for k, v := range src.Reverse {
		dst.Reverse[k] = append(dst.Reverse[k], v...)
	}
}

// computeGenerations assigns each affected app a generation: apps with
// no unresolved dependency (among the affected set) are generation 0; an
// app's generation is 1 + max(dep.generation) over its affected deps.
// Dependencies on apps outside the affected set are already converged
// and don't constrain ordering.
func computeGenerations(affected map[string]classification, graph *structs.DependencyGraph) (map[string]int, error) {
	generations := map[string]int{}
	visiting := map[string]bool{}

	var visit func(key string, path []string) (int, error)
	visit = func(key string, path []string) (int, error) {
		if g, ok := generations[key]; ok {
			return g, nil
		}
		if visiting[key] {
			return 0, &CycleError{Cycle: append(append([]string(nil), path...), key)}
		}
		visiting[key] = true
		defer delete(visiting, key)

		maxDepGen := -1
		for _, dep := range graph.Forward[key] {
			if _, isAffected := affected[dep]; !isAffected {
				continue
			}
			depGen, err := visit(dep, append(path, key))
			if err != nil {
				return 0, err
			}
			if depGen > maxDepGen {
				maxDepGen = depGen
			}
		}
		g := maxDepGen + 1
		generations[key] = g
		return g, nil
	}

	for key := range affected {
		if _, err := visit(key, nil); err != nil {
			return nil, err
		}
	}
	return generations, nil
}

func emitSteps(affected map[string]classification, generations map[string]int, originalApps, targetApps map[string]*structs.AppDefinition) []structs.Step {
	maxGen := 0
	for _, g := range generations {
		if g > maxGen {
			maxGen = g
		}
	}

	var steps []structs.Step

	appendByKind := func(kind classification, ascending bool) {
		if ascending {
			for gen := 0; gen <= maxGen; gen++ {
				if s, ok := stepForGeneration(affected, generations, gen, kind, originalApps, targetApps); ok {
					steps = append(steps, s)
				}
			}
		} else {
			for gen := maxGen; gen >= 0; gen-- {
				if s, ok := stepForGeneration(affected, generations, gen, kind, originalApps, targetApps); ok {
					steps = append(steps, s)
				}
			}
		}
	}

	appendByKind(classStart, true)
	appendByKind(classScale, true)
	appendByKind(classRestart, true)
	appendByKind(classStop, false)

	return steps
}

func stepForGeneration(affected map[string]classification, generations map[string]int, gen int, kind classification, originalApps, targetApps map[string]*structs.AppDefinition) (structs.Step, bool) {
	var actions []structs.Action
	for key, c := range affected {
		if c != kind || generations[key] != gen {
			continue
		}
		actions = append(actions, buildAction(key, c, originalApps, targetApps))
	}
	if len(actions) == 0 {
		return structs.Step{}, false
	}
	return structs.Step{Actions: actions}, true
}

func buildAction(key string, c classification, originalApps, targetApps map[string]*structs.AppDefinition) structs.Action {
	appID := id.MustParse(key)
	switch c {
	case classStart:
		app := targetApps[key]
		return structs.Action{Kind: structs.ActionStart, AppID: appID, App: app}
	case classStop:
		return structs.Action{Kind: structs.ActionStop, AppID: appID}
	case classScale:
		from, to := originalApps[key], targetApps[key]
		return structs.Action{Kind: structs.ActionScale, AppID: appID, FromApp: from, ToApp: to, FromInstances: from.Instances, ToInstances: to.Instances}
	case classRestart:
		from, to := originalApps[key], targetApps[key]
		return structs.Action{Kind: structs.ActionRestart, AppID: appID, FromApp: from, ToApp: to, UpgradeStrategy: to.UpgradeStrategy}
	default:
		return structs.Action{}
	}
}
