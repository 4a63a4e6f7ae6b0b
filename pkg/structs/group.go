package structs

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/marcher/marcher/pkg/id"
)

// Group is a recursive tree node holding sub-groups, apps, and
// cross-group dependencies.
type Group struct {
	ID           id.PathId
	Version      time.Time
	Apps         map[string]*AppDefinition // keyed by AppDefinition.ID.String()
	Groups       map[string]*Group         // keyed by Group.ID.String()
	Dependencies []string
}

// NewGroup returns an empty group at id.
func NewGroup(gid id.PathId) *Group {
	return &Group{ID: gid, Apps: map[string]*AppDefinition{}, Groups: map[string]*Group{}}
}

// Validate checks §3's tree invariant (no app/group id collision at a
// node, apps/groups are direct children of this node's path) recursively.
func (g *Group) Validate() error {
	var result *multierror.Error
	for key, app := range g.Apps {
		if app.ID.String() != key {
			result = multierror.Append(result, fmt.Errorf("group %q: app keyed %q has id %q", g.ID, key, app.ID))
			continue
		}
		parent, ok := app.ID.Parent()
		if !ok || !parent.Equal(g.ID) {
			result = multierror.Append(result, fmt.Errorf("group %q: app %q is not a direct child", g.ID, app.ID))
		}
		if _, collide := g.Groups[key]; collide {
			result = multierror.Append(result, fmt.Errorf("group %q: app and group share id %q", g.ID, key))
		}
		if err := app.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for key, sub := range g.Groups {
		if sub.ID.String() != key {
			result = multierror.Append(result, fmt.Errorf("group %q: subgroup keyed %q has id %q", g.ID, key, sub.ID))
			continue
		}
		parent, ok := sub.ID.Parent()
		if !ok || !parent.Equal(g.ID) {
			result = multierror.Append(result, fmt.Errorf("group %q: subgroup %q is not a direct child", g.ID, sub.ID))
		}
		if err := sub.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// TransitiveApps returns every app in the subtree rooted at g.
func (g *Group) TransitiveApps() []*AppDefinition {
	var out []*AppDefinition
	g.walkApps(func(a *AppDefinition) { out = append(out, a) })
	return out
}

func (g *Group) walkApps(fn func(*AppDefinition)) {
	for _, a := range g.Apps {
		fn(a)
	}
	for _, sub := range g.Groups {
		sub.walkApps(fn)
	}
}

// TransitiveGroups returns every group in the subtree, including g.
func (g *Group) TransitiveGroups() []*Group {
	out := []*Group{g}
	for _, sub := range g.Groups {
		out = append(out, sub.TransitiveGroups()...)
	}
	return out
}

// FindApp looks up an app anywhere in the subtree by absolute id.
func (g *Group) FindApp(appID id.PathId) (*AppDefinition, bool) {
	for _, a := range g.TransitiveApps() {
		if a.ID.Equal(appID) {
			return a, true
		}
	}
	return nil, false
}

// FindGroup looks up a subgroup (or g itself) by absolute id.
func (g *Group) FindGroup(gid id.PathId) (*Group, bool) {
	if g.ID.Equal(gid) {
		return g, true
	}
	for _, sub := range g.Groups {
		if found, ok := sub.FindGroup(gid); ok {
			return found, true
		}
	}
	return nil, false
}

// Copy returns a deep copy of the subtree.
func (g *Group) Copy() *Group {
	if g == nil {
		return nil
	}
	out := &Group{
		ID:           g.ID,
		Version:      g.Version,
		Apps:         make(map[string]*AppDefinition, len(g.Apps)),
		Groups:       make(map[string]*Group, len(g.Groups)),
		Dependencies: append([]string(nil), g.Dependencies...),
	}
	for k, a := range g.Apps {
		out.Apps[k] = a.Copy()
	}
	for k, sub := range g.Groups {
		out.Groups[k] = sub.Copy()
	}
	return out
}

// DependencyGraph computes, for every app/group in the subtree, the set
// of absolute ids it (transitively declared, one hop) depends on,
// resolved relative to the enclosing group for an app and to the group
// itself for a group's own dependencies. Computed on demand
// per §9 ("avoid storing parent/back-pointers").
type DependencyGraph struct {
	// Forward maps an id to the ids it depends on.
	Forward map[string][]string
	// Reverse maps an id to the ids that depend on it.
	Reverse map[string][]string
}

// BuildDependencyGraph walks g and resolves every Dependencies entry
// (on apps and groups alike) to an absolute id.
func (g *Group) BuildDependencyGraph() (*DependencyGraph, error) {
	graph := &DependencyGraph{Forward: map[string][]string{}, Reverse: map[string][]string{}}
	var walk func(node *Group) error
	walk = func(node *Group) error {
		for _, dep := range node.Dependencies {
			resolved, err := node.ID.Resolve(dep)
			if err != nil {
				return fmt.Errorf("group %q: %w", node.ID, err)
			}
			key := node.ID.String()
			graph.Forward[key] = append(graph.Forward[key], resolved.String())
			graph.Reverse[resolved.String()] = append(graph.Reverse[resolved.String()], key)
		}
		for _, app := range node.Apps {
			for _, dep := range app.Dependencies {
				resolved, err := node.ID.Resolve(dep)
				if err != nil {
					return fmt.Errorf("app %q: %w", app.ID, err)
				}
				key := app.ID.String()
				graph.Forward[key] = append(graph.Forward[key], resolved.String())
				graph.Reverse[resolved.String()] = append(graph.Reverse[resolved.String()], key)
			}
		}
		for _, sub := range node.Groups {
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(g); err != nil {
		return nil, err
	}
	return graph, nil
}
