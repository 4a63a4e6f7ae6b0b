// Package id implements the hierarchical path identifier used to name
// every app and group in the tree.
package id

import (
	"fmt"
	"regexp"
	"strings"
)

// segmentPattern matches a single path segment: lowercase alphanumerics,
// optionally dash-separated, with dots allowed to join sub-names within
// one segment (e.g. "my.app").
var segmentPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]*[a-z0-9])?$`)

// PathId is an absolute, canonicalized, "/"-separated identifier.
type PathId struct {
	path string
}

// Root is the identifier of the top-level group.
var Root = PathId{path: "/"}

// Parse canonicalizes raw into a PathId, validating every segment.
func Parse(raw string) (PathId, error) {
	if raw == "" {
		return PathId{}, fmt.Errorf("id: empty path")
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	if raw == "/" {
		return Root, nil
	}
	segs := strings.Split(strings.Trim(raw, "/"), "/")
	for _, s := range segs {
		if s == "" {
			return PathId{}, fmt.Errorf("id: %q has an empty segment", raw)
		}
		if !segmentPattern.MatchString(s) {
			return PathId{}, fmt.Errorf("id: segment %q of %q is invalid", s, raw)
		}
	}
	return PathId{path: "/" + strings.Join(segs, "/")}, nil
}

// MustParse is Parse but panics on error; for constants and tests.
func MustParse(raw string) PathId {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the canonical absolute form.
func (p PathId) String() string { return p.path }

// IsRoot reports whether p is the tree root.
func (p PathId) IsRoot() bool { return p.path == "/" }

// IsEmpty reports whether p is the zero value.
func (p PathId) IsEmpty() bool { return p.path == "" }

// Equal compares canonical form.
func (p PathId) Equal(other PathId) bool { return p.path == other.path }

// Parent returns the parent id and true, or the zero value and false at
// the root.
func (p PathId) Parent() (PathId, bool) {
	if p.IsRoot() || p.IsEmpty() {
		return PathId{}, false
	}
	idx := strings.LastIndex(p.path, "/")
	if idx == 0 {
		return Root, true
	}
	return PathId{path: p.path[:idx]}, true
}

// Base returns the last segment.
func (p PathId) Base() string {
	if p.IsRoot() {
		return ""
	}
	idx := strings.LastIndex(p.path, "/")
	return p.path[idx+1:]
}

// Append resolves child (absolute or relative) against p, Marathon-style:
// a leading "/" makes child absolute; otherwise it is joined to p.
func (p PathId) Append(child string) (PathId, error) {
	if strings.HasPrefix(child, "/") {
		return Parse(child)
	}
	base := p.path
	if base == "/" {
		base = ""
	}
	return Parse(base + "/" + child)
}

// Resolve interprets a dependency reference (possibly relative, using
// leading "../" segments to walk up, Marathon-style) against the group that
// declares it, returning an absolute PathId.
func (p PathId) Resolve(ref string) (PathId, error) {
	if strings.HasPrefix(ref, "/") {
		return Parse(ref)
	}
	base := p
	rest := ref
	for strings.HasPrefix(rest, "../") {
		parent, ok := base.Parent()
		if !ok {
			return PathId{}, fmt.Errorf("id: %q escapes the root relative to %q", ref, p)
		}
		base = parent
		rest = strings.TrimPrefix(rest, "../")
	}
	return base.Append(rest)
}

// HasPrefix reports whether p is other or a descendant of other.
func (p PathId) HasPrefix(other PathId) bool {
	if other.IsRoot() {
		return true
	}
	return p.path == other.path || strings.HasPrefix(p.path, other.path+"/")
}
