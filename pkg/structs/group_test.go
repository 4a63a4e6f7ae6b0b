package structs

import (
	"testing"
	"time"

	"github.com/marcher/marcher/pkg/id"
	"github.com/stretchr/testify/require"
)

func appAt(path string) *AppDefinition {
	return &AppDefinition{
		ID:        id.MustParse(path),
		Version:   time.Now(),
		Cmd:       "true",
		Instances: 1,
	}
}

func TestGroup_Validate_RejectsMisplacedApp(t *testing.T) {
	root := NewGroup(id.Root)
	root.Apps["/wrong"] = appAt("/other")
	require.Error(t, root.Validate())
}

func TestGroup_TransitiveApps(t *testing.T) {
	root := NewGroup(id.Root)
	sub := NewGroup(id.MustParse("/db"))
	sub.Apps["/db/pg"] = appAt("/db/pg")
	root.Groups["/db"] = sub
	root.Apps["/web"] = appAt("/web")

	apps := root.TransitiveApps()
	require.Len(t, apps, 2)
}

func TestGroup_BuildDependencyGraph(t *testing.T) {
	root := NewGroup(id.Root)
	web := appAt("/web")
	web.Dependencies = []string{"/db/pg"}
	root.Apps["/web"] = web

	sub := NewGroup(id.MustParse("/db"))
	sub.Apps["/db/pg"] = appAt("/db/pg")
	root.Groups["/db"] = sub

	graph, err := root.BuildDependencyGraph()
	require.NoError(t, err)
	require.Equal(t, []string{"/db/pg"}, graph.Forward["/web"])
	require.Equal(t, []string{"/web"}, graph.Reverse["/db/pg"])
}

func TestGroup_BuildDependencyGraph_Relative(t *testing.T) {
	root := NewGroup(id.Root)
	sub := NewGroup(id.MustParse("/svc"))
	a := appAt("/svc/a")
	a.Dependencies = []string{"b"}
	sub.Apps["/svc/a"] = a
	sub.Apps["/svc/b"] = appAt("/svc/b")
	root.Groups["/svc"] = sub

	graph, err := root.BuildDependencyGraph()
	require.NoError(t, err)
	require.Equal(t, []string{"/svc/b"}, graph.Forward["/svc/a"])
}

func TestGroup_Copy_IsDeep(t *testing.T) {
	root := NewGroup(id.Root)
	root.Apps["/web"] = appAt("/web")

	cp := root.Copy()
	cp.Apps["/web"].Instances = 99
	require.Equal(t, 1, root.Apps["/web"].Instances)
}
