package structs

import (
	"testing"
	"time"

	"github.com/marcher/marcher/pkg/id"
	"github.com/stretchr/testify/require"
)

func baseApp() *AppDefinition {
	return &AppDefinition{
		ID:        id.MustParse("/app1"),
		Version:   time.Now(),
		Cmd:       "sleep 1000",
		Instances: 2,
		Resources: Resources{CPUs: 1, Mem: 128, Disk: 0},
		Ports:     []int{0, 0},
	}
}

func TestAppDefinition_Validate(t *testing.T) {
	app := baseApp()
	require.NoError(t, app.Validate())

	app.Cmd = ""
	require.Error(t, app.Validate(), "must set exactly one of cmd/args/container")

	app = baseApp()
	app.Args = []string{"sleep", "1000"}
	require.Error(t, app.Validate(), "cmd and args both set")
}

func TestAppDefinition_EqualIgnoringVersion(t *testing.T) {
	a := baseApp()
	b := a.Copy()
	b.Version = a.Version.Add(time.Hour)
	require.True(t, a.EqualIgnoringVersion(b))

	// Ports declared dynamic (0) on both sides compare equal.
	b2 := a.Copy()
	b2.Ports = []int{0, 0}
	require.True(t, a.EqualIgnoringVersion(b2))

	c := a.Copy()
	c.Cmd = "sleep 2000"
	require.False(t, a.EqualIgnoringVersion(c))
}

func TestAppDefinition_SameInstances(t *testing.T) {
	a := baseApp()
	b := a.Copy()
	b.Instances = 5
	require.True(t, a.EqualIgnoringVersion(b))
	require.False(t, a.SameInstances(b))
}

func TestAppDefinition_AcceptsRole(t *testing.T) {
	a := baseApp()
	require.True(t, a.AcceptsRole(DefaultRole))
	require.False(t, a.AcceptsRole("slave_public"))

	a.AcceptedResourceRoles = map[string]struct{}{"slave_public": {}}
	require.True(t, a.AcceptsRole("slave_public"))
	require.False(t, a.AcceptsRole(DefaultRole))
}
