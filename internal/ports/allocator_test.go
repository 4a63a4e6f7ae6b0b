package ports

import (
	"testing"

	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
	"github.com/stretchr/testify/require"
)

func appWithPorts(path string, p ...int) *structs.AppDefinition {
	return &structs.AppDefinition{ID: id.MustParse(path), Ports: p}
}

func TestAllocator_DynamicPorts(t *testing.T) {
	a := New(10, 20)
	apps := []*structs.AppDefinition{
		appWithPorts("/app1", 0, 0, 0),
		appWithPorts("/app2", 1, 2, 3),
	}
	out, err := a.Assign(apps)
	require.NoError(t, err)

	assignedInRange := 0
	for _, app := range out {
		for _, p := range app.Ports {
			require.NotZero(t, p)
			if p >= 10 && p <= 20 {
				assignedInRange++
			}
		}
	}
	require.Equal(t, 3, assignedInRange)

	// literal ports untouched
	require.Equal(t, []int{1, 2, 3}, out[1].Ports)
}

func TestAllocator_Exhaustion(t *testing.T) {
	a := New(10, 15) // 6 free ports
	apps := []*structs.AppDefinition{
		appWithPorts("/app1", 0, 0, 0),
		appWithPorts("/app2", 0, 0, 0),
	}
	_, err := a.Assign(apps)
	require.NoError(t, err)

	apps = append(apps, appWithPorts("/app3", 0))
	_, err = a.Assign(apps)
	require.Error(t, err)
	var exhausted *RangeExhausted
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 10, exhausted.Min)
	require.Equal(t, 15, exhausted.Max)
}

func TestAllocator_DeterministicOrder(t *testing.T) {
	a := New(10, 20)
	apps := []*structs.AppDefinition{appWithPorts("/app1", 0, 0)}
	out1, err := a.Assign(apps)
	require.NoError(t, err)
	out2, err := a.Assign(apps)
	require.NoError(t, err)
	require.Equal(t, out1[0].Ports, out2[0].Ports)
}
