package offer

import (
	"testing"

	"github.com/marcher/marcher/pkg/structs"
	"github.com/stretchr/testify/require"
)

func TestRoleResidual_DeductScalar(t *testing.T) {
	rr := &RoleResidual{CPUs: 2, Mem: 512, Disk: 0}
	require.True(t, rr.DeductScalar(1, 256, 0))
	require.Equal(t, 1.0, rr.CPUs)
	require.Equal(t, 256.0, rr.Mem)

	require.False(t, rr.DeductScalar(5, 0, 0))
	require.Equal(t, 1.0, rr.CPUs, "failed deduction must not mutate")
}

func TestRoleResidual_TakePort_SplitsRange(t *testing.T) {
	rr := &RoleResidual{Ports: []structs.PortRange{{Begin: 100, End: 110}}}
	require.True(t, rr.TakePort(105))
	require.ElementsMatch(t, []structs.PortRange{{Begin: 100, End: 104}, {Begin: 106, End: 110}}, rr.Ports)
}

func TestRoleResidual_TakePort_Boundary(t *testing.T) {
	rr := &RoleResidual{Ports: []structs.PortRange{{Begin: 100, End: 100}}}
	require.True(t, rr.TakePort(100))
	require.Empty(t, rr.Ports)
}

func TestRoleResidual_TakeAnyPort_PicksLowest(t *testing.T) {
	rr := &RoleResidual{Ports: []structs.PortRange{{Begin: 200, End: 210}, {Begin: 100, End: 110}}}
	p, ok := rr.TakeAnyPort()
	require.True(t, ok)
	require.Equal(t, 100, p)
}

func TestRoleResidual_SetDifference(t *testing.T) {
	rr := &RoleResidual{Sets: map[string]map[string]bool{"tags": {"a": true, "b": true}}}
	rr.SetDifference("tags", []string{"a"})
	require.Equal(t, map[string]bool{"b": true}, rr.Sets["tags"])
}

func TestResidual_PreservesTotalQuantity(t *testing.T) {
	o := structs.Offer{
		ID:   "o1",
		Host: "h1",
		Resources: []structs.RoleResources{
			{Role: structs.DefaultRole, CPUs: 4, Mem: 1024, Ports: []structs.PortRange{{Begin: 100, End: 200}}},
		},
	}
	r := NewResidual(o)
	rr := r.Role(structs.DefaultRole)
	require.True(t, rr.DeductScalar(1, 256, 0))
	require.InDelta(t, 3.0, rr.CPUs, 0.0001)

	totalPorts := 0
	for _, rng := range rr.Ports {
		totalPorts += rng.Len()
	}
	require.True(t, rr.TakePort(150))
	afterPorts := 0
	for _, rng := range rr.Ports {
		afterPorts += rng.Len()
	}
	require.Equal(t, totalPorts-1, afterPorts)
}
