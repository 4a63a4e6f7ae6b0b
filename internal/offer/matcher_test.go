package offer

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/marcher/marcher/internal/queue"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
	"github.com/stretchr/testify/require"
)

func testOffer(id, host string, cpus, mem float64, portBegin, portEnd int) structs.Offer {
	return structs.Offer{
		ID:   id,
		Host: host,
		Resources: []structs.RoleResources{
			{Role: structs.DefaultRole, CPUs: cpus, Mem: mem, Ports: []structs.PortRange{{Begin: portBegin, End: portEnd}}},
		},
	}
}

func TestMatcher_SimpleMatch(t *testing.T) {
	q := queue.New(nil)
	app := &structs.AppDefinition{
		ID:        id.MustParse("/app1"),
		Version:   time.Now(),
		Instances: 1,
		Resources: structs.Resources{CPUs: 1, Mem: 128},
		Ports:     []int{0},
	}
	q.Add(app.ID, app.Version, 0)

	n := 0
	m := New(hclog.NewNullLogger(), q,
		func(a id.PathId, v time.Time) (*structs.AppDefinition, bool) { return app, true },
		func(a id.PathId) []*structs.Task { return nil },
		func() string { n++; return "task-1" },
	)

	results := m.Match([]structs.Offer{testOffer("offer-1", "host-1", 2, 256, 31000, 31010)})
	require.Len(t, results, 1)
	require.Len(t, results[0].Launch, 1)
	require.Equal(t, "host-1", results[0].Launch[0].Host)
	require.Len(t, results[0].Launch[0].HostPorts, 1)
}

func TestMatcher_InsufficientResourcesDeclines(t *testing.T) {
	q := queue.New(nil)
	app := &structs.AppDefinition{
		ID:        id.MustParse("/app1"),
		Version:   time.Now(),
		Instances: 1,
		Resources: structs.Resources{CPUs: 4, Mem: 4096},
	}
	q.Add(app.ID, app.Version, 0)

	m := New(hclog.NewNullLogger(), q,
		func(a id.PathId, v time.Time) (*structs.AppDefinition, bool) { return app, true },
		func(a id.PathId) []*structs.Task { return nil },
		func() string { return "task-1" },
	)

	results := m.Match([]structs.Offer{testOffer("offer-1", "host-1", 1, 256, 31000, 31010)})
	require.True(t, results[0].Decline)
	require.Empty(t, results[0].Launch)

	// the unmatched entry must still be in the queue
	require.Len(t, q.Peek(), 1)
}

func TestMatcher_UniqueConstraintRejectsSameHost(t *testing.T) {
	q := queue.New(nil)
	app := &structs.AppDefinition{
		ID:          id.MustParse("/app1"),
		Version:     time.Now(),
		Instances:   1,
		Resources:   structs.Resources{CPUs: 1, Mem: 64},
		Constraints: []structs.Constraint{{Field: "hostname", Operator: structs.ConstraintUnique}},
	}
	q.Add(app.ID, app.Version, 0)

	placed := []*structs.Task{{Host: "host-1"}}
	m := New(hclog.NewNullLogger(), q,
		func(a id.PathId, v time.Time) (*structs.AppDefinition, bool) { return app, true },
		func(a id.PathId) []*structs.Task { return placed },
		func() string { return "task-2" },
	)

	results := m.Match([]structs.Offer{testOffer("offer-1", "host-1", 2, 256, 31000, 31010)})
	require.True(t, results[0].Decline)
}
