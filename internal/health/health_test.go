package health

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/marcher/marcher/pkg/clock"
	"github.com/marcher/marcher/pkg/id"
	"github.com/marcher/marcher/pkg/structs"
	"github.com/shoenig/test/wait"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	killed chan string
}

func (f *fakeDriver) KillTask(taskID string) error {
	f.killed <- taskID
	return nil
}

func mustPort(addr string) int {
	parts := strings.Split(addr, ":")
	p, _ := strconv.Atoi(parts[len(parts)-1])
	return p
}

func TestManager_HTTPCheck_HealthyThenUnhealthy(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	driver := &fakeDriver{killed: make(chan string, 1)}
	m := New(hclog.NewNullLogger(), clock.Real, driver)

	appID := id.MustParse("/app1")
	version := time.Now()
	task := &structs.Task{ID: "t1", Host: "127.0.0.1", HostPorts: []int{mustPort(srv.Listener.Addr().String())}}
	checks := []structs.HealthCheck{{
		Protocol: structs.ProtocolHTTP, Path: "/", IntervalSeconds: 1, TimeoutSeconds: 1, MaxConsecutiveFailures: 2,
	}}
	m.AddTask(appID, version, task, checks, time.Now().Add(-time.Hour)) // already past any grace period

	wait.For(t, wait.TestFunc(func() (bool, error) {
		status := m.Status(appID, version, "t1")
		return len(status) == 1 && status[0], nil
	}))

	healthy = false
	select {
	case killed := <-driver.killed:
		require.Equal(t, "t1", killed)
	case <-time.After(5 * time.Second):
		t.Fatal("expected task to be killed after consecutive failures")
	}
}

func TestManager_TCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	m := New(hclog.NewNullLogger(), clock.Real, nil)
	appID := id.MustParse("/app1")
	version := time.Now()
	task := &structs.Task{ID: "t1", Host: "127.0.0.1", HostPorts: []int{mustPort(ln.Addr().String())}}
	checks := []structs.HealthCheck{{Protocol: structs.ProtocolTCP, IntervalSeconds: 1, TimeoutSeconds: 1}}
	m.AddTask(appID, version, task, checks, time.Now().Add(-time.Hour))

	wait.For(t, wait.TestFunc(func() (bool, error) {
		status := m.Status(appID, version, "t1")
		return len(status) == 1 && status[0], nil
	}))
}

func TestManager_CommandProtocol_ForwardsResult(t *testing.T) {
	driver := &fakeDriver{killed: make(chan string, 1)}
	m := New(hclog.NewNullLogger(), clock.Real, driver)
	appID := id.MustParse("/app1")
	version := time.Now()
	task := &structs.Task{ID: "t1"}
	checks := []structs.HealthCheck{{Protocol: structs.ProtocolCommand, MaxConsecutiveFailures: 1}}
	m.AddTask(appID, version, task, checks, time.Now())

	m.ReportCommandResult(appID, version, "t1", 0, false)
	select {
	case killed := <-driver.killed:
		require.Equal(t, "t1", killed)
	case <-time.After(time.Second):
		t.Fatal("expected kill after command failure")
	}
}

func TestManager_HealthCounts(t *testing.T) {
	m := New(hclog.NewNullLogger(), clock.Real, nil)
	appID := id.MustParse("/app1")
	version := time.Now()
	// No checks declared: the task has zero check results, which
	// HealthCounts reports as unknown (the executor's health gate treats
	// such a task as healthy, §4.7).
	m.AddTask(appID, version, &structs.Task{ID: "t1"}, nil, time.Now())

	healthyCount, unhealthyCount, unknownCount := m.HealthCounts(appID)
	require.Equal(t, 0, healthyCount)
	require.Equal(t, 0, unhealthyCount)
	require.Equal(t, 1, unknownCount)
}
