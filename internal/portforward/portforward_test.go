package portforward

import (
	"net"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/eladsalama/reporunner/internal/run"
)

func TestChoosePortShiftsPrivilegedPorts(t *testing.T) {
	port, err := choosePort(80)
	assert.NoError(t, err)
	assert.Equal(t, 8080, port)
}

func TestChoosePortKeepsUnprivilegedFreePort(t *testing.T) {
	// bind the preferred port first, elsewhere, then release it, so the
	// chosen port is deterministic and >= 1024.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	assert.NoError(t, ln.Close())

	got, err := choosePort(port)
	assert.NoError(t, err)
	assert.Equal(t, port, got)
}

func TestIsBindable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, isBindable(port))
}

func TestRegistryCloseAllUserForwardsPreservesInfra(t *testing.T) {
	r := NewRegistry()
	r.live[key{tenant: "run-1", service: "app"}] = &handle{
		forward: run.PortForward{Tenant: "run-1", Service: "app", TargetPort: 8080},
		stopCh:  make(chan struct{}),
	}
	r.live[key{tenant: "run-1", service: "redis"}] = &handle{
		forward: run.PortForward{Tenant: "run-1", Service: "redis", TargetPort: 6379},
		stopCh:  make(chan struct{}),
	}
	r.CloseAllUserForwards()
	_, ok := r.Get("run-1", "redis")
	assert.True(t, ok)
	_, ok = r.Get("run-1", "app")
	assert.False(t, ok)
}
