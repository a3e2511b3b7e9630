// Package portforward is the local port-forward multiplexer the deployer
// uses to expose tenant pods on the host: bind-probe a
// preferred local port, shift ports below 1024 out of the privileged
// range, kill the owning process on contention and retry, and keep a
// keyed registry of live forwards bound to the deployer process's
// lifetime.
package portforward

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"github.com/eladsalama/reporunner/internal/run"
)

// privilegedPortShift is added to a preferred port below 1024, since
// binding those requires elevated privileges this process does not assume
// it has.
const privilegedPortShift = 8000

const bindRetryDelay = 500 * time.Millisecond

// key identifies one forward in the registry.
type key struct {
	tenant  string
	service string
}

// handle is the internal bookkeeping for one live forward.
type handle struct {
	forward run.PortForward
	stopCh  chan struct{}
	readyCh chan struct{}
}

// Registry holds every port-forward the deployer process currently owns.
// Its lifecycle is bound to the deployer process: StopAll MUST be called
// on shutdown.
type Registry struct {
	mu   sync.Mutex
	live map[key]*handle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{live: map[key]*handle{}}
}

// infrastructurePorts are target ports that are never torn down by the
// "clear everything before the next tenant" policy: they front shared
// infra (cache, document store), not a user run.
var infrastructurePorts = map[int]bool{6379: true, 27017: true}

// isBindable reports whether localPort can be bound on loopback right now.
func isBindable(localPort int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// killOwningProcess finds and terminates whatever process is listening on
// localPort, using the fuser/lsof-style CLI convention common on the local
// dev hosts this runs on. This is safe to attempt here because the only
// processes allowed to hold ports in the user-run range are reporunner's
// own previous forwards.
func killOwningProcess(localPort int) error {
	cmd := exec.Command("fuser", "-k", fmt.Sprintf("%d/tcp", localPort))
	out, err := cmd.CombinedOutput()
	if err != nil && !strings.Contains(string(out), "no process") {
		return fmt.Errorf("couldn't kill process on port %d: %v: %s", localPort, err, out)
	}
	return nil
}

// choosePort picks the local port to bind, retrying once after killing a
// contending process.
func choosePort(preferred int) (int, error) {
	local := preferred
	if local < 1024 {
		local += privilegedPortShift
	}
	if isBindable(local) {
		return local, nil
	}
	_ = killOwningProcess(local)
	time.Sleep(bindRetryDelay)
	if isBindable(local) {
		return local, nil
	}
	for candidate := 3000; candidate < 10000; candidate++ {
		if isBindable(candidate) {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available local port found for preferred port %d", preferred)
}

// Open starts a port-forward from a local port to podName:targetPort in
// namespace, using client-go's SPDY-based port-forward machinery (the same
// transport family internal/cluster/exec.go uses for Exec). It registers the
// resulting handle under (tenant, service), replacing any prior forward
// for that key.
func (r *Registry) Open(ctx context.Context, config *rest.Config, namespace, tenant, service, podName string, targetPort int) (run.PortForward, error) {
	localPort, err := choosePort(targetPort)
	if err != nil {
		return run.PortForward{}, err
	}

	roundTripper, upgrader, err := spdy.RoundTripperFor(config)
	if err != nil {
		return run.PortForward{}, fmt.Errorf("couldn't build round tripper: %v", err)
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/portforward", namespace, podName)
	hostURL, err := url.Parse(config.Host)
	if err != nil {
		return run.PortForward{}, fmt.Errorf("couldn't parse cluster host: %v", err)
	}
	hostURL.Path = path
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: roundTripper}, "POST", hostURL)

	stopCh := make(chan struct{})
	readyCh := make(chan struct{})
	ports := []string{fmt.Sprintf("%d:%d", localPort, targetPort)}
	fw, err := portforward.New(dialer, ports, stopCh, readyCh, nil, nil)
	if err != nil {
		close(stopCh)
		return run.PortForward{}, fmt.Errorf("couldn't build port-forward: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- fw.ForwardPorts() }()

	select {
	case <-readyCh:
	case err := <-errCh:
		return run.PortForward{}, fmt.Errorf("port-forward failed before ready: %v", err)
	case <-ctx.Done():
		close(stopCh)
		return run.PortForward{}, ctx.Err()
	}

	pf := run.PortForward{
		Tenant:     tenant,
		Service:    service,
		PodName:    podName,
		LocalPort:  localPort,
		TargetPort: targetPort,
		URL:        fmt.Sprintf("http://localhost:%d", localPort),
		CreatedAt:  time.Now(),
	}
	r.mu.Lock()
	k := key{tenant: tenant, service: service}
	if existing, ok := r.live[k]; ok {
		close(existing.stopCh)
	}
	r.live[k] = &handle{forward: pf, stopCh: stopCh, readyCh: readyCh}
	r.mu.Unlock()
	return pf, nil
}

// Close stops the forward for (tenant, service), if any.
func (r *Registry) Close(tenant, service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{tenant: tenant, service: service}
	if h, ok := r.live[k]; ok {
		close(h.stopCh)
		delete(r.live, k)
	}
}

// CloseTenant stops every forward for tenant.
func (r *Registry) CloseTenant(tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, h := range r.live {
		if k.tenant == tenant {
			close(h.stopCh)
			delete(r.live, k)
		}
	}
}

// CloseAllUserForwards stops every live forward whose target port is not
// an infrastructure port, leaving shared-infra forwards (cache, document
// store) untouched.
func (r *Registry) CloseAllUserForwards() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, h := range r.live {
		if infrastructurePorts[h.forward.TargetPort] {
			continue
		}
		close(h.stopCh)
		delete(r.live, k)
	}
}

// StopAll terminates every live forward. Call on process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, h := range r.live {
		close(h.stopCh)
		delete(r.live, k)
	}
}

// Get returns the live forward for (tenant, service), if any.
func (r *Registry) Get(tenant, service string) (run.PortForward, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.live[key{tenant: tenant, service: service}]
	if !ok {
		return run.PortForward{}, false
	}
	return h.forward, true
}
