package run

import "time"

// NamespaceSpec describes the tenant namespace to synthesise, before
// submission to the cluster.
type NamespaceSpec struct {
	Name        string
	Labels      map[string]string
	Annotations map[string]string
}

// ServiceSpec describes one service's deployment + endpoint within a
// tenant, before submission to the cluster.
type ServiceSpec struct {
	Name          string
	Image         string
	External      bool // true if the image was not built by this system
	Ports         []int
	Env           map[string]string
	LocallyBuilt  bool
	CPULimit      string
	MemoryLimit   string
	CPURequest    string
	MemoryRequest string
}

// TenantResources is the in-memory bundle the deployer assembles before
// provisioning a tenant.
type TenantResources struct {
	Tenant       string
	Namespace    NamespaceSpec
	Services     []ServiceSpec
	PrimaryPort  int
	ServicePorts map[string][]int
}

// PortForward is a process-level descriptor for one live local port-forward.
// ProcessHandle is opaque to callers outside internal/portforward.
type PortForward struct {
	Tenant        string
	Service       string
	PodName       string
	LocalPort     int
	TargetPort    int
	URL           string
	ProcessHandle any
	CreatedAt     time.Time
}
