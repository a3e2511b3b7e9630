// Package config collects the default option values shared across the
// coordinator, builder, and deployer binaries. The cmd/*/serve.go kong flag
// tags carry their own literal defaults; these constants are the fallbacks
// applied at runtime where an option arrives empty or non-positive.
package config

import "time"

// Defaults for options recognised across reporunner's workers.
const (
	// DefaultNamespaceTTL is the tenant namespace lifetime applied when the
	// deployer's configured TTL is not positive.
	DefaultNamespaceTTL = 2 * time.Hour

	// DefaultReaperInterval is the TTL reaper's sweep period.
	DefaultReaperInterval = 15 * time.Minute

	// DefaultCPULimit / DefaultMemoryLimit / DefaultCPURequest /
	// DefaultMemoryRequest are the per-container resource defaults applied
	// when a service doesn't specify its own.
	DefaultCPULimit      = "200m"
	DefaultMemoryLimit   = "256Mi"
	DefaultCPURequest    = "50m"
	DefaultMemoryRequest = "64Mi"

	// DefaultCloneRoot is the working-directory root the Builder clones
	// sources into.
	DefaultCloneRoot = "./work"

	// DefaultNodePort is the fallback external port a tenant is assumed
	// reachable on when a port-forward cannot be established.
	DefaultNodePort = 30080

	// DefaultBuilderBinary is the image-build CLI invoked by
	// internal/dockerbuild.
	DefaultBuilderBinary = "docker"

	// DefaultClusterImageLoaderBinary is the cluster image-load CLI
	// invoked by internal/clusterimage.
	DefaultClusterImageLoaderBinary = "kind"

	// DefaultConcurrentLogLimit bounds simultaneous pod log-tail sessions
	// per internal/cluster.Client.
	DefaultConcurrentLogLimit = 20
)
