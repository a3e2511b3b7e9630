// Package clusterimage shells out to the local cluster's image-loader CLI
// (e.g. "kind load docker-image") to make a locally built image tag
// available to the cluster's nodes, since the builder's docker daemon and
// the cluster's container runtime are not necessarily the same store.
package clusterimage

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/eladsalama/reporunner/internal/config"
)

// Loader shells out to a configurable image-load binary.
type Loader struct {
	Binary      string // defaults to "kind"
	ClusterName string
}

// Load loads imageTag into the named local cluster.
func (l Loader) Load(ctx context.Context, imageTag string) error {
	binary := l.Binary
	if binary == "" {
		binary = config.DefaultClusterImageLoaderBinary
	}
	args := []string{"load", "docker-image", imageTag}
	if l.ClusterName != "" {
		args = append(args, "--name", l.ClusterName)
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("couldn't load image %s into cluster: %v: %s", imageTag, err, out)
	}
	return nil
}
