// Package cluster wraps a Kubernetes API client with the operations the
// deployer needs: namespace and workload synthesis, readiness polling, pod
// log tailing, pod exec for post-deploy hooks, and namespace listing for
// the TTL reaper. It owns the full create/delete lifecycle of the
// ephemeral tenant namespaces it provisions.
package cluster

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// timeout is the common timeout for k8s API operations.
const timeout = 90 * time.Second

// Client is a cluster API client scoped to tenant lifecycle management.
type Client struct {
	config       *rest.Config
	clientset    kubernetes.Interface
	logStreamIDs sync.Map
	logSem       *semaphore.Weighted
}

// NewClient builds a Client from KUBECONFIG. If
// KUBECONFIG is unset, client-go's loading rules fall back to
// ~/.kube/config and then in-cluster config, the same resolution order
// client-go itself documents.
func NewClient(kubeconfig string, concurrentLogLimit uint) (*Client, error) {
	var config *rest.Config
	var err error
	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't load cluster config: %v", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("couldn't create clientset: %v", err)
	}
	return &Client{
		config:    config,
		clientset: clientset,
		logSem:    semaphore.NewWeighted(int64(concurrentLogLimit)),
	}, nil
}

// NewClientFromConfig builds a Client directly from an existing rest.Config
// and clientset, used by tests to inject k8s.io/client-go/kubernetes/fake.
func NewClientFromConfig(config *rest.Config, clientset kubernetes.Interface, concurrentLogLimit uint) *Client {
	return &Client{
		config:    config,
		clientset: clientset,
		logSem:    semaphore.NewWeighted(int64(concurrentLogLimit)),
	}
}

// RestConfig returns the client's underlying REST config, for callers (the
// deployer's port-forward registry) that need to open raw SPDY streams
// outside the kubernetes.Interface surface.
func (c *Client) RestConfig() *rest.Config {
	return c.config
}
