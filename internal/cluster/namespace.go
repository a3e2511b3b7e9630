package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/eladsalama/reporunner/internal/run"
)

// ManagedByLabel marks every namespace this system owns, so the TTL reaper
// and the "delete any existing tenant" step can find them by
// label selector rather than by name prefix alone.
const ManagedByLabel = "managed-by"

// ManagedByValue is the label value reporunner stamps on namespaces it owns.
const ManagedByValue = "reporunner"

// CreateNamespace creates the tenant namespace described by spec.
func (c *Client) CreateNamespace(ctx context.Context, spec run.NamespaceSpec) error {
	for k, v := range spec.Labels {
		if err := validateLabelValue(v); err != nil {
			return fmt.Errorf("couldn't create namespace %s: label %s: %v", spec.Name, k, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Labels:      spec.Labels,
			Annotations: spec.Annotations,
		},
	}
	_, err := c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("couldn't create namespace %s: %v", spec.Name, err)
	}
	return nil
}

// DeleteNamespace deletes the named namespace. Deleting an already-absent
// namespace is treated as success, so the stop protocol is idempotent.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := c.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("couldn't delete namespace %s: %v", name, err)
	}
	return nil
}

// ManagedNamespaces lists all namespaces carrying the managed-by=reporunner
// label (used by the "delete every existing tenant before provisioning a
// new one" step, and by the TTL reaper).
func (c *Client) ManagedNamespaces(ctx context.Context) ([]corev1.Namespace, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	list, err := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: ManagedByLabel + "=" + ManagedByValue,
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't list managed namespaces: %v", err)
	}
	return list.Items, nil
}
