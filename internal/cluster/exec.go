package cluster

import (
	"bytes"
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
)

// podForDeployment returns the first pod of deployment, adapted from
// internal/k8s/exec.go's podContainer (dropped the container-name lookup,
// since post-deploy hooks always target the deployment's first container).
func (c *Client) podForDeployment(ctx context.Context, namespace, deployment string) (corev1.Pod, error) {
	d, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return corev1.Pod{}, fmt.Errorf("couldn't get deployment %s: %v", deployment, err)
	}
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.FormatLabels(d.Spec.Selector.MatchLabels),
	})
	if err != nil {
		return corev1.Pod{}, fmt.Errorf("couldn't list pods for %s: %v", deployment, err)
	}
	if len(pods.Items) == 0 {
		return corev1.Pod{}, fmt.Errorf("no pods for deployment %s", deployment)
	}
	return pods.Items[0], nil
}

// ExecInDeployment runs command inside the first container of the first
// pod of deployment, via remotecommand.NewSPDYExecutor, targeted at a
// post-deploy migration command rather than an interactive shell. It
// returns combined stdout+stderr.
func (c *Client) ExecInDeployment(ctx context.Context, namespace, deployment string, command []string) (string, error) {
	pod, err := c.podForDeployment(ctx, namespace, deployment)
	if err != nil {
		return "", err
	}
	if len(pod.Spec.Containers) == 0 {
		return "", fmt.Errorf("no containers in pod %s", pod.Name)
	}
	container := pod.Spec.Containers[0].Name

	req := c.clientset.CoreV1().RESTClient().Post().Namespace(namespace).
		Resource("pods").Name(pod.Name).SubResource("exec")
	req.VersionedParams(
		&corev1.PodExecOptions{
			Stdout:    true,
			Stderr:    true,
			Container: container,
			Command:   command,
		},
		scheme.ParameterCodec,
	)
	exec, err := remotecommand.NewSPDYExecutor(c.config, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("couldn't build executor: %v", err)
	}
	var out bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &out,
		Stderr: &out,
	})
	if err != nil {
		return out.String(), fmt.Errorf("exec failed in %s: %v", pod.Name, err)
	}
	return out.String(), nil
}
