package cluster

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
)

// Readiness gate tuning.
const (
	ReadinessHardCeiling = 45 * time.Second
	ReadinessFloor       = 20 * time.Second
	readinessPollEvery   = 3 * time.Second
)

// degradedReasons are container waiting-reasons that mark a pod degraded: it
// is listed in DegradedPods rather than ReadyPods or NotReadyPending and,
// like a pending pod, keeps AllReady false, so a tenant with a degraded pod
// passes WaitReady only as a partial success once ReadinessFloor elapses.
var degradedReasons = map[string]bool{
	"CrashLoopBackOff": true,
	"ImagePullBackOff": true,
	"ErrImagePull":     true,
}

// ReadinessResult summarises one poll of a namespace's pods.
type ReadinessResult struct {
	AllReady        bool
	AnyReady        bool
	DegradedPods    []string
	ReadyPods       []string
	NotReadyPending []string
}

func (c *Client) pollPods(ctx context.Context, namespace string) (ReadinessResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return ReadinessResult{}, fmt.Errorf("couldn't list pods in %s: %v", namespace, err)
	}
	result := ReadinessResult{AllReady: len(pods.Items) > 0}
	for _, pod := range pods.Items {
		if degraded := degradedPodReason(pod); degraded != "" {
			result.DegradedPods = append(result.DegradedPods, pod.Name+": "+degraded)
			result.AllReady = false
			continue
		}
		if podReady(pod) {
			result.ReadyPods = append(result.ReadyPods, pod.Name)
			result.AnyReady = true
		} else {
			result.NotReadyPending = append(result.NotReadyPending, pod.Name)
			result.AllReady = false
		}
	}
	return result, nil
}

func podReady(pod corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func degradedPodReason(pod corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil && degradedReasons[cs.State.Waiting.Reason] {
			return cs.State.Waiting.Reason
		}
	}
	return ""
}

// WaitReady polls every 3s up to a 45s hard ceiling; declares success once
// all pods are Ready; declares partial success once at least one pod is
// Ready and 20s have elapsed; fails if the ceiling is reached with zero
// Ready pods.
func (c *Client) WaitReady(ctx context.Context, namespace string) (ReadinessResult, error) {
	deadline := time.Now().Add(ReadinessHardCeiling)
	floor := time.Now().Add(ReadinessFloor)
	ticker := time.NewTicker(readinessPollEvery)
	defer ticker.Stop()

	var last ReadinessResult
	for {
		result, err := c.pollPods(ctx, namespace)
		if err != nil {
			return result, err
		}
		last = result
		if result.AllReady {
			return result, nil
		}
		if result.AnyReady && time.Now().After(floor) {
			return result, nil
		}
		if time.Now().After(deadline) {
			return last, fmt.Errorf("readiness gate timed out with zero ready pods in %s", namespace)
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PodsByLabel returns pods in namespace matching selector, for use by
// post-deploy hooks and log tailing.
func (c *Client) PodsByLabel(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.FormatLabels(selector),
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't list pods in %s: %v", namespace, err)
	}
	return pods.Items, nil
}
