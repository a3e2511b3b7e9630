package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/tools/cache"
)

// ErrConcurrentLogLimit indicates that the maximum number of concurrent log
// sessions has been reached.
var ErrConcurrentLogLimit = errors.New("cluster: reached concurrent log limit")

var limitBytes int64 = 1 * 1024 * 1024

// LineSink receives one tailed log line for one (podName, containerName).
type LineSink func(podName, containerName, line string)

// linewiseCopy reads lines from logStream and forwards them to sink,
// adapted from internal/k8s/logs.go's linewiseCopy: same bufio.Scanner
// shape, sink changed from an SSH stdio channel write to a typed callback
// (runstore.AppendLogLine, via the deployer).
func linewiseCopy(ctx context.Context, podName, containerName string, sink LineSink, logStream io.Reader) {
	s := bufio.NewScanner(logStream)
	for s.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
			sink(podName, containerName, s.Text())
		}
	}
}

// TailPodLogs opens a follow-mode log stream for every container in pod and
// forwards lines to sink until ctx is cancelled. It returns immediately;
// the caller runs it as an unawaited background task, concurrent with the
// rest of the worker's event-consumption loop.
func (c *Client) TailPodLogs(ctx context.Context, namespace string, pod corev1.Pod, sink LineSink) error {
	if !c.logSem.TryAcquire(1) {
		return ErrConcurrentLogLimit
	}
	go func() {
		defer c.logSem.Release(1)
		for _, cs := range pod.Status.ContainerStatuses {
			req := c.clientset.CoreV1().Pods(namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
				Container:  cs.Name,
				Follow:     true,
				Timestamps: false,
				LimitBytes: &limitBytes,
			})
			stream, err := req.Stream(ctx)
			if err != nil {
				continue
			}
			linewiseCopy(ctx, pod.Name, cs.Name, sink, stream)
			_ = stream.Close()
		}
	}()
	return nil
}

// TailDeploymentLogs watches namespace for pods matching deployment's
// selector and tails each one as it becomes ready, adapted from
// internal/k8s/logs.go's newPodInformer/podEventHandler pair. It runs until
// ctx is cancelled.
func (c *Client) TailDeploymentLogs(ctx context.Context, namespace, deployment string, sink LineSink) error {
	d, err := c.clientset.AppsV1().Deployments(namespace).Get(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("couldn't get deployment %s: %v", deployment, err)
	}
	factory := informers.NewSharedInformerFactoryWithOptions(
		c.clientset,
		time.Hour,
		informers.WithNamespace(namespace),
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = labels.SelectorFromSet(d.Spec.Selector.MatchLabels).String()
		}),
	)
	podInformer := factory.Core().V1().Pods().Informer()
	handler := func(obj any) {
		pod, ok := obj.(*corev1.Pod)
		if !ok {
			return
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.ContainersReady && cond.Status == corev1.ConditionTrue {
				_, alreadyTailing := c.logStreamIDs.LoadOrStore(pod.Name, true)
				if alreadyTailing {
					return
				}
				_ = c.TailPodLogs(ctx, namespace, *pod, sink)
				return
			}
		}
	}
	_, err = podInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    handler,
		UpdateFunc: func(_, obj any) { handler(obj) },
	})
	if err != nil {
		return fmt.Errorf("couldn't add informer event handlers: %v", err)
	}
	podInformer.Run(ctx.Done())
	return nil
}
