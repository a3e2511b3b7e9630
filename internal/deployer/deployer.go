// Package deployer implements tenant-deployment orchestration:
// resource synthesis, readiness gating, post-deploy hooks, port-forward
// multiplexing, log tailing, and the stop protocol.
package deployer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/rest"

	"github.com/eladsalama/reporunner/internal/cluster"
	"github.com/eladsalama/reporunner/internal/config"
	"github.com/eladsalama/reporunner/internal/eventlog"
	"github.com/eladsalama/reporunner/internal/run"
)

const pkgName = "github.com/eladsalama/reporunner/internal/deployer"

// namespacePrefix names every tenant namespace this system provisions:
// "run-<runId>".
const namespacePrefix = "run-"

// ClusterClient is the subset of *cluster.Client the deployer drives.
// Defined here, consumer-side, so tests can substitute a fake.
type ClusterClient interface {
	ManagedNamespaces(ctx context.Context) ([]corev1.Namespace, error)
	DeleteNamespace(ctx context.Context, name string) error
	CreateNamespace(ctx context.Context, spec run.NamespaceSpec) error
	CreateDeployment(ctx context.Context, namespace, runID string, svc run.ServiceSpec) error
	CreateService(ctx context.Context, namespace, runID string, svc run.ServiceSpec) error
	WaitReady(ctx context.Context, namespace string) (cluster.ReadinessResult, error)
	PodsByLabel(ctx context.Context, namespace string, selector map[string]string) ([]corev1.Pod, error)
	ExecInDeployment(ctx context.Context, namespace, deployment string, command []string) (string, error)
	TailPodLogs(ctx context.Context, namespace string, pod corev1.Pod, sink cluster.LineSink) error
}

// PortForwarder is the subset of *portforward.Registry the deployer drives.
type PortForwarder interface {
	Open(ctx context.Context, config *rest.Config, namespace, tenant, service, podName string, targetPort int) (run.PortForward, error)
	CloseTenant(tenant string)
	CloseAllUserForwards()
}

// RunStore is the subset of *runstore.Client the deployer needs: reading
// the run being deployed, and the explicit stop-protocol document write —
// the one exception to the single terminal-status-writer rule, since no
// event carries stop completion back to the coordinator.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*run.Run, error)
	ReplaceRun(ctx context.Context, r *run.Run) error
	AppendLogLine(ctx context.Context, line run.LogLine) error
}

// EventPublisher publishes deployer output events onto the event log.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, event any) (uint64, error)
}

// Deployer drives one tenant through provisioning, readiness, and
// port-forward exposure, or through the stop protocol.
type Deployer struct {
	Cluster          ClusterClient
	RestConfig       *rest.Config
	Forwards         PortForwarder
	Store            RunStore
	Publisher        EventPublisher
	Log              *slog.Logger
	NamespaceTTL     time.Duration
	FallbackNodePort int
	MigrationCommand []string
}

func (d *Deployer) namespaceTTL() time.Duration {
	if d.NamespaceTTL <= 0 {
		return config.DefaultNamespaceTTL
	}
	return d.NamespaceTTL
}

func (d *Deployer) nodePort() int {
	if d.FallbackNodePort <= 0 {
		return config.DefaultNodePort
	}
	return d.FallbackNodePort
}

// clearExistingTenants enforces "one active tenant at a time": delete
// every existing tenant namespace and tear down every user-facing
// port-forward before provisioning a new one.
func (d *Deployer) clearExistingTenants(ctx context.Context) {
	namespaces, err := d.Cluster.ManagedNamespaces(ctx)
	if err != nil {
		d.Log.Warn("couldn't list existing tenant namespaces", slog.Any("error", err))
	}
	for _, ns := range namespaces {
		if !strings.HasPrefix(ns.Name, namespacePrefix) {
			continue
		}
		if err := d.Cluster.DeleteNamespace(ctx, ns.Name); err != nil {
			d.Log.Warn("couldn't delete existing tenant namespace",
				slog.String("namespace", ns.Name), slog.Any("error", err))
		}
	}
	d.Forwards.CloseAllUserForwards()
}

// tenantResources assembles the in-memory resource bundle for one tenant
// from a BuildSucceeded event and its Run document: namespace descriptor,
// per-service descriptors, the primary externally-exposed port, and the
// service→ports map. Provisioning is driven entirely from this bundle.
func (d *Deployer) tenantResources(e eventlog.BuildSucceeded, r *run.Run) run.TenantResources {
	tenant := namespacePrefix + e.RunID
	mode := "single"
	if e.Mode == eventlog.ModeMultiService {
		mode = "multi"
	}
	specs := serviceSpecs(e)
	servicePorts := make(map[string][]int, len(specs))
	for _, svc := range specs {
		servicePorts[svc.Name] = svc.Ports
	}
	return run.TenantResources{
		Tenant: tenant,
		Namespace: run.NamespaceSpec{
			Name: tenant,
			Labels: map[string]string{
				cluster.ManagedByLabel: cluster.ManagedByValue,
				"run-id":               e.RunID,
				"mode":                 mode,
				"created-at":           time.Now().UTC().Format("20060102T150405"),
			},
			Annotations: map[string]string{
				"repo-url":     r.Repo,
				"delete-after": time.Now().Add(d.namespaceTTL()).UTC().Format(time.RFC3339),
			},
		},
		Services:     specs,
		PrimaryPort:  primaryPort(specs, r.PrimaryService),
		ServicePorts: servicePorts,
	}
}

// primaryPort returns the first exposed port of the declared primary
// service, falling back to the first port-bearing service when none is
// declared (or the declared one exposes nothing).
func primaryPort(specs []run.ServiceSpec, primaryService string) int {
	primary := cluster.SanitizeServiceName(primaryService)
	var first int
	for _, svc := range specs {
		if len(svc.Ports) == 0 {
			continue
		}
		if svc.Name == primary {
			return svc.Ports[0]
		}
		if first == 0 {
			first = svc.Ports[0]
		}
	}
	return first
}

// serviceSpecs builds the deployer's in-memory service descriptors from a
// BuildSucceeded event.
func serviceSpecs(e eventlog.BuildSucceeded) []run.ServiceSpec {
	if e.Mode == eventlog.ModeMultiService {
		specs := make([]run.ServiceSpec, 0, len(e.Services))
		for _, svc := range e.Services {
			ports := svc.Ports
			if len(ports) == 0 {
				// a service that declares no port at all still gets its
				// image's well-known default so the workload is reachable
				// inside the tenant.
				ports = []int{cluster.DefaultPort(svc.ImageRef, svc.ServiceName)}
			}
			specs = append(specs, run.ServiceSpec{
				Name:         cluster.SanitizeServiceName(svc.ServiceName),
				Image:        svc.ImageRef,
				External:     svc.External,
				Ports:        ports,
				LocallyBuilt: !svc.External,
			})
		}
		return specs
	}
	return []run.ServiceSpec{{
		Name:         "app",
		Image:        e.ImageRef,
		Ports:        e.Ports,
		LocallyBuilt: true,
	}}
}

// HandleBuildSucceeded provisions a tenant for a successfully built run:
// namespace creation, per-service deployment and service objects, the
// readiness gate, post-deploy hooks, port-forward exposure, and log
// tailing.
func (d *Deployer) HandleBuildSucceeded(ctx context.Context, payload json.RawMessage) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "HandleBuildSucceeded")
	defer span.End()

	var e eventlog.BuildSucceeded
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("couldn't decode BuildSucceeded: %v", err)
	}
	r, err := d.Store.GetRun(ctx, e.RunID)
	if err != nil {
		return eventlog.ErrRetry
	}
	if r.Status == run.StatusStopped {
		// a stop raced this build to completion: no tenant must be
		// provisioned for a run the user no longer wants running. RunFailed
		// is still emitted for observability, but the coordinator's
		// monotonic-status rule keeps the terminal status at Stopped.
		d.fail(ctx, e.RunID, errors.New("stopped before deploy"))
		return nil
	}
	if r.Status.Terminal() {
		d.Log.Info("ignoring BuildSucceeded for a run already in a terminal state",
			slog.String("runId", e.RunID), slog.String("status", r.Status.String()))
		return nil
	}

	d.clearExistingTenants(ctx)

	res := d.tenantResources(e, r)
	d.Log.Info("provisioning tenant",
		slog.String("runId", e.RunID), slog.String("tenant", res.Tenant),
		slog.Int("services", len(res.Services)), slog.Int("primaryPort", res.PrimaryPort))
	if err := d.Cluster.CreateNamespace(ctx, res.Namespace); err != nil {
		d.fail(ctx, e.RunID, fmt.Errorf("couldn't create tenant namespace: %v", err))
		return nil
	}

	for _, svc := range res.Services {
		if err := d.Cluster.CreateDeployment(ctx, res.Tenant, e.RunID, svc); err != nil {
			d.failAndCleanup(ctx, res.Tenant, e.RunID, fmt.Errorf("couldn't create deployment %s: %v", svc.Name, err))
			return nil
		}
		if err := d.Cluster.CreateService(ctx, res.Tenant, e.RunID, svc); err != nil {
			d.failAndCleanup(ctx, res.Tenant, e.RunID, fmt.Errorf("couldn't create service %s: %v", svc.Name, err))
			return nil
		}
	}

	readiness, err := d.Cluster.WaitReady(ctx, res.Tenant)
	if err != nil {
		d.failAndCleanup(ctx, res.Tenant, e.RunID, fmt.Errorf("readiness gate failed: %v", err))
		return nil
	}
	if len(readiness.DegradedPods) > 0 {
		d.Log.Warn("tenant deployed with degraded pods",
			slog.String("runId", e.RunID), slog.Any("degraded", readiness.DegradedPods))
	}

	d.runPostDeployHooks(ctx, res.Tenant, res.Services)

	previewURL := d.openPortForwards(ctx, res, e.RunID, r.PrimaryService)

	d.tailLogs(ctx, res.Tenant, e.RunID, res.Services)

	if _, err := d.Publisher.Publish(ctx, eventlog.TypeRunSucceeded, eventlog.RunSucceeded{
		RunID: e.RunID, PreviewURL: previewURL, Tenant: res.Tenant, StartedAt: time.Now(),
	}); err != nil {
		d.Log.Error("couldn't publish RunSucceeded", slog.String("runId", e.RunID), slog.Any("error", err))
	}
	return nil
}

// runPostDeployHooks invokes the schema-migration command inside every
// deployment whose service name contains "api".
// Failures here are warnings, not errors.
func (d *Deployer) runPostDeployHooks(ctx context.Context, tenant string, specs []run.ServiceSpec) {
	if len(d.MigrationCommand) == 0 {
		return
	}
	for _, svc := range specs {
		if !strings.Contains(svc.Name, "api") {
			continue
		}
		if _, err := d.Cluster.ExecInDeployment(ctx, tenant, svc.Name, d.MigrationCommand); err != nil {
			d.Log.Warn("post-deploy migration hook failed",
				slog.String("tenant", tenant), slog.String("service", svc.Name), slog.Any("error", err))
		}
	}
}

// openPortForwards opens one forward per service's first exposed port
// and returns the preview URL: the forward belonging to
// primaryService, or the first service's forward if none is declared. A
// service whose forward cannot be established does not fail the run (a
// degraded pod past the readiness floor would otherwise sink the whole
// tenant here); the primary falls back to the tenant's node port.
func (d *Deployer) openPortForwards(ctx context.Context, res run.TenantResources, runID, primaryService string) string {
	// the run's declared primary service is the raw compose name; the
	// bundle carries the sanitised form.
	primary := cluster.SanitizeServiceName(primaryService)
	var previewURL string
	for i, svc := range res.Services {
		ports := res.ServicePorts[svc.Name]
		if len(ports) == 0 {
			continue
		}
		isPrimary := svc.Name == primary || (primary == "" && i == 0)
		pods, err := d.Cluster.PodsByLabel(ctx, res.Tenant, map[string]string{"app": svc.Name, "run-id": runID})
		if err == nil && len(pods) == 0 {
			err = fmt.Errorf("no pod found for service %s", svc.Name)
		}
		var fwd run.PortForward
		if err == nil {
			fwd, err = d.Forwards.Open(ctx, d.RestConfig, res.Tenant, runID, svc.Name, pods[0].Name, ports[0])
		}
		if err != nil {
			d.Log.Warn("couldn't forward service, falling back to node port",
				slog.String("tenant", res.Tenant), slog.String("service", svc.Name), slog.Any("error", err))
			if isPrimary {
				previewURL = fmt.Sprintf("http://localhost:%d", d.nodePort())
			}
			continue
		}
		if isPrimary {
			previewURL = fwd.URL
		}
	}
	return previewURL
}

// tailLogs starts an unawaited background tail for every service's pod.
func (d *Deployer) tailLogs(ctx context.Context, tenant, runID string, specs []run.ServiceSpec) {
	for _, svc := range specs {
		pods, err := d.Cluster.PodsByLabel(ctx, tenant, map[string]string{"app": svc.Name, "run-id": runID})
		if err != nil {
			continue
		}
		for _, pod := range pods {
			sink := func(podName, containerName, line string) {
				if err := d.Store.AppendLogLine(ctx, run.LogLine{
					RunID: runID, Source: run.LogSourceRun, ServiceName: containerName, Line: line, Timestamp: time.Now(),
				}); err != nil {
					d.Log.Warn("couldn't append run log line",
						slog.String("runId", runID), slog.String("pod", podName), slog.Any("error", err))
				}
			}
			if err := d.Cluster.TailPodLogs(ctx, tenant, pod, sink); err != nil {
				d.Log.Warn("couldn't start log tail", slog.String("pod", pod.Name), slog.Any("error", err))
			}
		}
	}
}

// fail emits RunFailed for runID.
func (d *Deployer) fail(ctx context.Context, runID string, err error) {
	d.Log.Warn("tenant deployment failed", slog.String("runId", runID), slog.Any("error", err))
	if _, pubErr := d.Publisher.Publish(ctx, eventlog.TypeRunFailed, eventlog.RunFailed{
		RunID: runID, Error: err.Error(), FailedAt: time.Now(),
	}); pubErr != nil {
		d.Log.Error("couldn't publish RunFailed", slog.String("runId", runID), slog.Any("error", pubErr))
	}
}

// failAndCleanup attempts to delete the partially-provisioned tenant
// namespace before surfacing the failure.
func (d *Deployer) failAndCleanup(ctx context.Context, tenant, runID string, err error) {
	if delErr := d.Cluster.DeleteNamespace(ctx, tenant); delErr != nil {
		d.Log.Warn("couldn't clean up failed tenant namespace",
			slog.String("namespace", tenant), slog.Any("error", delErr))
	}
	d.fail(ctx, runID, err)
}

// HandleRunStopRequested implements the stop protocol: stop
// port-forwards, delete the namespace, and write the terminal Stopped
// status. Idempotent — a repeated stop acknowledges silently.
func (d *Deployer) HandleRunStopRequested(ctx context.Context, payload json.RawMessage) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "HandleRunStopRequested")
	defer span.End()

	var e eventlog.RunStopRequested
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("couldn't decode RunStopRequested: %v", err)
	}
	r, err := d.Store.GetRun(ctx, e.RunID)
	if err != nil {
		return eventlog.ErrRetry
	}
	tenant := e.Tenant
	if tenant == "" {
		tenant = r.Tenant
	}
	if tenant == "" {
		tenant = namespacePrefix + e.RunID
	}

	d.Forwards.CloseTenant(e.RunID)
	if err := d.Cluster.DeleteNamespace(ctx, tenant); err != nil {
		return fmt.Errorf("couldn't delete tenant namespace %s: %v", tenant, err)
	}

	now := time.Now()
	r.Status = run.StatusStopped
	r.CompletedAt = &now
	if err := d.Store.ReplaceRun(ctx, r); err != nil {
		return fmt.Errorf("couldn't mark run %s stopped: %v", e.RunID, err)
	}
	return nil
}
