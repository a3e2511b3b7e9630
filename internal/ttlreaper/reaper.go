// Package ttlreaper implements the deployer's periodic namespace-TTL
// sweep: list every namespace this system
// manages, parse its delete-after annotation, and delete any whose
// deadline has passed.
package ttlreaper

import (
	"context"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// DefaultInterval is the reaper's default sweep period.
const DefaultInterval = 15 * time.Minute

// DeleteAfterAnnotation is the namespace annotation carrying the RFC3339
// deadline after which the namespace may be reaped.
const DeleteAfterAnnotation = "delete-after"

// NamespaceLister lists namespaces this system manages.
type NamespaceLister interface {
	ManagedNamespaces(ctx context.Context) ([]corev1.Namespace, error)
}

// NamespaceDeleter deletes a namespace by name.
type NamespaceDeleter interface {
	DeleteNamespace(ctx context.Context, name string) error
}

// Reaper periodically deletes namespaces past their TTL.
type Reaper struct {
	lister   NamespaceLister
	deleter  NamespaceDeleter
	interval time.Duration
	log      *slog.Logger
}

// New returns a Reaper that sweeps at interval (DefaultInterval if zero).
func New(lister NamespaceLister, deleter NamespaceDeleter, interval time.Duration, log *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{lister: lister, deleter: deleter, interval: interval, log: log}
}

// Run loops until ctx is cancelled, sweeping every r.interval. It is
// intended to be run as one eg.Go task alongside the deployer's event
// consumer.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	namespaces, err := r.lister.ManagedNamespaces(ctx)
	if err != nil {
		r.log.Error("ttl reaper couldn't list namespaces", slog.Any("error", err))
		return
	}
	now := time.Now()
	for _, ns := range namespaces {
		expired, err := isExpired(ns, now)
		if err != nil {
			r.log.Warn("ttl reaper couldn't parse delete-after annotation",
				slog.String("namespace", ns.Name), slog.Any("error", err))
			continue
		}
		if !expired {
			continue
		}
		if err := r.deleter.DeleteNamespace(ctx, ns.Name); err != nil {
			r.log.Error("ttl reaper couldn't delete namespace",
				slog.String("namespace", ns.Name), slog.Any("error", err))
			continue
		}
		r.log.Info("ttl reaper deleted expired namespace", slog.String("namespace", ns.Name))
	}
}

func isExpired(ns corev1.Namespace, now time.Time) (bool, error) {
	raw, ok := ns.Annotations[DeleteAfterAnnotation]
	if !ok {
		return false, nil
	}
	deadline, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false, err
	}
	return now.After(deadline), nil
}
