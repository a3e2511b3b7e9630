// Package coordinator implements the sole owner of the Run document and
// its status projection. It dispatches one event-log payload
// at a time to a per-event-type handler and enforces the monotonic-status
// rule so that out-of-order delivery across streams never regresses a
// Run's visible status.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/eladsalama/reporunner/internal/eventlog"
	"github.com/eladsalama/reporunner/internal/run"
	"github.com/eladsalama/reporunner/internal/runstore"
)

const pkgName = "github.com/eladsalama/reporunner/internal/coordinator"

// RunStore persists the canonical Run document. Defined here, consumer-side,
// so tests can substitute a fake; *runstore.Client satisfies it.
type RunStore interface {
	InsertRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, runID string) (*run.Run, error)
	ReplaceRun(ctx context.Context, r *run.Run) error
}

// ProjectionCache maintains the fast-read status projection. Cache write
// failures are logged and swallowed everywhere the document store already
// succeeded: the document is authoritative.
type ProjectionCache interface {
	Set(ctx context.Context, runID string, proj run.Projection) error
}

// Handler dispatches coordinator events to the Run document and cache.
type Handler struct {
	store RunStore
	cache ProjectionCache
	log   *slog.Logger
}

// New returns a Handler bound to store and cache.
func New(store RunStore, cache ProjectionCache, log *slog.Logger) *Handler {
	return &Handler{store: store, cache: cache, log: log}
}

// writeCache projects r and writes it to the cache, logging and swallowing
// any failure: the document store is authoritative, so a cache write
// failure only delays a fast read, it never loses data.
func (h *Handler) writeCache(ctx context.Context, r *run.Run) {
	if err := h.cache.Set(ctx, r.RunID, run.FromRun(r)); err != nil {
		h.log.Warn("couldn't write projection cache", slog.String("runId", r.RunID), slog.Any("error", err))
	}
}

// applyTransition loads r, checks the monotonic-status rule, mutates it
// with mutate if the transition is permitted, replaces it in the store,
// and projects it. A disallowed transition is a silent no-op success (the
// event is stale, not an error).
func (h *Handler) applyTransition(ctx context.Context, runID string, to run.Status, mutate func(*run.Run)) error {
	r, err := h.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNoResult) {
			return eventlog.ErrRetry
		}
		return fmt.Errorf("couldn't get run %s: %v", runID, err)
	}
	if !run.CanTransition(r.Status, to) {
		h.log.Info("dropping out-of-order transition",
			slog.String("runId", runID), slog.String("from", r.Status.String()), slog.String("to", to.String()))
		return nil
	}
	mutate(r)
	if err := h.store.ReplaceRun(ctx, r); err != nil {
		return fmt.Errorf("couldn't replace run %s: %v", runID, err)
	}
	h.writeCache(ctx, r)
	return nil
}

// HandleRunRequested inserts the Run document with Status = Queued. A
// duplicate RunId is treated as an idempotent no-op success.
func (h *Handler) HandleRunRequested(ctx context.Context, payload json.RawMessage) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "HandleRunRequested")
	defer span.End()

	var e eventlog.RunRequested
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("couldn't decode RunRequested: %v", err)
	}
	r := &run.Run{
		RunID:          e.RunID,
		Repo:           e.Repo,
		Branch:         e.Branch,
		Mode:           run.Mode(e.Mode),
		ComposePath:    e.ComposePath,
		PrimaryService: e.PrimaryService,
		Status:         run.StatusQueued,
		CreatedAt:      e.RequestedAt,
	}
	if err := h.store.InsertRun(ctx, r); err != nil {
		if errors.Is(err, runstore.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("couldn't insert run %s: %v", e.RunID, err)
	}
	proj := run.FromRun(r)
	proj.Progress = "queued"
	if err := h.cache.Set(ctx, r.RunID, proj); err != nil {
		h.log.Warn("couldn't write projection cache", slog.String("runId", r.RunID), slog.Any("error", err))
	}
	return nil
}

// HandleBuildProgress updates only the projection cache's progress string,
// leaving the document store untouched.
func (h *Handler) HandleBuildProgress(ctx context.Context, payload json.RawMessage) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "HandleBuildProgress")
	defer span.End()

	var e eventlog.BuildProgress
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("couldn't decode BuildProgress: %v", err)
	}
	r, err := h.store.GetRun(ctx, e.RunID)
	if err != nil {
		if errors.Is(err, runstore.ErrNoResult) {
			return eventlog.ErrRetry
		}
		return fmt.Errorf("couldn't get run %s: %v", e.RunID, err)
	}
	if r.Status.Terminal() || r.Status == run.StatusRunning {
		// a BuildProgress arriving after RunSucceeded or a terminal status
		// is stale; drop it at the projection layer.
		return nil
	}
	proj := run.FromRun(r)
	proj.Progress = fmt.Sprintf("%d/%d %s", e.Current, e.Total, e.Stage)
	h.log.Debug("build progress", slog.String("runId", e.RunID), slog.String("progress", proj.Progress))
	if err := h.cache.Set(ctx, e.RunID, proj); err != nil {
		h.log.Warn("couldn't write projection cache", slog.String("runId", e.RunID), slog.Any("error", err))
	}
	return nil
}

// HandleBuildSucceeded sets Status = Deploying and persists the build's
// image refs and ports.
func (h *Handler) HandleBuildSucceeded(ctx context.Context, payload json.RawMessage) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "HandleBuildSucceeded")
	defer span.End()

	var e eventlog.BuildSucceeded
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("couldn't decode BuildSucceeded: %v", err)
	}
	return h.applyTransition(ctx, e.RunID, run.StatusDeploying, func(r *run.Run) {
		r.Status = run.StatusDeploying
		r.LogsRef = e.LogsRef
		switch run.Mode(e.Mode) {
		case run.ModeMultiService:
			images := make([]string, 0, len(e.Services))
			for _, svc := range e.Services {
				images = append(images, svc.ImageRef)
			}
			r.Payload = run.MultiServicePayload{Images: images, Ports: e.Ports}
		default:
			r.Payload = run.SingleImagePayload{ImageRef: e.ImageRef, Ports: e.Ports}
		}
	})
}

// HandleBuildFailed sets Status = Failed with the error and completion
// time.
func (h *Handler) HandleBuildFailed(ctx context.Context, payload json.RawMessage) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "HandleBuildFailed")
	defer span.End()

	var e eventlog.BuildFailed
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("couldn't decode BuildFailed: %v", err)
	}
	completedAt := e.FailedAt
	return h.applyTransition(ctx, e.RunID, run.StatusFailed, func(r *run.Run) {
		r.Status = run.StatusFailed
		r.Error = e.Error
		r.LogsRef = e.LogsRef
		r.CompletedAt = &completedAt
	})
}

// HandleRunSucceeded sets Status = Running and persists tenant/preview/
// startedAt.
func (h *Handler) HandleRunSucceeded(ctx context.Context, payload json.RawMessage) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "HandleRunSucceeded")
	defer span.End()

	var e eventlog.RunSucceeded
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("couldn't decode RunSucceeded: %v", err)
	}
	startedAt := e.StartedAt
	return h.applyTransition(ctx, e.RunID, run.StatusRunning, func(r *run.Run) {
		r.Status = run.StatusRunning
		r.Tenant = e.Tenant
		r.PreviewURL = e.PreviewURL
		r.StartedAt = &startedAt
	})
}

// HandleRunFailed sets Status = Failed with error and completion time.
func (h *Handler) HandleRunFailed(ctx context.Context, payload json.RawMessage) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "HandleRunFailed")
	defer span.End()

	var e eventlog.RunFailed
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("couldn't decode RunFailed: %v", err)
	}
	failedAt := e.FailedAt
	return h.applyTransition(ctx, e.RunID, run.StatusFailed, func(r *run.Run) {
		r.Status = run.StatusFailed
		r.Error = e.Error
		r.CompletedAt = &failedAt
	})
}

// HandleRunStopRequested performs no document mutation (the Deployer
// performs the tear-down and writes the terminal status); it only updates
// the cache to Stopped so the edge gets an immediate reading.
func (h *Handler) HandleRunStopRequested(ctx context.Context, payload json.RawMessage) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "HandleRunStopRequested")
	defer span.End()

	var e eventlog.RunStopRequested
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("couldn't decode RunStopRequested: %v", err)
	}
	r, err := h.store.GetRun(ctx, e.RunID)
	if err != nil {
		if errors.Is(err, runstore.ErrNoResult) {
			return eventlog.ErrRetry
		}
		return fmt.Errorf("couldn't get run %s: %v", e.RunID, err)
	}
	proj := run.FromRun(r)
	proj.Status = run.StatusStopped
	now := time.Now()
	proj.CompletedAt = &now
	if err := h.cache.Set(ctx, e.RunID, proj); err != nil {
		h.log.Warn("couldn't write projection cache", slog.String("runId", e.RunID), slog.Any("error", err))
	}
	return nil
}
