// Package edge implements a thin HTTP contract surface standing in for the
// externally-owned edge adapter and browser UI: producing
// RunRequested/RunStopRequested and serving a cached StatusByRunId read.
// It exists so the pipeline can be driven end-to-end in local development
// and in tests without reimplementing the real edge.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/eladsalama/reporunner/internal/eventlog"
	"github.com/eladsalama/reporunner/internal/run"
	"github.com/eladsalama/reporunner/internal/runstore"
)

const pkgName = "github.com/eladsalama/reporunner/internal/edge"

// EventPublisher is the subset of *eventlog.Producer the edge adapter
// needs to kick off and stop runs.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, event any) (uint64, error)
}

// ProjectionReader is the subset of *cache.Client the edge adapter needs
// for cached status reads.
type ProjectionReader interface {
	Get(ctx context.Context, runID string) (run.Projection, bool, error)
}

// LogReader is the subset of *runstore.Client the edge adapter needs to
// stream a run's logs back to a client.
type LogReader interface {
	LogLines(ctx context.Context, runID string, source run.LogSource, serviceName string) ([]run.LogLine, error)
	GetBuildLog(ctx context.Context, runID string) (*run.BuildLog, error)
}

// Handler serves the contract surface over plain net/http: no router
// library is wired here because nothing in the pack's domain stack offers
// one for this concern (see DESIGN.md).
type Handler struct {
	Publisher  EventPublisher
	Projection ProjectionReader
	Logs       LogReader
	Log        *slog.Logger
}

// runRequest is the JSON body accepted by POST /runs.
type runRequest struct {
	Repo           string   `json:"repo"`
	Branch         string   `json:"branch"`
	Mode           run.Mode `json:"mode"`
	ComposePath    string   `json:"composePath,omitempty"`
	PrimaryService string   `json:"primaryService,omitempty"`
}

// runResponse is returned from a successful POST /runs.
type runResponse struct {
	RunID string `json:"runId"`
}

// ServeMux returns an http.Handler wired with the contract surface's five
// routes.
func (h *Handler) ServeMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", h.handleRunRequested)
	mux.HandleFunc("POST /runs/{runId}/stop", h.handleRunStopRequested)
	mux.HandleFunc("GET /runs/{runId}/status", h.handleStatusByRunID)
	mux.HandleFunc("GET /runs/{runId}/logs", h.handleLogsByRunID)
	mux.HandleFunc("GET /runs/{runId}/build-log", h.handleBuildLogByRunID)
	return mux
}

func (h *Handler) handleRunRequested(w http.ResponseWriter, req *http.Request) {
	ctx, span := otel.Tracer(pkgName).Start(req.Context(), "RunRequested")
	defer span.End()

	var body runRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("couldn't decode request body: %v", err), http.StatusBadRequest)
		return
	}
	if body.Repo == "" {
		http.Error(w, "repo is required", http.StatusBadRequest)
		return
	}
	if body.Mode == "" {
		body.Mode = run.ModeSingleImage
	}

	runID := uuid.NewString()
	event := eventlog.RunRequested{
		RunID:          runID,
		Repo:           body.Repo,
		Branch:         body.Branch,
		Mode:           eventlog.Mode(body.Mode),
		ComposePath:    body.ComposePath,
		PrimaryService: body.PrimaryService,
		RequestedAt:    time.Now(),
	}
	if _, err := h.Publisher.Publish(ctx, eventlog.TypeRunRequested, event); err != nil {
		h.Log.Error("couldn't publish RunRequested", slog.String("runId", runID), slog.Any("error", err))
		http.Error(w, "couldn't queue run", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(runResponse{RunID: runID})
}

func (h *Handler) handleRunStopRequested(w http.ResponseWriter, req *http.Request) {
	ctx, span := otel.Tracer(pkgName).Start(req.Context(), "RunStopRequested")
	defer span.End()

	runID := req.PathValue("runId")
	if runID == "" {
		http.Error(w, "runId is required", http.StatusBadRequest)
		return
	}
	event := eventlog.RunStopRequested{RunID: runID, RequestedAt: time.Now()}
	if _, err := h.Publisher.Publish(ctx, eventlog.TypeRunStopRequested, event); err != nil {
		h.Log.Error("couldn't publish RunStopRequested", slog.String("runId", runID), slog.Any("error", err))
		http.Error(w, "couldn't queue stop request", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleStatusByRunID(w http.ResponseWriter, req *http.Request) {
	ctx, span := otel.Tracer(pkgName).Start(req.Context(), "StatusByRunId")
	defer span.End()

	runID := req.PathValue("runId")
	if runID == "" {
		http.Error(w, "runId is required", http.StatusBadRequest)
		return
	}
	proj, ok, err := h.Projection.Get(ctx, runID)
	if err != nil {
		h.Log.Error("couldn't read cached projection", slog.String("runId", runID), slog.Any("error", err))
		http.Error(w, "couldn't read run status", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(proj)
}

// handleLogsByRunID returns the ordered log lines for one run, filtered by
// the optional source (build|run, default run) and service query
// parameters.
func (h *Handler) handleLogsByRunID(w http.ResponseWriter, req *http.Request) {
	ctx, span := otel.Tracer(pkgName).Start(req.Context(), "LogsByRunId")
	defer span.End()

	runID := req.PathValue("runId")
	source := run.LogSource(req.URL.Query().Get("source"))
	if source == "" {
		source = run.LogSourceRun
	}
	if source != run.LogSourceBuild && source != run.LogSourceRun {
		http.Error(w, "source must be build or run", http.StatusBadRequest)
		return
	}
	lines, err := h.Logs.LogLines(ctx, runID, source, req.URL.Query().Get("service"))
	if err != nil {
		h.Log.Error("couldn't read log lines", slog.String("runId", runID), slog.Any("error", err))
		http.Error(w, "couldn't read run logs", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(lines)
}

// handleBuildLogByRunID returns the aggregated build-log blob referenced by
// a run's logsRef.
func (h *Handler) handleBuildLogByRunID(w http.ResponseWriter, req *http.Request) {
	ctx, span := otel.Tracer(pkgName).Start(req.Context(), "BuildLogByRunId")
	defer span.End()

	runID := req.PathValue("runId")
	bl, err := h.Logs.GetBuildLog(ctx, runID)
	if errors.Is(err, runstore.ErrNoResult) {
		http.Error(w, "build log not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Log.Error("couldn't read build log", slog.String("runId", runID), slog.Any("error", err))
		http.Error(w, "couldn't read build log", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(bl)
}
