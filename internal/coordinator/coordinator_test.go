package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/eladsalama/reporunner/internal/eventlog"
	"github.com/eladsalama/reporunner/internal/run"
	"github.com/eladsalama/reporunner/internal/runstore"
)

type fakeStore struct {
	runs map[string]*run.Run
}

func newFakeStore() *fakeStore { return &fakeStore{runs: map[string]*run.Run{}} }

func (f *fakeStore) InsertRun(_ context.Context, r *run.Run) error {
	if _, ok := f.runs[r.RunID]; ok {
		return runstore.ErrAlreadyExists
	}
	cp := *r
	f.runs[r.RunID] = &cp
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, runID string) (*run.Run, error) {
	r, ok := f.runs[runID]
	if !ok {
		return nil, runstore.ErrNoResult
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) ReplaceRun(_ context.Context, r *run.Run) error {
	if _, ok := f.runs[r.RunID]; !ok {
		return runstore.ErrNoResult
	}
	cp := *r
	f.runs[r.RunID] = &cp
	return nil
}

type fakeCache struct {
	projections map[string]run.Projection
	failSet     bool
}

func newFakeCache() *fakeCache { return &fakeCache{projections: map[string]run.Projection{}} }

func (f *fakeCache) Set(_ context.Context, runID string, proj run.Projection) error {
	if f.failSet {
		return errors.New("boom")
	}
	f.projections[runID] = proj
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	assert.NoError(t, err)
	return b
}

func TestHandleRunRequestedInsertsQueued(t *testing.T) {
	store, cache := newFakeStore(), newFakeCache()
	h := New(store, cache, discardLogger())

	payload := marshal(t, eventlog.RunRequested{
		RunID: "run-1", Repo: "git@example.com/foo", Branch: "main",
		Mode: eventlog.ModeSingleImage, RequestedAt: time.Now(),
	})
	assert.NoError(t, h.HandleRunRequested(context.Background(), payload))

	r, ok := store.runs["run-1"]
	assert.True(t, ok)
	assert.Equal(t, run.StatusQueued, r.Status)
	assert.Equal(t, "queued", cache.projections["run-1"].Progress)
}

func TestHandleRunRequestedDuplicateIsNoop(t *testing.T) {
	store, cache := newFakeStore(), newFakeCache()
	h := New(store, cache, discardLogger())
	store.runs["run-1"] = &run.Run{RunID: "run-1", Status: run.StatusBuilding}

	payload := marshal(t, eventlog.RunRequested{RunID: "run-1", RequestedAt: time.Now()})
	assert.NoError(t, h.HandleRunRequested(context.Background(), payload))
	assert.Equal(t, run.StatusBuilding, store.runs["run-1"].Status)
}

func TestHandleBuildProgressUpdatesCacheOnly(t *testing.T) {
	store, cache := newFakeStore(), newFakeCache()
	h := New(store, cache, discardLogger())
	store.runs["run-1"] = &run.Run{RunID: "run-1", Status: run.StatusBuilding}

	payload := marshal(t, eventlog.BuildProgress{RunID: "run-1", Current: 2, Total: 5, Stage: "Building web"})
	assert.NoError(t, h.HandleBuildProgress(context.Background(), payload))

	assert.Equal(t, "2/5 Building web", cache.projections["run-1"].Progress)
	assert.Equal(t, run.StatusBuilding, store.runs["run-1"].Status)
}

func TestHandleBuildProgressDroppedOnceRunningOrTerminal(t *testing.T) {
	for _, status := range []run.Status{run.StatusRunning, run.StatusSucceeded, run.StatusStopped} {
		t.Run(status.String(), func(tt *testing.T) {
			store, cache := newFakeStore(), newFakeCache()
			h := New(store, cache, discardLogger())
			store.runs["run-1"] = &run.Run{RunID: "run-1", Status: status}

			payload := marshal(tt, eventlog.BuildProgress{RunID: "run-1", Current: 2, Total: 5, Stage: "late"})
			assert.NoError(tt, h.HandleBuildProgress(context.Background(), payload))
			_, wrote := cache.projections["run-1"]
			assert.False(tt, wrote)
		})
	}
}

func TestHandleBuildSucceededSetsDeployingSingleImage(t *testing.T) {
	store, cache := newFakeStore(), newFakeCache()
	h := New(store, cache, discardLogger())
	store.runs["run-1"] = &run.Run{RunID: "run-1", Status: run.StatusBuilding}

	payload := marshal(t, eventlog.BuildSucceeded{
		RunID: "run-1", Mode: eventlog.ModeSingleImage, ImageRef: "run-1:latest",
		Ports: []int{8080}, LogsRef: "run-1", CompletedAt: time.Now(),
	})
	assert.NoError(t, h.HandleBuildSucceeded(context.Background(), payload))

	r := store.runs["run-1"]
	assert.Equal(t, run.StatusDeploying, r.Status)
	payloadOut, ok := r.Payload.(run.SingleImagePayload)
	assert.True(t, ok)
	assert.Equal(t, "run-1:latest", payloadOut.ImageRef)
}

func TestHandleBuildSucceededSetsDeployingMultiService(t *testing.T) {
	store, cache := newFakeStore(), newFakeCache()
	h := New(store, cache, discardLogger())
	store.runs["run-1"] = &run.Run{RunID: "run-1", Status: run.StatusBuilding}

	payload := marshal(t, eventlog.BuildSucceeded{
		RunID: "run-1", Mode: eventlog.ModeMultiService,
		Services: []eventlog.ServiceInfo{
			{ServiceName: "web", ImageRef: "run-1-web:latest", Ports: []int{80}},
			{ServiceName: "db", ImageRef: "postgres:16", Ports: []int{5432}, External: true},
		},
		Ports: []int{80, 5432}, LogsRef: "run-1", CompletedAt: time.Now(),
	})
	assert.NoError(t, h.HandleBuildSucceeded(context.Background(), payload))

	r := store.runs["run-1"]
	assert.Equal(t, run.StatusDeploying, r.Status)
	payloadOut, ok := r.Payload.(run.MultiServicePayload)
	assert.True(t, ok)
	assert.Equal(t, []string{"run-1-web:latest", "postgres:16"}, payloadOut.Images)
}

func TestHandleBuildFailedSetsFailed(t *testing.T) {
	store, cache := newFakeStore(), newFakeCache()
	h := New(store, cache, discardLogger())
	store.runs["run-1"] = &run.Run{RunID: "run-1", Status: run.StatusBuilding}

	payload := marshal(t, eventlog.BuildFailed{RunID: "run-1", Error: "network timeout", FailedAt: time.Now()})
	assert.NoError(t, h.HandleBuildFailed(context.Background(), payload))

	r := store.runs["run-1"]
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, "network timeout", r.Error)
	assert.True(t, r.CompletedAt != nil)
}

func TestHandleRunSucceededSetsRunning(t *testing.T) {
	store, cache := newFakeStore(), newFakeCache()
	h := New(store, cache, discardLogger())
	store.runs["run-1"] = &run.Run{RunID: "run-1", Status: run.StatusDeploying}

	payload := marshal(t, eventlog.RunSucceeded{
		RunID: "run-1", Tenant: "run-run-1", PreviewURL: "http://localhost:8080", StartedAt: time.Now(),
	})
	assert.NoError(t, h.HandleRunSucceeded(context.Background(), payload))

	r := store.runs["run-1"]
	assert.Equal(t, run.StatusRunning, r.Status)
	assert.Equal(t, "run-run-1", r.Tenant)
	assert.Equal(t, "http://localhost:8080", r.PreviewURL)
}

func TestMonotonicStatusRejectsRegression(t *testing.T) {
	store, cache := newFakeStore(), newFakeCache()
	h := New(store, cache, discardLogger())
	store.runs["run-1"] = &run.Run{RunID: "run-1", Status: run.StatusRunning}

	// a late BuildSucceeded must not regress Running back to Deploying.
	payload := marshal(t, eventlog.BuildSucceeded{RunID: "run-1", Mode: eventlog.ModeSingleImage, CompletedAt: time.Now()})
	assert.NoError(t, h.HandleBuildSucceeded(context.Background(), payload))
	assert.Equal(t, run.StatusRunning, store.runs["run-1"].Status)
}

func TestHandleRunStopRequestedDoesNotMutateDocument(t *testing.T) {
	store, cache := newFakeStore(), newFakeCache()
	h := New(store, cache, discardLogger())
	store.runs["run-1"] = &run.Run{RunID: "run-1", Status: run.StatusRunning}

	payload := marshal(t, eventlog.RunStopRequested{RunID: "run-1", Tenant: "run-run-1", RequestedAt: time.Now()})
	assert.NoError(t, h.HandleRunStopRequested(context.Background(), payload))

	assert.Equal(t, run.StatusRunning, store.runs["run-1"].Status)
	assert.Equal(t, run.StatusStopped, cache.projections["run-1"].Status)
}

func TestMissingRunOnNonRunRequestedReturnsRetry(t *testing.T) {
	store, cache := newFakeStore(), newFakeCache()
	h := New(store, cache, discardLogger())

	payload := marshal(t, eventlog.BuildProgress{RunID: "missing", Current: 1, Total: 2})
	err := h.HandleBuildProgress(context.Background(), payload)
	assert.True(t, errors.Is(err, eventlog.ErrRetry))
}

func TestCacheWriteFailureIsSwallowed(t *testing.T) {
	store, cache := newFakeStore(), newFakeCache()
	cache.failSet = true
	h := New(store, cache, discardLogger())

	payload := marshal(t, eventlog.RunRequested{RunID: "run-1", RequestedAt: time.Now()})
	assert.NoError(t, h.HandleRunRequested(context.Background(), payload))
	_, ok := store.runs["run-1"]
	assert.True(t, ok)
}
