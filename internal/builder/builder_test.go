package builder

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/eladsalama/reporunner/internal/eventlog"
	"github.com/eladsalama/reporunner/internal/run"
)

type fakeLogStore struct {
	lines []run.LogLine
	logs  map[string]run.BuildLog
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{logs: map[string]run.BuildLog{}}
}

func (f *fakeLogStore) AppendLogLine(_ context.Context, line run.LogLine) error {
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeLogStore) SaveBuildLog(_ context.Context, bl run.BuildLog) error {
	f.logs[bl.RunID] = bl
	return nil
}

type fakePublisher struct {
	published []publishedEvent
}

type publishedEvent struct {
	eventType string
	event     any
}

func (f *fakePublisher) Publish(_ context.Context, eventType string, event any) (uint64, error) {
	f.published = append(f.published, publishedEvent{eventType: eventType, event: event})
	return uint64(len(f.published)), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSuggestedFixesKeywordMatching(t *testing.T) {
	var testCases = map[string]struct {
		errText string
		expect  []string
	}{
		"permission denied": {
			errText: "open /app: permission denied",
			expect:  []string{"Check file permissions"},
		},
		"network": {
			errText: "dial tcp: i/o timeout",
			expect:  []string{"Check network connectivity"},
		},
		"missing file": {
			errText: "stat Dockerfile: no such file or directory",
			expect:  []string{"Check that the referenced file or path exists in the repository"},
		},
		"disk space": {
			errText: "write /var/lib/docker: no space left on device",
			expect:  []string{"Free up disk space on the build host"},
		},
		"unrecognised": {
			errText: "exit status 1",
			expect:  nil,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(tt *testing.T) {
			assert.Equal(tt, tc.expect, suggestedFixes(tc.errText), name)
		})
	}
}

func TestBuildSingleImageFailsWithoutDockerfile(t *testing.T) {
	store, pub := newFakeLogStore(), &fakePublisher{}
	b := &Builder{Store: store, Publisher: pub, Log: discardLogger()}

	dir := t.TempDir()
	_, err := b.buildSingleImage(context.Background(), eventlog.RunRequested{RunID: "run-1"}, dir)
	assert.Error(t, err)
}

func TestHandleRunRequestedCloneFailureEmitsBuildFailed(t *testing.T) {
	store, pub := newFakeLogStore(), &fakePublisher{}
	b := &Builder{
		CloneRoot: t.TempDir(),
		Store:     store,
		Publisher: pub,
		Log:       discardLogger(),
	}

	payload := marshal(t, eventlog.RunRequested{
		RunID: "run-1", Repo: "/nonexistent/not-a-repo", Branch: "main",
	})
	err := b.HandleRunRequested(context.Background(), payload)
	assert.NoError(t, err)

	assert.Equal(t, 1, len(pub.published))
	assert.Equal(t, eventlog.TypeBuildFailed, pub.published[0].eventType)
}

// TestBuildMultiServiceProgressSkipsExternalServices guards spec.md §8
// scenario 2: a three-service manifest where one service is external
// (image-only) must produce exactly four BuildProgress events, with the
// external service contributing to neither phase's total, and the load
// phase's stage text naming the service rather than its built tag.
func TestBuildMultiServiceProgressSkipsExternalServices(t *testing.T) {
	store, pub := newFakeLogStore(), &fakePublisher{}
	b := &Builder{
		BuilderBinary:      "true",
		ClusterImageBinary: "true",
		Store:              store,
		Publisher:          pub,
		Log:                discardLogger(),
	}

	dir := t.TempDir()
	assert.NoError(t, os.Mkdir(filepath.Join(dir, "web"), 0o755))
	assert.NoError(t, os.Mkdir(filepath.Join(dir, "api"), 0o755))
	manifest := []byte(`
services:
  web:
    build:
      context: ./web
    ports:
      - "3100:3100"
  api:
    build:
      context: ./api
    ports:
      - "3000:3000"
  db:
    image: postgres:16
`)
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "docker-compose.yml"), manifest, 0o644))

	result, err := b.buildMultiService(context.Background(), eventlog.RunRequested{RunID: "r1"}, dir)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(result.services))

	var progress []eventlog.BuildProgress
	for _, p := range pub.published {
		if p.eventType == eventlog.TypeBuildProgress {
			progress = append(progress, p.event.(eventlog.BuildProgress))
		}
	}
	assert.Equal(t, 4, len(progress))
	for _, p := range progress {
		assert.Equal(t, 4, p.Total)
	}
	assert.Equal(t, "Building web", progress[0].Stage)
	assert.Equal(t, "Building api", progress[1].Stage)
	assert.Equal(t, "Loading web into cluster", progress[2].Stage)
	assert.Equal(t, "Loading api into cluster", progress[3].Stage)
}

func marshal(t *testing.T, v eventlog.RunRequested) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	assert.NoError(t, err)
	return b
}
