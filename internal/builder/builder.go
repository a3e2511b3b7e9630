// Package builder implements the image-build orchestration consumed from
// RunRequested: shallow clone, single-image or multi-service
// build dispatch, progress reporting, and completion/failure events.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/eladsalama/reporunner/internal/clusterimage"
	"github.com/eladsalama/reporunner/internal/compose"
	"github.com/eladsalama/reporunner/internal/dockerbuild"
	"github.com/eladsalama/reporunner/internal/eventlog"
	"github.com/eladsalama/reporunner/internal/run"
	"github.com/eladsalama/reporunner/internal/vcsclone"
)

const pkgName = "github.com/eladsalama/reporunner/internal/builder"

// defaultComposePath is used when a RunRequested event declares no
// composePath of its own.
const defaultComposePath = "docker-compose.yml"

// LogStore persists build output: the append-only line stream and the
// single aggregated blob referenced by BuildSucceeded/BuildFailed's
// logsRef.
type LogStore interface {
	AppendLogLine(ctx context.Context, line run.LogLine) error
	SaveBuildLog(ctx context.Context, bl run.BuildLog) error
}

// EventPublisher publishes builder output events onto the event log.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, event any) (uint64, error)
}

// Builder drives one RunRequested event through clone, build, and
// completion-event emission.
type Builder struct {
	CloneRoot          string
	BuilderBinary      string
	ClusterName        string
	ClusterImageBinary string
	Store              LogStore
	Publisher          EventPublisher
	Log                *slog.Logger
}

// suggestedFixes derives a short list of human-readable remediation hints
// from a build error string by keyword matching.
func suggestedFixes(errText string) []string {
	lower := strings.ToLower(errText)
	var fixes []string
	if strings.Contains(lower, "permission denied") {
		fixes = append(fixes, "Check file permissions")
	}
	if strings.Contains(lower, "network") || strings.Contains(lower, "timeout") {
		fixes = append(fixes, "Check network connectivity")
	}
	if strings.Contains(lower, "no such file") || strings.Contains(lower, "not found") {
		fixes = append(fixes, "Check that the referenced file or path exists in the repository")
	}
	if strings.Contains(lower, "no space left") {
		fixes = append(fixes, "Free up disk space on the build host")
	}
	return fixes
}

// buildResult accumulates everything needed to emit BuildSucceeded and
// persist the aggregated log, across both build-mode branches.
type buildResult struct {
	mode     eventlog.Mode
	imageRef string
	ports    []int
	services []eventlog.ServiceInfo
	log      strings.Builder
}

func (b *Builder) appendLog(ctx context.Context, runID string, r *buildResult, line string) {
	r.log.WriteString(line)
	r.log.WriteByte('\n')
	if err := b.Store.AppendLogLine(ctx, run.LogLine{
		RunID: runID, Source: run.LogSourceBuild, Line: line, Timestamp: time.Now(),
	}); err != nil {
		b.Log.Warn("couldn't append build log line", slog.String("runId", runID), slog.Any("error", err))
	}
}

// HandleRunRequested is the eventlog.Handler for the builder's durable
// consumer on RunRequested.
func (b *Builder) HandleRunRequested(ctx context.Context, payload json.RawMessage) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "HandleRunRequested")
	defer span.End()

	var e eventlog.RunRequested
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("couldn't decode RunRequested: %v", err)
	}

	dir, err := vcsclone.Clone(ctx, b.CloneRoot, e.RunID, e.Repo, e.Branch)
	if err != nil {
		b.fail(ctx, e.RunID, err)
		return nil
	}
	defer func() {
		if err := vcsclone.Cleanup(dir); err != nil {
			b.Log.Warn("couldn't clean up clone dir", slog.String("runId", e.RunID), slog.Any("error", err))
		}
	}()

	var result *buildResult
	if e.Mode == eventlog.ModeMultiService {
		result, err = b.buildMultiService(ctx, e, dir)
	} else {
		result, err = b.buildSingleImage(ctx, e, dir)
	}
	if err != nil {
		b.fail(ctx, e.RunID, err)
		return nil
	}

	if err := b.Store.SaveBuildLog(ctx, run.BuildLog{
		RunID: e.RunID, Content: result.log.String(), CreatedAt: time.Now(),
	}); err != nil {
		b.Log.Warn("couldn't save build log", slog.String("runId", e.RunID), slog.Any("error", err))
	}

	if _, err := b.Publisher.Publish(ctx, eventlog.TypeBuildSucceeded, eventlog.BuildSucceeded{
		RunID:       e.RunID,
		Mode:        result.mode,
		ImageRef:    result.imageRef,
		Ports:       result.ports,
		Services:    result.services,
		CompletedAt: time.Now(),
		LogsRef:     e.RunID,
	}); err != nil {
		b.Log.Error("couldn't publish BuildSucceeded", slog.String("runId", e.RunID), slog.Any("error", err))
	}
	return nil
}

// fail maps err to a BuildFailed event with derived suggested fixes (spec
// §4.3 step 5). Always acknowledges: a build failure is deterministic for
// the same source and is never retried.
func (b *Builder) fail(ctx context.Context, runID string, err error) {
	b.Log.Warn("build failed", slog.String("runId", runID), slog.Any("error", err))
	if _, pubErr := b.Publisher.Publish(ctx, eventlog.TypeBuildFailed, eventlog.BuildFailed{
		RunID:          runID,
		Error:          err.Error(),
		FailedAt:       time.Now(),
		LogsRef:        runID,
		SuggestedFixes: suggestedFixes(err.Error()),
	}); pubErr != nil {
		b.Log.Error("couldn't publish BuildFailed", slog.String("runId", runID), slog.Any("error", pubErr))
	}
}

// buildSingleImage builds the run's single Dockerfile into one image.
func (b *Builder) buildSingleImage(ctx context.Context, e eventlog.RunRequested, dir string) (*buildResult, error) {
	dockerfile := dockerbuild.FindDockerfile(dir)
	if dockerfile == "" {
		return nil, fmt.Errorf("no Dockerfile found at any of the candidate locations")
	}
	content, err := os.ReadFile(dockerfile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read %s: %v", dockerfile, err)
	}

	result := &buildResult{mode: eventlog.ModeSingleImage}
	tag := e.RunID + ":latest"
	// the build CLI resolves -f relative to its own working directory, not
	// the build context; dockerfile is the clone directory joined with the
	// candidate path, so it resolves from the same directory as dir.
	if _, err := dockerbuild.Build(ctx, dockerbuild.Options{
		Binary:     b.BuilderBinary,
		Dockerfile: dockerfile,
		Context:    dir,
		Tag:        tag,
		CPUBudget:  dockerbuild.CPUBudget(),
		OnLine: func(line string) {
			b.appendLog(ctx, e.RunID, result, line)
		},
	}); err != nil {
		return nil, fmt.Errorf("image build failed: %v", err)
	}

	result.imageRef = tag
	result.ports = dockerbuild.ExposedPorts(content)
	return result, nil
}

// buildMultiService builds every buildable service in the run's compose
// manifest.
func (b *Builder) buildMultiService(ctx context.Context, e eventlog.RunRequested, dir string) (*buildResult, error) {
	composePath := e.ComposePath
	if composePath == "" {
		composePath = defaultComposePath
	}
	data, err := os.ReadFile(filepath.Join(dir, composePath))
	if err != nil {
		return nil, fmt.Errorf("couldn't read compose manifest %s: %v", composePath, err)
	}
	manifest, err := compose.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse compose manifest: %v", err)
	}

	result := &buildResult{mode: eventlog.ModeMultiService}

	buildTotal := 0
	for _, svc := range manifest.Services {
		if !svc.External {
			buildTotal++
		}
	}
	total := buildTotal * 2 // one progress tick per service per phase: build, then load

	type built struct {
		name string
		tag  string
	}
	var builtImages []built
	current := 0

	for _, svc := range manifest.Services {
		info := eventlog.ServiceInfo{ServiceName: svc.Name, Ports: svc.Ports}
		if svc.External {
			info.ImageRef = svc.Image
			info.External = true
			result.services = append(result.services, info)
			result.ports = append(result.ports, svc.Ports...)
			continue
		}

		tag := fmt.Sprintf("%s-%s:latest", e.RunID, svc.Name)
		buildContext := filepath.Join(dir, svc.BuildContext)
		dockerfile := ""
		if svc.BuildDockerfile != "" {
			// compose declares the dockerfile relative to the build context;
			// the build CLI resolves -f relative to its own working
			// directory, so anchor it.
			dockerfile = filepath.Join(buildContext, svc.BuildDockerfile)
		}
		if _, err := dockerbuild.Build(ctx, dockerbuild.Options{
			Binary:     b.BuilderBinary,
			Dockerfile: dockerfile,
			Context:    buildContext,
			Tag:        tag,
			CPUBudget:  dockerbuild.CPUBudget(),
			OnLine: func(line string) {
				b.appendLog(ctx, e.RunID, result, line)
			},
		}); err != nil {
			return nil, fmt.Errorf("service %s build failed: %v", svc.Name, err)
		}
		info.ImageRef = tag
		builtImages = append(builtImages, built{name: svc.Name, tag: tag})
		result.services = append(result.services, info)
		result.ports = append(result.ports, svc.Ports...)

		current++
		if _, err := b.Publisher.Publish(ctx, eventlog.TypeBuildProgress, eventlog.BuildProgress{
			RunID: e.RunID, Current: current, Total: total,
			ServiceName: svc.Name, Stage: "Building " + svc.Name, Ts: time.Now(),
		}); err != nil {
			b.Log.Warn("couldn't publish BuildProgress", slog.String("runId", e.RunID), slog.Any("error", err))
		}
	}

	loader := clusterimage.Loader{Binary: b.ClusterImageBinary, ClusterName: b.ClusterName}
	for _, img := range builtImages {
		if err := loader.Load(ctx, img.tag); err != nil {
			return nil, fmt.Errorf("couldn't load image %s into cluster: %v", img.tag, err)
		}
		current++
		if _, err := b.Publisher.Publish(ctx, eventlog.TypeBuildProgress, eventlog.BuildProgress{
			RunID: e.RunID, Current: current, Total: total,
			ServiceName: img.name, Stage: "Loading " + img.name + " into cluster", Ts: time.Now(),
		}); err != nil {
			b.Log.Warn("couldn't publish BuildProgress", slog.String("runId", e.RunID), slog.Any("error", err))
		}
	}

	return result, nil
}
