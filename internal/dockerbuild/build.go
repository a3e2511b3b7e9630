// Package dockerbuild shells out to an image-build CLI (docker build or a
// configured equivalent) and fans its stdout/stderr into both an aggregated
// log buffer and real-time line callbacks, using the same scan-and-forward
// shape this codebase uses for tailing pod logs, applied here to
// sub-process pipes instead.
package dockerbuild

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eladsalama/reporunner/internal/config"
)

// LineFunc is called once per line of build output, in the order read from
// whichever stream (stdout/stderr) produced it; ordering between the two
// streams is not guaranteed, only within each.
type LineFunc func(line string)

// Options configures one Build invocation.
type Options struct {
	Binary     string // defaults to "docker"
	Dockerfile string
	Context    string
	Tag        string
	CPUBudget  int
	OnLine     LineFunc
}

// CPUBudget derives the CPU allocation to offer the image builder from the
// number of available cores: roughly 60% of cores (minimum 2, maximum
// total-2), with a more aggressive total-4 (minimum 6) allocation on
// machines with >= 12 cores.
func CPUBudget() int {
	return cpuBudget(runtime.NumCPU())
}

func cpuBudget(total int) int {
	if total >= 12 {
		budget := total - 4
		if budget < 6 {
			budget = 6
		}
		return budget
	}
	budget := total * 60 / 100
	if budget < 2 {
		budget = 2
	}
	max := total - 2
	if max < budget && total > 2 {
		budget = max
	}
	return budget
}

// Result is the outcome of a single Build call.
type Result struct {
	Log      string // aggregated stdout+stderr, line-ordered per stream
	ExitCode int
}

// Build invokes the configured image-build CLI, streaming its output
// line-by-line to opts.OnLine while also aggregating it into Result.Log.
// Both reader goroutines are joined via errgroup before the process exit
// code is trusted.
func Build(ctx context.Context, opts Options) (Result, error) {
	binary := opts.Binary
	if binary == "" {
		binary = config.DefaultBuilderBinary
	}
	args := []string{"build", "-t", opts.Tag}
	if opts.Dockerfile != "" {
		args = append(args, "-f", opts.Dockerfile)
	}
	args = append(args, opts.Context)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = append(cmd.Environ(),
		"REPORUNNER_BUILD_CPUS="+strconv.Itoa(opts.CPUBudget),
		// raise BuildKit's per-step log caps so long build output isn't
		// truncated before it reaches the log stream.
		"BUILDKIT_STEP_LOG_MAX_SIZE=10485760",
		"BUILDKIT_STEP_LOG_MAX_SPEED=10485760")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("couldn't open stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("couldn't open stderr pipe: %v", err)
	}

	var mu sync.Mutex
	var agg strings.Builder

	collect := func(r io.Reader) {
		s := bufio.NewScanner(r)
		for s.Scan() {
			line := s.Text()
			mu.Lock()
			agg.WriteString(line)
			agg.WriteByte('\n')
			mu.Unlock()
			if opts.OnLine != nil {
				opts.OnLine(line)
			}
		}
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("couldn't start build: %v", err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		collect(stdout)
		return nil
	})
	eg.Go(func() error {
		collect(stderr)
		return nil
	})
	_ = eg.Wait()

	waitErr := cmd.Wait()
	result := Result{Log: agg.String()}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, fmt.Errorf("build failed: %v", waitErr)
	}
	return result, nil
}
