// Package vcsclone shallow-clones a source repository into a unique working
// directory via the git CLI: exec.CommandContext with CombinedOutput,
// never a library client.
package vcsclone

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
)

// alternateBranch returns the branch name to retry with when branch fails
// to clone.
func alternateBranch(branch string) string {
	switch branch {
	case "main":
		return "master"
	case "master":
		return "main"
	default:
		return "main"
	}
}

// Clone shallow-clones repo at branch into a fresh directory under root,
// named by runID, and returns the directory path. On failure it retries
// once with the alternate default branch name before giving up.
func Clone(ctx context.Context, root, runID, repo, branch string) (string, error) {
	dir := filepath.Join(root, runID+"-"+uuid.NewString()[:8])
	if err := cloneInto(ctx, dir, repo, branch); err != nil {
		alt := alternateBranch(branch)
		_ = os.RemoveAll(dir)
		if altErr := cloneInto(ctx, dir, repo, alt); altErr != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("couldn't clone %s (branch %s or %s): %v", repo, branch, alt, altErr)
		}
	}
	return dir, nil
}

func cloneInto(ctx context.Context, dir, repo, branch string) error {
	cmd := exec.CommandContext(ctx, "git",
		"clone", "--depth", "1", "--branch", branch, repo, dir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %v: %s", err, out)
	}
	return nil
}

// Cleanup removes dir, forcibly clearing read-only attributes first (some
// build tools leave files read-only inside the clone). Failure to clean is
// logged by the caller and otherwise ignored.
func Cleanup(dir string) error {
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		_ = os.Chmod(path, 0o700)
		return nil
	})
	return os.RemoveAll(dir)
}
