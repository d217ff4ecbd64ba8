// Package vcs wraps the git working copy of the tracked project. Integration
// is advisory: a deployment without a repository must not break checkpoints.
package vcs

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"steward/internal/logging"
	"steward/internal/sterrors"
)

// Git operates on one working tree.
type Git struct {
	dir    string
	logger logging.Logger
}

// New returns a Git bound to dir.
func New(dir string, logger logging.Logger) *Git {
	return &Git{dir: dir, logger: logging.OrNop(logger)}
}

// Dir returns the working tree root.
func (g *Git) Dir() string {
	return g.dir
}

// Available reports whether dir is inside a git working tree.
func (g *Git) Available() bool {
	info, err := os.Stat(filepath.Join(g.dir, ".git"))
	return err == nil && info.IsDir()
}

// UncommittedFiles lists paths with uncommitted changes (porcelain status).
func (g *Git) UncommittedFiles(ctx context.Context) ([]string, error) {
	if !g.Available() {
		return nil, nil
	}
	out, stderr, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, sterrors.ExternalTool("git status failed", stderr, err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Porcelain lines are "XY path"; keep the path.
		if idx := strings.IndexByte(line, ' '); idx >= 0 {
			files = append(files, strings.TrimSpace(line[idx+1:]))
		}
	}
	return files, nil
}

// Commit stages everything and commits with message, returning the new HEAD
// hash. Callers decide whether a failure aborts their operation.
func (g *Git) Commit(ctx context.Context, message string) (string, error) {
	if !g.Available() {
		return "", sterrors.ExternalTool("no git working tree at "+g.dir, "", nil)
	}
	if _, stderr, err := g.run(ctx, "add", "-A"); err != nil {
		return "", sterrors.ExternalTool("git add failed", stderr, err)
	}
	if _, stderr, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", sterrors.ExternalTool("git commit failed", stderr, err)
	}
	hash, stderr, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", sterrors.ExternalTool("git rev-parse failed", stderr, err)
	}
	hash = strings.TrimSpace(hash)
	g.logger.Info("created commit %s", hash)
	return hash, nil
}

func (g *Git) run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), strings.TrimSpace(errBuf.String()), err
}
