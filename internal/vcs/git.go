// Package vcs reads git metadata for the run manifest.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"ragpack/internal/artifact"
)

// gitRunner executes git commands for repository metadata.
type gitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// execGitRunner invokes git via the system binary.
type execGitRunner struct{}

// Run executes a git command and returns trimmed stdout.
func (execGitRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "no stderr"
		}
		return "", fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Client coordinates git operations and allows dependency injection.
type Client struct {
	runner gitRunner
}

// NewClient constructs a git client with an optional runner override.
func NewClient(runner gitRunner) Client {
	if runner == nil {
		runner = execGitRunner{}
	}
	return Client{runner: runner}
}

var defaultClient = NewClient(nil)

// Describe returns the repository identity of dir using the system git.
func Describe(ctx context.Context, dir string) (*artifact.RepoInfo, error) {
	return defaultClient.Describe(ctx, dir)
}

// DiscoverRepoRoot resolves the git root for a starting directory.
func (c Client) DiscoverRepoRoot(ctx context.Context, startDir string) (string, error) {
	dir := strings.TrimSpace(startDir)
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		dir = wd
	}
	root, err := c.runner.Run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("discover git root: %w", err)
	}
	return root, nil
}

// Describe reads commit, branch and dirty state for the repository that
// contains dir. An empty dir means the working directory.
func (c Client) Describe(ctx context.Context, dir string) (*artifact.RepoInfo, error) {
	root, err := c.DiscoverRepoRoot(ctx, dir)
	if err != nil {
		return nil, err
	}
	commit, err := c.runner.Run(ctx, root, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	branch, err := c.runner.Run(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve branch: %w", err)
	}
	status, err := c.runner.Run(ctx, root, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("check dirty state: %w", err)
	}
	short := commit
	if len(short) > 12 {
		short = short[:12]
	}
	return &artifact.RepoInfo{
		CommitSHA:   commit,
		CommitShort: short,
		Branch:      branch,
		Dirty:       strings.TrimSpace(status) != "",
	}, nil
}
