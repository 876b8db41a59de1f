// Package gitx provides the git plumbing the pipeline needs: cloning a
// repository at a specific commit, applying a model-generated diff with
// conflict detection, and pushing the fix branch.
package gitx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"remediator/pkg/execx"
	"remediator/pkg/logx"
)

// ErrApplyConflict signals a diff hunk that failed to apply cleanly.
// Classified as a patch-quality failure, not infrastructure.
var ErrApplyConflict = errors.New("diff did not apply cleanly")

const defaultTimeout = 2 * time.Minute

// Client runs git commands against job workspaces.
type Client struct {
	logger  *logx.Logger
	token   string
	timeout time.Duration
}

// NewClient creates a git client. token is used for authenticated clone and
// push over HTTPS; it may be empty for public repositories.
func NewClient(token string) *Client {
	return &Client{
		logger:  logx.NewLogger("gitx"),
		token:   token,
		timeout: defaultTimeout,
	}
}

// cloneURL builds the HTTPS remote URL for an owner/name repository.
func (c *Client) cloneURL(repository string) string {
	if c.token == "" {
		return fmt.Sprintf("https://github.com/%s.git", repository)
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", c.token, repository)
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (execx.Result, error) {
	c.logger.Debug("git %s", strings.Join(args, " "))
	result, err := execx.Run(ctx, append([]string{"git"}, args...), execx.Opts{
		WorkDir: dir,
		Timeout: c.timeout,
	})
	if err != nil {
		return result, fmt.Errorf("git %s: %w", args[0], err)
	}
	if result.TimedOut {
		return result, fmt.Errorf("git %s timed out after %s", args[0], c.timeout)
	}
	if result.ExitCode != 0 {
		return result, fmt.Errorf("git %s failed (exit %d): %s", args[0], result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result, nil
}

// CloneAndCheckout clones the repository into dir and checks out the given
// commit. The clone is full depth so any head SHA is reachable.
func (c *Client) CloneAndCheckout(ctx context.Context, dir, repository, headSHA string) error {
	if _, err := c.run(ctx, "", "clone", c.cloneURL(repository), dir); err != nil {
		return err
	}
	if _, err := c.run(ctx, dir, "checkout", headSHA); err != nil {
		return err
	}
	return nil
}

// CreateBranch creates and switches to a branch, replacing any stale local
// branch of the same name so retried attempts start clean.
func (c *Client) CreateBranch(ctx context.Context, dir, name string) error {
	_, err := c.run(ctx, dir, "checkout", "-B", name)
	return err
}

// ApplyDiff applies a unified diff to the working tree. A hunk that fails
// to apply returns ErrApplyConflict; the working tree is left untouched
// because the diff is checked before it is applied.
func (c *Client) ApplyDiff(ctx context.Context, dir, diff string) error {
	patchPath := filepath.Join(dir, ".remediator.patch")
	if err := os.WriteFile(patchPath, []byte(diff), 0o644); err != nil {
		return fmt.Errorf("failed to write patch file: %w", err)
	}
	defer func() { _ = os.Remove(patchPath) }()

	if result, err := c.run(ctx, dir, "apply", "--check", patchPath); err != nil {
		return fmt.Errorf("%w: %s", ErrApplyConflict, strings.TrimSpace(result.Stderr))
	}
	if _, err := c.run(ctx, dir, "apply", patchPath); err != nil {
		return fmt.Errorf("%w: %s", ErrApplyConflict, err.Error())
	}
	return nil
}

// CommitAll stages everything and commits with the given message.
func (c *Client) CommitAll(ctx context.Context, dir, message string) error {
	if _, err := c.run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	_, err := c.run(ctx, dir,
		"-c", "user.name=remediator",
		"-c", "user.email=remediator@localhost",
		"commit", "-m", message,
	)
	return err
}

// PushBranch force-pushes the branch to origin. Force keeps the push
// idempotent: a retried publish targets the same deterministic branch
// rather than accumulating duplicates.
func (c *Client) PushBranch(ctx context.Context, dir, branch string) error {
	_, err := c.run(ctx, dir, "push", "--force", "origin", branch)
	return err
}

// HeadSHA returns the current commit hash of the working tree.
func (c *Client) HeadSHA(ctx context.Context, dir string) (string, error) {
	result, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}
