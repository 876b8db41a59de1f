// Package github provides GitHub API operations using the gh CLI.
// All operations are pure API calls and run on the host.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"remediator/pkg/logx"
)

// Runner executes a gh CLI invocation and returns its combined output.
// Tests substitute a fake; production uses execRunner.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Client provides GitHub API operations via the gh CLI for one repository.
type Client struct {
	repository string
	logger     *logx.Logger
	run        Runner
	timeout    time.Duration
}

// NewClient creates a GitHub client for an owner/name repository.
func NewClient(repository string) *Client {
	c := &Client{
		repository: repository,
		logger:     logx.NewLogger("github"),
		timeout:    30 * time.Second,
	}
	c.run = c.execRunner
	return c
}

// NewClientWithRunner creates a client with a custom command runner.
func NewClientWithRunner(repository string, run Runner) *Client {
	c := NewClient(repository)
	c.run = run
	return c
}

// Repository returns the owner/name path this client targets.
func (c *Client) Repository() string {
	return c.repository
}

// execRunner executes a gh command and returns the output.
func (c *Client) execRunner(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("Executing: gh %s", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "gh", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		c.logger.Debug("Command failed: %v, output: %s", err, string(output))
		return nil, fmt.Errorf("gh command failed: %w\nOutput: %s", err, string(output))
	}

	return output, nil
}

// runJSON executes a gh command and unmarshals the JSON response.
func (c *Client) runJSON(ctx context.Context, result interface{}, args ...string) error {
	output, err := c.run(ctx, args...)
	if err != nil {
		return err
	}

	if len(output) == 0 {
		return nil // Empty response is valid for some operations
	}

	if err := json.Unmarshal(output, result); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w\nOutput: %s", err, string(output))
	}

	return nil
}

// ParseRepository extracts the owner/name path from SSH and HTTPS remote URLs.
func ParseRepository(url string) (string, error) {
	var path string
	switch {
	case strings.HasPrefix(url, "git@github.com:"):
		path = strings.TrimPrefix(url, "git@github.com:")
	case strings.HasPrefix(url, "https://github.com/"):
		path = strings.TrimPrefix(url, "https://github.com/")
	default:
		return "", fmt.Errorf("unsupported Git URL format: %s", url)
	}

	path = strings.TrimSuffix(path, ".git")
	if parts := strings.Split(path, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid GitHub URL format: %s", url)
	}
	return path, nil
}

// CheckAuth verifies that gh CLI is authenticated.
func CheckAuth(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "gh", "auth", "status")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gh auth check failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}
