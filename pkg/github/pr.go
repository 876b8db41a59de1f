package github

import (
	"context"
	"fmt"
	"strings"
)

// PullRequest represents a GitHub pull request.
// Field names match gh CLI --json output (GraphQL field names).
type PullRequest struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	State       string `json:"state"`       // OPEN, CLOSED, MERGED
	HeadRefName string `json:"headRefName"` // Branch name
	BaseRefName string `json:"baseRefName"` // Target branch name
	IsDraft     bool   `json:"isDraft"`
	Closed      bool   `json:"closed"`
	MergedAt    string `json:"mergedAt"` // Non-empty if merged
}

// IsMerged returns true if the PR has been merged.
func (pr *PullRequest) IsMerged() bool {
	return pr.MergedAt != ""
}

const prFields = "number,url,title,state,headRefName,baseRefName,isDraft,closed,mergedAt"

// PRCreateOptions contains options for creating a pull request.
type PRCreateOptions struct {
	Title string
	Body  string
	Head  string // Source branch
	Base  string // Target branch
	Draft bool
}

// ListPRsForBranch lists pull requests for a specific head branch.
func (c *Client) ListPRsForBranch(ctx context.Context, branch string) ([]PullRequest, error) {
	args := []string{
		"pr", "list",
		"--repo", c.repository,
		"--head", branch,
		"--state", "all",
		"--json", prFields,
	}

	var prs []PullRequest
	if err := c.runJSON(ctx, &prs, args...); err != nil {
		return nil, fmt.Errorf("failed to list PRs for branch %s: %w", branch, err)
	}

	return prs, nil
}

// GetPR retrieves a pull request by number, URL, or branch name.
func (c *Client) GetPR(ctx context.Context, ref string) (*PullRequest, error) {
	args := []string{
		"pr", "view", ref,
		"--repo", c.repository,
		"--json", prFields,
	}

	var pr PullRequest
	if err := c.runJSON(ctx, &pr, args...); err != nil {
		return nil, fmt.Errorf("failed to get PR %s: %w", ref, err)
	}

	return &pr, nil
}

// CreatePR creates a new pull request.
func (c *Client) CreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error) {
	if opts.Head == "" {
		return nil, fmt.Errorf("head branch is required")
	}
	if opts.Title == "" {
		return nil, fmt.Errorf("title is required")
	}

	base := opts.Base
	if base == "" {
		base = "main"
	}

	args := []string{
		"pr", "create",
		"--repo", c.repository,
		"--title", opts.Title,
		"--head", opts.Head,
		"--base", base,
	}

	if opts.Body != "" {
		args = append(args, "--body", opts.Body)
	}

	if opts.Draft {
		args = append(args, "--draft")
	}

	output, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PR: %w", err)
	}

	// gh pr create returns the PR URL
	prURL := strings.TrimSpace(string(output))
	if prURL == "" {
		return nil, fmt.Errorf("PR created but no URL returned")
	}

	return c.GetPR(ctx, prURL)
}

// GetOrCreatePR returns an existing PR for the head branch or creates a new
// one. A replayed publish stage lands here twice and must come back with the
// same pull request both times.
func (c *Client) GetOrCreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error) {
	prs, err := c.ListPRsForBranch(ctx, opts.Head)
	if err != nil {
		c.logger.Debug("Failed to check for existing PR, will try to create: %v", err)
	} else if len(prs) > 0 {
		c.logger.Debug("Found existing PR #%d for branch %s", prs[0].Number, opts.Head)
		return &prs[0], nil
	}

	return c.CreatePR(ctx, opts)
}
