package github

import (
	"context"
	"fmt"
)

// FailedJobLogs downloads the log output of the failed steps of a workflow
// run. This is the raw material for diagnosis, so the full text comes back
// untruncated; the caller budgets it.
func (c *Client) FailedJobLogs(ctx context.Context, runID int64) (string, error) {
	args := []string{
		"run", "view", fmt.Sprintf("%d", runID),
		"--repo", c.repository,
		"--log-failed",
	}

	output, err := c.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs for run %d: %w", runID, err)
	}

	return string(output), nil
}
