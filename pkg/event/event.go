// Package event defines the inbound failure event model and the GitHub
// webhook payload shapes it is extracted from.
package event

import (
	"fmt"
	"strings"
)

// FailureEvent is the normalized ingestion record for a failed CI run.
// It carries everything the pipeline needs to identify and diagnose the run.
type FailureEvent struct {
	Repository    string `json:"repository"` // owner/name
	WorkflowRunID int64  `json:"workflow_run_id"`
	HeadSHA       string `json:"head_sha"`
	Branch        string `json:"branch"`
	Conclusion    string `json:"conclusion"`
	LogsURL       string `json:"logs_url"`
}

// Key returns the natural key identifying the job for this event.
func (e *FailureEvent) Key() JobKey {
	return JobKey{Repository: e.Repository, WorkflowRunID: e.WorkflowRunID}
}

// JobKey is the natural identity of a remediation job. At most one job
// exists per key for the lifetime of the store.
type JobKey struct {
	Repository    string `json:"repository"`
	WorkflowRunID int64  `json:"workflow_run_id"`
}

// String renders the key in repo@run form for logs and branch names.
func (k JobKey) String() string {
	return fmt.Sprintf("%s@%d", k.Repository, k.WorkflowRunID)
}

// BranchSlug returns a branch-name-safe rendering of the key.
// Deterministic per key so retried publishes target the same branch.
func (k JobKey) BranchSlug() string {
	repo := strings.ReplaceAll(k.Repository, "/", "-")
	return fmt.Sprintf("%s-run-%d", repo, k.WorkflowRunID)
}

// Actor is the GitHub user attached to a webhook payload.
type Actor struct {
	Login string `json:"login"`
}

// WorkflowRun is the workflow_run object of a workflow_run webhook payload.
type WorkflowRun struct {
	ID         int64  `json:"id"`
	HeadSHA    string `json:"head_sha"`
	HeadBranch string `json:"head_branch"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	LogsURL    string `json:"logs_url"`
	Actor      *Actor `json:"actor,omitempty"`
}

// Repository is the repository object shared by all webhook payloads.
type Repository struct {
	FullName string `json:"full_name"`
}

// WorkflowRunPayload is the body of an X-GitHub-Event: workflow_run delivery.
type WorkflowRunPayload struct {
	Action      string       `json:"action"`
	WorkflowRun *WorkflowRun `json:"workflow_run"`
	Repository  *Repository  `json:"repository"`
	Sender      *Actor       `json:"sender,omitempty"`
}

// CheckSuite is the check_suite object of a check_suite delivery.
type CheckSuite struct {
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HeadBranch string `json:"head_branch"`
	HeadSHA    string `json:"head_sha"`
}

// CheckSuitePayload is the body of an X-GitHub-Event: check_suite delivery.
type CheckSuitePayload struct {
	Action     string      `json:"action"`
	CheckSuite *CheckSuite `json:"check_suite"`
	Repository *Repository `json:"repository"`
	Sender     *Actor      `json:"sender,omitempty"`
}

// PullRequestPayload is the body of an X-GitHub-Event: pull_request delivery.
type PullRequestPayload struct {
	Action      string      `json:"action"`
	Number      int         `json:"number"`
	PullRequest *PRInfo     `json:"pull_request"`
	Repository  *Repository `json:"repository"`
	Sender      *Actor      `json:"sender,omitempty"`
}

// PRInfo is the subset of the pull_request object the remediator cares about.
type PRInfo struct {
	Number int    `json:"number"`
	Merged bool   `json:"merged"`
	User   *Actor `json:"user,omitempty"`
}

// IsBot reports whether a login belongs to a GitHub App bot account.
// Events triggered by bots are dropped to avoid remediating our own PRs.
func IsBot(login string) bool {
	return login != "" && strings.HasSuffix(login, "[bot]")
}

// FromWorkflowRun converts a workflow_run payload into a FailureEvent,
// returning false when the payload does not describe an admissible failure
// (wrong action, missing fields, non-failure conclusion, or bot actor).
func FromWorkflowRun(p *WorkflowRunPayload) (*FailureEvent, bool) {
	if p == nil || p.WorkflowRun == nil || p.Repository == nil {
		return nil, false
	}
	if p.Action != "completed" || p.WorkflowRun.Conclusion != "failure" {
		return nil, false
	}

	login := ""
	if p.WorkflowRun.Actor != nil {
		login = p.WorkflowRun.Actor.Login
	} else if p.Sender != nil {
		login = p.Sender.Login
	}
	if IsBot(login) {
		return nil, false
	}

	return &FailureEvent{
		Repository:    p.Repository.FullName,
		WorkflowRunID: p.WorkflowRun.ID,
		HeadSHA:       p.WorkflowRun.HeadSHA,
		Branch:        p.WorkflowRun.HeadBranch,
		Conclusion:    p.WorkflowRun.Conclusion,
		LogsURL:       p.WorkflowRun.LogsURL,
	}, true
}

// Validate checks that an event carries the fields the pipeline depends on.
func (e *FailureEvent) Validate() error {
	if e.Repository == "" {
		return fmt.Errorf("event missing repository")
	}
	if e.WorkflowRunID == 0 {
		return fmt.Errorf("event missing workflow run id")
	}
	if e.HeadSHA == "" {
		return fmt.Errorf("event missing head sha")
	}
	return nil
}
