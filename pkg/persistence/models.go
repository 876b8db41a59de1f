package persistence

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"remediator/pkg/event"
)

// Job states. Forward transitions only; failed and needs_review are
// terminal absorbing states reachable from any non-terminal state.
const (
	StatePending     = "pending"
	StateCloning     = "cloning"
	StateAnalysis    = "analysis"
	StatePatching    = "patching"
	StateTesting     = "testing"
	StatePR          = "pr"
	StateFeedback    = "feedback"
	StateCompleted   = "completed"
	StateFailed      = "failed"
	StateNeedsReview = "needs_review"
)

// legalTransitions is the closed transition table. A transition not listed
// here is rejected by the store with ErrInvalidTransition.
var legalTransitions = map[string][]string{
	StatePending:  {StateCloning, StateFailed, StateNeedsReview},
	StateCloning:  {StateAnalysis, StateFailed, StateNeedsReview},
	StateAnalysis: {StatePatching, StateFailed, StateNeedsReview},
	StatePatching: {StateTesting, StateFailed, StateNeedsReview},
	StateTesting:  {StatePR, StateFailed, StateNeedsReview},
	StatePR:       {StateFeedback, StateFailed, StateNeedsReview},
	StateFeedback: {StateCompleted, StateFailed, StateNeedsReview},
}

// IsTerminal reports whether a state triggers no further dispatch.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateNeedsReview:
		return true
	}
	return false
}

// IsLegalTransition reports whether from -> to appears in the transition table.
func IsLegalTransition(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextState returns the success successor of a pipeline state.
func NextState(state string) (string, bool) {
	switch state {
	case StatePending:
		return StateCloning, true
	case StateCloning:
		return StateAnalysis, true
	case StateAnalysis:
		return StatePatching, true
	case StatePatching:
		return StateTesting, true
	case StateTesting:
		return StatePR, true
	case StatePR:
		return StateFeedback, true
	case StateFeedback:
		return StateCompleted, true
	}
	return "", false
}

// ValidStates returns all states accepted by the store.
func ValidStates() []string {
	return []string{
		StatePending, StateCloning, StateAnalysis, StatePatching,
		StateTesting, StatePR, StateFeedback,
		StateCompleted, StateFailed, StateNeedsReview,
	}
}

// IsValidState checks whether a state string is a member of the closed enum.
func IsValidState(state string) bool {
	for _, s := range ValidStates() {
		if s == state {
			return true
		}
	}
	return false
}

// Job is the durable record of one remediation job. Version increases
// strictly on every persisted mutation; writers supply the version they
// read or the update fails with ErrVersionConflict.
//
//nolint:govet // struct alignment optimization not critical for this type
type Job struct {
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	LeaseExpiresAt   *time.Time     `json:"lease_expires_at,omitempty"`
	NextRunAt        *time.Time     `json:"next_run_at,omitempty"`
	Attempts         map[string]int `json:"attempts"` // per-stage attempt counters
	ID               string         `json:"id"`
	Repository       string         `json:"repository"`
	HeadSHA          string         `json:"head_sha"`
	Branch           string         `json:"branch"`
	Conclusion       string         `json:"conclusion"`
	LogsURL          string         `json:"logs_url"`
	State            string         `json:"state"`
	IdempotencyToken string         `json:"idempotency_token"`
	ClaimedBy        string         `json:"claimed_by,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	WorkflowRunID    int64          `json:"workflow_run_id"`
	Version          int64          `json:"version"`
	CancelRequested  bool           `json:"cancel_requested"`
}

// Key returns the job's natural key.
func (j *Job) Key() event.JobKey {
	return event.JobKey{Repository: j.Repository, WorkflowRunID: j.WorkflowRunID}
}

// Attempt returns the attempt counter for the given stage state.
func (j *Job) Attempt(state string) int {
	if j.Attempts == nil {
		return 0
	}
	return j.Attempts[state]
}

func (j *Job) attemptsJSON() (string, error) {
	if j.Attempts == nil {
		return "{}", nil
	}
	data, err := json.Marshal(j.Attempts)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attempts for job %s: %w", j.ID, err)
	}
	return string(data), nil
}

func parseAttempts(raw string) (map[string]int, error) {
	attempts := make(map[string]int)
	if raw == "" {
		return attempts, nil
	}
	if err := json.Unmarshal([]byte(raw), &attempts); err != nil {
		return nil, fmt.Errorf("failed to parse attempts blob: %w", err)
	}
	return attempts, nil
}

// PatchProposal is the model-generated fix for a job. Immutable once recorded;
// at most one per job.
type PatchProposal struct {
	CreatedAt       time.Time `json:"created_at"`
	JobID           string    `json:"job_id"`
	Diff            string    `json:"diff"`
	Rationale       string    `json:"rationale"`
	ModelResponseID string    `json:"model_response_id"`
}

// ValidationResult captures one validation run. Immutable once recorded.
type ValidationResult struct {
	CreatedAt  time.Time `json:"created_at"`
	JobID      string    `json:"job_id"`
	Output     string    `json:"output"` // bounded by config
	DurationMS int64     `json:"duration_ms"`
	Passed     bool      `json:"passed"`
}

// Duration returns the captured run duration.
func (v *ValidationResult) Duration() time.Duration {
	return time.Duration(v.DurationMS) * time.Millisecond
}

// PullRequestRecord is the idempotency guard against opening a second PR.
// Its presence means the publish side effect already happened.
type PullRequestRecord struct {
	CreatedAt  time.Time `json:"created_at"`
	JobID      string    `json:"job_id"`
	BranchName string    `json:"branch_name"`
	PRNumber   int       `json:"pr_number"`
	PRURL      string    `json:"pr_url"`
}

// FeedbackRecord is the idempotency guard against double-reporting an
// outcome to the model-serving layer, keyed by the proposal's response ID.
type FeedbackRecord struct {
	CreatedAt       time.Time `json:"created_at"`
	JobID           string    `json:"job_id"`
	ModelResponseID string    `json:"model_response_id"`
	Outcome         string    `json:"outcome"`
}

// AttemptLogEntry is one row of the append-only per-job audit log.
type AttemptLogEntry struct {
	CreatedAt time.Time `json:"created_at"`
	JobID     string    `json:"job_id"`
	Stage     string    `json:"stage"`
	Attempt   int       `json:"attempt"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// Feedback outcome tags reported to the model-serving layer.
const (
	OutcomeMerged      = "merged"
	OutcomePROpened    = "pr_opened"
	OutcomeTestsFailed = "tests_failed"
	OutcomeRejected    = "rejected"
)

// GenerateJobID generates a new UUID for a job.
func GenerateJobID() string {
	return uuid.New().String()
}

// IdempotencyToken derives the stable token for a job key. It is computed
// once at admission and never regenerated.
func IdempotencyToken(key event.JobKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return fmt.Sprintf("%x", sum[:8])
}
