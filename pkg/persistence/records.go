package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordProposal stores a patch proposal for a job. Proposals are immutable:
// if one already exists the stored record wins and is returned unchanged, so
// a replayed stage observes the original side effect.
func (s *Store) RecordProposal(p *PatchProposal) (*PatchProposal, error) {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO patch_proposals (job_id, diff, rationale, model_response_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.JobID, p.Diff, p.Rationale, p.ModelResponseID, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record proposal for job %s: %w", p.JobID, err)
	}
	return s.GetProposal(p.JobID)
}

// GetProposal returns the proposal for a job, or ErrNotFound.
func (s *Store) GetProposal(jobID string) (*PatchProposal, error) {
	p := &PatchProposal{}
	err := s.db.QueryRow(`
		SELECT job_id, diff, rationale, model_response_id, created_at
		FROM patch_proposals WHERE job_id = ?`, jobID,
	).Scan(&p.JobID, &p.Diff, &p.Rationale, &p.ModelResponseID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal for job %s: %w", jobID, err)
	}
	return p, nil
}

// ReplaceProposal overwrites the proposal for a job. Used only when a
// fresh model call supersedes a proposal whose diff failed to apply;
// each attempt's proposal is immutable once validation begins.
func (s *Store) ReplaceProposal(p *PatchProposal) (*PatchProposal, error) {
	_, err := s.db.Exec(`
		INSERT INTO patch_proposals (job_id, diff, rationale, model_response_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			diff = excluded.diff,
			rationale = excluded.rationale,
			model_response_id = excluded.model_response_id,
			created_at = excluded.created_at`,
		p.JobID, p.Diff, p.Rationale, p.ModelResponseID, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to replace proposal for job %s: %w", p.JobID, err)
	}
	return s.GetProposal(p.JobID)
}

// RecordValidation stores a validation result. Immutable once recorded.
func (s *Store) RecordValidation(v *ValidationResult) (*ValidationResult, error) {
	passed := 0
	if v.Passed {
		passed = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO validation_results (job_id, passed, output, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			passed = excluded.passed,
			output = excluded.output,
			duration_ms = excluded.duration_ms,
			created_at = excluded.created_at`,
		v.JobID, passed, v.Output, v.DurationMS, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record validation for job %s: %w", v.JobID, err)
	}
	return s.GetValidation(v.JobID)
}

// GetValidation returns the validation result for a job, or ErrNotFound.
func (s *Store) GetValidation(jobID string) (*ValidationResult, error) {
	v := &ValidationResult{}
	var passed int
	err := s.db.QueryRow(`
		SELECT job_id, passed, output, duration_ms, created_at
		FROM validation_results WHERE job_id = ?`, jobID,
	).Scan(&v.JobID, &passed, &v.Output, &v.DurationMS, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get validation for job %s: %w", jobID, err)
	}
	v.Passed = passed != 0
	return v, nil
}

// RecordPullRequest stores the PR record for a job if none exists yet and
// returns the stored record either way. The record's presence is what makes
// a retried publish short-circuit instead of opening a second PR.
func (s *Store) RecordPullRequest(r *PullRequestRecord) (*PullRequestRecord, error) {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO pull_requests (job_id, branch_name, pr_number, pr_url, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.JobID, r.BranchName, r.PRNumber, r.PRURL, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record pull request for job %s: %w", r.JobID, err)
	}
	return s.GetPullRequest(r.JobID)
}

// GetPullRequest returns the PR record for a job, or ErrNotFound.
func (s *Store) GetPullRequest(jobID string) (*PullRequestRecord, error) {
	r := &PullRequestRecord{}
	err := s.db.QueryRow(`
		SELECT job_id, branch_name, pr_number, pr_url, created_at
		FROM pull_requests WHERE job_id = ?`, jobID,
	).Scan(&r.JobID, &r.BranchName, &r.PRNumber, &r.PRURL, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request for job %s: %w", jobID, err)
	}
	return r, nil
}

// RecordFeedback stores a feedback record keyed by model response ID if none
// exists yet. At most one feedback event is ever recorded per proposal.
func (s *Store) RecordFeedback(r *FeedbackRecord) (*FeedbackRecord, error) {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO feedback_records (model_response_id, job_id, outcome, created_at)
		VALUES (?, ?, ?, ?)`,
		r.ModelResponseID, r.JobID, r.Outcome, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record feedback for job %s: %w", r.JobID, err)
	}
	return s.GetFeedback(r.ModelResponseID)
}

// GetFeedback returns the feedback record for a model response ID, or ErrNotFound.
func (s *Store) GetFeedback(modelResponseID string) (*FeedbackRecord, error) {
	r := &FeedbackRecord{}
	err := s.db.QueryRow(`
		SELECT model_response_id, job_id, outcome, created_at
		FROM feedback_records WHERE model_response_id = ?`, modelResponseID,
	).Scan(&r.ModelResponseID, &r.JobID, &r.Outcome, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback %s: %w", modelResponseID, err)
	}
	return r, nil
}

// FindJobByPullRequest resolves a PR number back to its job, or ErrNotFound.
// Used when a pull_request webhook reports one of our PRs merged.
func (s *Store) FindJobByPullRequest(repository string, prNumber int) (string, error) {
	var jobID string
	err := s.db.QueryRow(`
		SELECT p.job_id FROM pull_requests p
		JOIN jobs j ON j.id = p.job_id
		WHERE j.repository = ? AND p.pr_number = ?`, repository, prNumber,
	).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find job for %s#%d: %w", repository, prNumber, err)
	}
	return jobID, nil
}

// UpdateFeedbackOutcome upgrades a recorded outcome, e.g. pr_opened to
// merged once the PR lands. A missing record is ErrNotFound.
func (s *Store) UpdateFeedbackOutcome(modelResponseID, outcome string) error {
	result, err := s.db.Exec(`
		UPDATE feedback_records SET outcome = ? WHERE model_response_id = ?`,
		outcome, modelResponseID,
	)
	if err != nil {
		return fmt.Errorf("failed to update feedback %s: %w", modelResponseID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAttemptLog appends one row to the per-job audit log.
func (s *Store) AppendAttemptLog(jobID, stage string, attempt int, outcome, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO attempt_log (job_id, stage, attempt, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, stage, attempt, outcome, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append attempt log for job %s: %w", jobID, err)
	}
	return nil
}

// GetAttemptLog returns the audit log for a job, oldest first.
func (s *Store) GetAttemptLog(jobID string) ([]*AttemptLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT job_id, stage, attempt, outcome, detail, created_at
		FROM attempt_log WHERE job_id = ? ORDER BY id ASC`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt log for job %s: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*AttemptLogEntry
	for rows.Next() {
		e := &AttemptLogEntry{}
		if err := rows.Scan(&e.JobID, &e.Stage, &e.Attempt, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return entries, nil
}
