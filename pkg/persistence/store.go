package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"remediator/pkg/event"
	"remediator/pkg/logx"
)

// Store errors. VersionConflict is a concurrency-control signal, not a job
// failure: the caller re-reads and decides whether to retry or abandon.
var (
	ErrNotFound          = errors.New("job not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotClaimed        = errors.New("job not claimed by this worker")
)

// Store is the single source of truth for jobs and their side-effect records.
// All mutation goes through compare-and-swap updates on the job version.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewStore creates a Store over an initialized database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: logx.NewLogger("store"),
	}
}

const jobColumns = `id, repository, workflow_run_id, head_sha, branch, conclusion, logs_url,
	state, version, idempotency_token, attempts, claimed_by, lease_expires_at,
	next_run_at, cancel_requested, last_error, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	job := &Job{}
	var (
		attemptsRaw  string
		claimedBy    sql.NullString
		leaseExpires sql.NullTime
		nextRunAt    sql.NullTime
		cancelInt    int
	)

	err := row.Scan(
		&job.ID, &job.Repository, &job.WorkflowRunID, &job.HeadSHA, &job.Branch,
		&job.Conclusion, &job.LogsURL, &job.State, &job.Version,
		&job.IdempotencyToken, &attemptsRaw, &claimedBy, &leaseExpires,
		&nextRunAt, &cancelInt, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Attempts, err = parseAttempts(attemptsRaw)
	if err != nil {
		return nil, err
	}
	if claimedBy.Valid {
		job.ClaimedBy = claimedBy.String
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		job.LeaseExpiresAt = &t
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		job.NextRunAt = &t
	}
	job.CancelRequested = cancelInt != 0

	return job, nil
}

// Admit inserts a new pending job for the event's key, or returns the
// existing job when one already exists in any state. The unique constraint
// on (repository, workflow_run_id) is the sole source of idempotency at the
// ingestion boundary: concurrent duplicate deliveries never create two jobs.
func (s *Store) Admit(ev *event.FailureEvent) (job *Job, created bool, err error) {
	if err := ev.Validate(); err != nil {
		return nil, false, fmt.Errorf("inadmissible event: %w", err)
	}

	key := ev.Key()
	now := time.Now().UTC()
	id := GenerateJobID()

	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO jobs (
			id, repository, workflow_run_id, head_sha, branch, conclusion,
			logs_url, state, version, idempotency_token, attempts,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, '{}', ?, ?)`,
		id, ev.Repository, ev.WorkflowRunID, ev.HeadSHA, ev.Branch,
		ev.Conclusion, ev.LogsURL, StatePending, IdempotencyToken(key), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to admit job for %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	job, err = s.GetJobByKey(key)
	if err != nil {
		return nil, false, err
	}
	return job, rows > 0, nil
}

// GetJob returns the job with the given ID.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// GetJobByKey returns the job with the given natural key.
func (s *Store) GetJobByKey(key event.JobKey) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT `+jobColumns+` FROM jobs WHERE repository = ? AND workflow_run_id = ?`,
		key.Repository, key.WorkflowRunID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job for %s: %w", key, err)
	}
	return job, nil
}

// Transition moves a job from one state to another under optimistic
// concurrency. Only transitions in the legal-transition table succeed;
// a stale version fails with ErrVersionConflict, never a silent overwrite.
// Terminal transitions clear the claim so no further dispatch occurs.
func (s *Store) Transition(jobID string, expectedVersion int64, from, to, lastError string) error {
	if !IsValidState(from) || !IsValidState(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !IsLegalTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET state = ?, version = version + 1, last_error = ?, updated_at = ?`
	if IsTerminal(to) {
		query += `, claimed_by = NULL, lease_expires_at = NULL, next_run_at = NULL`
	}
	query += ` WHERE id = ? AND version = ? AND state = ?`

	result, err := s.db.Exec(query, to, lastError, now, jobID, expectedVersion, from)
	if err != nil {
		return fmt.Errorf("failed to transition job %s: %w", jobID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.classifyUpdateMiss(jobID, expectedVersion, from)
	}

	s.logger.Debug("Job %s: %s -> %s (version %d)", jobID, from, to, expectedVersion+1)
	return nil
}

// classifyUpdateMiss distinguishes a stale version from an illegal state
// after a CAS update matched no rows.
func (s *Store) classifyUpdateMiss(jobID string, expectedVersion int64, from string) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.State != from {
		return fmt.Errorf("%w: job %s is in state %s, not %s", ErrInvalidTransition, jobID, job.State, from)
	}
	if job.Version != expectedVersion {
		return fmt.Errorf("%w: job %s at version %d, expected %d", ErrVersionConflict, jobID, job.Version, expectedVersion)
	}
	return fmt.Errorf("%w: job %s", ErrVersionConflict, jobID)
}

// Claim marks a job as claimed by a worker with a lease. An expired lease
// may be reclaimed by another worker; an active lease causes a conflict.
func (s *Store) Claim(jobID string, expectedVersion int64, workerID string, leaseUntil time.Time) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE jobs SET claimed_by = ?, lease_expires_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
		  AND (claimed_by IS NULL OR lease_expires_at <= ?)`,
		workerID, leaseUntil.UTC(), now, jobID, expectedVersion, now,
	)
	if err != nil {
		return fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetJob(jobID); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s", ErrVersionConflict, jobID)
	}
	return nil
}

// RenewLease extends the lease held by workerID. Fails if the claim was
// lost to another worker.
func (s *Store) RenewLease(jobID, workerID string, leaseUntil time.Time) error {
	result, err := s.db.Exec(`
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ?`,
		leaseUntil.UTC(), time.Now().UTC(), jobID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to renew lease on job %s: %w", jobID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: job %s, worker %s", ErrNotClaimed, jobID, workerID)
	}
	return nil
}

// ReleaseClaim clears the lease held by workerID without changing state.
func (s *Store) ReleaseClaim(jobID, workerID string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND claimed_by = ?`,
		time.Now().UTC(), jobID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to release claim on job %s: %w", jobID, err)
	}
	return nil
}

// ScheduleRetry records a same-stage retry: the attempt counter for the
// stage increments, the claim is released, and the job becomes runnable
// again at nextRunAt. CAS-guarded like every other mutation.
func (s *Store) ScheduleRetry(job *Job, stage string, nextRunAt time.Time, lastError string) error {
	attempts := make(map[string]int, len(job.Attempts)+1)
	for k, v := range job.Attempts {
		attempts[k] = v
	}
	attempts[stage]++

	updated := &Job{ID: job.ID, Attempts: attempts}
	attemptsRaw, err := updated.attemptsJSON()
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE jobs SET attempts = ?, next_run_at = ?, last_error = ?,
			claimed_by = NULL, lease_expires_at = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		attemptsRaw, nextRunAt.UTC(), lastError, time.Now().UTC(), job.ID, job.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: job %s", ErrVersionConflict, job.ID)
	}
	return nil
}

// TransitionTerminal parks a job in a terminal state while recording the
// attempt the failing stage consumed. ScheduleRetry counts attempts on the
// retry path; this counts the final one, which no retry follows.
func (s *Store) TransitionTerminal(job *Job, stage, to, lastError string) error {
	if !IsTerminal(to) {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}
	if !IsLegalTransition(job.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, to)
	}

	attempts := make(map[string]int, len(job.Attempts)+1)
	for k, v := range job.Attempts {
		attempts[k] = v
	}
	attempts[stage]++

	updated := &Job{ID: job.ID, Attempts: attempts}
	attemptsRaw, err := updated.attemptsJSON()
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE jobs SET state = ?, attempts = ?, last_error = ?,
			claimed_by = NULL, lease_expires_at = NULL, next_run_at = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND state = ?`,
		to, attemptsRaw, lastError, time.Now().UTC(), job.ID, job.Version, job.State,
	)
	if err != nil {
		return fmt.Errorf("failed to park job %s: %w", job.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.classifyUpdateMiss(job.ID, job.Version, job.State)
	}

	s.logger.Debug("Job %s: %s -> %s (version %d)", job.ID, job.State, to, job.Version+1)
	return nil
}

// ListRunnable returns jobs eligible for dispatch: non-terminal, unclaimed
// or lease-expired, and past any retry backoff. Oldest first so age bounds
// starvation. Cancel-requested jobs are always eligible so cancellation is
// acted on promptly.
func (s *Store) ListRunnable(now time.Time, limit int) ([]*Job, error) {
	terminal := []string{StateCompleted, StateFailed, StateNeedsReview}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terminal)), ",")

	query := fmt.Sprintf(`
		SELECT `+jobColumns+` FROM jobs
		WHERE state NOT IN (%s)
		  AND (claimed_by IS NULL OR lease_expires_at <= ?)
		  AND (next_run_at IS NULL OR next_run_at <= ? OR cancel_requested = 1)
		ORDER BY created_at ASC
		LIMIT ?`, placeholders)

	args := make([]any, 0, len(terminal)+3)
	for _, state := range terminal {
		args = append(args, state)
	}
	args = append(args, now.UTC(), now.UTC(), limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return jobs, nil
}

// ListRecentJobs returns jobs ordered by most recent update, for the admin
// surface.
func (s *Store) ListRecentJobs(limit int) ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RequestCancel flags a job for cooperative cancellation. Workers observe
// the flag at stage boundaries; it never interrupts an external call.
func (s *Store) RequestCancel(jobID string) error {
	result, err := s.db.Exec(
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to request cancel for job %s: %w", jobID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetForRetry re-enqueues a terminal failed/needs_review job as pending.
// This is the only path back from a terminal state, driven by the admin API.
func (s *Store) ResetForRetry(jobID string) error {
	result, err := s.db.Exec(`
		UPDATE jobs SET state = ?, attempts = '{}', last_error = '',
			cancel_requested = 0, next_run_at = NULL,
			claimed_by = NULL, lease_expires_at = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		StatePending, time.Now().UTC(), jobID, StateFailed, StateNeedsReview,
	)
	if err != nil {
		return fmt.Errorf("failed to reset job %s: %w", jobID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		job, err := s.GetJob(jobID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s in state %s is not retryable", ErrInvalidTransition, jobID, job.State)
	}
	return nil
}
