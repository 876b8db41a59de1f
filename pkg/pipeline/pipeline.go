// Package pipeline drives claimed jobs through the remediation stages:
// clone, analyze, patch, validate, publish, report. The job's state names
// the stage currently executing; the driver advances states through the
// store and consults the retry policy on every failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remediator/pkg/config"
	"remediator/pkg/diagnose"
	"remediator/pkg/event"
	"remediator/pkg/eventlog"
	"remediator/pkg/feedback"
	"remediator/pkg/github"
	"remediator/pkg/gitx"
	"remediator/pkg/logx"
	"remediator/pkg/metrics"
	"remediator/pkg/patch"
	"remediator/pkg/persistence"
	"remediator/pkg/retry"
	"remediator/pkg/validate"
	"remediator/pkg/workspace"
)

// GitClient is the git plumbing the stages need.
type GitClient interface {
	CloneAndCheckout(ctx context.Context, dir, repository, headSHA string) error
	CreateBranch(ctx context.Context, dir, name string) error
	ApplyDiff(ctx context.Context, dir, diff string) error
	CommitAll(ctx context.Context, dir, message string) error
	PushBranch(ctx context.Context, dir, branch string) error
}

// GitHubService is the publish surface the pr stage needs.
type GitHubService interface {
	GetOrCreatePR(ctx context.Context, repository string, opts github.PRCreateOptions) (*github.PullRequest, error)
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Store      *persistence.Store
	Workspaces *workspace.Manager
	Git        GitClient
	GitHub     GitHubService
	Diagnoser  *diagnose.Builder
	Engine     *patch.Engine
	Validator  *validate.Runner
	Reporter   *feedback.Reporter
	Policy     *retry.Policy
	Metrics    *metrics.Recorder
	Events     *eventlog.Writer
	Publish    *config.PublishConfig
}

// Pipeline executes remediation stages for claimed jobs.
type Pipeline struct {
	logger *logx.Logger
	deps   Deps
}

// New creates a Pipeline. Metrics and Events may be nil.
func New(deps Deps) *Pipeline {
	return &Pipeline{
		logger: logx.NewLogger("pipeline"),
		deps:   deps,
	}
}

// execution carries per-claim state across stages. Nothing here survives a
// crash; every stage knows how to rebuild what it needs from the store.
type execution struct {
	ws         *workspace.Workspace
	fc         *diagnose.FailureContext
	validation *persistence.ValidationResult
	checkedOut bool
	applied    bool
}

// Execute drives a claimed job forward until it parks: a terminal state, a
// scheduled retry, or a store conflict. The caller holds the claim for the
// whole call. The returned error reports driver-level problems only; stage
// failures are absorbed into the job record.
func (p *Pipeline) Execute(ctx context.Context, jobID string) error {
	job, err := p.deps.Store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if persistence.IsTerminal(job.State) {
		return nil
	}

	exec := &execution{}
	defer func() {
		if exec.ws != nil {
			p.deps.Workspaces.Release(exec.ws)
		}
	}()

	if job.State == persistence.StatePending {
		if job, err = p.advance(job, persistence.StateCloning, ""); err != nil {
			return err
		}
	}

	for !persistence.IsTerminal(job.State) {
		if job.CancelRequested {
			return p.terminal(ctx, job, persistence.StateFailed, "", "canceled by operator")
		}
		if err := ctx.Err(); err != nil {
			// Shutdown: leave the job claimed; the lease expiring hands it
			// to another worker.
			return err
		}

		stage := job.State
		start := time.Now()
		stageErr := p.runStage(ctx, job, exec)
		if p.deps.Metrics != nil {
			p.deps.Metrics.ObserveStage(stage, stageErr, time.Since(start))
		}

		if stageErr != nil {
			return p.handleFailure(ctx, job, stage, stageErr)
		}

		attempt := job.Attempts[stage] + 1
		if err := p.deps.Store.AppendAttemptLog(job.ID, stage, attempt, "ok", ""); err != nil {
			p.logger.Warn("Failed to append attempt log for job %s: %v", job.ID, err)
		}

		next, ok := persistence.NextState(stage)
		if !ok {
			return logx.Errorf("job %s: state %s has no successor", job.ID, stage)
		}
		if job, err = p.advance(job, next, ""); err != nil {
			return err
		}
	}

	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveTerminal(job.State)
	}
	p.logger.Info("Job %s reached %s", job.ID, job.State)
	return nil
}

// runStage executes the stage named by the job's current state.
func (p *Pipeline) runStage(ctx context.Context, job *persistence.Job, exec *execution) error {
	switch job.State {
	case persistence.StateCloning:
		return p.ensureCheckout(ctx, job, exec)
	case persistence.StateAnalysis:
		return p.stageAnalyze(ctx, job, exec)
	case persistence.StatePatching:
		return p.stagePatch(ctx, job, exec)
	case persistence.StateTesting:
		return p.stageTest(ctx, job, exec)
	case persistence.StatePR:
		return p.stagePublish(ctx, job, exec)
	case persistence.StateFeedback:
		return p.stageFeedback(ctx, job)
	}
	return logx.Errorf("job %s: no stage for state %s", job.ID, job.State)
}

// ensureCheckout guarantees a workspace with the repository checked out at
// the failing commit. A job reclaimed mid-pipeline lands here with a fresh
// workspace, so every workspace stage calls this first.
func (p *Pipeline) ensureCheckout(ctx context.Context, job *persistence.Job, exec *execution) error {
	if exec.checkedOut {
		return exec.ws.CheckBudget()
	}

	if exec.ws == nil {
		ws, err := p.deps.Workspaces.Acquire(job.ID)
		if err != nil {
			return retry.Transient(err)
		}
		exec.ws = ws
	}

	if err := p.deps.Git.CloneAndCheckout(ctx, exec.ws.Path, job.Repository, job.HeadSHA); err != nil {
		return retry.Transient(err)
	}
	exec.checkedOut = true
	return nil
}

func (p *Pipeline) stageAnalyze(ctx context.Context, job *persistence.Job, exec *execution) error {
	if err := p.ensureCheckout(ctx, job, exec); err != nil {
		return err
	}

	fc, err := p.deps.Diagnoser.Build(ctx, job, exec.ws.Path)
	if err != nil {
		return err
	}
	exec.fc = fc
	return nil
}

// stagePatch obtains a proposal and applies it to the working tree. A
// retried patching attempt asks the model again instead of replaying the
// diff that already failed.
func (p *Pipeline) stagePatch(ctx context.Context, job *persistence.Job, exec *execution) error {
	if err := p.ensureCheckout(ctx, job, exec); err != nil {
		return err
	}

	// Reclaimed at patching without an analysis in hand: rebuild it.
	if exec.fc == nil {
		fc, err := p.deps.Diagnoser.Build(ctx, job, exec.ws.Path)
		if err != nil {
			return err
		}
		exec.fc = fc
	}

	proposal, err := p.deps.Engine.Propose(ctx, job.ID, exec.fc)
	if err != nil {
		return err
	}

	// First attempt keeps whichever proposal won the race; a retry after a
	// failed apply replaces the rejected diff with the fresh one.
	if job.Attempts[persistence.StatePatching] > 0 {
		proposal, err = p.deps.Store.ReplaceProposal(proposal)
	} else {
		proposal, err = p.deps.Store.RecordProposal(proposal)
	}
	if err != nil {
		return err
	}

	return p.applyProposal(ctx, job, exec, proposal)
}

// applyProposal checks out the fix branch and applies the recorded diff.
func (p *Pipeline) applyProposal(ctx context.Context, job *persistence.Job, exec *execution, proposal *persistence.PatchProposal) error {
	if err := p.deps.Git.CreateBranch(ctx, exec.ws.Path, p.branchName(job)); err != nil {
		return retry.Transient(err)
	}
	if err := p.deps.Git.ApplyDiff(ctx, exec.ws.Path, proposal.Diff); err != nil {
		if errors.Is(err, gitx.ErrApplyConflict) {
			return retry.PatchRetryable(err)
		}
		return retry.Transient(err)
	}
	if err := p.deps.Git.CommitAll(ctx, exec.ws.Path, p.commitMessage(job)); err != nil {
		return retry.Transient(err)
	}
	exec.applied = true
	return nil
}

// ensureApplied re-applies the recorded proposal when the job was reclaimed
// after patching: the new workspace has a clean tree, the store has the diff.
func (p *Pipeline) ensureApplied(ctx context.Context, job *persistence.Job, exec *execution) error {
	if exec.applied {
		return nil
	}

	proposal, err := p.deps.Store.GetProposal(job.ID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return retry.PermanentInfra(fmt.Errorf("job %s in %s with no recorded proposal", job.ID, job.State))
		}
		return err
	}
	return p.applyProposal(ctx, job, exec, proposal)
}

// stageTest validates the patched tree. A failed validation is recorded
// either way; whether it parks the job or publishes a draft is policy.
func (p *Pipeline) stageTest(ctx context.Context, job *persistence.Job, exec *execution) error {
	if err := p.ensureCheckout(ctx, job, exec); err != nil {
		return err
	}
	if err := p.ensureApplied(ctx, job, exec); err != nil {
		return err
	}

	result, err := p.deps.Validator.Run(ctx, job.ID, exec.ws.Path)
	if err != nil {
		return retry.Transient(err)
	}
	if result, err = p.deps.Store.RecordValidation(result); err != nil {
		return err
	}
	exec.validation = result

	if !result.Passed && !p.deps.Publish.OpenOnFailure {
		p.reportOutcome(ctx, job, persistence.OutcomeTestsFailed, "")
		return retry.PermanentPatch(fmt.Errorf("validation failed after %s", result.Duration()))
	}
	return nil
}

// stagePublish pushes the fix branch and opens the pull request. The
// persisted PR record short-circuits a replay, and branch-keyed
// GetOrCreatePR absorbs the crash window between the remote call and the
// record.
func (p *Pipeline) stagePublish(ctx context.Context, job *persistence.Job, exec *execution) error {
	if _, err := p.deps.Store.GetPullRequest(job.ID); err == nil {
		return nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	if err := p.ensureCheckout(ctx, job, exec); err != nil {
		return err
	}
	if err := p.ensureApplied(ctx, job, exec); err != nil {
		return err
	}
	if exec.validation == nil {
		result, err := p.deps.Store.GetValidation(job.ID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return retry.PermanentInfra(fmt.Errorf("job %s in %s with no validation result", job.ID, job.State))
			}
			return err
		}
		exec.validation = result
	}

	branch := p.branchName(job)
	if err := p.deps.Git.PushBranch(ctx, exec.ws.Path, branch); err != nil {
		return retry.Transient(err)
	}

	pr, err := p.deps.GitHub.GetOrCreatePR(ctx, job.Repository, github.PRCreateOptions{
		Title: p.prTitle(job),
		Body:  p.prBody(job, exec.validation),
		Head:  branch,
		Base:  p.deps.Publish.BaseBranch,
		Draft: !exec.validation.Passed && p.deps.Publish.DraftOnFailure,
	})
	if err != nil {
		return retry.Transient(err)
	}

	if _, err := p.deps.Store.RecordPullRequest(&persistence.PullRequestRecord{
		CreatedAt:  time.Now().UTC(),
		JobID:      job.ID,
		BranchName: branch,
		PRNumber:   pr.Number,
		PRURL:      pr.URL,
	}); err != nil {
		return err
	}

	p.logger.Info("Job %s published PR #%d (%s)", job.ID, pr.Number, pr.URL)
	return nil
}

// stageFeedback reports the outcome to the model-serving layer.
func (p *Pipeline) stageFeedback(ctx context.Context, job *persistence.Job) error {
	validation, err := p.deps.Store.GetValidation(job.ID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	outcome := persistence.OutcomePROpened
	if validation != nil && !validation.Passed {
		outcome = persistence.OutcomeTestsFailed
	}

	var prURL string
	if record, err := p.deps.Store.GetPullRequest(job.ID); err == nil {
		prURL = record.PRURL
	}

	return p.sendOutcome(ctx, job, outcome, prURL)
}

// reportOutcome is the best-effort variant used on paths that are about to
// park the job; a delivery failure is logged, not retried.
func (p *Pipeline) reportOutcome(ctx context.Context, job *persistence.Job, outcome, prURL string) {
	if err := p.sendOutcome(ctx, job, outcome, prURL); err != nil {
		p.logger.Warn("Failed to report %s for job %s: %v", outcome, job.ID, err)
	}
}

func (p *Pipeline) sendOutcome(ctx context.Context, job *persistence.Job, outcome, prURL string) error {
	if p.deps.Reporter == nil || !p.deps.Reporter.Enabled() {
		return nil
	}

	proposal, err := p.deps.Store.GetProposal(job.ID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil // nothing to key the report on
		}
		return err
	}

	err = p.deps.Reporter.Send(ctx, job.ID, feedback.Report{
		ModelResponseID: proposal.ModelResponseID,
		Repository:      job.Repository,
		Outcome:         outcome,
		PRURL:           prURL,
		Detail:          job.LastError,
	})
	if err == nil && p.deps.Metrics != nil {
		p.deps.Metrics.ObserveFeedback(outcome)
	}
	return err
}

// handleFailure persists the policy's verdict on a failed stage attempt.
func (p *Pipeline) handleFailure(ctx context.Context, job *persistence.Job, stage string, stageErr error) error {
	class := retry.Classify(stageErr)
	attempt := job.Attempts[stage] + 1

	if err := p.deps.Store.AppendAttemptLog(job.ID, stage, attempt, "error", stageErr.Error()); err != nil {
		p.logger.Warn("Failed to append attempt log for job %s: %v", job.ID, err)
	}

	switch p.deps.Policy.Decide(stageErr, attempt) {
	case retry.DecisionRetry:
		delay := p.deps.Policy.Backoff(attempt)
		p.logger.Info("Job %s stage %s attempt %d failed (%s), retrying in %s: %v",
			job.ID, stage, attempt, class, delay, stageErr)
		if p.deps.Metrics != nil {
			p.deps.Metrics.ObserveRetry(stage, class.String())
		}
		p.record(job, "retry", stage, "", stageErr.Error())
		return p.deps.Store.ScheduleRetry(job, stage, time.Now().UTC().Add(delay), stageErr.Error())
	case retry.DecisionFailed:
		return p.terminal(ctx, job, persistence.StateFailed, stage, stageErr.Error())
	default:
		return p.terminal(ctx, job, persistence.StateNeedsReview, stage, stageErr.Error())
	}
}

// terminal moves the job to a terminal state and reports a best-effort
// rejection outcome when a proposal exists but never produced a PR. A
// non-empty stage charges the attempt that failed; the retry path counts
// its own attempts, but the final failure has no retry to count it.
func (p *Pipeline) terminal(ctx context.Context, job *persistence.Job, state, stage, lastError string) error {
	if state == persistence.StateNeedsReview || state == persistence.StateFailed {
		if _, err := p.deps.Store.GetPullRequest(job.ID); errors.Is(err, persistence.ErrNotFound) {
			outcome := persistence.OutcomeRejected
			if v, verr := p.deps.Store.GetValidation(job.ID); verr == nil && !v.Passed {
				outcome = persistence.OutcomeTestsFailed
			}
			p.reportOutcome(ctx, job, outcome, "")
		}
	}

	if stage != "" {
		if err := p.deps.Store.TransitionTerminal(job, stage, state, lastError); err != nil {
			return fmt.Errorf("job %s transition %s -> %s: %w", job.ID, job.State, state, err)
		}
		p.record(job, "transition", job.State, state, lastError)
	} else if _, err := p.advance(job, state, lastError); err != nil {
		return err
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveTerminal(state)
	}
	p.logger.Info("Job %s parked in %s: %s", job.ID, state, lastError)
	return nil
}

// advance performs one state transition and returns the refreshed job.
func (p *Pipeline) advance(job *persistence.Job, to, lastError string) (*persistence.Job, error) {
	if err := p.deps.Store.Transition(job.ID, job.Version, job.State, to, lastError); err != nil {
		return nil, fmt.Errorf("job %s transition %s -> %s: %w", job.ID, job.State, to, err)
	}
	p.record(job, "transition", job.State, to, lastError)
	return p.deps.Store.GetJob(job.ID)
}

// record writes one event log entry, best effort.
func (p *Pipeline) record(job *persistence.Job, eventType, from, to, detail string) {
	if p.deps.Events == nil {
		return
	}
	err := p.deps.Events.Write(&eventlog.Event{
		JobID:      job.ID,
		Repository: job.Repository,
		Type:       eventType,
		From:       from,
		To:         to,
		Detail:     detail,
	})
	if err != nil {
		p.logger.Warn("Failed to write event log for job %s: %v", job.ID, err)
	}
}

func (p *Pipeline) branchName(job *persistence.Job) string {
	key := event.JobKey{Repository: job.Repository, WorkflowRunID: job.WorkflowRunID}
	return fmt.Sprintf("%s/%s", p.deps.Publish.BranchPrefix, key.BranchSlug())
}

func (p *Pipeline) commitMessage(job *persistence.Job) string {
	return fmt.Sprintf("Fix failing workflow run %d", job.WorkflowRunID)
}

func (p *Pipeline) prTitle(job *persistence.Job) string {
	return fmt.Sprintf("Fix CI failure on %s (run %d)", job.Branch, job.WorkflowRunID)
}

func (p *Pipeline) prBody(job *persistence.Job, validation *persistence.ValidationResult) string {
	proposal, err := p.deps.Store.GetProposal(job.ID)
	rationale := ""
	if err == nil {
		rationale = proposal.Rationale
	}

	status := "passed"
	if !validation.Passed {
		status = "FAILED"
	}

	return fmt.Sprintf(
		"Automated fix for failing workflow run [%d](%s) at `%s`.\n\n%s\n\nLocal validation: **%s** in %s.\n",
		job.WorkflowRunID, job.LogsURL, job.HeadSHA, rationale, status, validation.Duration(),
	)
}
