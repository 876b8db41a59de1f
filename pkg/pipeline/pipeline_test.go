package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remediator/pkg/config"
	"remediator/pkg/diagnose"
	"remediator/pkg/event"
	"remediator/pkg/feedback"
	"remediator/pkg/github"
	"remediator/pkg/gitx"
	"remediator/pkg/patch"
	"remediator/pkg/persistence"
	"remediator/pkg/retry"
	"remediator/pkg/validate"
	"remediator/pkg/workspace"
)

const sampleDiff = `--- a/util/calc.py
+++ b/util/calc.py
@@ -1,2 +1,2 @@
 def add(a, b):
-    return a - b
+    return a + b
`

func diffReply(responseID string) *patch.Response {
	return &patch.Response{
		ResponseID: responseID,
		Model:      "test-model",
		Text:       "Typo fix.\n\n```diff\n" + sampleDiff + "```\n",
	}
}

// fakeGit counts git operations and injects scripted failures.
type fakeGit struct {
	mu        sync.Mutex
	cloneErrs []error // consumed one per call, nil entries succeed
	applyErrs []error
	clones    int
	applies   int
	commits   int
	pushes    int
	branches  []string
}

func (g *fakeGit) next(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (g *fakeGit) CloneAndCheckout(_ context.Context, _, _, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clones++
	return g.next(&g.cloneErrs)
}

func (g *fakeGit) CreateBranch(_ context.Context, _, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.branches = append(g.branches, name)
	return nil
}

func (g *fakeGit) ApplyDiff(_ context.Context, _, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applies++
	return g.next(&g.applyErrs)
}

func (g *fakeGit) CommitAll(_ context.Context, _, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits++
	return nil
}

func (g *fakeGit) PushBranch(_ context.Context, _, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes++
	return nil
}

// fakeGitHub hands back one stable PR per head branch.
type fakeGitHub struct {
	mu      sync.Mutex
	creates int
	known   map[string]*github.PullRequest
}

func (f *fakeGitHub) GetOrCreatePR(_ context.Context, _ string, opts github.PRCreateOptions) (*github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known == nil {
		f.known = make(map[string]*github.PullRequest)
	}
	if pr, ok := f.known[opts.Head]; ok {
		return pr, nil
	}
	f.creates++
	pr := &github.PullRequest{
		Number:      f.creates,
		URL:         "https://github.com/acme/widget/pull/7",
		State:       "OPEN",
		HeadRefName: opts.Head,
		IsDraft:     opts.Draft,
	}
	f.known[opts.Head] = pr
	return pr, nil
}

// scriptProvider replays a fixed sequence of model responses.
type scriptProvider struct {
	mu        sync.Mutex
	responses []*patch.Response
	calls     int
}

func (s *scriptProvider) Name() string { return "script" }

func (s *scriptProvider) Complete(context.Context, patch.Request) (*patch.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

type stubFetcher struct{}

func (stubFetcher) FailedJobLogs(context.Context, string, int64) (string, error) {
	return "FAILED util/calc.py:2 expected 3 got -1\n", nil
}

type harness struct {
	store         *persistence.Store
	git           *fakeGit
	gh            *fakeGitHub
	provider      *scriptProvider
	pipeline      *Pipeline
	feedbackCalls *atomic.Int64
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()

	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := persistence.NewStore(db)

	var feedbackCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		feedbackCalls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	git := &fakeGit{}
	gh := &fakeGitHub{}
	provider := &scriptProvider{responses: []*patch.Response{diffReply("resp-1")}}

	diagnoser, err := diagnose.NewBuilder(stubFetcher{}, 8000)
	require.NoError(t, err)

	deps := Deps{
		Store: store,
		Workspaces: workspace.NewManager(&config.WorkspaceConfig{
			RootDir: t.TempDir(),
			QuotaMB: 100,
			TTLSec:  300,
		}),
		Git:       git,
		GitHub:    gh,
		Diagnoser: diagnoser,
		Engine: patch.NewEngine(provider, &config.ModelConfig{
			Provider:       config.ProviderAnthropic,
			Name:           "test-model",
			MaxReplyTokens: 2048,
		}),
		Validator: validate.NewRunner(&config.ValidationConfig{
			Commands:       []string{"true"},
			TimeoutSec:     10,
			MaxOutputBytes: 64 * 1024,
		}),
		Reporter: feedback.NewReporter(&config.FeedbackConfig{URL: server.URL, TimeoutSec: 5}, store),
		Policy: retry.NewPolicy(&config.RetryConfig{
			MaxAttempts:       3,
			BackoffBaseSec:    1,
			BackoffMultiplier: 2.0,
			BackoffMaxSec:     60,
		}),
		Publish: &config.PublishConfig{
			BaseBranch:   "main",
			BranchPrefix: "remediator",
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &harness{
		store:         store,
		git:           git,
		gh:            gh,
		provider:      provider,
		pipeline:      New(deps),
		feedbackCalls: &feedbackCalls,
	}
}

func (h *harness) admit(t *testing.T) *persistence.Job {
	t.Helper()
	job, created, err := h.store.Admit(&event.FailureEvent{
		Repository:    "acme/widget",
		WorkflowRunID: 42,
		HeadSHA:       "abc123",
		Branch:        "main",
		Conclusion:    "failure",
		LogsURL:       "https://github.com/acme/widget/actions/runs/42",
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func (h *harness) job(t *testing.T, id string) *persistence.Job {
	t.Helper()
	job, err := h.store.GetJob(id)
	require.NoError(t, err)
	return job
}

func TestExecuteHappyPath(t *testing.T) {
	h := newHarness(t)
	job := h.admit(t)

	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))

	final := h.job(t, job.ID)
	assert.Equal(t, persistence.StateCompleted, final.State)

	record, err := h.store.GetPullRequest(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "remediator/acme-widget-run-42", record.BranchName)
	assert.Equal(t, 1, h.gh.creates)
	assert.Equal(t, 1, h.git.pushes)
	assert.Equal(t, int64(1), h.feedbackCalls.Load())

	validation, err := h.store.GetValidation(job.ID)
	require.NoError(t, err)
	assert.True(t, validation.Passed)

	// Every stage appears once in the audit log.
	entries, err := h.store.GetAttemptLog(job.ID)
	require.NoError(t, err)
	stages := make(map[string]int)
	for _, e := range entries {
		require.Equal(t, "ok", e.Outcome)
		stages[e.Stage]++
	}
	for _, stage := range []string{
		persistence.StateCloning, persistence.StateAnalysis, persistence.StatePatching,
		persistence.StateTesting, persistence.StatePR, persistence.StateFeedback,
	} {
		assert.Equal(t, 1, stages[stage], stage)
	}
}

func TestExecuteTransientFailuresExhaustToFailed(t *testing.T) {
	h := newHarness(t)
	h.git.cloneErrs = []error{
		retry.Transient(assert.AnError),
		retry.Transient(assert.AnError),
		retry.Transient(assert.AnError),
	}
	job := h.admit(t)

	// Attempts 1 and 2 schedule retries.
	for i := 1; i <= 2; i++ {
		require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))
		current := h.job(t, job.ID)
		assert.Equal(t, persistence.StateCloning, current.State)
		assert.Equal(t, i, current.Attempts[persistence.StateCloning])
		assert.NotNil(t, current.NextRunAt)
	}

	// Attempt 3 exhausts the budget. The final attempt is charged even
	// though no retry follows it.
	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))
	final := h.job(t, job.ID)
	assert.Equal(t, persistence.StateFailed, final.State)
	assert.Equal(t, 3, final.Attempts[persistence.StateCloning])
	assert.NotEmpty(t, final.LastError)

	_, err := h.store.GetPullRequest(job.ID)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.Equal(t, int64(0), h.feedbackCalls.Load())
}

func TestExecuteValidationFailureParksForReview(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Validator = validate.NewRunner(&config.ValidationConfig{
			Commands:       []string{"echo still broken; false"},
			TimeoutSec:     10,
			MaxOutputBytes: 64 * 1024,
		})
	})
	job := h.admit(t)

	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))

	final := h.job(t, job.ID)
	assert.Equal(t, persistence.StateNeedsReview, final.State)
	assert.Equal(t, 1, final.Attempts[persistence.StateTesting])
	assert.Contains(t, final.LastError, "validation failed")

	validation, err := h.store.GetValidation(job.ID)
	require.NoError(t, err)
	assert.False(t, validation.Passed)
	assert.Contains(t, validation.Output, "still broken")

	// No PR, but the tests_failed outcome was reported.
	_, err = h.store.GetPullRequest(job.ID)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.Equal(t, int64(1), h.feedbackCalls.Load())
}

func TestExecuteValidationFailureOpensDraftWhenConfigured(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Validator = validate.NewRunner(&config.ValidationConfig{
			Commands:       []string{"false"},
			TimeoutSec:     10,
			MaxOutputBytes: 64 * 1024,
		})
		d.Publish = &config.PublishConfig{
			BaseBranch:     "main",
			BranchPrefix:   "remediator",
			OpenOnFailure:  true,
			DraftOnFailure: true,
		}
	})
	job := h.admit(t)

	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))

	final := h.job(t, job.ID)
	assert.Equal(t, persistence.StateCompleted, final.State)

	pr := h.gh.known["remediator/acme-widget-run-42"]
	require.NotNil(t, pr)
	assert.True(t, pr.IsDraft)
}

func TestExecuteApplyConflictRetriesWithFreshProposal(t *testing.T) {
	h := newHarness(t)
	h.git.applyErrs = []error{gitx.ErrApplyConflict}
	h.provider.responses = []*patch.Response{diffReply("resp-1"), diffReply("resp-2")}
	job := h.admit(t)

	// First pass: conflict schedules a patching retry.
	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))
	mid := h.job(t, job.ID)
	assert.Equal(t, persistence.StatePatching, mid.State)
	assert.Equal(t, 1, mid.Attempts[persistence.StatePatching])

	// Second pass asks the model again and completes.
	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))
	final := h.job(t, job.ID)
	assert.Equal(t, persistence.StateCompleted, final.State)
	assert.Equal(t, 2, h.provider.calls)

	proposal, err := h.store.GetProposal(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "resp-2", proposal.ModelResponseID)
}

func TestExecutePublishReplayOpensOnePR(t *testing.T) {
	h := newHarness(t)
	job := h.admit(t)

	// Walk the job to the pr state the way a previous worker would have,
	// leaving the proposal and validation behind but crashing before the
	// local PR record was written.
	walk := func(to string) {
		current := h.job(t, job.ID)
		require.NoError(t, h.store.Transition(job.ID, current.Version, current.State, to, ""))
	}
	for _, state := range []string{
		persistence.StateCloning, persistence.StateAnalysis, persistence.StatePatching,
		persistence.StateTesting, persistence.StatePR,
	} {
		walk(state)
	}
	_, err := h.store.RecordProposal(&persistence.PatchProposal{
		JobID: job.ID, Diff: sampleDiff, ModelResponseID: "resp-1",
	})
	require.NoError(t, err)
	_, err = h.store.RecordValidation(&persistence.ValidationResult{
		JobID: job.ID, Passed: true, Output: "ok",
	})
	require.NoError(t, err)

	// The remote PR already exists from the crashed attempt.
	_, err = h.gh.GetOrCreatePR(context.Background(), "acme/widget", github.PRCreateOptions{
		Head: "remediator/acme-widget-run-42",
	})
	require.NoError(t, err)

	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))

	final := h.job(t, job.ID)
	assert.Equal(t, persistence.StateCompleted, final.State)
	assert.Equal(t, 1, h.gh.creates, "replayed publish must not open a second PR")

	record, recErr := h.store.GetPullRequest(job.ID)
	require.NoError(t, recErr)
	assert.Equal(t, 1, record.PRNumber)
}

func TestExecuteReclaimedMidPipelineReappliesDiff(t *testing.T) {
	h := newHarness(t)
	job := h.admit(t)

	// A previous worker got through patching, recorded the proposal, and
	// died; its workspace is gone.
	for _, state := range []string{
		persistence.StateCloning, persistence.StateAnalysis, persistence.StatePatching,
		persistence.StateTesting,
	} {
		current := h.job(t, job.ID)
		require.NoError(t, h.store.Transition(job.ID, current.Version, current.State, state, ""))
	}
	_, err := h.store.RecordProposal(&persistence.PatchProposal{
		JobID: job.ID, Diff: sampleDiff, ModelResponseID: "resp-1",
	})
	require.NoError(t, err)

	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))

	final := h.job(t, job.ID)
	assert.Equal(t, persistence.StateCompleted, final.State)
	assert.Equal(t, 1, h.git.clones, "fresh workspace needs a fresh clone")
	assert.Equal(t, 1, h.git.applies, "recorded diff must be re-applied")
	assert.Zero(t, h.provider.calls, "no new model call for a recorded proposal")
}

func TestExecuteModelRefusalParksForReview(t *testing.T) {
	h := newHarness(t)
	h.provider.responses = []*patch.Response{{
		ResponseID: "resp-1",
		Text:       "The runner is missing a secret; no repository change can fix this.",
	}}
	job := h.admit(t)

	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))

	final := h.job(t, job.ID)
	assert.Equal(t, persistence.StateNeedsReview, final.State)
	assert.Contains(t, final.LastError, "no unified diff")
}

func TestExecuteCancelRequested(t *testing.T) {
	h := newHarness(t)
	job := h.admit(t)
	require.NoError(t, h.store.RequestCancel(job.ID))

	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))

	final := h.job(t, job.ID)
	assert.Equal(t, persistence.StateFailed, final.State)
	assert.Contains(t, final.LastError, "canceled")
	assert.Zero(t, h.gh.creates)
}

func TestExecuteTerminalJobIsNoop(t *testing.T) {
	h := newHarness(t)
	job := h.admit(t)
	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))
	require.Equal(t, persistence.StateCompleted, h.job(t, job.ID).State)

	clones := h.git.clones
	require.NoError(t, h.pipeline.Execute(context.Background(), job.ID))
	assert.Equal(t, clones, h.git.clones)
}
