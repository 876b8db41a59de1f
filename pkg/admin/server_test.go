package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remediator/pkg/event"
	"remediator/pkg/persistence"
)

func testStore(t *testing.T) *persistence.Store {
	t.Helper()
	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return persistence.NewStore(db)
}

func admitJob(t *testing.T, store *persistence.Store, runID int64) *persistence.Job {
	t.Helper()
	job, created, err := store.Admit(&event.FailureEvent{
		Repository:    "acme/widget",
		WorkflowRunID: runID,
		HeadSHA:       "abc123",
		Branch:        "main",
		Conclusion:    "failure",
		LogsURL:       "https://api.github.com/logs",
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func failJob(t *testing.T, store *persistence.Store, job *persistence.Job) {
	t.Helper()
	require.NoError(t, store.Transition(job.ID, job.Version, persistence.StatePending, persistence.StateFailed, "clone failed"))
}

func do(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestListJobs(t *testing.T) {
	store := testStore(t)
	admitJob(t, store, 1)
	admitJob(t, store, 2)
	handler := NewServer(store).Handler()

	rec := do(t, handler, http.MethodGet, "/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs  []*persistence.Job `json:"jobs"`
		Count int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Jobs, 2)
}

func TestListJobsBadLimit(t *testing.T) {
	handler := NewServer(testStore(t)).Handler()
	rec := do(t, handler, http.MethodGet, "/jobs?limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobDetailIncludesRecords(t *testing.T) {
	store := testStore(t)
	job := admitJob(t, store, 1)

	_, err := store.RecordProposal(&persistence.PatchProposal{
		JobID:           job.ID,
		Diff:            "diff --git a/x b/x\n",
		Rationale:       "fix the widget",
		ModelResponseID: "resp-1",
	})
	require.NoError(t, err)
	_, err = store.RecordValidation(&persistence.ValidationResult{
		JobID:  job.ID,
		Passed: true,
		Output: "$ make test\nok",
	})
	require.NoError(t, err)
	_, err = store.RecordPullRequest(&persistence.PullRequestRecord{
		JobID:      job.ID,
		BranchName: "remediation/acme-widget-run-1",
		PRNumber:   7,
		PRURL:      "https://github.com/acme/widget/pull/7",
	})
	require.NoError(t, err)
	_, err = store.RecordFeedback(&persistence.FeedbackRecord{
		CreatedAt:       time.Now().UTC(),
		JobID:           job.ID,
		ModelResponseID: "resp-1",
		Outcome:         persistence.OutcomePROpened,
	})
	require.NoError(t, err)
	require.NoError(t, store.AppendAttemptLog(job.ID, persistence.StateCloning, 1, "ok", ""))

	handler := NewServer(store).Handler()
	rec := do(t, handler, http.MethodGet, "/jobs/"+job.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail jobDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.NotNil(t, detail.Job)
	assert.Equal(t, job.ID, detail.Job.ID)
	require.NotNil(t, detail.Proposal)
	assert.Equal(t, "resp-1", detail.Proposal.ModelResponseID)
	require.NotNil(t, detail.Validation)
	assert.True(t, detail.Validation.Passed)
	require.NotNil(t, detail.PR)
	assert.Equal(t, 7, detail.PR.PRNumber)
	require.NotNil(t, detail.Feedback)
	assert.Equal(t, persistence.OutcomePROpened, detail.Feedback.Outcome)
	assert.Len(t, detail.AttemptLog, 1)
}

func TestJobDetailNotFound(t *testing.T) {
	handler := NewServer(testStore(t)).Handler()
	rec := do(t, handler, http.MethodGet, "/jobs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryResetsFailedJob(t *testing.T) {
	store := testStore(t)
	job := admitJob(t, store, 1)
	failJob(t, store, job)

	handler := NewServer(store).Handler()
	rec := do(t, handler, http.MethodPost, "/jobs/"+job.ID+"/retry")
	require.Equal(t, http.StatusOK, rec.Code)

	reloaded, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatePending, reloaded.State)
	assert.Empty(t, reloaded.LastError)
}

func TestRetryRejectsNonTerminalJob(t *testing.T) {
	store := testStore(t)
	job := admitJob(t, store, 1)

	handler := NewServer(store).Handler()
	rec := do(t, handler, http.MethodPost, "/jobs/"+job.ID+"/retry")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelSetsFlag(t *testing.T) {
	store := testStore(t)
	job := admitJob(t, store, 1)

	handler := NewServer(store).Handler()
	rec := do(t, handler, http.MethodPost, "/jobs/"+job.ID+"/cancel")
	require.Equal(t, http.StatusAccepted, rec.Code)

	reloaded, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.CancelRequested)
}

func TestCancelUnknownJob(t *testing.T) {
	handler := NewServer(testStore(t)).Handler()
	rec := do(t, handler, http.MethodPost, "/jobs/nope/cancel")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobActionMethodChecks(t *testing.T) {
	store := testStore(t)
	job := admitJob(t, store, 1)
	handler := NewServer(store).Handler()

	rec := do(t, handler, http.MethodGet, "/jobs/"+job.ID+"/retry")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, handler, http.MethodPost, "/jobs/"+job.ID)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLogsEndpoint(t *testing.T) {
	handler := NewServer(testStore(t)).Handler()
	rec := do(t, handler, http.MethodGet, "/logs?component=admin")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "entries")
}

func TestMetricsEndpoint(t *testing.T) {
	handler := NewServer(testStore(t)).Handler()
	rec := do(t, handler, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}
