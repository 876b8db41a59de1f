// Package webhook is the ingestion surface: it verifies GitHub webhook
// deliveries, converts failed workflow_run events into jobs, and watches
// pull_request events for our PRs getting merged.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"remediator/pkg/event"
	"remediator/pkg/feedback"
	"remediator/pkg/logx"
	"remediator/pkg/metrics"
	"remediator/pkg/persistence"
)

const maxBodyBytes = 5 * 1024 * 1024

// Server handles webhook deliveries.
type Server struct {
	logger   *logx.Logger
	store    *persistence.Store
	reporter *feedback.Reporter
	metrics  *metrics.Recorder
	secret   []byte
}

// NewServer creates a webhook server. An empty secret disables signature
// verification; production deployments always set one. Reporter and
// metrics may be nil.
func NewServer(secret string, store *persistence.Store, reporter *feedback.Reporter, m *metrics.Recorder) *Server {
	return &Server{
		logger:   logx.NewLogger("webhook"),
		store:    store,
		reporter: reporter,
		metrics:  m,
		secret:   []byte(secret),
	}
}

// Handler returns the ingestion mux: POST /webhook and GET /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.observe("unknown", "rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	switch eventType {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
	case "workflow_run":
		s.handleWorkflowRun(w, body)
	case "check_suite":
		s.handleCheckSuite(w, body)
	case "pull_request":
		s.handlePullRequest(r.Context(), w, body)
	default:
		s.observe(eventType, "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

// verifySignature checks the sha256= HMAC GitHub attaches to deliveries.
func (s *Server) verifySignature(body []byte, header string) bool {
	if len(s.secret) == 0 {
		return true
	}
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, "sha256=")))
}

// handleWorkflowRun admits failed runs as jobs. Duplicate deliveries for
// the same run find the existing job and change nothing.
func (s *Server) handleWorkflowRun(w http.ResponseWriter, body []byte) {
	var payload event.WorkflowRunPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.observe("workflow_run", "rejected")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	ev, ok := event.FromWorkflowRun(&payload)
	if !ok {
		s.observe("workflow_run", "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err := ev.Validate(); err != nil {
		s.observe("workflow_run", "rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, created, err := s.store.Admit(ev)
	if err != nil {
		s.logger.Error("Failed to admit event %s: %v", ev.Key(), err)
		http.Error(w, "admission failed", http.StatusInternalServerError)
		return
	}

	if s.metrics != nil {
		s.metrics.ObserveAdmission(created)
	}
	s.observe("workflow_run", "accepted")
	if created {
		s.logger.Info("Admitted job %s for %s", job.ID, ev.Key())
	} else {
		s.logger.Debug("Duplicate delivery for %s, job %s exists", ev.Key(), job.ID)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  job.ID,
		"created": created,
	})
}

// handleCheckSuite acknowledges check_suite deliveries. Admission is
// driven by workflow_run alone; a failed suite always arrives with its
// failed run, so acting on both would double-admit.
func (s *Server) handleCheckSuite(w http.ResponseWriter, body []byte) {
	var payload event.CheckSuitePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.observe("check_suite", "rejected")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if payload.CheckSuite != nil && payload.Repository != nil {
		s.logger.Debug("check_suite %s/%s for %s on %s",
			payload.Action, payload.CheckSuite.Conclusion,
			payload.Repository.FullName, payload.CheckSuite.HeadBranch)
	}
	s.observe("check_suite", "ignored")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}

// handlePullRequest upgrades the reported outcome to merged when one of
// our PRs lands.
func (s *Server) handlePullRequest(ctx context.Context, w http.ResponseWriter, body []byte) {
	var payload event.PullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.observe("pull_request", "rejected")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if payload.Action != "closed" || payload.PullRequest == nil || !payload.PullRequest.Merged ||
		payload.Repository == nil {
		s.observe("pull_request", "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	jobID, err := s.store.FindJobByPullRequest(payload.Repository.FullName, payload.PullRequest.Number)
	if errors.Is(err, persistence.ErrNotFound) {
		s.observe("pull_request", "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	if err := s.reportMerged(ctx, jobID, payload.Repository.FullName); err != nil {
		s.logger.Warn("Failed to report merge for job %s: %v", jobID, err)
	}

	s.observe("pull_request", "accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "outcome": persistence.OutcomeMerged})
}

func (s *Server) reportMerged(ctx context.Context, jobID, repository string) error {
	if s.reporter == nil {
		return nil
	}
	proposal, err := s.store.GetProposal(jobID)
	if err != nil {
		return fmt.Errorf("no proposal for merged job %s: %w", jobID, err)
	}
	return s.reporter.SendUpdate(ctx, jobID, feedback.Report{
		ModelResponseID: proposal.ModelResponseID,
		Repository:      repository,
		Outcome:         persistence.OutcomeMerged,
	})
}

func (s *Server) observe(eventType, disposition string) {
	if s.metrics != nil {
		s.metrics.ObserveWebhook(eventType, disposition)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
