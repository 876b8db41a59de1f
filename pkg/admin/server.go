// Package admin exposes the operator surface: job inspection, manual
// retry and cancel, recent log entries, and Prometheus metrics. It binds
// to a separate port from the webhook listener and carries no auth of its
// own; deployments keep it off the public network.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"remediator/pkg/logx"
	"remediator/pkg/persistence"
)

const defaultJobListLimit = 50

// Server is the admin HTTP surface.
type Server struct {
	logger *logx.Logger
	store  *persistence.Store
}

// NewServer creates an admin server over the given store.
func NewServer(store *persistence.Store) *Server {
	return &Server{
		logger: logx.NewLogger("admin"),
		store:  store,
	}
}

// Handler returns the admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJob)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultJobListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be 1-500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := s.store.ListRecentJobs(limit)
	if err != nil {
		s.logger.Error("Failed to list jobs: %v", err)
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// jobDetail is the full picture of one job: current row plus every
// durable record the pipeline wrote along the way.
type jobDetail struct {
	Job        *persistence.Job               `json:"job"`
	Proposal   *persistence.PatchProposal     `json:"proposal,omitempty"`
	Validation *persistence.ValidationResult  `json:"validation,omitempty"`
	PR         *persistence.PullRequestRecord `json:"pull_request,omitempty"`
	Feedback   *persistence.FeedbackRecord    `json:"feedback,omitempty"`
	AttemptLog []*persistence.AttemptLogEntry `json:"attempt_log"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	jobID, action, _ := strings.Cut(rest, "/")
	if jobID == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleJobDetail(w, jobID)
	case action == "retry" && r.Method == http.MethodPost:
		s.handleJobRetry(w, jobID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleJobCancel(w, jobID)
	case action == "":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleJobDetail(w http.ResponseWriter, jobID string) {
	job, err := s.store.GetJob(jobID)
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to get job %s: %v", jobID, err)
		http.Error(w, "failed to get job", http.StatusInternalServerError)
		return
	}

	detail := jobDetail{Job: job}
	if p, err := s.store.GetProposal(jobID); err == nil {
		detail.Proposal = p
		if f, err := s.store.GetFeedback(p.ModelResponseID); err == nil {
			detail.Feedback = f
		}
	}
	if v, err := s.store.GetValidation(jobID); err == nil {
		detail.Validation = v
	}
	if pr, err := s.store.GetPullRequest(jobID); err == nil {
		detail.PR = pr
	}
	entries, err := s.store.GetAttemptLog(jobID)
	if err != nil {
		s.logger.Error("Failed to get attempt log for %s: %v", jobID, err)
		http.Error(w, "failed to get attempt log", http.StatusInternalServerError)
		return
	}
	detail.AttemptLog = entries

	writeJSON(w, http.StatusOK, detail)
}

// handleJobRetry re-enqueues a failed or needs_review job from scratch.
func (s *Server) handleJobRetry(w http.ResponseWriter, jobID string) {
	err := s.store.ResetForRetry(jobID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, persistence.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		s.logger.Error("Failed to reset job %s: %v", jobID, err)
		http.Error(w, "failed to reset job", http.StatusInternalServerError)
	default:
		s.logger.Info("Job %s reset for retry", jobID)
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "state": persistence.StatePending})
	}
}

func (s *Server) handleJobCancel(w http.ResponseWriter, jobID string) {
	err := s.store.RequestCancel(jobID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case err != nil:
		s.logger.Error("Failed to cancel job %s: %v", jobID, err)
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
	default:
		s.logger.Info("Cancel requested for job %s", jobID)
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "cancel_requested": true})
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := logx.RecentEntries(r.URL.Query().Get("component"))
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
