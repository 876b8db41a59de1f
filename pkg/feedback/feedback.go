// Package feedback reports remediation outcomes back to the model-serving
// layer, keyed by the provider response ID that produced the patch. The
// report is sent at most once per response ID; the persisted record is the
// guard.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"remediator/pkg/config"
	"remediator/pkg/logx"
	"remediator/pkg/persistence"
	"remediator/pkg/retry"
)

// Report is the payload delivered to the feedback endpoint.
type Report struct {
	ModelResponseID string `json:"model_response_id"`
	Repository      string `json:"repository"`
	Outcome         string `json:"outcome"`
	PRURL           string `json:"pr_url,omitempty"`
	Detail          string `json:"detail,omitempty"`
}

// Reporter delivers outcome reports over HTTP.
type Reporter struct {
	logger *logx.Logger
	store  *persistence.Store
	client *http.Client
	url    string
}

// NewReporter builds a Reporter. An empty URL disables reporting.
func NewReporter(cfg *config.FeedbackConfig, store *persistence.Store) *Reporter {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reporter{
		logger: logx.NewLogger("feedback"),
		store:  store,
		client: &http.Client{Timeout: timeout},
		url:    cfg.URL,
	}
}

// Enabled reports whether an endpoint is configured.
func (r *Reporter) Enabled() bool {
	return r.url != ""
}

// Send delivers the report unless one was already recorded for the same
// response ID. The record is written only after a successful delivery, so
// a failed send retries; a crash between delivery and record can produce a
// duplicate report, which the endpoint deduplicates on the same key.
func (r *Reporter) Send(ctx context.Context, jobID string, report Report) error {
	if !r.Enabled() {
		return nil
	}

	existing, err := r.store.GetFeedback(report.ModelResponseID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("failed to check feedback record: %w", err)
	}
	if existing != nil {
		r.logger.Debug("Feedback for response %s already reported (%s), skipping",
			report.ModelResponseID, existing.Outcome)
		return nil
	}

	if err := r.post(ctx, report); err != nil {
		return retry.Transient(fmt.Errorf("feedback delivery failed: %w", err))
	}

	_, err = r.store.RecordFeedback(&persistence.FeedbackRecord{
		CreatedAt:       time.Now().UTC(),
		JobID:           jobID,
		ModelResponseID: report.ModelResponseID,
		Outcome:         report.Outcome,
	})
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}

	r.logger.Info("Reported outcome %s for response %s", report.Outcome, report.ModelResponseID)
	return nil
}

// SendUpdate delivers an outcome upgrade for an already-reported response,
// e.g. pr_opened becoming merged. The endpoint upserts on the response ID,
// so this bypasses the once-only guard and rewrites the stored outcome.
func (r *Reporter) SendUpdate(ctx context.Context, jobID string, report Report) error {
	if !r.Enabled() {
		return nil
	}

	if err := r.post(ctx, report); err != nil {
		return retry.Transient(fmt.Errorf("feedback update failed: %w", err))
	}

	err := r.store.UpdateFeedbackOutcome(report.ModelResponseID, report.Outcome)
	if errors.Is(err, persistence.ErrNotFound) {
		// First report for this response; record it normally.
		_, err = r.store.RecordFeedback(&persistence.FeedbackRecord{
			CreatedAt:       time.Now().UTC(),
			JobID:           jobID,
			ModelResponseID: report.ModelResponseID,
			Outcome:         report.Outcome,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to record feedback update: %w", err)
	}

	r.logger.Info("Updated outcome to %s for response %s", report.Outcome, report.ModelResponseID)
	return nil
}

func (r *Reporter) post(ctx context.Context, report Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("feedback endpoint returned %s", resp.Status)
	}
	return nil
}
