package patch

import (
	"context"
	"fmt"
	"time"

	"remediator/pkg/config"
	"remediator/pkg/diagnose"
	"remediator/pkg/logx"
	"remediator/pkg/persistence"
	"remediator/pkg/retry"
)

const systemPrompt = `You are an automated CI repair tool. You are given the logs of a failing
GitHub Actions workflow and the relevant repository files. Produce the
smallest change that makes the workflow pass.

Reply with a short explanation followed by exactly one fenced code block
tagged "diff" containing a unified diff against the repository root. Paths
must use a/ and b/ prefixes. Do not invent files you were not shown. If the
failure cannot be fixed by changing the repository, say so and emit no diff.`

// Engine turns a failure context into a patch proposal.
type Engine struct {
	logger    *logx.Logger
	provider  Provider
	maxTokens int
}

// NewEngine creates a patch engine on the given provider.
func NewEngine(provider Provider, cfg *config.ModelConfig) *Engine {
	return &Engine{
		logger:    logx.NewLogger("patch"),
		provider:  provider,
		maxTokens: cfg.MaxReplyTokens,
	}
}

// Propose asks the model for a fix and returns the proposal. A reply with
// no usable diff is a patch-quality failure: the same prompt will not do
// better, so the error routes the job to human review.
func (e *Engine) Propose(ctx context.Context, jobID string, fc *diagnose.FailureContext) (*persistence.PatchProposal, error) {
	resp, err := e.provider.Complete(ctx, Request{
		System:    systemPrompt,
		Prompt:    fc.Render(),
		MaxTokens: e.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Provider %s replied with %d chars (response %s)",
		e.provider.Name(), len(resp.Text), resp.ResponseID)

	diff, summary, err := ExtractDiff(resp.Text)
	if err != nil {
		return nil, retry.PermanentPatch(fmt.Errorf("response %s: %w", resp.ResponseID, err))
	}

	return &persistence.PatchProposal{
		CreatedAt:       time.Now().UTC(),
		JobID:           jobID,
		Diff:            diff,
		Rationale:       summary,
		ModelResponseID: resp.ResponseID,
	}, nil
}
