package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"remediator/pkg/config"
)

func testPolicy() *Policy {
	return NewPolicy(&config.RetryConfig{
		MaxAttempts:       3,
		BackoffBaseSec:    5,
		BackoffMultiplier: 2.0,
		BackoffMaxSec:     60,
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"transient", Transient(errors.New("timeout")), ClassTransient},
		{"patch retryable", PatchRetryable(errors.New("hunk failed")), ClassPatchRetryable},
		{"permanent infra", PermanentInfra(errors.New("quota gone")), ClassPermanentInfra},
		{"permanent patch", PermanentPatch(errors.New("model refused")), ClassPermanentPatch},
		{"wrapped", fmt.Errorf("stage: %w", PermanentPatch(errors.New("bad diff"))), ClassPermanentPatch},
		{"unclassified defaults to transient", errors.New("mystery"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestDecide(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name    string
		err     error
		attempt int
		want    Decision
	}{
		{"transient below budget", Transient(errors.New("x")), 1, DecisionRetry},
		{"transient at budget", Transient(errors.New("x")), 3, DecisionFailed},
		{"patch retryable below budget", PatchRetryable(errors.New("x")), 2, DecisionRetry},
		{"patch retryable at budget", PatchRetryable(errors.New("x")), 3, DecisionNeedsReview},
		{"permanent infra immediate", PermanentInfra(errors.New("x")), 1, DecisionFailed},
		{"permanent patch immediate", PermanentPatch(errors.New("x")), 1, DecisionNeedsReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.err, tt.attempt))
		})
	}
}

func TestBackoffExponential(t *testing.T) {
	p := testPolicy()

	assert.Equal(t, 5*time.Second, p.Backoff(1))
	assert.Equal(t, 10*time.Second, p.Backoff(2))
	assert.Equal(t, 20*time.Second, p.Backoff(3))
	// Capped at the configured max.
	assert.Equal(t, 60*time.Second, p.Backoff(10))
}

func TestStageErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := Transient(inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "transient")
}
