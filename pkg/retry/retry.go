// Package retry centralizes failure classification and backoff for all
// pipeline stages. Stages never loop internally; they classify errors and
// let the one shared policy decide retry versus terminal routing.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"remediator/pkg/config"
)

// Class describes how a stage failure should be treated.
type Class int

const (
	// ClassTransient covers infrastructure failures expected to clear on
	// their own: network timeouts, rate limits, disk pressure.
	ClassTransient Class = iota
	// ClassPatchRetryable covers patch-quality failures worth a fresh model
	// call: a hunk that fails to apply cleanly.
	ClassPatchRetryable
	// ClassPermanentInfra covers unrecoverable infrastructure failures.
	ClassPermanentInfra
	// ClassPermanentPatch covers patch failures no retry can fix: model
	// refusal, unparseable diff.
	ClassPermanentPatch
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPatchRetryable:
		return "patch_retryable"
	case ClassPermanentInfra:
		return "permanent_infra"
	case ClassPermanentPatch:
		return "permanent_patch"
	}
	return "unknown"
}

// StageError wraps a stage failure with its classification.
type StageError struct {
	Err   error
	Class Class
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Err.Error())
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient infrastructure failure.
func Transient(err error) error {
	return &StageError{Err: err, Class: ClassTransient}
}

// Transientf is Transient with formatting.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// PatchRetryable wraps err as a patch-quality failure worth a fresh attempt.
func PatchRetryable(err error) error {
	return &StageError{Err: err, Class: ClassPatchRetryable}
}

// PermanentInfra wraps err as an unrecoverable infrastructure failure.
func PermanentInfra(err error) error {
	return &StageError{Err: err, Class: ClassPermanentInfra}
}

// PermanentPatch wraps err as an unrecoverable patch failure.
func PermanentPatch(err error) error {
	return &StageError{Err: err, Class: ClassPermanentPatch}
}

// Classify extracts the classification from an error chain. Unclassified
// errors default to transient so an unexpected failure is retried within
// the attempt budget rather than dropped.
func Classify(err error) Class {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Class
	}
	return ClassTransient
}

// Decision is the policy's verdict on a failed stage attempt.
type Decision int

const (
	DecisionRetry Decision = iota
	DecisionFailed
	DecisionNeedsReview
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionFailed:
		return "failed"
	case DecisionNeedsReview:
		return "needs_review"
	}
	return "unknown"
}

// Policy decides retry versus terminal routing and computes backoff delays.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
}

// NewPolicy builds a Policy from configuration.
func NewPolicy(cfg *config.RetryConfig) *Policy {
	return &Policy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.BackoffBase(),
		Max:         cfg.BackoffMax(),
		Multiplier:  cfg.BackoffMultiplier,
	}
}

// Decide returns the verdict for a stage failure. attempt is the number of
// attempts consumed for this stage including the failing one.
func (p *Policy) Decide(err error, attempt int) Decision {
	switch Classify(err) {
	case ClassPermanentInfra:
		return DecisionFailed
	case ClassPermanentPatch:
		return DecisionNeedsReview
	case ClassPatchRetryable:
		if attempt < p.MaxAttempts {
			return DecisionRetry
		}
		return DecisionNeedsReview
	case ClassTransient:
		if attempt < p.MaxAttempts {
			return DecisionRetry
		}
		return DecisionFailed
	}
	return DecisionFailed
}

// Backoff returns the delay before the given retry attempt. Exponential in
// the attempt number, capped at Max.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if capped := float64(p.Max); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}
