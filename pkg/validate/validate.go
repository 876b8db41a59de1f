// Package validate runs the configured validation commands against a
// patched working tree and captures a bounded transcript of the output.
package validate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remediator/pkg/config"
	"remediator/pkg/execx"
	"remediator/pkg/logx"
	"remediator/pkg/persistence"
)

// Runner executes validation commands in a workspace.
type Runner struct {
	logger    *logx.Logger
	commands  []string
	timeout   time.Duration
	maxOutput int
}

// NewRunner builds a Runner from configuration.
func NewRunner(cfg *config.ValidationConfig) *Runner {
	return &Runner{
		logger:    logx.NewLogger("validate"),
		commands:  cfg.Commands,
		timeout:   cfg.Timeout(),
		maxOutput: cfg.MaxOutputBytes,
	}
}

// Run executes the validation commands in order inside dir and returns the
// aggregate result. A failing command is a result, not an error: the
// pipeline decides what a failed validation means. Errors are reserved for
// the harness itself breaking.
func (r *Runner) Run(ctx context.Context, jobID, dir string) (*persistence.ValidationResult, error) {
	start := time.Now()
	var transcript strings.Builder
	passed := true

	for _, command := range r.commands {
		r.logger.Debug("Running validation command for job %s: %s", jobID, command)
		fmt.Fprintf(&transcript, "$ %s\n", command)

		result, err := execx.RunShell(ctx, command, execx.Opts{
			WorkDir: dir,
			Timeout: r.timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("validation command %q failed to run: %w", command, err)
		}

		transcript.WriteString(result.Stdout)
		transcript.WriteString(result.Stderr)

		if result.TimedOut {
			fmt.Fprintf(&transcript, "[timed out after %s]\n", r.timeout)
			passed = false
			break
		}
		if result.ExitCode != 0 {
			fmt.Fprintf(&transcript, "[exit %d]\n", result.ExitCode)
			passed = false
			break
		}
	}

	return &persistence.ValidationResult{
		CreatedAt:  time.Now().UTC(),
		JobID:      jobID,
		Output:     r.bound(transcript.String()),
		DurationMS: time.Since(start).Milliseconds(),
		Passed:     passed,
	}, nil
}

// bound trims a transcript to the configured byte limit, keeping the tail
// where the failure usually is.
func (r *Runner) bound(output string) string {
	if r.maxOutput <= 0 || len(output) <= r.maxOutput {
		return output
	}
	return "[... truncated ...]\n" + output[len(output)-r.maxOutput:]
}
