// Package execx provides command execution with timeouts and captured
// output for the validation and git plumbing layers.
package execx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Opts contains options for command execution.
type Opts struct {
	// Env contains extra environment variables (KEY=VALUE format).
	Env []string

	// WorkDir is the working directory for the command.
	WorkDir string

	// Timeout is the maximum duration for command execution.
	Timeout time.Duration
}

// Result contains the result of command execution.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
	ExitCode int
	TimedOut bool
}

// Run executes a command and captures its output. A non-zero exit code is
// not an error; callers check ExitCode. Timeouts surface as TimedOut with
// exit code -1.
func Run(ctx context.Context, cmd []string, opts Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}

	start := time.Now()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd[0], cmd[1:]...)

	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); os.IsNotExist(err) {
			return Result{}, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		execCmd.Dir = opts.WorkDir
	}

	if len(opts.Env) > 0 {
		execCmd.Env = append(os.Environ(), opts.Env...)
	}

	var stdoutBuf, stderrBuf strings.Builder
	execCmd.Stdout = &stdoutBuf
	execCmd.Stderr = &stderrBuf

	err := execCmd.Run()

	result := Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("command failed to start: %w", err)
	}

	return result, nil
}

// RunShell executes a shell command line via sh -c.
func RunShell(ctx context.Context, command string, opts Opts) (Result, error) {
	return Run(ctx, []string{"sh", "-c", command}, opts)
}
