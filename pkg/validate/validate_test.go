package validate

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remediator/pkg/config"
)

func runner(commands []string, maxOutput int) *Runner {
	return NewRunner(&config.ValidationConfig{
		Commands:       commands,
		TimeoutSec:     5,
		MaxOutputBytes: maxOutput,
	})
}

func TestRunAllCommandsPass(t *testing.T) {
	r := runner([]string{"echo first", "echo second"}, 64*1024)

	result, err := r.Run(context.Background(), "job-1", t.TempDir())
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Contains(t, result.Output, "$ echo first")
	assert.Contains(t, result.Output, "first")
	assert.Contains(t, result.Output, "second")
	assert.GreaterOrEqual(t, result.DurationMS, int64(0))
}

func TestRunFailingCommandIsResultNotError(t *testing.T) {
	r := runner([]string{"echo before", "sh -c 'echo broken; exit 2'", "echo never"}, 64*1024)

	result, err := r.Run(context.Background(), "job-1", t.TempDir())
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Output, "broken")
	assert.Contains(t, result.Output, "[exit 2]")
	// Later commands do not run after a failure.
	assert.NotContains(t, result.Output, "never")
}

func TestRunTimeoutFailsValidation(t *testing.T) {
	r := NewRunner(&config.ValidationConfig{
		Commands:       []string{"sleep 5"},
		TimeoutSec:     1,
		MaxOutputBytes: 64 * 1024,
	})

	result, err := r.Run(context.Background(), "job-1", t.TempDir())
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Output, "timed out")
}

func TestRunBoundsOutput(t *testing.T) {
	r := runner([]string{"yes x | head -c 4096; true"}, 512)

	result, err := r.Run(context.Background(), "job-1", t.TempDir())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Output), 512+len("[... truncated ...]\n"))
	assert.True(t, strings.HasPrefix(result.Output, "[... truncated ...]"))
}

func TestRunMissingWorkDirIsError(t *testing.T) {
	r := runner([]string{"true"}, 512)

	_, err := r.Run(context.Background(), "job-1", "/nonexistent/workspace")
	assert.Error(t, err)
}
