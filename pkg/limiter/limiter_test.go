package limiter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveRelease(t *testing.T) {
	l := NewLimiter(2)

	require.NoError(t, l.Reserve("job-1", "acme/widget"))
	assert.Equal(t, 1, l.InFlight())

	l.Release("job-1")
	assert.Equal(t, 0, l.InFlight())
}

func TestGlobalCap(t *testing.T) {
	l := NewLimiter(2)

	require.NoError(t, l.Reserve("job-1", "acme/a"))
	require.NoError(t, l.Reserve("job-2", "acme/b"))

	err := l.Reserve("job-3", "acme/c")
	assert.ErrorIs(t, err, ErrSlotsExhausted)

	l.Release("job-1")
	assert.NoError(t, l.Reserve("job-3", "acme/c"))
}

func TestRepositoryExclusivity(t *testing.T) {
	l := NewLimiter(10)

	require.NoError(t, l.Reserve("job-1", "acme/widget"))

	err := l.Reserve("job-2", "acme/widget")
	assert.ErrorIs(t, err, ErrRepositoryBusy)

	// A different repository is fine.
	assert.NoError(t, l.Reserve("job-3", "acme/other"))

	// Releasing the first job frees the repository.
	l.Release("job-1")
	assert.NoError(t, l.Reserve("job-2", "acme/widget"))
}

func TestDoubleReserveSameJob(t *testing.T) {
	l := NewLimiter(10)

	require.NoError(t, l.Reserve("job-1", "acme/widget"))
	assert.Error(t, l.Reserve("job-1", "acme/widget"))
}

func TestReleaseUnknownJobIsNoop(t *testing.T) {
	l := NewLimiter(1)
	l.Release("never-reserved")
	assert.Equal(t, 0, l.InFlight())
}

func TestConcurrentReserveRespectsCap(t *testing.T) {
	l := NewLimiter(5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			jobID := string(rune('a' + n%26))
			repo := "acme/" + jobID
			if err := l.Reserve(jobID, repo); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, l.InFlight(), 5)
	assert.Equal(t, l.InFlight(), admitted)
}
