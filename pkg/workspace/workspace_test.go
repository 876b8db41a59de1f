package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remediator/pkg/config"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(&config.WorkspaceConfig{
		RootDir: t.TempDir(),
		QuotaMB: 1,
		TTLSec:  60,
	})
}

func TestAcquireRelease(t *testing.T) {
	m := testManager(t)

	ws, err := m.Acquire("job-1")
	require.NoError(t, err)
	assert.DirExists(t, ws.Path)

	m.Release(ws)
	assert.NoDirExists(t, ws.Path)
}

func TestWithCleansUpOnError(t *testing.T) {
	m := testManager(t)

	var path string
	err := m.With("job-1", func(ws *Workspace) error {
		path = ws.Path
		return errors.New("stage blew up")
	})
	require.Error(t, err)
	assert.NoDirExists(t, path, "workspace must be gone even when the stage fails")
}

func TestWithCleansUpOnSuccess(t *testing.T) {
	m := testManager(t)

	var path string
	err := m.With("job-1", func(ws *Workspace) error {
		path = ws.Path
		return os.WriteFile(filepath.Join(ws.Path, "file"), []byte("data"), 0o644)
	})
	require.NoError(t, err)
	assert.NoDirExists(t, path)
}

func TestWorkspacesAreIsolated(t *testing.T) {
	m := testManager(t)

	a, err := m.Acquire("job-a")
	require.NoError(t, err)
	defer m.Release(a)

	b, err := m.Acquire("job-a") // same job, new attempt
	require.NoError(t, err)
	defer m.Release(b)

	assert.NotEqual(t, a.Path, b.Path)
}

func TestCheckBudgetQuota(t *testing.T) {
	m := testManager(t)

	ws, err := m.Acquire("job-1")
	require.NoError(t, err)
	defer m.Release(ws)

	require.NoError(t, ws.CheckBudget())

	// Blow the 1 MB quota.
	big := make([]byte, 2*1024*1024)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "big"), big, 0o644))

	err = ws.CheckBudget()
	assert.ErrorIs(t, err, ErrResourceExceeded)
}

func TestCheckBudgetDeadline(t *testing.T) {
	m := testManager(t)

	ws, err := m.Acquire("job-1")
	require.NoError(t, err)
	defer m.Release(ws)

	ws.Deadline = time.Now().Add(-time.Second)
	assert.ErrorIs(t, ws.CheckBudget(), ErrResourceExceeded)
}
