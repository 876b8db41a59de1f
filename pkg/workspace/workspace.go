// Package workspace manages isolated, disk-bounded working directories for
// job attempts. A workspace is owned by exactly one attempt and never
// outlives the stages that need it.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"remediator/pkg/config"
	"remediator/pkg/logx"
)

// ErrResourceExceeded signals a workspace over its disk quota or past its
// wall-clock deadline. The stage that hits it aborts.
var ErrResourceExceeded = errors.New("workspace resource exceeded")

// Workspace is one attempt-scoped working directory.
type Workspace struct {
	Deadline time.Time
	JobID    string
	Path     string
	quota    int64
}

// Manager creates and destroys workspaces under a single root directory.
type Manager struct {
	logger  *logx.Logger
	rootDir string
	quota   int64
	ttl     time.Duration
}

// NewManager builds a Manager from configuration.
func NewManager(cfg *config.WorkspaceConfig) *Manager {
	return &Manager{
		logger:  logx.NewLogger("workspace"),
		rootDir: cfg.RootDir,
		quota:   cfg.QuotaBytes(),
		ttl:     cfg.TTL(),
	}
}

// Acquire creates an isolated directory for the given job attempt.
func (m *Manager) Acquire(jobID string) (*Workspace, error) {
	name := fmt.Sprintf("remediator-%s-%s", jobID, uuid.New().String()[:8])
	path := filepath.Join(m.rootDir, name)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	ws := &Workspace{
		JobID:    jobID,
		Path:     path,
		Deadline: time.Now().Add(m.ttl),
		quota:    m.quota,
	}
	m.logger.Debug("Acquired workspace %s for job %s", path, jobID)
	return ws, nil
}

// Release destroys a workspace recursively. Best effort: removal failures
// are logged, never returned, so release is safe on every exit path.
func (m *Manager) Release(ws *Workspace) {
	if ws == nil {
		return
	}
	m.logger.Debug("Releasing workspace %s", ws.Path)
	if err := os.RemoveAll(ws.Path); err != nil {
		m.logger.Warn("Failed to remove workspace %s: %v", ws.Path, err)
	}
}

// With acquires a workspace, runs fn, and guarantees release on every exit
// path including panics. This is the only way pipeline stages get a
// workspace; cleanup is never left to caller discipline.
func (m *Manager) With(jobID string, fn func(*Workspace) error) error {
	ws, err := m.Acquire(jobID)
	if err != nil {
		return err
	}
	defer m.Release(ws)
	return fn(ws)
}

// CheckBudget verifies the workspace is within its disk quota and deadline.
// Stages call this at their boundaries.
func (ws *Workspace) CheckBudget() error {
	if !ws.Deadline.IsZero() && time.Now().After(ws.Deadline) {
		return fmt.Errorf("%w: job %s exceeded workspace lifetime", ErrResourceExceeded, ws.JobID)
	}

	size, err := ws.DiskUsage()
	if err != nil {
		return fmt.Errorf("failed to measure workspace %s: %w", ws.Path, err)
	}
	if ws.quota > 0 && size > ws.quota {
		return fmt.Errorf("%w: job %s used %d bytes of %d quota", ErrResourceExceeded, ws.JobID, size, ws.quota)
	}
	return nil
}

// DiskUsage returns the total size in bytes of the workspace contents.
func (ws *Workspace) DiskUsage() (int64, error) {
	var total int64
	err := filepath.WalkDir(ws.Path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files may vanish mid-walk while a command is running.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
