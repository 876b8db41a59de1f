// Package limiter provides the scheduler's admission gate: a global cap on
// concurrently executing jobs plus per-repository exclusivity, so two jobs
// for the same repository never run at once.
package limiter

import (
	"fmt"
	"sync"
)

var (
	// ErrSlotsExhausted is returned when the global concurrency cap is reached.
	ErrSlotsExhausted = fmt.Errorf("concurrency limit exceeded")
	// ErrRepositoryBusy is returned when the repository already has a running job.
	ErrRepositoryBusy = fmt.Errorf("repository already has a job in flight")
)

// Limiter tracks in-flight jobs against the global cap and per-repository
// exclusivity. All methods are safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	inFlight map[string]string // jobID -> repository
	busy     map[string]bool   // repository -> running
	maxSlots int
}

// NewLimiter creates a limiter with the given global concurrency cap.
func NewLimiter(maxSlots int) *Limiter {
	return &Limiter{
		inFlight: make(map[string]string),
		busy:     make(map[string]bool),
		maxSlots: maxSlots,
	}
}

// Reserve claims a slot for a job. Both checks happen under one lock so a
// job is either fully admitted or not at all.
func (l *Limiter) Reserve(jobID, repository string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.inFlight[jobID]; exists {
		return fmt.Errorf("job %s already holds a slot", jobID)
	}
	if len(l.inFlight) >= l.maxSlots {
		return ErrSlotsExhausted
	}
	if l.busy[repository] {
		return ErrRepositoryBusy
	}

	l.inFlight[jobID] = repository
	l.busy[repository] = true
	return nil
}

// Release returns a job's slot. Releasing a job that holds no slot is a
// no-op so release is safe on every exit path.
func (l *Limiter) Release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	repository, exists := l.inFlight[jobID]
	if !exists {
		return
	}
	delete(l.inFlight, jobID)
	delete(l.busy, repository)
}

// InFlight returns the number of jobs currently holding slots.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inFlight)
}
