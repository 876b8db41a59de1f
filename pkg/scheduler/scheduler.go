// Package scheduler polls the store for runnable jobs and hands them to
// workers under a lease. Concurrency is bounded globally and per
// repository; a worker that dies simply stops renewing its lease and the
// job becomes claimable again.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"remediator/pkg/config"
	"remediator/pkg/limiter"
	"remediator/pkg/logx"
	"remediator/pkg/metrics"
	"remediator/pkg/persistence"
)

// Executor drives one claimed job; the pipeline implements it.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Scheduler claims runnable jobs and runs them on worker goroutines.
type Scheduler struct {
	logger       *logx.Logger
	store        *persistence.Store
	executor     Executor
	gate         *limiter.Limiter
	metrics      *metrics.Recorder
	workerID     string
	lease        time.Duration
	pollInterval time.Duration
	wg           sync.WaitGroup
}

// New creates a Scheduler. Metrics may be nil.
func New(cfg *config.SchedulerConfig, store *persistence.Store, executor Executor, m *metrics.Recorder) *Scheduler {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "remediator"
	}

	return &Scheduler{
		logger:       logx.NewLogger("scheduler"),
		store:        store,
		executor:     executor,
		gate:         limiter.NewLimiter(cfg.MaxConcurrentJobs),
		metrics:      m,
		workerID:     fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		lease:        cfg.Lease(),
		pollInterval: cfg.PollInterval(),
	}
}

// WorkerID returns this scheduler's claim identity.
func (s *Scheduler) WorkerID() string {
	return s.workerID
}

// Run polls until ctx is canceled, then waits for in-flight workers.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler %s starting (poll %s, lease %s)", s.workerID, s.pollInterval, s.lease)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.Dispatch(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping, waiting for %d in-flight jobs", s.gate.InFlight())
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Dispatch claims as many runnable jobs as the gate admits and starts a
// worker for each. Exported so tests and the admin retry path can trigger
// a poll without waiting for the ticker.
func (s *Scheduler) Dispatch(ctx context.Context) {
	jobs, err := s.store.ListRunnable(time.Now().UTC(), 50)
	if err != nil {
		s.logger.Error("Failed to list runnable jobs: %v", err)
		return
	}

	for _, job := range jobs {
		if err := s.gate.Reserve(job.ID, job.Repository); err != nil {
			continue
		}

		leaseUntil := time.Now().UTC().Add(s.lease)
		if err := s.store.Claim(job.ID, job.Version, s.workerID, leaseUntil); err != nil {
			// Another worker got there first, or the job moved.
			s.gate.Release(job.ID)
			continue
		}

		if s.metrics != nil {
			s.metrics.JobStarted()
		}
		s.wg.Add(1)
		go s.runJob(ctx, job.ID)
	}
}

// runJob executes one claimed job, renewing the lease until done.
func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	defer s.wg.Done()
	defer s.gate.Release(jobID)
	defer func() {
		if s.metrics != nil {
			s.metrics.JobFinished()
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go s.renewLease(jobID, done)

	if err := s.executor.Execute(ctx, jobID); err != nil {
		s.logger.Warn("Job %s execution ended with error: %v", jobID, err)
	}

	// Release is best effort: a parked or terminal job already had its
	// claim cleared by the store.
	if err := s.store.ReleaseClaim(jobID, s.workerID); err != nil {
		s.logger.Debug("Release claim for job %s: %v", jobID, err)
	}
}

// renewLease extends the claim at a third of the lease interval until the
// worker finishes. Renewals stopping is exactly how a dead worker's job
// becomes claimable again.
func (s *Scheduler) renewLease(jobID string, done <-chan struct{}) {
	interval := s.lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			until := time.Now().UTC().Add(s.lease)
			if err := s.store.RenewLease(jobID, s.workerID, until); err != nil {
				s.logger.Warn("Failed to renew lease for job %s: %v", jobID, err)
				return
			}
		}
	}
}
