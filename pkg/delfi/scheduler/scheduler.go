// Package scheduler runs the daemon's periodic maintenance jobs on a
// shared cron runner: gossip announcements, directory and cache
// sweeps, sync window ticks, engine health probes. Jobs are registered
// in code at startup; there is no user-facing job surface and nothing
// is persisted.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// jobTimeout is the maximum wall time one job execution may take.
// Reindexing a large knowledge folder is the slowest job by far.
const jobTimeout = 5 * time.Minute

// JobFunc is one maintenance job. The context is cancelled on
// shutdown and carries the per-run timeout.
type JobFunc func(ctx context.Context)

// Scheduler wraps robfig/cron with the guards every job needs:
// overlap skip, panic recovery, and a bounded run context.
type Scheduler struct {
	cron *cron.Cron

	// entries maps job names to cron entry IDs.
	entries map[string]cron.EntryID

	// running tracks in-flight jobs so a slow run is skipped, not
	// stacked, when its next tick arrives.
	running map[string]bool

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler. Register jobs with Every, then
// call Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		entries: make(map[string]cron.EntryID),
		running: make(map[string]bool),
		logger:  logger.With("component", "scheduler"),
	}
}

// Every registers a named job that fires at a fixed interval. The
// first run happens one interval after Start, not immediately; jobs
// that need a startup run should be called once before registration.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if interval <= 0 {
		return fmt.Errorf("job %q: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("job %q: no function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	entryID, err := s.cron.AddFunc("@every "+interval.String(), func() {
		s.run(name, fn)
	})
	if err != nil {
		return fmt.Errorf("scheduling job %q: %w", name, err)
	}

	s.entries[name] = entryID
	s.logger.Debug("job registered", "job", name, "interval", interval.String())
	return nil
}

// Names returns the registered job names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins firing registered jobs. Must be called once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	jobCount := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", jobCount)
}

// Stop cancels running jobs and waits briefly for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

// run executes one job with overlap skip, panic recovery, and a
// bounded context. One misbehaving job must never take down the
// runner or its sibling jobs.
func (s *Scheduler) run(name string, fn JobFunc) {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Warn("job still running, skipping tick", "job", name)
		return
	}
	s.running[name] = true
	base := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", name, "panic", r)
		}
	}()

	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, jobTimeout)
	defer cancel()

	fn(ctx)
}
