// Package scheduler triggers replication runs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oriys/tether/internal/logging"
	"github.com/oriys/tether/internal/replication"
)

// Replicator is the part of the replication engine the scheduler drives.
type Replicator interface {
	ReplicateAll(ctx context.Context) []replication.TableResult
	ReplicateGroup(ctx context.Context, group string) ([]replication.TableResult, error)
}

// Scheduler manages cron-scheduled replication jobs. A job whose previous
// run is still going skips its tick.
type Scheduler struct {
	cron    *cron.Cron
	repl    Replicator
	entries map[string]cron.EntryID // job name -> cron entry ID
	mu      sync.Mutex
}

// New creates a new Scheduler.
func New(repl Replicator) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
			cron.WithLogger(logger),
		),
		repl:    repl,
		entries: make(map[string]cron.EntryID),
	}
}

// ScheduleAll registers a job replicating every group on spec.
func (s *Scheduler) ScheduleAll(spec string) error {
	return s.add("all", spec, func(ctx context.Context) {
		results := s.repl.ReplicateAll(ctx)
		logRun("all", results)
	})
}

// ScheduleGroup registers a job replicating one group on spec.
func (s *Scheduler) ScheduleGroup(group, spec string) error {
	return s.add("group:"+group, spec, func(ctx context.Context) {
		results, err := s.repl.ReplicateGroup(ctx, group)
		if err != nil {
			logging.Op().Error("scheduled sync failed", "job", "group:"+group, "error", err)
			return
		}
		logRun("group:"+group, results)
	})
}

func (s *Scheduler) add(name, spec string, run func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Replace existing entry if present
	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		run(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.entries[name] = entryID
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
}

// Jobs returns the registered job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Apply makes the registered jobs match all (the full-sync spec) and groups
// (group -> spec). An empty spec removes the job, and group jobs missing
// from groups are removed.
func (s *Scheduler) Apply(all string, groups map[string]string) error {
	if all == "" {
		s.Remove("all")
	} else if err := s.ScheduleAll(all); err != nil {
		return err
	}

	for name := range s.Jobs() {
		group, ok := strings.CutPrefix(name, "group:")
		if ok && groups[group] == "" {
			s.Remove(name)
		}
	}
	for group, spec := range groups {
		if spec == "" {
			continue
		}
		if err := s.ScheduleGroup(group, spec); err != nil {
			return err
		}
	}
	return nil
}

// Start starts the cron scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	logging.Op().Info("scheduler started", "jobs", len(s.entries))
}

// Stop stops scheduling new runs and returns a context that is done when
// running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunAll replicates every group now, outside the cron schedule.
func (s *Scheduler) RunAll(ctx context.Context) []replication.TableResult {
	results := s.repl.ReplicateAll(ctx)
	logRun("manual", results)
	return results
}

func logRun(job string, results []replication.TableResult) {
	failed := replication.Failed(results)
	if len(failed) == 0 {
		logging.Op().Info("scheduled sync finished", "job", job, "tables", len(results))
		return
	}
	for _, r := range failed {
		logging.Op().Error("scheduled sync table failed", "job", job, "group", r.Group, "table", r.Table, "error", r.Err)
	}
	logging.Op().Warn("scheduled sync finished with failures", "job", job, "tables", len(results), "failed", len(failed))
}

// cronLogger routes robfig/cron's logging to the operational logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logging.Op().Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logging.Op().Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
