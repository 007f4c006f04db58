// Package recurring re-arms a dag.Graph factory on a cron schedule,
// executing a fresh graph through a scheduler.Scheduler each time the
// schedule fires. It has no persistence or event-bus dependency of its
// own; callers that want durability wire snapshotstore in around it.
package recurring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/taskdag/dag"
	"github.com/swarmguard/taskdag/scheduler"
)

// Factory builds a fresh, unexecuted graph for one scheduled run. Returning
// a new *dag.Graph each call (rather than Reset-ing a shared one) keeps
// concurrent firings of the same schedule from racing on one graph's state.
type Factory func() (*dag.Graph, error)

// Schedule is one cron-triggered entry: build a graph from factory and
// drive it with sched whenever expr fires, bounding how many runs of this
// particular schedule may be in flight at once.
type Schedule struct {
	Name          string
	CronExpr      string
	Factory       Factory
	Scheduler     *scheduler.Scheduler
	SchedCtx      scheduler.Context
	MaxConcurrent int // 0 = unlimited

	mu      sync.Mutex
	running int
}

// Runner wraps a seconds-precision cron.Cron and the set of schedules
// registered against it.
type Runner struct {
	cron *cron.Cron

	mu        sync.Mutex
	schedules map[string]*Schedule
	entryIDs  map[string]cron.EntryID

	onResult func(name string, result *scheduler.ExecutionResult, err error)
}

// New constructs a Runner. onResult, if non-nil, is invoked after every
// fired run (success or failure) so a caller can persist results; it is
// never invoked concurrently with itself for the same schedule name beyond
// what MaxConcurrent already allows.
func New(onResult func(name string, result *scheduler.ExecutionResult, err error)) *Runner {
	return &Runner{
		cron:      cron.New(cron.WithSeconds()),
		schedules: make(map[string]*Schedule),
		entryIDs:  make(map[string]cron.EntryID),
		onResult:  onResult,
	}
}

// Start begins firing registered schedules.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop waits (up to ctx) for the cron driver to finish any in-flight
// trigger dispatch, then returns. It does not wait for already-dispatched
// scheduler.Execute calls to finish; callers that need that should track
// their own completions via onResult.
func (r *Runner) Stop(ctx context.Context) error {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers sched under r's cron driver. A schedule already
// registered under the same Name is replaced.
func (r *Runner) AddSchedule(sched *Schedule) error {
	if sched.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if sched.CronExpr == "" {
		return fmt.Errorf("schedule %s: cron expression is required", sched.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.entryIDs[sched.Name]; exists {
		r.cron.Remove(id)
	}

	id, err := r.cron.AddFunc(sched.CronExpr, func() {
		r.fire(sched)
	})
	if err != nil {
		return fmt.Errorf("add cron schedule %s: %w", sched.Name, err)
	}

	r.schedules[sched.Name] = sched
	r.entryIDs[sched.Name] = id
	return nil
}

// RemoveSchedule unregisters the schedule by name; a no-op if unknown.
func (r *Runner) RemoveSchedule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.entryIDs[name]; exists {
		r.cron.Remove(id)
		delete(r.entryIDs, name)
	}
	delete(r.schedules, name)
}

// Schedules returns the names of every currently registered schedule.
func (r *Runner) Schedules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.schedules))
	for name := range r.schedules {
		names = append(names, name)
	}
	return names
}

func (r *Runner) fire(sched *Schedule) {
	sched.mu.Lock()
	if sched.MaxConcurrent > 0 && sched.running >= sched.MaxConcurrent {
		sched.mu.Unlock()
		slog.Warn("recurring schedule skipped: max concurrent runs reached",
			"schedule", sched.Name, "max", sched.MaxConcurrent)
		return
	}
	sched.running++
	sched.mu.Unlock()

	defer func() {
		sched.mu.Lock()
		sched.running--
		sched.mu.Unlock()
	}()

	g, err := sched.Factory()
	if err != nil {
		slog.Error("recurring schedule: factory failed", "schedule", sched.Name, "error", err)
		if r.onResult != nil {
			r.onResult(sched.Name, nil, fmt.Errorf("build graph: %w", err))
		}
		return
	}

	start := time.Now()
	result, err := sched.Scheduler.Execute(context.Background(), g, sched.SchedCtx)
	if err != nil {
		slog.Error("recurring schedule: execute failed", "schedule", sched.Name, "error", err)
		if r.onResult != nil {
			r.onResult(sched.Name, nil, err)
		}
		return
	}

	slog.Info("recurring schedule completed",
		"schedule", sched.Name,
		"success", result.Success,
		"duration", time.Since(start),
	)
	if r.onResult != nil {
		r.onResult(sched.Name, result, nil)
	}
}
