package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/swarmguard/taskdag/dag"
	"github.com/swarmguard/taskdag/events"
	"github.com/swarmguard/taskdag/executor"
)

// Scheduler is the coordination layer (C5): a single logical coordinator
// that derives ready tasks from a dag.Graph, dispatches them to C6 under a
// bounded-parallelism semaphore, and reacts to completion/failure through
// the graph's own status machine (C1/C4). One Scheduler value drives one
// execute() call to completion; it is not reused across concurrent DAGs.
type Scheduler struct {
	cfg      Config
	registry *executor.Registry
	bus      *events.Bus
	cache    *executor.ResultCache

	tracer           trace.Tracer
	taskDuration     metric.Float64Histogram
	taskRetries      metric.Int64Counter
	taskFailures     metric.Int64Counter
	parallelismGauge metric.Int64Gauge

	sem *semaphore.Weighted

	mu            sync.Mutex
	graph         *dag.Graph
	paused        bool
	hardCancelled bool
	runCancel     context.CancelFunc

	notifyMu sync.Mutex
	notify   chan struct{}

	wg sync.WaitGroup

	activeCount int64
	observedMax int64

	outputsMu sync.RWMutex
	outputs   map[string]*dag.Output

	tokensMu sync.Mutex
	tokens   map[string]context.CancelFunc
}

// New constructs a Scheduler bound to registry (task-type dispatch) and
// bus (event fan-out). Tasks marked Cacheable are memoized when
// cfg.EnableResultCache is set (a cache of CacheSize entries with CacheTTL
// expiry is built here) or when a cache is attached via WithResultCache.
func New(cfg Config, registry *executor.Registry, bus *events.Bus) *Scheduler {
	cfg = cfg.withDefaults()
	meter := otel.Meter("taskdag-scheduler")
	taskDuration, _ := meter.Float64Histogram("taskdag_task_duration_ms")
	taskRetries, _ := meter.Int64Counter("taskdag_task_retries_total")
	taskFailures, _ := meter.Int64Counter("taskdag_task_failures_total")
	parallelism, _ := meter.Int64Gauge("taskdag_parallelism")

	s := &Scheduler{
		cfg:              cfg,
		registry:         registry,
		bus:              bus,
		tracer:           otel.Tracer("taskdag-scheduler"),
		taskDuration:     taskDuration,
		taskRetries:      taskRetries,
		taskFailures:     taskFailures,
		parallelismGauge: parallelism,
		sem:              semaphore.NewWeighted(int64(cfg.MaxParallelism)),
		notify:           make(chan struct{}),
		outputs:          make(map[string]*dag.Output),
		tokens:           make(map[string]context.CancelFunc),
	}
	if cfg.EnableResultCache {
		s.cache = executor.NewResultCache(cfg.CacheSize, cfg.CacheTTL)
	}
	return s
}

// WithResultCache attaches a result cache and returns the scheduler for
// chaining at construction time (§4.8, supplemented).
func (s *Scheduler) WithResultCache(cache *executor.ResultCache) *Scheduler {
	s.cache = cache
	return s
}

// RegisterExecutor installs or replaces the executor for a custom task
// type (§6, "registerExecutor(typeName, executorFn)").
func (s *Scheduler) RegisterExecutor(typ dag.TaskType, fn executor.Func) {
	s.registry.Register(typ, fn)
}

// Execute validates g, drives it to a terminal status per the scheduling
// loop (§4.5), and returns the aggregate result. It blocks until the DAG
// completes, is cancelled, or ctx is done. Pause/Resume/Cancel are safe to
// call concurrently from another goroutine while Execute is in flight.
func (s *Scheduler) Execute(ctx context.Context, g *dag.Graph, schedCtx Context) (*ExecutionResult, error) {
	if res := g.Validate(); !res.Valid {
		return nil, fmt.Errorf("dag validation failed: %s", strings.Join(res.Errors, "; "))
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.execute", trace.WithAttributes(
		attribute.String("dag.id", g.ID),
	))
	defer span.End()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	s.mu.Lock()
	s.graph = g
	s.runCancel = runCancel
	s.mu.Unlock()

	g.SetEventSink(bridgeEventSink(s.bus, g.ID))
	g.MarkRunning()

	s.loop(runCtx, g, schedCtx)

	s.wg.Wait()
	g.FinalizeStatus()

	return buildResult(g, int(atomic.LoadInt64(&s.observedMax))), nil
}

// loop implements §4.5's pseudocode: while the DAG is incomplete and not
// hard-cancelled, honor pause, dispatch ready tasks up to the parallelism
// bound, then wait for progress or the next tick.
func (s *Scheduler) loop(ctx context.Context, g *dag.Graph, schedCtx Context) {
	for {
		s.mu.Lock()
		cancelled := s.hardCancelled
		paused := s.paused
		s.mu.Unlock()

		if cancelled || ctx.Err() != nil {
			return
		}
		if paused {
			wait := s.currentNotify()
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
			continue
		}
		if g.IsComplete() {
			return
		}

		ready := g.GetReadyTasks()
		started := 0
		for _, t := range ready {
			if !s.sem.TryAcquire(1) {
				break
			}
			started++
			s.wg.Add(1)
			go s.runTask(ctx, g, schedCtx, t)
		}

		wait := s.currentNotify()
		select {
		case <-wait:
		case <-time.After(s.cfg.ScheduleInterval):
		case <-ctx.Done():
			return
		}
	}
}

// runTask is the "start(task)" sequence from §4.5, run as its own
// goroutine so the coordinator loop stays non-blocking.
func (s *Scheduler) runTask(ctx context.Context, g *dag.Graph, schedCtx Context, t *dag.Task) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer s.signalStateChange()

	n := atomic.AddInt64(&s.activeCount, 1)
	defer atomic.AddInt64(&s.activeCount, -1)
	s.updateObservedMax(n)
	s.parallelismGauge.Record(ctx, n)

	taskCtx, cancel := context.WithCancel(ctx)
	s.registerToken(t.ID, cancel)
	defer s.releaseToken(t.ID)
	defer cancel()

	if err := g.StartTask(t.ID); err != nil {
		slog.Error("start task", "task", t.ID, "error", err)
		return
	}

	execCtx := s.buildExecutionContext(g, schedCtx, t)

	if s.cfg.StrictDependencyCheck {
		if msg, violated := strictDependencyViolation(g, t); violated {
			_ = g.FailTask(t.ID, &dag.Failure{Message: msg, Retryable: false})
			return
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	execTimeoutCtx, cancelTimeout := context.WithTimeout(taskCtx, timeout)
	defer cancelTimeout()

	start := time.Now()
	output, err := s.runExecutor(execTimeoutCtx, t, execCtx)
	s.taskDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.type", string(t.Type)),
		),
	)

	switch {
	case err == nil:
		output = s.truncateOutput(t.ID, output)
		s.storeOutput(t.ID, output)
		_ = g.CompleteTask(t.ID, output)

	case execTimeoutCtx.Err() == context.DeadlineExceeded:
		_ = g.FailTask(t.ID, &dag.Failure{
			Message:   fmt.Sprintf("task %s: timeout after %s", t.ID, timeout),
			Retryable: false,
		})
		s.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task.id", t.ID)))

	case errors.Is(execTimeoutCtx.Err(), context.Canceled):
		_ = g.CancelTask(t.ID)

	default:
		retryable := t.Metadata.RetryCount < t.Metadata.MaxRetries
		_ = g.FailTask(t.ID, &dag.Failure{Message: err.Error(), Retryable: retryable})
		if after, ok := g.GetTask(t.ID); ok && after.Status == dag.StatusReady {
			s.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("task.id", t.ID)))
		} else {
			s.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task.id", t.ID)))
		}
	}
}

// runExecutor dispatches through the registry, consulting the result
// cache first when the task opts in (§4.8).
func (s *Scheduler) runExecutor(ctx context.Context, t *dag.Task, execCtx *executor.ExecutionContext) (*dag.Output, error) {
	if s.cache != nil && t.Cacheable {
		if key, err := executor.CacheKey(t); err == nil {
			if cached, ok := s.cache.Get(key); ok {
				return cached, nil
			}
			out, err := s.registry.Execute(ctx, t, execCtx)
			if err == nil {
				s.cache.Put(key, out)
			}
			return out, err
		}
	}
	return s.registry.Execute(ctx, t, execCtx)
}

// buildExecutionContext computes the TaskExecutionContext for t:
// dependency outputs drawn from the scheduler-scoped map (not the graph,
// per the ownership/lifecycle rule in §3), a shared-context snapshot, and
// the caller-supplied working directory / budget / tool plumbing.
func (s *Scheduler) buildExecutionContext(g *dag.Graph, schedCtx Context, t *dag.Task) *executor.ExecutionContext {
	depOutputs := make(map[string]*dag.Output, len(t.Dependencies))
	for _, depID := range t.Dependencies {
		if out, ok := s.loadOutput(depID); ok {
			depOutputs[depID] = out
		}
	}
	return &executor.ExecutionContext{
		DAGID:                g.ID,
		DependencyOutputs:    depOutputs,
		SharedContext:        g.ContextSnapshot(),
		WorkingDirectory:     schedCtx.Tool.WorkingDirectory,
		RemainingBudget:      schedCtx.RemainingBudget,
		ParentToolCallID:     schedCtx.Tool.ParentToolCallID,
		OutputPassingEnabled: s.cfg.EnableOutputPassing,
		ModelConfig:          schedCtx.ModelConfig,
		ToolRegistry:         schedCtx.ToolRegistry,
	}
}

// strictDependencyViolation implements §4.5's strict-mode dependency
// gathering check, reading dependency status from the graph (not the
// scheduler's output cache) since a dependency can be a satisfied
// allowFailure failure with no stored output at all.
func strictDependencyViolation(g *dag.Graph, t *dag.Task) (string, bool) {
	var bad []string
	for _, depID := range t.Dependencies {
		dep, ok := g.GetTask(depID)
		if !ok {
			bad = append(bad, depID)
			continue
		}
		if dep.Status == dag.StatusCompleted {
			continue
		}
		if dep.Status == dag.StatusFailed && dep.AllowFailure {
			continue
		}
		bad = append(bad, depID)
	}
	if len(bad) == 0 {
		return "", false
	}
	return fmt.Sprintf("dependency task(s) failed: %s", strings.Join(bad, ", ")), true
}

// truncateOutput implements §4.5's output-truncation rule: when the
// completed text exceeds maxOutputSize, the tail is cut to fit and a
// single-line marker is appended; no event fires, only a log warning.
func (s *Scheduler) truncateOutput(taskID string, out *dag.Output) *dag.Output {
	if out == nil || len(out.Text) <= s.cfg.MaxOutputSize {
		return out
	}
	orig := len(out.Text)
	marker := fmt.Sprintf("\n[Output truncated: %d bytes → %d bytes]", orig, s.cfg.MaxOutputSize)
	keep := s.cfg.MaxOutputSize - len(marker)
	if keep < 0 {
		keep = 0
	}
	truncated := *out
	truncated.Text = out.Text[:keep] + marker
	slog.Warn("task output truncated", "task", taskID, "original_bytes", orig, "max_bytes", s.cfg.MaxOutputSize)
	return &truncated
}

func (s *Scheduler) loadOutput(taskID string) (*dag.Output, bool) {
	s.outputsMu.RLock()
	defer s.outputsMu.RUnlock()
	out, ok := s.outputs[taskID]
	return out, ok
}

func (s *Scheduler) storeOutput(taskID string, out *dag.Output) {
	s.outputsMu.Lock()
	defer s.outputsMu.Unlock()
	s.outputs[taskID] = out
}

func (s *Scheduler) registerToken(taskID string, cancel context.CancelFunc) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	s.tokens[taskID] = cancel
}

func (s *Scheduler) releaseToken(taskID string) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	delete(s.tokens, taskID)
}

func (s *Scheduler) updateObservedMax(n int64) {
	for {
		cur := atomic.LoadInt64(&s.observedMax)
		if n <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&s.observedMax, cur, n) {
			return
		}
	}
}

func (s *Scheduler) signalStateChange() {
	s.notifyMu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	s.notifyMu.Unlock()
}

func (s *Scheduler) currentNotify() chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notify
}

// Pause stops scheduling new work; in-flight tasks continue to
// completion (§4.5). No-op if not running or already paused.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	g := s.graph
	if g == nil || s.paused || s.hardCancelled || !g.MarkPaused() {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.mu.Unlock()

	s.signalStateChange()
}

// Resume is Pause's inverse. No-op if not paused.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	g := s.graph
	if g == nil || !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	s.mu.Unlock()

	if g.MarkResumed() {
		s.signalStateChange()
	}
}

// Cancel is the global hard cancel (§4.5): fires every per-task
// cancellation token (by cancelling the run context every token derives
// from), SIGTERMs then SIGKILLs every live shell child, transitions every
// non-terminal task to Cancelled, and sets the DAG status to Cancelled.
// Idempotent; a no-op on an already-terminal DAG.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	g := s.graph
	runCancel := s.runCancel
	if g == nil || s.hardCancelled {
		s.mu.Unlock()
		return
	}
	switch g.GetStatus() {
	case dag.GraphCompleted, dag.GraphFailed, dag.GraphCancelled:
		s.mu.Unlock()
		return
	}
	s.hardCancelled = true
	s.mu.Unlock()

	if runCancel != nil {
		runCancel()
	}
	s.registry.Processes().TerminateAll(terminationGrace)
	g.MarkCancelled()
	s.signalStateChange()
}
