package dag

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FailureStrategy controls how a non-allowFailure task failure propagates.
type FailureStrategy string

const (
	FailureStrategyFailFast           FailureStrategy = "fail-fast"
	FailureStrategyContinue           FailureStrategy = "continue"
	FailureStrategyRetryThenContinue  FailureStrategy = "retry-then-continue"
)

// Options configures graph-wide defaults and failure policy.
type Options struct {
	MaxParallelism      int             `json:"maxParallelism"`
	DefaultTimeout      time.Duration   `json:"defaultTimeout"`
	DefaultMaxRetries   int             `json:"defaultMaxRetries"`
	GlobalBudget        *float64        `json:"globalBudget,omitempty"`
	FailureStrategy     FailureStrategy `json:"failureStrategy"`
	EnableOutputPassing bool            `json:"enableOutputPassing"`
	EnableSharedContext bool            `json:"enableSharedContext"`
}

// DefaultOptions mirrors the spec's stated defaults.
func DefaultOptions() Options {
	return Options{
		MaxParallelism:      4,
		DefaultTimeout:      120 * time.Second,
		DefaultMaxRetries:   0,
		FailureStrategy:      FailureStrategyFailFast,
		EnableOutputPassing: false,
		EnableSharedContext: false,
	}
}

// GraphStatus is the DAG's own lifecycle status.
type GraphStatus string

const (
	GraphIdle      GraphStatus = "idle"
	GraphRunning   GraphStatus = "running"
	GraphPaused    GraphStatus = "paused"
	GraphCompleted GraphStatus = "completed"
	GraphFailed    GraphStatus = "failed"
	GraphCancelled GraphStatus = "cancelled"
)

// EventSink receives one notification per task or graph status transition.
// The scheduler package wires this to the event bus; dag stays free of
// that dependency so it can be tested and used standalone.
type EventSink func(kind string, taskID string, data interface{})

// Graph is the DAG store (C2): it owns every Task and maintains the
// dependency/dependents invariant, plus cached topology (C3) and the
// readiness/failure-propagation rules (C4).
type Graph struct {
	mu sync.RWMutex

	ID          string
	Name        string
	Description string
	Options     Options

	tasks         map[string]*Task
	order         []string // insertion order, for deterministic iteration
	sharedContext map[string]interface{}

	Status      GraphStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	topoCache     []string
	topoDirty     bool
	criticalCache []string
	criticalDur   time.Duration
	criticalDirty bool

	onEvent EventSink
}

// NewGraph constructs an empty DAG with the given options; zero-value
// fields in opts are filled from DefaultOptions().
func NewGraph(id, name string, opts Options) *Graph {
	if id == "" {
		id = uuid.NewString()
	}
	def := DefaultOptions()
	if opts.MaxParallelism <= 0 {
		opts.MaxParallelism = def.MaxParallelism
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = def.DefaultTimeout
	}
	if opts.FailureStrategy == "" {
		opts.FailureStrategy = def.FailureStrategy
	}
	return &Graph{
		ID:            id,
		Name:          name,
		Options:       opts,
		tasks:         make(map[string]*Task),
		sharedContext: make(map[string]interface{}),
		Status:        GraphIdle,
		CreatedAt:     time.Now(),
		topoDirty:     true,
		criticalDirty: true,
	}
}

// SetEventSink registers the callback invoked on every status transition.
func (g *Graph) SetEventSink(sink EventSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onEvent = sink
}

func (g *Graph) emit(kind, taskID string, data interface{}) {
	if g.onEvent != nil {
		g.onEvent(kind, taskID, data)
	}
}

func (g *Graph) markDirty() {
	g.topoDirty = true
	g.criticalDirty = true
}

// AddTask inserts a fully-specified task, rejecting it if any dependency
// is not already present (C2 contract), and wires dependents symmetry
// (invariant 1).
func (g *Graph) AddTask(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addTaskLocked(t)
}

func (g *Graph) addTaskLocked(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	for _, dep := range t.Dependencies {
		depTask, ok := g.tasks[dep]
		if !ok {
			return fmt.Errorf("task %s depends on non-existent task %s", t.ID, dep)
		}
		if !containsStr(depTask.Dependents, t.ID) {
			depTask.Dependents = append(depTask.Dependents, t.ID)
		}
	}
	if t.Metadata.CreatedAt.IsZero() {
		t.Metadata.CreatedAt = time.Now()
	}
	if t.Metadata.MaxRetries == 0 {
		t.Metadata.MaxRetries = g.Options.DefaultMaxRetries
	}
	if t.Timeout == 0 {
		t.Timeout = g.Options.DefaultTimeout
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	g.markDirty()
	return nil
}

// AddAgentTask constructs and inserts an agent task with graph defaults applied.
func (g *Graph) AddAgentTask(id, name string, cfg AgentConfig, deps []string, opts ...TaskOption) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := newTask(id, name, TaskTypeAgent, deps, g.Options.DefaultTimeout, g.Options.DefaultMaxRetries)
	t.Agent = &cfg
	applyTaskOptions(t, opts)
	if err := g.addTaskLocked(t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddShellTask constructs and inserts a shell task with graph defaults applied.
func (g *Graph) AddShellTask(id, name string, cfg ShellConfig, deps []string, opts ...TaskOption) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := newTask(id, name, TaskTypeShell, deps, g.Options.DefaultTimeout, g.Options.DefaultMaxRetries)
	t.Shell = &cfg
	applyTaskOptions(t, opts)
	if err := g.addTaskLocked(t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddCheckpoint constructs and inserts a checkpoint barrier task.
func (g *Graph) AddCheckpoint(id string, deps []string, cfg CheckpointConfig, opts ...TaskOption) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name := cfg.Name
	if name == "" {
		name = id
	}
	t := newTask(id, name, TaskTypeCheckpoint, deps, g.Options.DefaultTimeout, g.Options.DefaultMaxRetries)
	t.Checkpoint = &cfg
	applyTaskOptions(t, opts)
	if err := g.addTaskLocked(t); err != nil {
		return nil, err
	}
	return t, nil
}

// TaskOption tweaks a newly-constructed task before insertion.
type TaskOption func(*Task)

func WithPriority(p Priority) TaskOption       { return func(t *Task) { t.Priority = p } }
func WithTimeout(d time.Duration) TaskOption   { return func(t *Task) { t.Timeout = d } }
func WithAllowFailure(v bool) TaskOption       { return func(t *Task) { t.AllowFailure = v } }
func WithMaxRetries(n int) TaskOption          { return func(t *Task) { t.Metadata.MaxRetries = n } }
func WithEstimatedDuration(d time.Duration) TaskOption {
	return func(t *Task) { t.Metadata.EstimatedDuration = d }
}
func WithCacheable(v bool) TaskOption { return func(t *Task) { t.Cacheable = v } }
func WithDescription(d string) TaskOption { return func(t *Task) { t.Description = d } }

func applyTaskOptions(t *Task, opts []TaskOption) {
	for _, opt := range opts {
		opt(t)
	}
}

// AddDependency idempotently adds dependsOn as a dependency of taskID.
func (g *Graph) AddDependency(taskID, dependsOn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	dep, ok := g.tasks[dependsOn]
	if !ok {
		return fmt.Errorf("task %s depends on non-existent task %s", taskID, dependsOn)
	}
	if containsStr(t.Dependencies, dependsOn) {
		return nil // idempotent
	}
	t.Dependencies = append(t.Dependencies, dependsOn)
	if !containsStr(dep.Dependents, taskID) {
		dep.Dependents = append(dep.Dependents, taskID)
	}
	g.markDirty()
	return nil
}

// RemoveTask deletes a task and cleans up dangling references.
func (g *Graph) RemoveTask(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	for _, dep := range t.Dependencies {
		if d, ok := g.tasks[dep]; ok {
			d.Dependents = removeStr(d.Dependents, id)
		}
	}
	for _, dependent := range t.Dependents {
		if d, ok := g.tasks[dependent]; ok {
			d.Dependencies = removeStr(d.Dependencies, id)
		}
	}
	delete(g.tasks, id)
	g.order = removeStr(g.order, id)
	g.markDirty()
	return nil
}

// GetTask returns a copy of the task with the given id.
func (g *Graph) GetTask(id string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Tasks returns copies of every task, in insertion order.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].clone())
	}
	return out
}

// TaskCount returns the number of tasks currently in the graph.
func (g *Graph) TaskCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// SetContext sets a key in the shared context map.
func (g *Graph) SetContext(key string, value interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sharedContext[key] = value
}

// ContextSnapshot returns a shallow copy of the shared context map, safe
// for executors to read without racing the coordinator.
func (g *Graph) ContextSnapshot() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]interface{}, len(g.sharedContext))
	for k, v := range g.sharedContext {
		out[k] = v
	}
	return out
}

// GetStatus returns the graph's current lifecycle status.
func (g *Graph) GetStatus() GraphStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.Status
}

// MarkRunning transitions the graph to Running and stamps StartedAt, for
// use by the scheduler at the start of execute(). A no-op if already
// running (idempotent start).
func (g *Graph) MarkRunning() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Status == GraphRunning {
		return
	}
	now := time.Now()
	g.Status = GraphRunning
	g.StartedAt = &now
	g.emit("dag:start", "", nil)
}

// MarkPaused/MarkResumed implement the pause()/resume() control operations
// (§4.5); both are no-ops if the requested state is already current.
func (g *Graph) MarkPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Status != GraphRunning {
		return false
	}
	g.Status = GraphPaused
	g.emit("dag:paused", "", nil)
	return true
}

func (g *Graph) MarkResumed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Status != GraphPaused {
		return false
	}
	g.Status = GraphRunning
	g.emit("dag:resumed", "", nil)
	return true
}

// MarkCancelled transitions every non-terminal task to Cancelled and sets
// the graph status to Cancelled, for cancel()'s global hard-cancel path.
// Idempotent: calling it on an already-terminal graph does nothing.
func (g *Graph) MarkCancelled() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Status == GraphCompleted || g.Status == GraphFailed || g.Status == GraphCancelled {
		return
	}
	for _, t := range g.tasks {
		if !t.Status.IsTerminal() {
			_ = g.transitionLocked(t, StatusCancelled)
			g.emit("task:cancelled", t.ID, nil)
		}
	}
	g.emit("progress:update", "", g.statisticsLocked())
	now := time.Now()
	g.Status = GraphCancelled
	g.CompletedAt = &now
	g.emit("dag:cancelled", "", nil)
}

// IsComplete reports whether every task has reached a terminal status.
func (g *Graph) IsComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// FinalizeStatus computes and sets the DAG's terminal status per §4.5: a
// critical failure (a Failed task with AllowFailure=false) makes the
// verdict Failed; otherwise Completed if at least one task completed. A
// graph already Cancelled or Failed (set by MarkCancelled or fail-fast
// propagation) is left untouched.
func (g *Graph) FinalizeStatus() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Status == GraphCancelled || g.Status == GraphFailed {
		return
	}

	criticalFailure := false
	anyCompleted := false
	for _, t := range g.tasks {
		if t.Status == StatusFailed && !t.AllowFailure {
			criticalFailure = true
		}
		if t.Status == StatusCompleted {
			anyCompleted = true
		}
	}

	now := time.Now()
	g.CompletedAt = &now
	if criticalFailure {
		g.Status = GraphFailed
		g.emit("dag:failed", "", nil)
		return
	}
	if anyCompleted {
		g.Status = GraphCompleted
		g.emit("dag:complete", "", nil)
	}
}

// Reset restores every task to pending, clears outputs/failures/timestamps
// and shared context, and sets the graph status back to idle, preserving
// shape (invariant: reset() reuses shape, per the Non-goals).
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tasks {
		t.Status = StatusPending
		t.Metadata.StartedAt = nil
		t.Metadata.CompletedAt = nil
		t.Metadata.Duration = 0
		t.Metadata.RetryCount = 0
		t.Output = nil
		t.Failure = nil
	}
	g.sharedContext = make(map[string]interface{})
	g.Status = GraphIdle
	g.StartedAt = nil
	g.CompletedAt = nil
	g.markDirty()
}

// Statistics is the progress snapshot emitted alongside every mutation.
type Statistics struct {
	TotalTasks           int           `json:"totalTasks"`
	CompletedTasks       int           `json:"completedTasks"`
	FailedTasks          int           `json:"failedTasks"`
	SkippedTasks         int           `json:"skippedTasks"`
	RunningTasks         int           `json:"runningTasks"`
	PendingTasks         int           `json:"pendingTasks"`
	ReadyTasks           int           `json:"readyTasks"`
	TotalDuration        time.Duration `json:"totalDuration"`
	TotalCost            float64       `json:"totalCost"`
	MaxParallelism       int           `json:"maxParallelism"`
	CriticalPathDuration *time.Duration `json:"criticalPathDuration,omitempty"`
}

// Statistics computes the current DAGStatistics snapshot.
func (g *Graph) Statistics() Statistics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.statisticsLocked()
}

func (g *Graph) statisticsLocked() Statistics {
	s := Statistics{TotalTasks: len(g.tasks), MaxParallelism: g.Options.MaxParallelism}
	for _, t := range g.tasks {
		switch t.Status {
		case StatusCompleted:
			s.CompletedTasks++
		case StatusFailed:
			s.FailedTasks++
		case StatusSkipped:
			s.SkippedTasks++
		case StatusRunning:
			s.RunningTasks++
		case StatusPending:
			s.PendingTasks++
		case StatusReady:
			s.ReadyTasks++
		}
		s.TotalDuration += t.Metadata.Duration
		s.TotalCost += t.Metadata.Cost
	}
	if !g.criticalDirty {
		d := g.criticalDur
		s.CriticalPathDuration = &d
	}
	return s
}

func containsStr(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func removeStr(ss []string, v string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// sortByPriorityDesc stable-sorts tasks by descending priority, preserving
// relative order among equal priorities (used by readiness and topology).
func sortByPriorityDesc(ts []*Task) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].Priority > ts[j].Priority })
}
