// Package dag implements the task graph: node data, the task status
// machine, dependency storage, topological analysis, and readiness /
// failure-propagation rules. The scheduler package drives a Graph to
// completion; the dag package never runs task payloads itself.
package dag

import "time"

// TaskType selects which executor a task dispatches to.
type TaskType string

const (
	TaskTypeAgent      TaskType = "agent"
	TaskTypeShell      TaskType = "shell"
	TaskTypeCheckpoint TaskType = "checkpoint"

	// Declared for forward compatibility with custom executors; core
	// has no built-in implementation for these.
	TaskTypeWorkflow    TaskType = "workflow"
	TaskTypeFunction    TaskType = "function"
	TaskTypeParallel    TaskType = "parallel"
	TaskTypeConditional TaskType = "conditional"
	TaskTypeEvaluate    TaskType = "evaluate"
)

// Status is a task's position in the status machine. Terminal statuses
// are Completed, Failed, Cancelled, and Skipped.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether s is one of the four terminal statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// Priority orders tasks among equally-ready candidates; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// AgentConfig configures an agent-role LLM invocation. The agent runtime
// itself is an external collaborator; the scheduler only resolves this
// config and forwards it along with a cancellation token.
type AgentConfig struct {
	Role          string   `json:"role"`
	Prompt        string   `json:"prompt"`
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
	ToolAllowlist []string `json:"toolAllowlist,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
}

// ShellConfig configures a child-process invocation.
type ShellConfig struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// CheckpointConfig configures a synthetic barrier task.
type CheckpointConfig struct {
	Name              string `json:"name"`
	RequireAllSuccess bool   `json:"requireAllSuccess"`
	CollectOutputs    bool   `json:"collectOutputs"`
}

// Metadata tracks timing, retry, and cost bookkeeping for a task.
type Metadata struct {
	CreatedAt         time.Time     `json:"createdAt"`
	StartedAt         *time.Time    `json:"startedAt,omitempty"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
	Duration          time.Duration `json:"duration,omitempty"`
	RetryCount        int           `json:"retryCount"`
	MaxRetries        int           `json:"maxRetries"`
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty"`
	Cost              float64       `json:"cost,omitempty"`
}

// Output is the payload a completed task produces.
type Output struct {
	Text       string                 `json:"text"`
	Data       map[string]interface{} `json:"data,omitempty"`
	ToolsUsed  []string               `json:"toolsUsed,omitempty"`
	Iterations int                    `json:"iterations,omitempty"`
}

// Failure is the payload a failed task produces.
type Failure struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
	Stack     string `json:"stack,omitempty"`
}

// Task is a single DAG node. The graph is the sole owner of Task values;
// components outside dag reference tasks by ID.
type Task struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        TaskType `json:"type"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`

	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`

	Agent      *AgentConfig      `json:"agent,omitempty"`
	Shell      *ShellConfig      `json:"shell,omitempty"`
	Checkpoint *CheckpointConfig `json:"checkpoint,omitempty"`

	Timeout      time.Duration `json:"timeout,omitempty"`
	AllowFailure bool          `json:"allowFailure"`

	// Cacheable opts a task into the result cache (§4.8 of SPEC_FULL.md).
	// Never implied by Type; off unless the caller sets it.
	Cacheable bool `json:"cacheable,omitempty"`

	Metadata Metadata `json:"metadata"`
	Output   *Output  `json:"output,omitempty"`
	Failure  *Failure `json:"failure,omitempty"`
}

// clone returns a deep-enough copy for safe return to callers outside the
// graph's lock (slices are copied; nested pointers are replaced, not
// shared, for Output/Failure which are written exactly once then read).
func (t *Task) clone() *Task {
	c := *t
	if len(t.Dependencies) > 0 {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if len(t.Dependents) > 0 {
		c.Dependents = append([]string(nil), t.Dependents...)
	}
	if t.Agent != nil {
		a := *t.Agent
		c.Agent = &a
	}
	if t.Shell != nil {
		s := *t.Shell
		c.Shell = &s
	}
	if t.Checkpoint != nil {
		cp := *t.Checkpoint
		c.Checkpoint = &cp
	}
	if t.Output != nil {
		o := *t.Output
		c.Output = &o
	}
	if t.Failure != nil {
		f := *t.Failure
		c.Failure = &f
	}
	return &c
}

// newTask builds the common envelope shared by all task helpers, applying
// graph-level defaults for timeout and max retries.
func newTask(id, name string, typ TaskType, deps []string, timeout time.Duration, maxRetries int) *Task {
	return &Task{
		ID:           id,
		Name:         name,
		Type:         typ,
		Status:       StatusPending,
		Priority:     PriorityNormal,
		Dependencies: append([]string(nil), deps...),
		Timeout:      timeout,
		Metadata: Metadata{
			CreatedAt:  time.Now(),
			MaxRetries: maxRetries,
		},
	}
}

// validTransitions enumerates the permitted status edges (invariant 3).
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusReady: true, StatusSkipped: true, StatusCancelled: true},
	StatusReady:   {StatusRunning: true, StatusSkipped: true, StatusCancelled: true},
	StatusRunning: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:  {StatusReady: true}, // retry re-arm
}

func canTransition(from, to Status) bool {
	if from == to {
		return false
	}
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
