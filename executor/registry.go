package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/taskdag/dag"
)

// Func is the executor contract: run task to completion (or throw),
// honoring ctx for cancellation and timeout.
type Func func(ctx context.Context, task *dag.Task, execCtx *ExecutionContext) (*dag.Output, error)

// Registry maps task type strings to executor functions. Dispatch by
// type string is dynamic by design (it enables extension); each built-in
// type still gets a tagged config field on dag.Task so payload access
// stays total and checked rather than an "as"-cast.
type Registry struct {
	mu    sync.RWMutex
	fns   map[dag.TaskType]Func
	shell *ShellExecutor
}

// NewRegistry constructs a registry with the built-in agent, shell, and
// checkpoint executors already registered.
func NewRegistry(runtime AgentRuntime) *Registry {
	shell := NewShellExecutor()
	r := &Registry{fns: make(map[dag.TaskType]Func), shell: shell}
	r.Register(dag.TaskTypeAgent, NewAgentExecutor(runtime).Execute)
	r.Register(dag.TaskTypeShell, shell.Execute)
	r.Register(dag.TaskTypeCheckpoint, NewCheckpointExecutor().Execute)
	return r
}

// Processes exposes the built-in shell executor's process registry so a
// global cancel can reach every live child process directly (§4.5, "keep a
// handle map for this purpose").
func (r *Registry) Processes() *ProcessRegistry {
	return r.shell.procs
}

// Register installs or replaces the executor for a task type.
func (r *Registry) Register(typ dag.TaskType, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[typ] = fn
}

// Execute dispatches task to its registered executor.
func (r *Registry) Execute(ctx context.Context, task *dag.Task, execCtx *ExecutionContext) (*dag.Output, error) {
	r.mu.RLock()
	fn, ok := r.fns[task.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no executor registered for task type %q", task.Type)
	}
	return fn(ctx, task, execCtx)
}
