// Package executor implements per-task-type execution (C6): built-in
// agent, shell, and checkpoint executors dispatched through a type
// registry, each honoring a cancellation token and a bounded timeout.
package executor

import "github.com/swarmguard/taskdag/dag"

// ExecutionContext is what the scheduler computes for a single task
// invocation: dependency outputs, a shared-context snapshot, and the
// working directory / budget carried over from the caller's
// SchedulerContext. It is a snapshot, never a live reference, so
// executors cannot race the coordinator (§5, shared-resource policy).
type ExecutionContext struct {
	DAGID             string
	DependencyOutputs map[string]*dag.Output
	SharedContext     map[string]interface{}
	WorkingDirectory  string
	RemainingBudget   *float64
	ParentToolCallID  string

	// OutputPassingEnabled mirrors scheduler.Config.EnableOutputPassing for
	// this invocation; only the agent executor consults it (§4.5).
	OutputPassingEnabled bool

	// Opaque to the scheduler; forwarded to agent executors as-is.
	ModelConfig  interface{}
	ToolRegistry map[string]interface{}
}
