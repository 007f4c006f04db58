package scheduler

// ToolContext is the opaque tool-invocation context forwarded to agent
// executors: a working directory and an optional correlation id for
// subagent message tracking (§6).
type ToolContext struct {
	WorkingDirectory string
	ParentToolCallID string
}

// Context is the caller-supplied SchedulerContext (§6): everything the
// scheduler needs to compute a TaskExecutionContext per task, plus model
// and tool configuration that is opaque to the scheduler itself and
// forwarded to agent executors unexamined.
type Context struct {
	ModelConfig     interface{}
	ToolRegistry    map[string]interface{}
	Tool            ToolContext
	RemainingBudget *float64
}
