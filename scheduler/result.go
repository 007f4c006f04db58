package scheduler

import (
	"time"

	"github.com/swarmguard/taskdag/dag"
)

// TaskError is one entry in ExecutionResult.Errors: a critical failure
// (a Failed task with AllowFailure=false), per §7's user-visible surface.
type TaskError struct {
	TaskID  string
	Message string
}

// ExecutionResult is execute()'s return value (§6).
type ExecutionResult struct {
	Success        bool
	DAG            *dag.Graph
	TotalDuration  time.Duration
	MaxParallelism int
	CompletedTasks int
	FailedTasks    int
	Errors         []TaskError
}

func buildResult(g *dag.Graph, observedMaxParallelism int) *ExecutionResult {
	stats := g.Statistics()

	var errs []TaskError
	for _, t := range g.Tasks() {
		if t.Status == dag.StatusFailed && !t.AllowFailure {
			msg := ""
			if t.Failure != nil {
				msg = t.Failure.Message
			}
			errs = append(errs, TaskError{TaskID: t.ID, Message: msg})
		}
	}

	var total time.Duration
	if g.StartedAt != nil && g.CompletedAt != nil {
		total = g.CompletedAt.Sub(*g.StartedAt)
	}

	return &ExecutionResult{
		Success:        len(errs) == 0,
		DAG:            g,
		TotalDuration:  total,
		MaxParallelism: observedMaxParallelism,
		CompletedTasks: stats.CompletedTasks,
		FailedTasks:    stats.FailedTasks,
		Errors:         errs,
	}
}
