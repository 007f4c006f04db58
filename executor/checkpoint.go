package executor

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskdag/dag"
)

const checkpointTextPreviewLen = 500

// CheckpointExecutor runs dag.TaskTypeCheckpoint tasks: a synthetic
// barrier that inspects dependency terminal statuses and optionally
// aggregates their outputs (§4.6). It never touches the graph directly;
// the scheduler has already resolved DependencyOutputs into execCtx.
type CheckpointExecutor struct {
	tracer trace.Tracer
}

// NewCheckpointExecutor constructs a checkpoint executor.
func NewCheckpointExecutor() *CheckpointExecutor {
	return &CheckpointExecutor{tracer: otel.Tracer("taskdag-executor-checkpoint")}
}

// Execute fails with "Checkpoint <name> failed: not all dependencies
// completed successfully" when RequireAllSuccess is set and any dependency
// output is missing (the scheduler only populates DependencyOutputs for
// completed dependencies, so a missing entry means that dependency did not
// complete). When CollectOutputs is set, it builds {depId -> {text
// (first 500 chars), data}} as structured data.
func (ce *CheckpointExecutor) Execute(ctx context.Context, task *dag.Task, execCtx *ExecutionContext) (*dag.Output, error) {
	_, span := ce.tracer.Start(ctx, "checkpoint.execute")
	defer span.End()

	cfg := task.Checkpoint
	if cfg == nil {
		return nil, fmt.Errorf("checkpoint task %s: missing checkpoint config", task.ID)
	}

	depIDs := make([]string, 0, len(task.Dependencies))
	depIDs = append(depIDs, task.Dependencies...)
	sort.Strings(depIDs)

	succeeded := 0
	for _, id := range depIDs {
		if execCtx.DependencyOutputs[id] != nil {
			succeeded++
		}
	}

	if cfg.RequireAllSuccess && succeeded < len(depIDs) {
		return nil, fmt.Errorf("Checkpoint %s failed: not all dependencies completed successfully", cfg.Name)
	}

	var data map[string]interface{}
	if cfg.CollectOutputs {
		data = make(map[string]interface{}, len(depIDs))
		for _, id := range depIDs {
			out := execCtx.DependencyOutputs[id]
			if out == nil {
				continue
			}
			text := out.Text
			if len(text) > checkpointTextPreviewLen {
				text = text[:checkpointTextPreviewLen]
			}
			data[id] = map[string]interface{}{
				"text": text,
				"data": out.Data,
			}
		}
	}

	return &dag.Output{
		Text: fmt.Sprintf("checkpoint %s: %d/%d dependencies completed", cfg.Name, succeeded, len(depIDs)),
		Data: data,
	}, nil
}
