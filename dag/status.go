package dag

import (
	"fmt"
	"time"
)

// UpdateStatus transitions a task to newStatus if the edge is permitted
// (invariant 3), stamping timestamps per invariant 4 and firing exactly
// one lifecycle event. It is a programming error to request a transition
// not present in validTransitions; callers should prefer the more specific
// StartTask/CompleteTask/FailTask/CancelTask helpers below.
func (g *Graph) UpdateStatus(id string, newStatus Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if err := g.transitionLocked(t, newStatus); err != nil {
		return err
	}
	kinds := map[Status]string{
		StatusReady: "task:ready", StatusRunning: "task:start", StatusCompleted: "task:complete",
		StatusFailed: "task:failed", StatusCancelled: "task:cancelled", StatusSkipped: "task:skipped",
	}
	g.emit(kinds[newStatus], id, nil)
	g.emit("progress:update", "", g.statisticsLocked())
	return nil
}

func (g *Graph) transitionLocked(t *Task, newStatus Status) error {
	if !canTransition(t.Status, newStatus) {
		return fmt.Errorf("invalid transition for task %s: %s -> %s", t.ID, t.Status, newStatus)
	}
	t.Status = newStatus
	now := time.Now()
	if newStatus == StatusRunning {
		t.Metadata.StartedAt = &now
	}
	if newStatus.IsTerminal() {
		t.Metadata.CompletedAt = &now
		if t.Metadata.StartedAt != nil {
			t.Metadata.Duration = now.Sub(*t.Metadata.StartedAt)
		}
	}
	return nil
}

// StartTask requires the task to be Ready and moves it to Running.
func (g *Graph) StartTask(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status != StatusReady {
		return fmt.Errorf("task %s is not ready (status=%s)", id, t.Status)
	}
	if err := g.transitionLocked(t, StatusRunning); err != nil {
		return err
	}
	g.emit("task:start", id, nil)
	g.emit("progress:update", "", g.statisticsLocked())
	return nil
}

// CompleteTask stores output, transitions the task to Completed, and
// promotes any dependents whose readiness is now satisfied (C4).
func (g *Graph) CompleteTask(id string, output *Output) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if err := g.transitionLocked(t, StatusCompleted); err != nil {
		return err
	}
	t.Output = output
	t.Failure = nil
	g.emit("task:complete", id, output)

	ready := g.promoteDependentsLocked(t)
	for _, r := range ready {
		g.emit("task:ready", r.ID, nil)
	}
	g.emit("progress:update", "", g.statisticsLocked())
	return nil
}

// FailTask applies the retry-or-terminal contract from §4.1: retryable
// failures under the retry budget re-arm the task to Ready and fire
// task:retry instead of a terminal event; otherwise the task becomes
// Failed and failure propagation (§4.4) runs.
func (g *Graph) FailTask(id string, failure *Failure) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}

	if failure.Retryable && t.Metadata.RetryCount < t.Metadata.MaxRetries {
		// Re-arm straight to Ready: retries never observably pass through
		// the terminal Failed status, and no terminal event fires for them.
		t.Metadata.RetryCount++
		t.Status = StatusReady
		t.Metadata.StartedAt = nil
		t.Metadata.CompletedAt = nil
		g.emit("task:retry", id, failure)
		g.emit("task:ready", id, nil)
		g.emit("progress:update", "", g.statisticsLocked())
		return nil
	}

	if err := g.transitionLocked(t, StatusFailed); err != nil {
		return err
	}
	t.Failure = failure
	t.Output = nil
	g.emit("task:failed", id, failure)

	g.propagateFailureLocked(t)
	g.emit("progress:update", "", g.statisticsLocked())
	return nil
}

// CancelTask is a no-op if the task is already terminal, otherwise moves
// it straight to Cancelled.
func (g *Graph) CancelTask(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.IsTerminal() {
		return nil
	}
	if err := g.transitionLocked(t, StatusCancelled); err != nil {
		return err
	}
	g.emit("task:cancelled", id, nil)
	g.emit("progress:update", "", g.statisticsLocked())
	return nil
}
