package dag

// dependencySatisfied is the promotion predicate from invariant 7: a
// dependency is satisfied if it completed, or failed with allowFailure.
func dependencySatisfied(dep *Task) bool {
	if dep.Status == StatusCompleted {
		return true
	}
	return dep.Status == StatusFailed && dep.AllowFailure
}

// dependencyValid is the "still might complete" predicate used by skip
// cascading: a dependency that could yet satisfy its successor.
func dependencyValid(dep *Task) bool {
	switch dep.Status {
	case StatusCompleted, StatusRunning, StatusReady, StatusPending:
		return true
	case StatusFailed:
		return dep.AllowFailure
	default:
		return false
	}
}

func (g *Graph) dependenciesSatisfiedLocked(t *Task) bool {
	for _, depID := range t.Dependencies {
		dep, ok := g.tasks[depID]
		if !ok || !dependencySatisfied(dep) {
			return false
		}
	}
	return true
}

// GetReadyTasks promotes every Pending task whose dependencies are all
// satisfied to Ready (the only legal path from Pending to Ready), then
// returns all Ready tasks sorted by descending priority.
func (g *Graph) GetReadyTasks() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	promoted := false
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status == StatusPending && g.dependenciesSatisfiedLocked(t) {
			t.Status = StatusReady
			g.emit("task:ready", t.ID, nil)
			promoted = true
		}
	}
	if promoted {
		g.emit("progress:update", "", g.statisticsLocked())
	}

	ready := make([]*Task, 0)
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status == StatusReady {
			ready = append(ready, t)
		}
	}
	sortByPriorityDesc(ready)

	out := make([]*Task, len(ready))
	for i, t := range ready {
		out[i] = t.clone()
	}
	return out
}

// promoteDependentsLocked re-checks every dependent of t for promotion to
// Ready now that t has completed, returning the tasks it promoted.
func (g *Graph) promoteDependentsLocked(t *Task) []*Task {
	var promoted []*Task
	for _, depID := range t.Dependents {
		d, ok := g.tasks[depID]
		if !ok || d.Status != StatusPending {
			continue
		}
		if g.dependenciesSatisfiedLocked(d) {
			d.Status = StatusReady
			promoted = append(promoted, d)
		}
	}
	return promoted
}

// propagateFailureLocked applies §4.4's non-retry failure propagation:
// fail-fast cancels the whole graph; otherwise dependents are recursively
// skipped, or promoted to Ready if the failure was an allowFailure one.
func (g *Graph) propagateFailureLocked(t *Task) {
	if g.Options.FailureStrategy == FailureStrategyFailFast && !t.AllowFailure {
		for _, other := range g.tasks {
			if !other.Status.IsTerminal() {
				_ = g.transitionLocked(other, StatusCancelled)
				g.emit("task:cancelled", other.ID, nil)
			}
		}
		g.Status = GraphFailed
		g.emit("dag:failed", "", nil)
		return
	}

	for _, depID := range t.Dependents {
		d, ok := g.tasks[depID]
		if !ok || d.Status.IsTerminal() {
			continue
		}
		if t.AllowFailure {
			if g.dependenciesSatisfiedLocked(d) {
				d.Status = StatusReady
				g.emit("task:ready", d.ID, nil)
			}
			continue
		}
		if !g.anyValidDependencyLocked(d) {
			d.Status = StatusSkipped
			g.emit("task:skipped", d.ID, nil)
			g.skipDependentsLocked(d)
		}
	}
}

// anyValidDependencyLocked reports whether d still has at least one
// dependency that could yet satisfy it.
func (g *Graph) anyValidDependencyLocked(d *Task) bool {
	for _, depID := range d.Dependencies {
		dep, ok := g.tasks[depID]
		if !ok {
			continue
		}
		if dependencyValid(dep) {
			return true
		}
	}
	return false
}

// skipDependentsLocked recursively marks dependents as Skipped once they
// have no remaining valid dependency.
func (g *Graph) skipDependentsLocked(t *Task) {
	for _, depID := range t.Dependents {
		d, ok := g.tasks[depID]
		if !ok || d.Status.IsTerminal() {
			continue
		}
		if !g.anyValidDependencyLocked(d) {
			d.Status = StatusSkipped
			g.emit("task:skipped", d.ID, nil)
			g.skipDependentsLocked(d)
		}
	}
}
