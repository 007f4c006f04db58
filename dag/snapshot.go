package dag

import "fmt"

// Snapshot is the JSON-serializable round-trip format from §6: graph
// shape plus options. Event listeners and in-flight handles are never
// part of a snapshot.
type Snapshot struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tasks       []*Task  `json:"tasks"`
	Options     Options  `json:"options"`
}

// ToSnapshot serializes the graph's current shape and task state.
func (g *Graph) ToSnapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	tasks := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		tasks = append(tasks, g.tasks[id].clone())
	}
	return Snapshot{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Tasks:       tasks,
		Options:     g.Options,
	}
}

// FromSnapshot restores a graph, adding tasks in dependency order. If a
// cycle is encountered mid-restore, the remaining tasks are appended
// without dependency resolution: the intent is a lossless round-trip of
// shape, not correctness enforcement during parse. Validate() surfaces
// the cycle afterward.
func FromSnapshot(s Snapshot) (*Graph, error) {
	g := NewGraph(s.ID, s.Name, s.Options)
	g.Description = s.Description

	byID := make(map[string]*Task, len(s.Tasks))
	for _, t := range s.Tasks {
		byID[t.ID] = t
	}

	inserted := make(map[string]bool, len(s.Tasks))
	remaining := append([]*Task(nil), s.Tasks...)

	for len(remaining) > 0 {
		progressed := false
		var next []*Task
		for _, t := range remaining {
			ready := true
			for _, dep := range t.Dependencies {
				if !inserted[dep] {
					if _, exists := byID[dep]; exists {
						ready = false
						break
					}
				}
			}
			if ready {
				if err := g.addTaskLocked(cloneForRestore(t)); err != nil {
					return nil, fmt.Errorf("restore task %s: %w", t.ID, err)
				}
				inserted[t.ID] = true
				progressed = true
			} else {
				next = append(next, t)
			}
		}
		if !progressed {
			// Cycle among the remaining tasks: append them without
			// dependency resolution, preserving shape for Validate().
			for _, t := range next {
				orphan := cloneForRestore(t)
				orphan.Dependencies = nil
				if err := g.addTaskLocked(orphan); err != nil {
					return nil, fmt.Errorf("restore orphan %s: %w", t.ID, err)
				}
				// Re-attach the original dependency id list so Validate()
				// can still report the dangling/cyclic edges; addTaskLocked
				// only needed them empty to avoid rejecting the insert.
				orphan.Dependencies = append([]string(nil), t.Dependencies...)
				inserted[t.ID] = true
			}
			break
		}
		remaining = next
	}

	g.markDirty()
	return g, nil
}

func cloneForRestore(t *Task) *Task {
	c := *t
	if len(t.Dependencies) > 0 {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if len(t.Dependents) > 0 {
		c.Dependents = nil // recomputed as tasks are (re)inserted
	}
	return &c
}
