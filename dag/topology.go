package dag

import (
	"fmt"
	"time"
)

// GetTopologicalOrder computes (or returns the cached) topological order
// of task IDs using Kahn's algorithm. At each step the set of zero-
// in-degree candidates is sorted by descending priority so that ties in
// availability break toward higher priority. If the produced order is
// shorter than the task count, the graph contains a cycle.
func (g *Graph) GetTopologicalOrder() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.topologicalOrderLocked()
}

func (g *Graph) topologicalOrderLocked() ([]string, error) {
	if !g.topoDirty && g.topoCache != nil {
		return append([]string(nil), g.topoCache...), nil
	}

	indegree := make(map[string]int, len(g.tasks))
	for id, t := range g.tasks {
		indegree[id] = len(t.Dependencies)
	}

	var frontier []*Task
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, g.tasks[id])
		}
	}

	order := make([]string, 0, len(g.tasks))
	for len(frontier) > 0 {
		sortByPriorityDesc(frontier)
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next.ID)
		for _, depID := range next.Dependents {
			indegree[depID]--
			if indegree[depID] == 0 {
				frontier = append(frontier, g.tasks[depID])
			}
		}
	}

	if len(order) != len(g.tasks) {
		return order, fmt.Errorf("cycle detected: topological order covers %d of %d tasks", len(order), len(g.tasks))
	}

	g.topoCache = append([]string(nil), order...)
	g.topoDirty = false
	return order, nil
}

// GetExecutionLevels partitions tasks into the minimum-height levels used
// for parallelism statistics and visualization: level 0 has no
// dependencies; level k+1's tasks have every dependency in levels <= k.
// Within a level, tasks are ordered by descending priority.
func (g *Graph) GetExecutionLevels() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	level := make(map[string]int, len(g.tasks))
	remaining := make(map[string]int, len(g.tasks))
	for id, t := range g.tasks {
		remaining[id] = len(t.Dependencies)
	}

	var frontier []*Task
	for _, id := range g.order {
		if remaining[id] == 0 {
			frontier = append(frontier, g.tasks[id])
			level[id] = 0
		}
	}

	resolved := len(frontier)
	for len(frontier) > 0 {
		var nextFrontier []*Task
		for _, t := range frontier {
			for _, depID := range t.Dependents {
				remaining[depID]--
				if remaining[depID] == 0 {
					child := g.tasks[depID]
					level[depID] = level[t.ID] + 1
					nextFrontier = append(nextFrontier, child)
				}
			}
		}
		resolved += len(nextFrontier)
		frontier = nextFrontier
	}

	if resolved != len(g.tasks) {
		return nil, fmt.Errorf("cycle detected: execution levels resolved %d of %d tasks", resolved, len(g.tasks))
	}

	maxLevel := -1
	for _, l := range level {
		if l > maxLevel {
			maxLevel = l
		}
	}
	levels := make([][]string, maxLevel+1)
	buckets := make([][]*Task, maxLevel+1)
	for _, id := range g.order {
		l := level[id]
		buckets[l] = append(buckets[l], g.tasks[id])
	}
	for i, bucket := range buckets {
		sortByPriorityDesc(bucket)
		ids := make([]string, len(bucket))
		for j, t := range bucket {
			ids[j] = t.ID
		}
		levels[i] = ids
	}
	return levels, nil
}

// taskWeight returns the DP weight for critical-path analysis: the
// task's EstimatedDuration if set, otherwise the graph's DefaultTimeout.
func (g *Graph) taskWeight(t *Task) float64 {
	if t.Metadata.EstimatedDuration > 0 {
		return float64(t.Metadata.EstimatedDuration)
	}
	return float64(g.Options.DefaultTimeout)
}

// GetCriticalPath runs longest-path DP over the topologically ordered
// tasks and returns the path backtraced from the farthest-reached node,
// along with its total duration.
func (g *Graph) GetCriticalPath() ([]string, int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.criticalDirty && g.criticalCache != nil {
		return append([]string(nil), g.criticalCache...), int64(g.criticalDur), nil
	}

	order, err := g.topologicalOrderLocked()
	if err != nil {
		return nil, 0, err
	}

	dist := make(map[string]float64, len(order))
	prev := make(map[string]string, len(order))
	for _, id := range order {
		t := g.tasks[id]
		best := g.taskWeight(t)
		var bestPrev string
		for _, depID := range t.Dependencies {
			if cand := dist[depID] + g.taskWeight(t); cand > best {
				best = cand
				bestPrev = depID
			}
		}
		dist[id] = best
		if bestPrev != "" {
			prev[id] = bestPrev
		}
	}

	var farthest string
	var farthestDist float64
	for _, id := range order {
		if dist[id] > farthestDist || farthest == "" {
			farthestDist = dist[id]
			farthest = id
		}
	}

	var path []string
	for cur := farthest; cur != ""; {
		path = append([]string{cur}, path...)
		p, ok := prev[cur]
		if !ok {
			break
		}
		cur = p
	}

	g.criticalCache = append([]string(nil), path...)
	g.criticalDur = time.Duration(farthestDist)
	g.criticalDirty = false
	return path, int64(g.criticalDur), nil
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validate checks the structural and content requirements from §4.3:
// emptiness, cycles, dangling dependencies, entry points, and agent task
// config completeness as errors; isolated tasks in a multi-task graph as
// a warning.
func (g *Graph) Validate() ValidationResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	var result ValidationResult
	if len(g.tasks) == 0 {
		result.Errors = append(result.Errors, "graph has no tasks")
		return result
	}

	for _, t := range g.tasks {
		for _, dep := range t.Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				result.Errors = append(result.Errors, fmt.Sprintf("task %s depends on non-existent task %s", t.ID, dep))
			}
		}
		if t.Type == TaskTypeAgent {
			if t.Agent == nil || t.Agent.Role == "" || t.Agent.Prompt == "" {
				result.Errors = append(result.Errors, fmt.Sprintf("agent task %s is missing role or prompt", t.ID))
			}
		}
	}

	hasEntryPoint := false
	for _, t := range g.tasks {
		if len(t.Dependencies) == 0 {
			hasEntryPoint = true
			break
		}
	}
	if !hasEntryPoint {
		result.Errors = append(result.Errors, "graph has no entry point (every task has a dependency)")
	}

	if _, err := g.topologicalOrderLocked(); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	if len(g.tasks) > 1 {
		for _, t := range g.tasks {
			if len(t.Dependencies) == 0 && len(t.Dependents) == 0 {
				result.Warnings = append(result.Warnings, fmt.Sprintf("task %s is isolated", t.ID))
			}
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}
