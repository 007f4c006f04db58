package dag

import "testing"

func TestSnapshotRoundTrip(t *testing.T) {
	g := NewGraph("snap-1", "roundtrip", Options{MaxParallelism: 2})
	_, _ = g.AddShellTask("a", "a", ShellConfig{Command: "true"}, nil)
	_, _ = g.AddShellTask("b", "b", ShellConfig{Command: "true"}, []string{"a"})

	snap := g.ToSnapshot()
	if snap.ID != "snap-1" || len(snap.Tasks) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	restored, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.ID != "snap-1" || restored.TaskCount() != 2 {
		t.Fatalf("unexpected restored graph: id=%s count=%d", restored.ID, restored.TaskCount())
	}

	order, err := restored.GetTopologicalOrder()
	if err != nil {
		t.Fatalf("topological order: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] {
		t.Fatalf("expected a before b after restore, got %v", order)
	}

	bTask, ok := restored.GetTask("b")
	if !ok {
		t.Fatal("expected task b to exist after restore")
	}
	if len(bTask.Dependencies) != 1 || bTask.Dependencies[0] != "a" {
		t.Fatalf("expected b to depend on a after restore, got %v", bTask.Dependencies)
	}
}

func TestSnapshotPreservesTaskStatus(t *testing.T) {
	g := NewGraph("", "status-preserve", Options{})
	_, _ = g.AddShellTask("a", "a", ShellConfig{Command: "true"}, nil)
	g.GetReadyTasks()
	_ = g.StartTask("a")
	_ = g.CompleteTask("a", &Output{Text: "done"})

	snap := g.ToSnapshot()
	restored, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	a, ok := restored.GetTask("a")
	if !ok {
		t.Fatal("expected task a to exist after restore")
	}
	if a.Status != StatusCompleted {
		t.Fatalf("expected Completed preserved, got %s", a.Status)
	}
	if a.Output == nil || a.Output.Text != "done" {
		t.Fatalf("expected output preserved, got %+v", a.Output)
	}
}
