package snapshotstore

import (
	"path/filepath"
	"testing"

	"github.com/swarmguard/taskdag/dag"
	"github.com/swarmguard/taskdag/scheduler"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	snap := dag.Snapshot{ID: "d1", Name: "first", Tasks: []*dag.Task{
		{ID: "a", Name: "a", Type: dag.TaskTypeShell, Status: dag.StatusCompleted},
	}}
	if err := s.PutSnapshot(snap); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.GetSnapshot("d1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Name != "first" || len(got.Tasks) != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestPutSnapshotVersionsPreviousValue(t *testing.T) {
	s := openTestStore(t)

	_ = s.PutSnapshot(dag.Snapshot{ID: "d1", Name: "v1"})
	_ = s.PutSnapshot(dag.Snapshot{ID: "d1", Name: "v2"})

	got, ok, err := s.GetSnapshot("d1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Name != "v2" {
		t.Fatalf("expected latest version, got %q", got.Name)
	}
}

func TestListSnapshots(t *testing.T) {
	s := openTestStore(t)

	_ = s.PutSnapshot(dag.Snapshot{ID: "d1"})
	_ = s.PutSnapshot(dag.Snapshot{ID: "d2"})

	ids, err := s.ListSnapshots()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
}

func TestPutGetResult(t *testing.T) {
	s := openTestStore(t)

	res := &scheduler.ExecutionResult{Success: true, CompletedTasks: 3}
	if err := s.PutResult("d1", res); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.GetResult("d1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !got.Success || got.CompletedTasks != 3 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestListResultsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	_ = s.PutResult("d1", &scheduler.ExecutionResult{CompletedTasks: 1})
	_ = s.PutResult("d1", &scheduler.ExecutionResult{CompletedTasks: 2})

	results, err := s.ListResults("d1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].CompletedTasks != 2 {
		t.Fatalf("expected newest first, got %+v", results[0])
	}
}
