package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/swarmguard/taskdag/dag"
	"github.com/swarmguard/taskdag/events"
	"github.com/swarmguard/taskdag/executor"
)

func newScheduler(t *testing.T, cfg Config) (*Scheduler, *executor.Registry, *events.Bus) {
	t.Helper()
	registry := executor.NewRegistry(nil)
	bus := events.NewBus()
	return New(cfg, registry, bus), registry, bus
}

func TestExecuteRunsLinearChainToCompletion(t *testing.T) {
	sched, _, _ := newScheduler(t, DefaultConfig())

	g := dag.NewGraph("", "linear", dag.Options{})
	if _, err := g.AddShellTask("a", "a", dag.ShellConfig{Command: "echo a"}, nil); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if _, err := g.AddShellTask("b", "b", dag.ShellConfig{Command: "echo b"}, []string{"a"}); err != nil {
		t.Fatalf("add b: %v", err)
	}

	res, err := sched.Execute(context.Background(), g, Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got errors: %+v", res.Errors)
	}
	if res.CompletedTasks != 2 {
		t.Fatalf("expected 2 completed tasks, got %d", res.CompletedTasks)
	}
}

func TestExecuteRejectsInvalidGraph(t *testing.T) {
	sched, _, _ := newScheduler(t, DefaultConfig())
	g := dag.NewGraph("", "empty", dag.Options{})

	if _, err := sched.Execute(context.Background(), g, Context{}); err == nil {
		t.Fatal("expected validation error for an empty graph")
	}
}

func TestExecuteFailFastCancelsSiblings(t *testing.T) {
	cfg := DefaultConfig()
	sched, _, _ := newScheduler(t, cfg)

	g := dag.NewGraph("", "fail-fast", dag.Options{FailureStrategy: dag.FailureStrategyFailFast})
	if _, err := g.AddShellTask("boom", "boom", dag.ShellConfig{Command: "false"}, nil); err != nil {
		t.Fatalf("add boom: %v", err)
	}
	if _, err := g.AddShellTask("slow", "slow", dag.ShellConfig{Command: "sleep 5"}, nil); err != nil {
		t.Fatalf("add slow: %v", err)
	}

	res, err := sched.Execute(context.Background(), g, Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if g.GetStatus() != dag.GraphFailed {
		t.Fatalf("expected graph status Failed, got %v", g.GetStatus())
	}
}

func TestExecuteAllowFailureLetsDependentsRun(t *testing.T) {
	sched, _, _ := newScheduler(t, DefaultConfig())

	g := dag.NewGraph("", "allow-failure", dag.Options{})
	if _, err := g.AddShellTask("a", "a", dag.ShellConfig{Command: "false"}, nil, dag.WithAllowFailure(true)); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if _, err := g.AddShellTask("b", "b", dag.ShellConfig{Command: "echo b"}, []string{"a"}); err != nil {
		t.Fatalf("add b: %v", err)
	}

	res, err := sched.Execute(context.Background(), g, Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, ok := g.GetTask("b")
	if !ok || b.Status != dag.StatusCompleted {
		t.Fatalf("expected b to complete despite a's allowed failure, got %+v", b)
	}
	if res.FailedTasks != 1 {
		t.Fatalf("expected 1 failed task recorded, got %d", res.FailedTasks)
	}
}

func TestExecuteRetriesTransientFailureUntilSuccess(t *testing.T) {
	sched, registry, _ := newScheduler(t, DefaultConfig())

	attempts := 0
	registry.Register(dag.TaskTypeShell, func(ctx context.Context, task *dag.Task, execCtx *executor.ExecutionContext) (*dag.Output, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient failure %d", attempts)
		}
		return &dag.Output{Text: "ok"}, nil
	})

	g := dag.NewGraph("", "retry", dag.Options{})
	if _, err := g.AddShellTask("a", "a", dag.ShellConfig{Command: "irrelevant"}, nil, dag.WithMaxRetries(5)); err != nil {
		t.Fatalf("add a: %v", err)
	}

	res, err := sched.Execute(context.Background(), g, Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected eventual success after retries, got errors: %+v", res.Errors)
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestExecuteRespectsMaxParallelism(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxParallelism = 2
	sched, _, _ := newScheduler(t, cfg)

	g := dag.NewGraph("", "fanout", dag.Options{})
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("t%d", i)
		if _, err := g.AddShellTask(id, id, dag.ShellConfig{Command: "sleep 0.05"}, nil); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	res, err := sched.Execute(context.Background(), g, Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MaxParallelism > 2 {
		t.Fatalf("expected observed parallelism <= 2, got %d", res.MaxParallelism)
	}
}

func TestCancelStopsInFlightExecution(t *testing.T) {
	sched, _, _ := newScheduler(t, DefaultConfig())

	g := dag.NewGraph("", "cancel", dag.Options{})
	if _, err := g.AddShellTask("slow", "slow", dag.ShellConfig{Command: "sleep 5"}, nil); err != nil {
		t.Fatalf("add slow: %v", err)
	}

	done := make(chan *ExecutionResult, 1)
	go func() {
		res, _ := sched.Execute(context.Background(), g, Context{})
		done <- res
	}()

	time.Sleep(100 * time.Millisecond)
	sched.Cancel()

	select {
	case res := <-done:
		if g.GetStatus() != dag.GraphCancelled {
			t.Fatalf("expected graph status Cancelled, got %v", g.GetStatus())
		}
		if res == nil {
			t.Fatal("expected a result even on cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not return after cancel")
	}
}

func TestPauseBlocksNewDispatchUntilResumed(t *testing.T) {
	sched, _, _ := newScheduler(t, DefaultConfig())

	g := dag.NewGraph("", "pause", dag.Options{})
	if _, err := g.AddShellTask("a", "a", dag.ShellConfig{Command: "sleep 0.2"}, nil); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if _, err := g.AddShellTask("b", "b", dag.ShellConfig{Command: "echo b"}, nil); err != nil {
		t.Fatalf("add b: %v", err)
	}

	done := make(chan *ExecutionResult, 1)
	go func() {
		res, _ := sched.Execute(context.Background(), g, Context{})
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	sched.Pause()
	time.Sleep(50 * time.Millisecond)
	sched.Resume()

	select {
	case res := <-done:
		if !res.Success {
			t.Fatalf("expected success after resume, got errors: %+v", res.Errors)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not complete after resume")
	}
}

func TestOutputPassingDeliversDependencyOutputToConsumer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableOutputPassing = true
	sched, registry, _ := newScheduler(t, cfg)

	var seenOutputs string
	registry.Register(dag.TaskTypeAgent, func(ctx context.Context, task *dag.Task, execCtx *executor.ExecutionContext) (*dag.Output, error) {
		if task.ID == "consumer" {
			for _, out := range execCtx.DependencyOutputs {
				seenOutputs += out.Text
			}
		}
		return &dag.Output{Text: "producer output"}, nil
	})

	g := dag.NewGraph("", "passing", dag.Options{})
	if _, err := g.AddAgentTask("producer", "producer", dag.AgentConfig{Role: "r", Prompt: "p"}, nil); err != nil {
		t.Fatalf("add producer: %v", err)
	}
	if _, err := g.AddAgentTask("consumer", "consumer", dag.AgentConfig{Role: "r", Prompt: "p"}, []string{"producer"}); err != nil {
		t.Fatalf("add consumer: %v", err)
	}

	if _, err := sched.Execute(context.Background(), g, Context{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seenOutputs != "producer output" {
		t.Fatalf("expected consumer to observe producer's output, got %q", seenOutputs)
	}
}

func TestTruncateOutputAppliesMaxOutputSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOutputSize = 10
	sched, _, _ := newScheduler(t, cfg)

	out := sched.truncateOutput("t", &dag.Output{Text: "0123456789abcdefghij"})
	if len(out.Text) > cfg.MaxOutputSize+64 {
		t.Fatalf("expected truncated output near the configured bound, got %d bytes", len(out.Text))
	}
	if out.Text == "0123456789abcdefghij" {
		t.Fatal("expected output to be truncated")
	}
}

func TestEventBusReceivesTaskLifecycleEvents(t *testing.T) {
	sched, _, bus := newScheduler(t, DefaultConfig())

	var seen []events.Type
	bus.Subscribe(func(e events.Event) { seen = append(seen, e.Type) })

	g := dag.NewGraph("", "events", dag.Options{})
	if _, err := g.AddShellTask("a", "a", dag.ShellConfig{Command: "echo a"}, nil); err != nil {
		t.Fatalf("add a: %v", err)
	}

	if _, err := sched.Execute(context.Background(), g, Context{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[events.Type]bool{
		events.TaskStart:    false,
		events.TaskComplete: false,
		events.DAGComplete:  false,
	}
	for _, typ := range seen {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, found := range want {
		if !found {
			t.Fatalf("expected event %v to have been emitted, saw %v", typ, seen)
		}
	}
}
