package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/swarmguard/taskdag/dag"
	"github.com/swarmguard/taskdag/events"
	"github.com/swarmguard/taskdag/executor"
)

// The six literal end-to-end scenarios from the governing specification's
// testable-properties section, reproduced here verbatim against this
// package's real Scheduler/dag.Graph rather than a stub.

func TestScenarioLinearChain(t *testing.T) {
	sched, _, bus := newScheduler(t, DefaultConfig())

	var order []string
	bus.Subscribe(func(e events.Event) { order = append(order, string(e.Type)+":"+e.TaskID) })

	g := dag.NewGraph("", "linear-chain", dag.Options{})
	if _, err := g.AddShellTask("a", "a", dag.ShellConfig{Command: "echo hello"}, nil); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if _, err := g.AddShellTask("b", "b", dag.ShellConfig{Command: "echo world"}, []string{"a"}); err != nil {
		t.Fatalf("add b: %v", err)
	}

	res, err := sched.Execute(context.Background(), g, Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.GetStatus() != dag.GraphCompleted {
		t.Fatalf("expected graph completed, got %v", g.GetStatus())
	}
	a, _ := g.GetTask("a")
	b, _ := g.GetTask("b")
	if strings.TrimSpace(a.Output.Text) != "hello" {
		t.Fatalf("expected a's output 'hello', got %q", a.Output.Text)
	}
	if strings.TrimSpace(b.Output.Text) != "world" {
		t.Fatalf("expected b's output 'world', got %q", b.Output.Text)
	}
	if !res.Success {
		t.Fatalf("expected success, got errors: %+v", res.Errors)
	}

	completeAIdx, readyBIdx := -1, -1
	for i, ev := range order {
		if ev == string(events.TaskComplete)+":a" {
			completeAIdx = i
		}
		if ev == string(events.TaskReady)+":b" && readyBIdx == -1 {
			readyBIdx = i
		}
	}
	if completeAIdx == -1 || readyBIdx == -1 || completeAIdx >= readyBIdx {
		t.Fatalf("expected task:complete[a] strictly before task:ready[b], got order %v", order)
	}
}

func TestScenarioParallelFanOutWithBarrier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxParallelism = 2
	sched, _, _ := newScheduler(t, cfg)

	g := dag.NewGraph("", "fanout-barrier", dag.Options{})
	if _, err := g.AddShellTask("s1", "s1", dag.ShellConfig{Command: "echo 1"}, nil); err != nil {
		t.Fatalf("add s1: %v", err)
	}
	if _, err := g.AddShellTask("s2", "s2", dag.ShellConfig{Command: "echo 2"}, nil); err != nil {
		t.Fatalf("add s2: %v", err)
	}
	if _, err := g.AddCheckpoint("cp", []string{"s1", "s2"}, dag.CheckpointConfig{Name: "barrier", RequireAllSuccess: true, CollectOutputs: true}); err != nil {
		t.Fatalf("add cp: %v", err)
	}

	res, err := sched.Execute(context.Background(), g, Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MaxParallelism < 2 {
		t.Fatalf("expected observed parallelism >= 2, got %d", res.MaxParallelism)
	}
	if g.GetStatus() != dag.GraphCompleted {
		t.Fatalf("expected graph completed, got %v", g.GetStatus())
	}
	cp, _ := g.GetTask("cp")
	if _, ok := cp.Output.Data["s1"]; !ok {
		t.Fatalf("expected cp output data to contain s1, got %+v", cp.Output.Data)
	}
	if _, ok := cp.Output.Data["s2"]; !ok {
		t.Fatalf("expected cp output data to contain s2, got %+v", cp.Output.Data)
	}
}

func TestScenarioFailureWithFailFast(t *testing.T) {
	sched, _, _ := newScheduler(t, DefaultConfig())

	g := dag.NewGraph("", "fail-fast-scenario", dag.Options{FailureStrategy: dag.FailureStrategyFailFast})
	if _, err := g.AddShellTask("a", "a", dag.ShellConfig{Command: "false"}, nil); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if _, err := g.AddShellTask("b", "b", dag.ShellConfig{Command: "echo ok"}, []string{"a"}); err != nil {
		t.Fatalf("add b: %v", err)
	}

	res, err := sched.Execute(context.Background(), g, Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := g.GetTask("a")
	b, _ := g.GetTask("b")
	if a.Status != dag.StatusFailed {
		t.Fatalf("expected a failed, got %v", a.Status)
	}
	if b.Status != dag.StatusCancelled {
		t.Fatalf("expected b cancelled, got %v", b.Status)
	}
	if g.GetStatus() != dag.GraphFailed {
		t.Fatalf("expected graph failed, got %v", g.GetStatus())
	}
	if len(res.Errors) != 1 || res.Errors[0].TaskID != "a" {
		t.Fatalf("expected exactly one error for task a, got %+v", res.Errors)
	}
}

func TestScenarioAllowFailureContinuation(t *testing.T) {
	sched, _, _ := newScheduler(t, DefaultConfig())

	g := dag.NewGraph("", "allow-failure-scenario", dag.Options{})
	if _, err := g.AddShellTask("opt", "opt", dag.ShellConfig{Command: "false"}, nil, dag.WithAllowFailure(true)); err != nil {
		t.Fatalf("add opt: %v", err)
	}
	if _, err := g.AddShellTask("main", "main", dag.ShellConfig{Command: "echo done"}, []string{"opt"}); err != nil {
		t.Fatalf("add main: %v", err)
	}

	res, err := sched.Execute(context.Background(), g, Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opt, _ := g.GetTask("opt")
	main, _ := g.GetTask("main")
	if opt.Status != dag.StatusFailed {
		t.Fatalf("expected opt failed, got %v", opt.Status)
	}
	if main.Status != dag.StatusCompleted {
		t.Fatalf("expected main completed, got %v", main.Status)
	}
	if g.GetStatus() != dag.GraphCompleted {
		t.Fatalf("expected graph completed, got %v", g.GetStatus())
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected no errors, got %+v", res.Errors)
	}
}

func TestScenarioRetrySucceeds(t *testing.T) {
	sched, registry, bus := newScheduler(t, DefaultConfig())

	var order []string
	bus.Subscribe(func(e events.Event) {
		if e.TaskID == "a" {
			order = append(order, string(e.Type))
		}
	})

	calls := 0
	registry.Register(dag.TaskTypeAgent, func(ctx context.Context, task *dag.Task, execCtx *executor.ExecutionContext) (*dag.Output, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("transient")
		}
		return &dag.Output{Text: "ok"}, nil
	})

	g := dag.NewGraph("", "retry-scenario", dag.Options{})
	if _, err := g.AddAgentTask("a", "a", dag.AgentConfig{Role: "r", Prompt: "p"}, nil, dag.WithMaxRetries(1)); err != nil {
		t.Fatalf("add a: %v", err)
	}

	res, err := sched.Execute(context.Background(), g, Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got errors: %+v", res.Errors)
	}
	a, _ := g.GetTask("a")
	if a.Metadata.RetryCount != 1 {
		t.Fatalf("expected retryCount 1, got %d", a.Metadata.RetryCount)
	}

	retryIdx, secondReadyIdx, completeIdx := -1, -1, -1
	readySeen := 0
	for i, typ := range order {
		if typ == string(events.TaskRetry) {
			retryIdx = i
		}
		if typ == string(events.TaskReady) {
			readySeen++
			if readySeen == 2 {
				secondReadyIdx = i
			}
		}
		if typ == string(events.TaskComplete) {
			completeIdx = i
		}
	}
	if retryIdx == -1 || secondReadyIdx == -1 || completeIdx == -1 {
		t.Fatalf("expected retry, a second ready, and a complete event, got %v", order)
	}
	if !(retryIdx < secondReadyIdx && secondReadyIdx < completeIdx) {
		t.Fatalf("expected retry < second ready < complete, got %v", order)
	}
}

func TestScenarioCancellationMidFlight(t *testing.T) {
	sched, _, _ := newScheduler(t, DefaultConfig())

	g := dag.NewGraph("", "cancel-scenario", dag.Options{})
	if _, err := g.AddShellTask("long", "long", dag.ShellConfig{Command: "sleep 5"}, nil); err != nil {
		t.Fatalf("add long: %v", err)
	}
	if _, err := g.AddShellTask("after", "after", dag.ShellConfig{Command: "echo never"}, []string{"long"}); err != nil {
		t.Fatalf("add after: %v", err)
	}

	done := make(chan *ExecutionResult, 1)
	go func() {
		res, _ := sched.Execute(context.Background(), g, Context{})
		done <- res
	}()

	time.Sleep(200 * time.Millisecond)
	sched.Cancel()

	select {
	case <-done:
		long, _ := g.GetTask("long")
		after, _ := g.GetTask("after")
		if long.Status != dag.StatusCancelled {
			t.Fatalf("expected long cancelled, got %v", long.Status)
		}
		if after.Status != dag.StatusCancelled {
			t.Fatalf("expected after cancelled, got %v", after.Status)
		}
		if g.GetStatus() != dag.GraphCancelled {
			t.Fatalf("expected graph cancelled, got %v", g.GetStatus())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not return after cancel")
	}
}
