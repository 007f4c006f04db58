package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/swarmguard/taskdag/dag"
)

// terminationGrace is the SIGTERM -> SIGKILL window for shell children, on
// both cancellation and timeout (§4.6).
const terminationGrace = time.Second

// ShellExecutor runs a task's config.Command as a shell command, matching
// the coordinator's own kill-on-cancel mechanics (plugins.go's ShellPlugin)
// but without a command whitelist: a DAG shell task is specified to accept
// full shell syntax (pipes, &&, redirection), not a single binary
// invocation, so the command string is handed to "sh -c" rather than
// split with strings.Fields.
type ShellExecutor struct {
	tracer   trace.Tracer
	procs    *ProcessRegistry
	limiter  *rate.Limiter
}

// NewShellExecutor constructs a shell executor with its own process
// registry and a spawn-rate limiter guarding against runaway fan-out of
// child processes across a single DAG run.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{
		tracer:  otel.Tracer("taskdag-executor-shell"),
		procs:   NewProcessRegistry(),
		limiter: rate.NewLimiter(rate.Limit(20), 5),
	}
}

// Execute launches config.Command via "sh -c" with cwd = config.Cwd or the
// context's working directory, and env = os.Environ() overlaid with
// config.Env. It returns stdout, with "\n[stderr]: "+stderr appended when
// stderr is non-empty, as the sole Output.Text (§4.6: text only, no
// structured data, no tools-used list).
func (se *ShellExecutor) Execute(ctx context.Context, task *dag.Task, execCtx *ExecutionContext) (*dag.Output, error) {
	ctx, span := se.tracer.Start(ctx, "shell.execute")
	defer span.End()

	cfg := task.Shell
	if cfg == nil {
		return nil, fmt.Errorf("shell task %s: missing shell config", task.ID)
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("shell task %s: empty command", task.ID)
	}

	if err := se.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("shell task %s: rate limiter: %w", task.ID, err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
	cmd.Cancel = nil // we drive SIGTERM/SIGKILL ourselves below, not exec's default Kill

	cwd := cfg.Cwd
	if cwd == "" {
		cwd = execCtx.WorkingDirectory
	}
	cmd.Dir = cwd

	cmd.Env = mergeEnv(os.Environ(), cfg.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("shell task %s: start: %w", task.ID, err)
	}

	se.procs.Register(task.ID, cmd.Process)
	defer se.procs.Release(task.ID)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		terminateOne(cmd.Process, terminationGrace)
		<-done
		runErr = ctx.Err()
	}

	text := stdout.String()
	if stderr.Len() > 0 {
		text += "\n[stderr]: " + stderr.String()
	}

	if runErr != nil {
		return nil, fmt.Errorf("shell task %s: %w: %s", task.ID, runErr, stderr.String())
	}

	return &dag.Output{Text: text}, nil
}

// mergeEnv overlays overrides onto base, last write wins, preserving base
// order for unmodified keys and appending new keys from overrides.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	idx := make(map[string]int, len(base))
	out := make([]string, len(base))
	copy(out, base)
	for i, kv := range out {
		if k, _, ok := splitEnv(kv); ok {
			idx[k] = i
		}
	}
	for k, v := range overrides {
		entry := k + "=" + v
		if i, ok := idx[k]; ok {
			out[i] = entry
		} else {
			out = append(out, entry)
		}
	}
	return out
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
