package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskdag/dag"
)

// AgentRequest is what the agent runtime receives for one invocation. It
// is a plain struct, not the dag.Task itself, so the runtime never reaches
// back into graph-owned state (§3, ownership rules).
type AgentRequest struct {
	Role             string
	Prompt           string
	SystemPrompt     string
	ToolAllowlist    []string
	MaxIterations    int
	ParentToolCallID string
	ModelConfig      interface{}
	ToolRegistry     map[string]interface{}
}

// AgentResponse is the agent runtime's result for one invocation.
type AgentResponse struct {
	Text       string
	Data       map[string]interface{}
	ToolsUsed  []string
	Iterations int
}

// AgentRuntime is the external collaborator that actually runs an
// agent-role LLM loop. §4.6 specifies only that it respects ctx
// cancellation and returns a text result; everything else (prompt
// engineering, tool execution, model selection) is its concern, not the
// scheduler's.
type AgentRuntime interface {
	Invoke(ctx context.Context, req AgentRequest) (AgentResponse, error)
}

// RoleDefaults are the system-prompt/tool-allowlist/max-iteration defaults
// for an agent role, resolved by a RoleRegistry and merged under whatever
// the task config itself specifies.
type RoleDefaults struct {
	SystemPrompt  string
	ToolAllowlist []string
	MaxIterations int
}

// RoleRegistry resolves agent roles to their defaults. A nil RoleRegistry
// is legal: AgentExecutor then uses only the task's own config.
type RoleRegistry interface {
	Resolve(role string) (RoleDefaults, bool)
}

// AgentExecutor runs dag.TaskTypeAgent tasks against an injected
// AgentRuntime, merging role defaults and, when enabled, appending
// dependency outputs to the prompt (§4.5's output-passing feature).
type AgentExecutor struct {
	runtime  AgentRuntime
	roles    RoleRegistry
	tracer   trace.Tracer
}

// NewAgentExecutor constructs an executor bound to runtime. Role defaults
// are optional; call WithRoleRegistry to supply one.
func NewAgentExecutor(runtime AgentRuntime) *AgentExecutor {
	return &AgentExecutor{runtime: runtime, tracer: otel.Tracer("taskdag-executor-agent")}
}

// WithRoleRegistry attaches a role registry and returns the executor for
// chaining at construction time.
func (ae *AgentExecutor) WithRoleRegistry(roles RoleRegistry) *AgentExecutor {
	ae.roles = roles
	return ae
}

// Execute merges role defaults under the task's own config, optionally
// augments the prompt with dependency outputs, invokes the runtime, and
// extracts structured data from the returned text (§4.6).
func (ae *AgentExecutor) Execute(ctx context.Context, task *dag.Task, execCtx *ExecutionContext) (*dag.Output, error) {
	ctx, span := ae.tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
	))
	defer span.End()

	if ae.runtime == nil {
		return nil, fmt.Errorf("agent task %s: no agent runtime configured", task.ID)
	}

	cfg := task.Agent
	if cfg == nil {
		return nil, fmt.Errorf("agent task %s: missing agent config", task.ID)
	}

	systemPrompt := cfg.SystemPrompt
	toolAllowlist := cfg.ToolAllowlist
	maxIterations := cfg.MaxIterations

	if ae.roles != nil {
		if defaults, ok := ae.roles.Resolve(cfg.Role); ok {
			if systemPrompt == "" {
				systemPrompt = defaults.SystemPrompt
			}
			if len(toolAllowlist) == 0 {
				toolAllowlist = defaults.ToolAllowlist
			}
			if maxIterations == 0 {
				maxIterations = defaults.MaxIterations
			}
		}
	}

	prompt := cfg.Prompt
	if execCtx.OutputPassingEnabled {
		if appended := appendDependencyOutputs(prompt, execCtx.DependencyOutputs); appended != "" {
			prompt = appended
		}
	}

	resp, err := ae.runtime.Invoke(ctx, AgentRequest{
		Role:             cfg.Role,
		Prompt:           prompt,
		SystemPrompt:     systemPrompt,
		ToolAllowlist:    toolAllowlist,
		MaxIterations:    maxIterations,
		ParentToolCallID: execCtx.ParentToolCallID,
		ModelConfig:      execCtx.ModelConfig,
		ToolRegistry:     execCtx.ToolRegistry,
	})
	if err != nil {
		return nil, fmt.Errorf("agent task %s: %w", task.ID, err)
	}

	data := resp.Data
	if data == nil {
		data = extractStructuredData(resp.Text)
	}

	return &dag.Output{
		Text:       resp.Text,
		Data:       data,
		ToolsUsed:  resp.ToolsUsed,
		Iterations: resp.Iterations,
	}, nil
}

// appendDependencyOutputs renders each dependency's output in
// deterministic (id-sorted) order as "\n\n--- <id> ---\n<text>" followed by
// a fenced json block when structured data is present, and appends the
// whole block to prompt. Returns "" when there are no outputs to append,
// so the caller can fall back to the original prompt unchanged.
func appendDependencyOutputs(prompt string, outputs map[string]*dag.Output) string {
	if len(outputs) == 0 {
		return ""
	}

	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(prompt)
	for _, id := range ids {
		out := outputs[id]
		if out == nil {
			continue
		}
		b.WriteString("\n\n--- ")
		b.WriteString(id)
		b.WriteString(" ---\n")
		b.WriteString(out.Text)
		if len(out.Data) > 0 {
			if j, err := marshalIndented(out.Data); err == nil {
				b.WriteString("\n```json\n")
				b.WriteString(j)
				b.WriteString("\n```")
			}
		}
	}
	return b.String()
}
