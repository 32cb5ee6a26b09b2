package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/hooks"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/ratelimit"
	"github.com/haasonsaas/nexus/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditSink persists a tool's lifecycle events for later review. It is
// optional: a nil sink simply means tool calls are not separately
// audited beyond the bus events and run history.
type AuditSink interface {
	Record(ctx context.Context, event models.ToolEvent) error
}

// ExecutorConfig wires the collaborators an Executor needs beyond the
// tool registry itself.
type ExecutorConfig struct {
	Approval ToolApprovalConfig
	Approver *Approver
	Hooks    *hooks.Registry
	Bus       *bus.Bus
	Audit     AuditSink
	Tracer    *observability.Tracer
	RateLimit *ratelimit.Limiter
}

// Executor runs the §4.4 tool-execution pipeline: schema validation,
// approval resolution, PreToolUse/PostToolUse hooks, bus event
// emission, sanitized audit logging.
type Executor struct {
	registry *Registry
	cfg      ExecutorConfig

	schemas map[string]*jsonschema.Schema
}

// NewExecutor returns an Executor over registry using cfg's
// collaborators. A nil cfg.Approver disables the always_ask path
// (treated as an immediate deny, since there is nowhere to route the
// prompt).
func NewExecutor(registry *Registry, cfg ExecutorConfig) *Executor {
	return &Executor{registry: registry, cfg: cfg, schemas: make(map[string]*jsonschema.Schema)}
}

func (e *Executor) compiledSchema(tool Tool) (*jsonschema.Schema, error) {
	if s, ok := e.schemas[tool.Name()]; ok {
		return s, nil
	}
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	resourceName := tool.Name() + ".json"
	if err := compiler.AddResource(resourceName, bytesReader(raw)); err != nil {
		return nil, fmt.Errorf("agent: add tool schema resource: %w", err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("agent: compile tool schema: %w", err)
	}
	e.schemas[tool.Name()] = schema
	return schema, nil
}

// Execute runs name with the given params, enforcing validation,
// approval, and hooks, and publishing tool_start/tool_end events on the
// configured bus.
func (e *Executor) Execute(ctx context.Context, rc RunContext, callID, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > maxToolNameLength {
		return &ToolResult{Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", maxToolNameLength), IsError: true}, nil
	}
	if len(params) > maxToolParamsSize {
		return &ToolResult{Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", maxToolParamsSize), IsError: true}, nil
	}

	tool, ok := e.registry.Get(name)
	if !ok {
		return &ToolResult{Content: (errNotFound{name}).Error(), IsError: true}, nil
	}

	if e.cfg.RateLimit != nil && !e.cfg.RateLimit.CheckToolCall(rc.SessionKey) {
		return &ToolResult{Content: fmt.Sprintf("tool call rate limit exceeded for session %s", rc.SessionKey), IsError: true}, nil
	}

	if schema, err := e.compiledSchema(tool); err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	} else if schema != nil {
		var decoded any
		if len(params) == 0 {
			decoded = map[string]any{}
		} else if err := json.Unmarshal(params, &decoded); err != nil {
			return &ToolResult{Content: fmt.Sprintf("invalid tool parameters: %v", err), IsError: true}, nil
		}
		if err := schema.Validate(decoded); err != nil {
			return &ToolResult{Content: fmt.Sprintf("tool parameters failed validation: %v", err), IsError: true}, nil
		}
	}

	mode := e.cfg.Approval.Resolve(name)
	if mode == ApprovalAlwaysDeny {
		return &ToolResult{Content: fmt.Sprintf("tool %q is not permitted", name), IsError: true}, nil
	}
	if mode == ApprovalAlwaysAsk {
		if e.cfg.Approver == nil {
			return &ToolResult{Content: fmt.Sprintf("tool %q requires approval but no approver is configured", name), IsError: true}, nil
		}
		e.publish(models.EventToolStart, rc, callID, name, map[string]any{"subtype": "approval_pending"})
		approved, requestID := e.cfg.Approver.Request(ctx, rc.RunID, rc.SessionKey, name, approvalPrompt(name, params))
		if !approved {
			e.auditEvent(ctx, callID, name, models.ToolEventDenied, params, "", "denied or timed out (request "+requestID+")")
			return &ToolResult{Content: "tool call denied by user", IsError: true}, nil
		}
	}

	if e.cfg.Hooks != nil {
		hookEvent := hooks.NewEvent(hooks.EventToolCalled, name).
			WithSession(rc.SessionKey).
			WithChannel(rc.Channel).
			WithContext("tool_name", name).
			WithContext("call_id", callID).
			WithContext("params", SanitizeJSON(params))
		if err := e.cfg.Hooks.Trigger(ctx, hookEvent); err != nil {
			e.publish(models.EventToolEnd, rc, callID, name, map[string]any{"ok": false, "blocked_by_hook": true, "error": err.Error()})
			e.auditEvent(ctx, callID, name, models.ToolEventDenied, params, "", "blocked by PreToolUse hook: "+err.Error())
			return &ToolResult{Content: "tool call blocked by hook: " + err.Error(), IsError: true}, nil
		}
	}

	start := time.Now()
	e.publish(models.EventToolStart, rc, callID, name, map[string]any{"params": SanitizeJSON(params)})
	e.auditEvent(ctx, callID, name, models.ToolEventStarted, params, "", "")

	execCtx := ctx
	if e.cfg.Tracer != nil {
		var span trace.Span
		execCtx, span = e.cfg.Tracer.Start(ctx, "agent.tool.execute", observability.SpanOptions{
			Attributes: []attribute.KeyValue{
				attribute.String("run_id", rc.RunID),
				attribute.String("session_key", rc.SessionKey),
				attribute.String("tool", name),
			},
		})
		defer span.End()
	}

	result, err := tool.Execute(execCtx, params)
	duration := time.Since(start)

	if err != nil {
		e.publish(models.EventToolEnd, rc, callID, name, map[string]any{"ok": false, "duration_ms": duration.Milliseconds(), "error": err.Error()})
		e.auditEvent(ctx, callID, name, models.ToolEventFailed, params, "", err.Error())
		if e.cfg.Hooks != nil {
			e.cfg.Hooks.TriggerAsync(ctx, hooks.NewEvent(hooks.EventToolCompleted, name).WithSession(rc.SessionKey).WithChannel(rc.Channel))
		}
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}

	if result == nil {
		result = &ToolResult{}
	}
	e.publish(models.EventToolEnd, rc, callID, name, map[string]any{
		"ok":          !result.IsError,
		"duration_ms": duration.Milliseconds(),
		"result":      SanitizeText(result.Content),
	})
	stage := models.ToolEventSucceeded
	if result.IsError {
		stage = models.ToolEventFailed
	}
	e.auditEvent(ctx, callID, name, stage, params, SanitizeText(result.Content), "")

	if e.cfg.Hooks != nil {
		e.cfg.Hooks.TriggerAsync(ctx, hooks.NewEvent(hooks.EventToolCompleted, name).WithSession(rc.SessionKey).WithChannel(rc.Channel))
	}

	return result, nil
}

func (e *Executor) publish(typ models.EventType, rc RunContext, callID, name string, fields map[string]any) {
	if e.cfg.Bus == nil {
		return
	}
	fields["tool_call_id"] = callID
	fields["tool_name"] = name
	e.cfg.Bus.Publish(models.NewEvent(typ, models.EventKindTool, rc.RunID, rc.SessionKey, fields))
}

func (e *Executor) auditEvent(ctx context.Context, callID, name string, stage models.ToolEventStage, input json.RawMessage, output, errMsg string) {
	if e.cfg.Audit == nil {
		return
	}
	_ = e.cfg.Audit.Record(ctx, models.ToolEvent{
		ToolCallID: callID,
		ToolName:   name,
		Stage:      stage,
		Input:      SanitizeJSON(input),
		Output:     output,
		Error:      errMsg,
		StartedAt:  time.Now(),
	})
}

func approvalPrompt(name string, params json.RawMessage) string {
	return fmt.Sprintf("Allow tool %q to run with parameters %s?", name, string(SanitizeJSON(params)))
}

// newCallID returns a fresh identifier for a tool call that did not
// arrive with one from the model (forced/synthetic invocations).
func newCallID() string { return uuid.NewString() }
