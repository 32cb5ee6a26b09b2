// Package agent implements the session scheduler, dialog loop, and tool
// execution pipeline that together form the agent core: the part of the
// runtime that turns one inbound message into zero or more outbound
// ones by driving an LLM provider and, where the model asks, running
// registered tools on its behalf.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolResult is the output of one tool execution, handed back to the
// dialog loop to append as a tool-role message.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Tool is one registrable capability exposed to the model. Schema
// returns a JSON-Schema document describing the accepted parameters;
// Execute receives params already decoded from the model's tool call
// arguments.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ContextAware is implemented by tools that need to know which run they
// are executing under (the message tool's reply target, the spawn and
// cron tools, and any tool that wants {channel, chat_id, run_id,
// session_key, user_key}).
type ContextAware interface {
	SetRunContext(rc RunContext)
}

// RunContext carries the per-run identifiers tools may need to address
// their effects (sending a reply to the right chat, scheduling a cron
// job against the right session, and so on).
type RunContext struct {
	Channel    string
	ChatID     string
	RunID      string
	SessionKey string
	UserKey    string
}

// Registry stores tools by name with thread-safe registration and
// lookup. It is the §4.4 "tool registry".
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tool, replacing any existing tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the currently registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// SetRunContext propagates rc to every registered tool that implements
// ContextAware. Called once per run, before the dialog loop starts.
func (r *Registry) SetRunContext(rc RunContext) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if ca, ok := t.(ContextAware); ok {
			ca.SetRunContext(rc)
		}
	}
}

const (
	maxToolNameLength = 256
	maxToolParamsSize = 10 << 20
)

// errNotFound marks a tool lookup miss, distinct from a tool execution
// error, so the executor can decide whether a PostToolUse hook applies.
type errNotFound struct{ name string }

func (e errNotFound) Error() string { return fmt.Sprintf("tool not found: %s", e.name) }
