package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ApprovalMode gates whether a tool call runs immediately, is denied
// outright, or must be confirmed by the user first.
type ApprovalMode string

const (
	ApprovalAlwaysAllow ApprovalMode = "always_allow"
	ApprovalAlwaysAsk   ApprovalMode = "always_ask"
	ApprovalAlwaysDeny  ApprovalMode = "always_deny"
)

// ToolApprovalConfig maps the tool-name buckets named in SPEC_FULL.md
// §4.4 to an approval mode. A zero-value field falls back to the
// bucket's default.
type ToolApprovalConfig struct {
	Exec      ApprovalMode `yaml:"exec" json:"exec"`
	Browser   ApprovalMode `yaml:"browser" json:"browser"`
	WebFetch  ApprovalMode `yaml:"web_fetch" json:"web_fetch"`
	WriteFile ApprovalMode `yaml:"write_file" json:"write_file"`
	Default   ApprovalMode `yaml:"default" json:"default"`
}

// DefaultToolApprovalConfig returns the conservative default: commands,
// browser automation, and file writes ask first; everything else
// (read-only tools, web fetches) runs immediately.
func DefaultToolApprovalConfig() ToolApprovalConfig {
	return ToolApprovalConfig{
		Exec:      ApprovalAlwaysAsk,
		Browser:   ApprovalAlwaysAsk,
		WebFetch:  ApprovalAlwaysAllow,
		WriteFile: ApprovalAlwaysAsk,
		Default:   ApprovalAlwaysAllow,
	}
}

// Resolve returns the approval mode for toolName per the §4.4 bucket
// table: {exec, process} -> exec; browser -> browser; web_fetch ->
// web_fetch; {write, edit, apply_patch} -> write_file; else ->
// always_allow.
func (c ToolApprovalConfig) Resolve(toolName string) ApprovalMode {
	var mode, fallback ApprovalMode
	switch toolName {
	case "exec", "process":
		mode, fallback = c.Exec, ApprovalAlwaysAsk
	case "browser":
		mode, fallback = c.Browser, ApprovalAlwaysAsk
	case "web_fetch":
		mode, fallback = c.WebFetch, ApprovalAlwaysAllow
	case "write", "edit", "apply_patch":
		mode, fallback = c.WriteFile, ApprovalAlwaysAsk
	default:
		mode, fallback = c.Default, ApprovalAlwaysAllow
	}
	if mode == "" {
		return fallback
	}
	return mode
}

// Approver requests and collects user approval decisions for
// always_ask tool calls, publishing the request on the bus and blocking
// the caller until a matching response arrives or the timeout elapses.
type Approver struct {
	bus     *bus.Bus
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewApprover returns an Approver that publishes approval_required
// events on b and waits up to timeout for a response. A non-positive
// timeout falls back to 60s, matching SPEC_FULL.md's approval_timeout_s
// default.
func NewApprover(b *bus.Bus, timeout time.Duration) *Approver {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Approver{bus: b, timeout: timeout, pending: make(map[string]chan bool)}
}

// acceptedResponses and deniedResponses are the literal decision strings
// a user may send back through whatever channel surfaces the prompt.
var acceptedResponses = map[string]bool{"approve": true, "approved": true, "yes": true, "y": true}
var deniedResponses = map[string]bool{"deny": true, "denied": true, "no": true, "n": true}

// Decide parses a free-form user response into an approve/deny boolean.
// Anything not recognized as acceptance is treated as a denial, per
// SPEC_FULL.md's "any other or timeout -> deny".
func Decide(response string) bool {
	return acceptedResponses[strings.ToLower(strings.TrimSpace(response))]
}

// Request publishes an approval_required event for toolName and blocks
// until Respond is called with the same requestID, or until the
// configured timeout elapses (treated as a denial).
func (a *Approver) Request(ctx context.Context, runID, sessionKey, toolName, prompt string) (approved bool, requestID string) {
	requestID = uuid.NewString()
	ch := make(chan bool, 1)

	a.mu.Lock()
	a.pending[requestID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, requestID)
		a.mu.Unlock()
	}()

	a.bus.Publish(models.NewEvent(models.EventAlertRaised, models.EventKindTool, runID, sessionKey, map[string]any{
		"subtype":    "approval_required",
		"request_id": requestID,
		"tool_name":  toolName,
		"prompt":     prompt,
	}))

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision, requestID
	case <-timer.C:
		return false, requestID
	case <-ctx.Done():
		return false, requestID
	}
}

// Respond delivers a user's decision for a pending approval request. It
// reports whether requestID was still pending.
func (a *Approver) Respond(requestID string, response string) bool {
	a.mu.Lock()
	ch, ok := a.pending[requestID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- Decide(response):
	default:
	}
	return true
}
