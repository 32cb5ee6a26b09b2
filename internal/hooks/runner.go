package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// LifecycleEvent identifies a point in a run or tool call where shell hooks
// may be fired.
type LifecycleEvent string

const (
	SessionStart LifecycleEvent = "SessionStart"
	SessionEnd   LifecycleEvent = "SessionEnd"
	PreToolUse   LifecycleEvent = "PreToolUse"
	PostToolUse  LifecycleEvent = "PostToolUse"
	PreCompact   LifecycleEvent = "PreCompact"
	Stop         LifecycleEvent = "Stop"
)

var lifecycleEvents = map[LifecycleEvent]struct{}{
	SessionStart: {},
	SessionEnd:   {},
	PreToolUse:   {},
	PostToolUse:  {},
	PreCompact:   {},
	Stop:         {},
}

// defaultHookTimeout is used when neither an entry nor the runner configure
// a timeout for a hook command.
const defaultHookTimeout = 8 * time.Second

// maxOutputSnippet bounds how much of a failing hook's stdout/stderr is kept
// in the error reported back to the caller.
const maxOutputSnippet = 800

// RunResult summarizes the outcome of firing one lifecycle event.
type RunResult struct {
	Event    LifecycleEvent
	Executed int
	Blocked  bool
	Errors   []string
}

// OK reports whether every hook that ran for this event exited cleanly.
func (r *RunResult) OK() bool {
	return len(r.Errors) == 0
}

// entryConfig is one configured hook command, as loaded from hooks.json.
type entryConfig struct {
	Command        string   `json:"command"`
	Cmd            string   `json:"cmd"`
	Enabled        *bool    `json:"enabled"`
	Matchers       []string `json:"matchers"`
	ToolMatchers   []string `json:"tool_matchers"`
	Tools          []string `json:"tools"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

func (e entryConfig) command() string {
	if strings.TrimSpace(e.Command) != "" {
		return strings.TrimSpace(e.Command)
	}
	return strings.TrimSpace(e.Cmd)
}

func (e entryConfig) toolPatterns() []string {
	switch {
	case len(e.Matchers) > 0:
		return e.Matchers
	case len(e.ToolMatchers) > 0:
		return e.ToolMatchers
	default:
		return e.Tools
	}
}

// Config configures a Runner.
type Config struct {
	// Workspace is the directory hook commands run in and config is
	// resolved relative to.
	Workspace string
	// Enabled gates the whole runner off when false; Run then returns an
	// empty, un-erroring result for every event.
	Enabled bool
	// HooksDir is where the hook config file lives, either absolute or
	// relative to Workspace.
	HooksDir string
	// ConfigFile is the hook config filename inside HooksDir.
	ConfigFile string
	// Timeout is the default per-command timeout.
	Timeout time.Duration
	// SafeMode gates commands through AllowCommandPrefixes/DenyCommandPatterns
	// before they are ever exec'd.
	SafeMode bool
	// AllowCommandPrefixes, if non-empty, requires every hook command to
	// start with one of these prefixes.
	AllowCommandPrefixes []string
	// DenyCommandPatterns rejects any command containing one of these
	// substrings (case-insensitive).
	DenyCommandPatterns []string
}

// Runner executes workspace-configured lifecycle hooks: shell commands
// fired at SessionStart/SessionEnd/PreToolUse/PostToolUse/PreCompact/Stop.
// A PreToolUse hook that exits non-zero blocks the tool call it guards;
// every other event is fire-and-observe.
type Runner struct {
	cfg        Config
	configPath string
	logger     *slog.Logger
	denyLower  []string
}

// NewRunner builds a Runner from cfg. Timeout and HooksDir/ConfigFile fall
// back to sensible defaults when left zero.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHookTimeout
	}
	if cfg.HooksDir == "" {
		cfg.HooksDir = "workspace/hooks"
	}
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = "hooks.json"
	}
	if logger == nil {
		logger = slog.Default()
	}

	denyLower := make([]string, 0, len(cfg.DenyCommandPatterns))
	for _, p := range cfg.DenyCommandPatterns {
		if p != "" {
			denyLower = append(denyLower, strings.ToLower(p))
		}
	}

	r := &Runner{cfg: cfg, logger: logger.With("component", "hooks.runner"), denyLower: denyLower}
	r.configPath = filepath.Join(r.resolveHooksDir(), cfg.ConfigFile)
	return r
}

// resolveHooksDir mirrors the teacher-era "workspace/hooks" shorthand: an
// absolute HooksDir is used as-is, a "workspace/..." prefix is rebased onto
// cfg.Workspace, and anything else is joined under it.
func (r *Runner) resolveHooksDir() string {
	dir := r.cfg.HooksDir
	if filepath.IsAbs(dir) {
		return dir
	}
	const prefix = "workspace"
	if dir == prefix {
		return r.cfg.Workspace
	}
	if rest, ok := strings.CutPrefix(dir, prefix+string(filepath.Separator)); ok {
		return filepath.Join(r.cfg.Workspace, rest)
	}
	return filepath.Join(r.cfg.Workspace, dir)
}

// Run fires every configured hook for event in order, passing payload to
// each as environment variables. For PreToolUse, the first command that
// exits non-zero (or fails to start, or times out) blocks the call and
// stops further hooks in the chain from running.
func (r *Runner) Run(ctx context.Context, event LifecycleEvent, payload map[string]any) RunResult {
	result := RunResult{Event: event}
	if !r.cfg.Enabled {
		return result
	}
	if _, ok := lifecycleEvents[event]; !ok {
		result.Errors = append(result.Errors, fmt.Sprintf("unknown hook event: %s", event))
		return result
	}

	entries := r.loadEntries(event)
	if len(entries) == 0 {
		return result
	}
	if payload == nil {
		payload = map[string]any{}
	}
	toolName := firstNonEmpty(stringField(payload, "tool_name"), stringField(payload, "tool"))

	for _, entry := range entries {
		if entry.Enabled != nil && !*entry.Enabled {
			continue
		}
		if !matchesTool(entry.toolPatterns(), toolName) {
			continue
		}
		command := entry.command()
		if command == "" {
			continue
		}
		if allowed, reason := r.commandAllowed(command); !allowed {
			msg := reason
			if msg == "" {
				msg = fmt.Sprintf("%s hook command denied by safety policy", event)
			}
			result.Errors = append(result.Errors, msg)
			if event == PreToolUse {
				result.Blocked = true
				break
			}
			continue
		}

		timeout := r.cfg.Timeout
		if entry.TimeoutSeconds > 0 {
			timeout = time.Duration(entry.TimeoutSeconds) * time.Second
		}
		err := r.runCommand(ctx, command, event, payload, timeout)
		result.Executed++
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			if event == PreToolUse {
				result.Blocked = true
				break
			}
		}
	}
	return result
}

func (r *Runner) loadEntries(event LifecycleEvent) []entryConfig {
	raw, err := os.ReadFile(r.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed reading hook config", "path", r.configPath, "error", err)
		}
		return nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.logger.Warn("failed parsing hook config", "path", r.configPath, "error", err)
		return nil
	}
	// The file may nest event entries under a "hooks" key, or list them
	// at the document root directly.
	src := doc
	if nested, ok := doc["hooks"]; ok {
		var hooks map[string]json.RawMessage
		if err := json.Unmarshal(nested, &hooks); err == nil {
			src = hooks
		}
	}

	raw, ok := src[string(event)]
	if !ok {
		return nil
	}
	return normalizeEntries(raw)
}

// normalizeEntries accepts a hook config value shaped as a bare command
// string, a single entry object, or a list mixing both.
func normalizeEntries(raw json.RawMessage) []entryConfig {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []entryConfig{{Command: asString}}
	}

	var asEntry entryConfig
	if err := json.Unmarshal(raw, &asEntry); err == nil && asEntry.command() != "" {
		return []entryConfig{asEntry}
	}

	var asList []json.RawMessage
	if err := json.Unmarshal(raw, &asList); err != nil {
		return nil
	}
	out := make([]entryConfig, 0, len(asList))
	for _, item := range asList {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s != "" {
				out = append(out, entryConfig{Command: s})
			}
			continue
		}
		var e entryConfig
		if err := json.Unmarshal(item, &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func matchesTool(patterns []string, toolName string) bool {
	if len(patterns) == 0 || toolName == "" {
		return true
	}
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, toolName); ok {
			return true
		}
	}
	return false
}

func (r *Runner) commandAllowed(command string) (bool, string) {
	if !r.cfg.SafeMode {
		return true, ""
	}
	lower := strings.ToLower(command)
	for _, pattern := range r.denyLower {
		if strings.Contains(lower, pattern) {
			return false, fmt.Sprintf("hook command blocked by deny pattern: %s", pattern)
		}
	}
	if len(r.cfg.AllowCommandPrefixes) > 0 {
		for _, prefix := range r.cfg.AllowCommandPrefixes {
			if strings.HasPrefix(command, prefix) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("hook command not in allow prefixes (%s)", strings.Join(r.cfg.AllowCommandPrefixes, ", "))
	}
	return true, ""
}

func (r *Runner) runCommand(ctx context.Context, command string, event LifecycleEvent, payload map[string]any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s hook payload encode failed: %w", event, err)
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = r.cfg.Workspace
	cmd.Env = append(os.Environ(),
		"NEXUS_HOOK_EVENT="+string(event),
		"NEXUS_HOOK_PAYLOAD="+string(payloadJSON),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		msg := fmt.Sprintf("%s hook timed out after %s: %s", event, timeout, command)
		r.logger.Warn("hook timed out", "event", event, "command", command, "timeout", timeout)
		return errorString(msg)
	}
	if runErr == nil {
		return nil
	}

	snippet := strings.TrimSpace(stderr.String())
	if snippet == "" {
		snippet = strings.TrimSpace(stdout.String())
	}
	if snippet == "" {
		snippet = runErr.Error()
	}
	if len(snippet) > maxOutputSnippet {
		snippet = snippet[:maxOutputSnippet] + "... (truncated)"
	}
	msg := fmt.Sprintf("%s hook returned non-zero: %s", event, snippet)
	r.logger.Warn("hook command failed", "event", event, "command", command, "error", snippet)
	return errorString(msg)
}

type errorString string

func (e errorString) Error() string { return string(e) }

func stringField(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
