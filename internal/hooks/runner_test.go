package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeHookConfig(t *testing.T, workspace string, doc map[string]any) {
	t.Helper()
	hooksDir := filepath.Join(workspace, "hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		t.Fatalf("mkdir hooks dir: %v", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal hook config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(hooksDir, "hooks.json"), data, 0o644); err != nil {
		t.Fatalf("write hook config: %v", err)
	}
}

func TestRunner_DisabledRunnerIsNoop(t *testing.T) {
	workspace := t.TempDir()
	r := NewRunner(Config{Workspace: workspace, Enabled: false}, nil)

	result := r.Run(context.Background(), SessionStart, nil)
	if result.Executed != 0 || !result.OK() {
		t.Fatalf("expected disabled runner to be a no-op, got %+v", result)
	}
}

func TestRunner_UnknownEventErrors(t *testing.T) {
	workspace := t.TempDir()
	r := NewRunner(Config{Workspace: workspace, Enabled: true}, nil)

	result := r.Run(context.Background(), LifecycleEvent("NotAnEvent"), nil)
	if result.OK() {
		t.Fatal("expected an error for an unknown lifecycle event")
	}
}

func TestRunner_RunsConfiguredCommand(t *testing.T) {
	workspace := t.TempDir()
	marker := filepath.Join(workspace, "ran.txt")
	writeHookConfig(t, workspace, map[string]any{
		string(SessionStart): "touch " + marker,
	})

	r := NewRunner(Config{Workspace: workspace, Enabled: true, SafeMode: false}, nil)
	result := r.Run(context.Background(), SessionStart, nil)
	if !result.OK() || result.Executed != 1 {
		t.Fatalf("expected one successful hook, got %+v", result)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected marker file to be created: %v", err)
	}
}

func TestRunner_PreToolUseBlocksOnNonZeroExit(t *testing.T) {
	workspace := t.TempDir()
	writeHookConfig(t, workspace, map[string]any{
		string(PreToolUse): "exit 1",
	})

	r := NewRunner(Config{Workspace: workspace, Enabled: true, SafeMode: false}, nil)
	result := r.Run(context.Background(), PreToolUse, map[string]any{"tool_name": "shell"})
	if !result.Blocked {
		t.Fatal("expected PreToolUse hook failure to block the call")
	}
	if result.OK() {
		t.Fatal("expected an error to be recorded for the blocking hook")
	}
}

func TestRunner_PostToolUseDoesNotBlock(t *testing.T) {
	workspace := t.TempDir()
	writeHookConfig(t, workspace, map[string]any{
		string(PostToolUse): "exit 1",
	})

	r := NewRunner(Config{Workspace: workspace, Enabled: true, SafeMode: false}, nil)
	result := r.Run(context.Background(), PostToolUse, nil)
	if result.Blocked {
		t.Fatal("PostToolUse must never block")
	}
	if result.OK() {
		t.Fatal("expected the non-zero exit to still be recorded as an error")
	}
}

func TestRunner_ToolMatcherFiltersCommand(t *testing.T) {
	workspace := t.TempDir()
	marker := filepath.Join(workspace, "matched.txt")
	writeHookConfig(t, workspace, map[string]any{
		string(PreToolUse): []map[string]any{
			{"command": "touch " + marker, "matchers": []string{"shell*"}},
		},
	})

	r := NewRunner(Config{Workspace: workspace, Enabled: true, SafeMode: false}, nil)

	result := r.Run(context.Background(), PreToolUse, map[string]any{"tool_name": "http_fetch"})
	if result.Executed != 0 {
		t.Fatalf("expected non-matching tool to skip the hook, got %+v", result)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("expected marker not to be created for a non-matching tool")
	}

	result = r.Run(context.Background(), PreToolUse, map[string]any{"tool_name": "shell_exec"})
	if result.Executed != 1 || !result.OK() {
		t.Fatalf("expected matching tool to run the hook, got %+v", result)
	}
}

func TestRunner_DenyPatternBlocksCommand(t *testing.T) {
	workspace := t.TempDir()
	writeHookConfig(t, workspace, map[string]any{
		string(PreToolUse): "rm -rf /",
	})

	r := NewRunner(Config{
		Workspace:           workspace,
		Enabled:             true,
		SafeMode:            true,
		DenyCommandPatterns: []string{"rm -rf"},
	}, nil)

	result := r.Run(context.Background(), PreToolUse, nil)
	if !result.Blocked {
		t.Fatal("expected deny-pattern match to block the hook without running it")
	}
	if result.Executed != 0 {
		t.Fatalf("denied command must never execute, got executed=%d", result.Executed)
	}
}

func TestRunner_AllowPrefixRejectsOthers(t *testing.T) {
	workspace := t.TempDir()
	writeHookConfig(t, workspace, map[string]any{
		string(SessionEnd): "curl https://example.test/notify",
	})

	r := NewRunner(Config{
		Workspace:            workspace,
		Enabled:              true,
		SafeMode:             true,
		AllowCommandPrefixes: []string{"/usr/local/bin/"},
	}, nil)

	result := r.Run(context.Background(), SessionEnd, nil)
	if result.OK() {
		t.Fatal("expected command outside allow prefixes to be rejected")
	}
	if result.Executed != 0 {
		t.Fatalf("rejected command must never execute, got executed=%d", result.Executed)
	}
}

func TestRunner_TimeoutBlocksSlowHook(t *testing.T) {
	workspace := t.TempDir()
	writeHookConfig(t, workspace, map[string]any{
		string(PreToolUse): []map[string]any{
			{"command": "sleep 2", "timeout_seconds": 1},
		},
	})

	r := NewRunner(Config{Workspace: workspace, Enabled: true, SafeMode: false}, nil)

	start := time.Now()
	result := r.Run(context.Background(), PreToolUse, nil)
	if !result.Blocked {
		t.Fatal("expected timeout to block the PreToolUse call")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("expected the hook to be killed near its 1s timeout, took %s", elapsed)
	}
}

func TestRunner_MissingConfigFileIsEmptyResult(t *testing.T) {
	workspace := t.TempDir()
	r := NewRunner(Config{Workspace: workspace, Enabled: true}, nil)

	result := r.Run(context.Background(), SessionStart, nil)
	if result.Executed != 0 || !result.OK() {
		t.Fatalf("expected no hooks configured to be a clean no-op, got %+v", result)
	}
}
