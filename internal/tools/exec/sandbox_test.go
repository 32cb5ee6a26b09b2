package exec

import (
	"strings"
	"testing"
)

func newTestSandboxManager(scope SandboxScope, access WorkspaceAccess, root string) *DockerSandboxManager {
	return NewDockerSandboxManager(DockerSandboxConfig{
		Image:           "nexus-sandbox:test",
		Scope:           scope,
		WorkspaceAccess: access,
		WorkspaceRoot:   root,
	})
}

func TestSandboxManager_ScopeKey(t *testing.T) {
	shared := newTestSandboxManager(ScopeShared, WorkspaceAccessRW, "/work")
	if got := shared.scopeKey(ScopeContext{AgentID: "alice", SessionKey: "s1"}); got != "shared" {
		t.Fatalf("expected shared scope key to collapse to \"shared\", got %q", got)
	}

	agent := newTestSandboxManager(ScopeAgent, WorkspaceAccessRW, "/work")
	if got := agent.scopeKey(ScopeContext{AgentID: "alice"}); got != "agent:alice" {
		t.Fatalf("unexpected agent scope key: %q", got)
	}
	if got := agent.scopeKey(ScopeContext{}); got != "agent:default" {
		t.Fatalf("expected empty agent id to fall back to default, got %q", got)
	}

	session := newTestSandboxManager(ScopeSession, WorkspaceAccessRW, "/work")
	if got := session.scopeKey(ScopeContext{AgentID: "alice", SessionKey: "s1"}); got != "session:alice:s1" {
		t.Fatalf("unexpected session scope key: %q", got)
	}
}

func TestSandboxManager_ContainerNameIsStableAndHashed(t *testing.T) {
	name1 := containerName("agent:alice")
	name2 := containerName("agent:alice")
	if name1 != name2 {
		t.Fatalf("expected deterministic container name, got %q vs %q", name1, name2)
	}
	if name1 == containerName("agent:bob") {
		t.Fatal("expected different scope keys to produce different container names")
	}
}

func TestSandboxManager_ShouldRecreateContainer(t *testing.T) {
	cases := map[string]bool{
		"Error: No such container: nexus-sbx-abc": true,
		"container is not running":                true,
		"Container not found":                     true,
		"permission denied":                       false,
		"":                                         false,
	}
	for stderr, want := range cases {
		if got := shouldRecreateContainer(stderr); got != want {
			t.Fatalf("shouldRecreateContainer(%q) = %v, want %v", stderr, got, want)
		}
	}
}

func TestSandboxManager_ContainerCwdStaysWithinWorkspace(t *testing.T) {
	m := newTestSandboxManager(ScopeAgent, WorkspaceAccessRW, "/work")
	if got := m.containerCwd("/work"); got != "/workspace" {
		t.Fatalf("expected root cwd to map to /workspace, got %q", got)
	}
	if got := m.containerCwd("/work/sub/dir"); got != "/workspace/sub/dir" {
		t.Fatalf("expected nested cwd to map under /workspace, got %q", got)
	}
	if got := m.containerCwd("/elsewhere"); got != "/workspace" {
		t.Fatalf("expected a cwd outside the workspace root to fall back to /workspace, got %q", got)
	}
}

func TestSandboxManager_ContainerCwdWithNoWorkspaceAccess(t *testing.T) {
	m := newTestSandboxManager(ScopeAgent, WorkspaceAccessNone, "/work")
	if got := m.containerCwd("/work/sub"); got != "/workspace" {
		t.Fatalf("expected no-access mode to always use /workspace, got %q", got)
	}
}

func TestSandboxManager_BuildRunArgsAppliesHardening(t *testing.T) {
	m := newTestSandboxManager(ScopeAgent, WorkspaceAccessRO, "/work")
	args := m.buildRunArgs("nexus-sbx-test", "agent:alice", "/work")

	want := []string{"--read-only", "--network", "--cap-drop", "ALL", "--security-opt", "no-new-privileges:true", "--pids-limit", "--memory"}
	for _, w := range want {
		found := false
		for _, a := range args {
			if a == w {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected run args to include %q, got %v", w, args)
		}
	}
}

func TestSandboxManager_BuildLimitedPayloadAppliesUlimits(t *testing.T) {
	m := newTestSandboxManager(ScopeAgent, WorkspaceAccessRW, "/work")
	payload := m.buildLimitedPayload("echo hi", "/work")
	for _, want := range []string{"ulimit -t 30", "ulimit -v", "ulimit -f", "ulimit -u", "echo hi"} {
		if !strings.Contains(payload, want) {
			t.Fatalf("expected payload to contain %q, got %q", want, payload)
		}
	}
}
