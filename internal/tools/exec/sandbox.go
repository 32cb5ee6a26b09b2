package exec

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SandboxMode controls which calls get routed through Docker instead of
// running directly on the host.
type SandboxMode string

const (
	SandboxOff     SandboxMode = "off"
	SandboxNonMain SandboxMode = "non_main"
	SandboxAll     SandboxMode = "all"
)

// SandboxScope selects how sandbox containers are shared across calls.
type SandboxScope string

const (
	ScopeShared  SandboxScope = "shared"
	ScopeAgent   SandboxScope = "agent"
	ScopeSession SandboxScope = "session"
)

// WorkspaceAccess controls whether, and how, the host workspace is bind
// mounted into the sandbox container.
type WorkspaceAccess string

const (
	WorkspaceAccessNone WorkspaceAccess = "none"
	WorkspaceAccessRO   WorkspaceAccess = "ro"
	WorkspaceAccessRW   WorkspaceAccess = "rw"
)

// ResourceLimits bounds what a sandboxed command may consume. Mirrors the
// ulimit knobs applied inside the container shell.
type ResourceLimits struct {
	CPUSeconds   int
	MemoryMB     int
	FileSizeMB   int
	MaxProcesses int
}

// DefaultResourceLimits returns the limits applied when none are configured.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{CPUSeconds: 30, MemoryMB: 512, FileSizeMB: 64, MaxProcesses: 64}
}

func (r ResourceLimits) normalized() ResourceLimits {
	d := DefaultResourceLimits()
	if r.CPUSeconds > 0 {
		d.CPUSeconds = r.CPUSeconds
	}
	if r.MemoryMB > 0 {
		d.MemoryMB = r.MemoryMB
	}
	if r.FileSizeMB > 0 {
		d.FileSizeMB = r.FileSizeMB
	}
	if r.MaxProcesses > 0 {
		d.MaxProcesses = r.MaxProcesses
	}
	return d
}

// ScopeContext identifies the caller a sandboxed call belongs to, used to
// pick which long-lived container it is routed to.
type ScopeContext struct {
	SessionKey string
	AgentID    string
}

type containerRecord struct {
	name       string
	createdAt  time.Time
	lastUsedAt time.Time
}

// DockerSandboxConfig configures a DockerSandboxManager.
type DockerSandboxConfig struct {
	Image           string
	Scope           SandboxScope
	WorkspaceAccess WorkspaceAccess
	WorkspaceRoot   string
	ResourceLimits  ResourceLimits
	PruneIdle       time.Duration
	PruneMaxAge     time.Duration
}

// DockerSandboxManager keeps one long-lived, hardened Docker container per
// scope key alive across calls and execs commands into it, rather than
// starting and tearing down a container per command. A container that has
// gone missing or stopped is detected from docker's own stderr and
// recreated transparently, once.
type DockerSandboxManager struct {
	image           string
	scope           SandboxScope
	workspaceAccess WorkspaceAccess
	workspaceRoot   string
	limits          ResourceLimits
	pruneIdle       time.Duration
	pruneMaxAge     time.Duration

	mu         sync.Mutex
	containers map[string]*containerRecord
}

// NewDockerSandboxManager builds a manager from cfg, applying sane floors to
// the prune windows and resource limits.
func NewDockerSandboxManager(cfg DockerSandboxConfig) *DockerSandboxManager {
	idle := cfg.PruneIdle
	if idle < 30*time.Second {
		idle = 30 * time.Second
	}
	maxAge := cfg.PruneMaxAge
	if maxAge < time.Minute {
		maxAge = time.Minute
	}
	scope := cfg.Scope
	if scope != ScopeShared && scope != ScopeSession {
		scope = ScopeAgent
	}
	access := cfg.WorkspaceAccess
	if access != WorkspaceAccessRO && access != WorkspaceAccessNone {
		access = WorkspaceAccessRW
	}
	return &DockerSandboxManager{
		image:           cfg.Image,
		scope:           scope,
		workspaceAccess: access,
		workspaceRoot:   cfg.WorkspaceRoot,
		limits:          cfg.ResourceLimits.normalized(),
		pruneIdle:       idle,
		pruneMaxAge:     maxAge,
		containers:      map[string]*containerRecord{},
	}
}

// Execute runs command inside the scope's long-lived container, creating it
// if necessary, and returns its exit code and captured output.
func (m *DockerSandboxManager) Execute(ctx context.Context, command, cwd string, timeout time.Duration, sc ScopeContext) (int, string, string, error) {
	key := m.scopeKey(sc)

	m.mu.Lock()
	m.pruneLocked(ctx)
	record, err := m.ensureContainerLocked(ctx, key, cwd)
	if err == nil {
		record.lastUsedAt = time.Now()
	}
	m.mu.Unlock()
	if err != nil {
		return 0, "", "", err
	}

	payload := m.buildLimitedPayload(command, cwd)
	args := buildExecArgs(record.name, payload)
	code, stdout, stderr, runErr := runDockerCommand(ctx, args, timeout)
	if runErr == nil && code != 0 && shouldRecreateContainer(stderr) {
		m.mu.Lock()
		m.removeScopeContainerLocked(ctx, key)
		record, err = m.ensureContainerLocked(ctx, key, cwd)
		if err == nil {
			record.lastUsedAt = time.Now()
		}
		m.mu.Unlock()
		if err != nil {
			return 0, "", "", err
		}
		args = buildExecArgs(record.name, payload)
		code, stdout, stderr, runErr = runDockerCommand(ctx, args, timeout)
	}
	return code, stdout, stderr, runErr
}

func (m *DockerSandboxManager) scopeKey(sc ScopeContext) string {
	agent := strings.TrimSpace(sc.AgentID)
	if agent == "" {
		agent = "default"
	}
	switch m.scope {
	case ScopeShared:
		return "shared"
	case ScopeAgent:
		return "agent:" + agent
	default:
		session := strings.TrimSpace(sc.SessionKey)
		if session == "" {
			session = "default"
		}
		return fmt.Sprintf("session:%s:%s", agent, session)
	}
}

// ensureContainerLocked must be called with m.mu held.
func (m *DockerSandboxManager) ensureContainerLocked(ctx context.Context, key, cwd string) (*containerRecord, error) {
	if existing, ok := m.containers[key]; ok {
		if m.isContainerRunning(ctx, existing.name) {
			return existing, nil
		}
		m.removeContainerByName(ctx, existing.name)
		delete(m.containers, key)
	}

	name := containerName(key)
	m.removeContainerByName(ctx, name)
	args := m.buildRunArgs(name, key, cwd)
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	code, stdout, stderr, err := runDockerCommand(runCtx, args, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("docker sandbox container start failed: %w", err)
	}
	if code != 0 {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = strings.TrimSpace(stdout)
		}
		if detail == "" {
			detail = "unknown docker error"
		}
		return nil, fmt.Errorf("docker sandbox container start failed: %s", detail)
	}

	now := time.Now()
	record := &containerRecord{name: name, createdAt: now, lastUsedAt: now}
	m.containers[key] = record
	return record, nil
}

func (m *DockerSandboxManager) removeScopeContainerLocked(ctx context.Context, key string) {
	record, ok := m.containers[key]
	if !ok {
		return
	}
	delete(m.containers, key)
	m.removeContainerByName(ctx, record.name)
}

// pruneLocked must be called with m.mu held.
func (m *DockerSandboxManager) pruneLocked(ctx context.Context) {
	now := time.Now()
	var stale []string
	for key, record := range m.containers {
		if now.Sub(record.lastUsedAt) >= m.pruneIdle || now.Sub(record.createdAt) >= m.pruneMaxAge {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		m.removeScopeContainerLocked(ctx, key)
	}
}

func (m *DockerSandboxManager) isContainerRunning(ctx context.Context, name string) bool {
	runCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	code, stdout, _, err := runDockerCommand(runCtx, []string{"inspect", "-f", "{{.State.Running}}", name}, 8*time.Second)
	return err == nil && code == 0 && strings.ToLower(strings.TrimSpace(stdout)) == "true"
}

func (m *DockerSandboxManager) removeContainerByName(ctx context.Context, name string) {
	runCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	_, _, _, _ = runDockerCommand(runCtx, []string{"rm", "-f", name}, 8*time.Second)
}

func (m *DockerSandboxManager) buildRunArgs(containerName, scopeKey, cwd string) []string {
	limits := m.limits
	tmpSizeMB := limits.FileSizeMB
	if tmpSizeMB < 16 {
		tmpSizeMB = 16
	}
	memMB := limits.MemoryMB
	if memMB < 64 {
		memMB = 64
	}
	pids := limits.MaxProcesses
	if pids < 4 {
		pids = 4
	}

	args := []string{
		"run", "-d",
		"--name", containerName,
		"--read-only",
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges:true",
		"--pids-limit", strconv.Itoa(pids),
		"--memory", fmt.Sprintf("%dm", memMB),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,noexec,size=%dm", tmpSizeMB),
		"--tmpfs", "/run:rw,nosuid,nodev,noexec,size=16m",
		"--user", "65532:65532",
		"--workdir", m.containerCwd(cwd),
		"--label", "nexus.sandbox=true",
		"--label", "nexus.scope=" + string(m.scope),
		"--label", "nexus.scope_key=" + shortHash(scopeKey),
	}

	if m.workspaceAccess == WorkspaceAccessRO || m.workspaceAccess == WorkspaceAccessRW {
		args = append(args, "-v", fmt.Sprintf("%s:/workspace:%s", m.workspaceRoot, m.workspaceAccess))
	} else {
		args = append(args, "--tmpfs", "/workspace:rw,nosuid,nodev,noexec,size=64m")
	}

	args = append(args, m.image, "/bin/sh", "-lc", "while true; do sleep 3600; done")
	return args
}

func buildExecArgs(containerName, payload string) []string {
	return []string{"exec", "-i", containerName, "/bin/sh", "-lc", payload}
}

func (m *DockerSandboxManager) containerCwd(cwd string) string {
	if m.workspaceAccess != WorkspaceAccessRO && m.workspaceAccess != WorkspaceAccessRW {
		return "/workspace"
	}
	rel, err := relWithin(m.workspaceRoot, cwd)
	if err != nil {
		return "/workspace"
	}
	if rel == "" || rel == "." {
		return "/workspace"
	}
	return "/workspace/" + filepathToSlash(rel)
}

func (m *DockerSandboxManager) buildLimitedPayload(command, cwd string) string {
	limits := m.limits
	containerCwd := m.containerCwd(cwd)
	quoted := shellQuote(containerCwd)
	parts := []string{
		"set -e",
		fmt.Sprintf("ulimit -t %d", limits.CPUSeconds),
		fmt.Sprintf("ulimit -v %d", limits.MemoryMB*1024),
		fmt.Sprintf("ulimit -f %d", limits.FileSizeMB*2048),
		fmt.Sprintf("ulimit -u %d", limits.MaxProcesses),
		"mkdir -p " + quoted,
		"cd " + quoted,
		command,
	}
	return strings.Join(parts, "; ")
}

func shouldRecreateContainer(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range []string{"no such container", "is not running", "container not found"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func containerName(scopeKey string) string {
	return "nexus-sbx-" + shortHash(scopeKey)
}

func shortHash(value string) string {
	sum := sha1.Sum([]byte(value))
	return hex.EncodeToString(sum[:])[:12]
}

func runDockerCommand(ctx context.Context, args []string, timeout time.Duration) (int, string, string, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return 124, "", fmt.Sprintf("command timed out after %s", timeout), nil
	}
	if runErr == nil {
		return 0, stdout.String(), stderr.String(), nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
	}
	return 1, stdout.String(), stderr.String(), runErr
}
