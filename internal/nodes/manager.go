// Package nodes tracks remote workers ("nodes") and dispatches
// capability-matched tasks to them. State lives in one JSON file
// guarded by an advisory file lock, so multiple processes on the same
// host can share a fleet view without a database.
package nodes

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/filelock"
	"github.com/haasonsaas/nexus/pkg/models"
)

var (
	// ErrNodeIDRequired is returned when a blank node id is supplied.
	ErrNodeIDRequired = errors.New("nodes: node_id is required")

	// ErrNodeNotAllowlisted is returned when a non-local node id is not
	// present in the configured peer allowlist.
	ErrNodeNotAllowlisted = errors.New("nodes: node is not in the peer allowlist")

	// ErrNoEligibleNode is returned when dispatch_task finds no alive
	// node whose capability set covers the requirement.
	ErrNoEligibleNode = errors.New("nodes: no eligible online node available for task dispatch")

	// ErrTaskNotFound is returned when a task id has no matching row.
	ErrTaskNotFound = errors.New("nodes: task not found")

	// ErrTaskWrongNode is returned when completing a task from a node
	// other than the one it was assigned to.
	ErrTaskWrongNode = errors.New("nodes: task is assigned to a different node")
)

const (
	defaultHeartbeatTimeoutS = 90
	minHeartbeatTimeoutS     = 15
	defaultMaxTasks          = 1000
	minMaxTasks              = 100
)

// Config configures a Manager.
type Config struct {
	StorePath         string
	LocalNodeID       string
	PeerAllowlist     []string
	HeartbeatTimeoutS int
	MaxTasks          int
}

type state struct {
	Nodes map[string]*models.DistributedNode `json:"nodes"`
	Tasks map[string]*models.DistributedTask `json:"tasks"`
}

func emptyState() state {
	return state{Nodes: map[string]*models.DistributedNode{}, Tasks: map[string]*models.DistributedTask{}}
}

// Manager registers nodes, tracks heartbeats, and dispatches tasks by
// required capability.
type Manager struct {
	mu sync.Mutex

	storePath         string
	lock              *filelock.Lock
	localNodeID       string
	peerAllowlist     map[string]struct{}
	heartbeatTimeoutS int
	maxTasks          int

	now func() time.Time
}

// New constructs a Manager backed by cfg.StorePath.
func New(cfg Config) *Manager {
	localNodeID := cfg.LocalNodeID
	if localNodeID == "" {
		localNodeID = "local-node"
	}

	heartbeatTimeout := cfg.HeartbeatTimeoutS
	if heartbeatTimeout < minHeartbeatTimeoutS {
		heartbeatTimeout = defaultHeartbeatTimeoutS
	}
	maxTasks := cfg.MaxTasks
	if maxTasks < minMaxTasks {
		maxTasks = defaultMaxTasks
	}

	allowlist := make(map[string]struct{}, len(cfg.PeerAllowlist))
	for _, id := range cfg.PeerAllowlist {
		if id != "" {
			allowlist[id] = struct{}{}
		}
	}

	if cfg.StorePath != "" {
		_ = os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755)
	}

	return &Manager{
		storePath:         cfg.StorePath,
		lock:              filelock.New(cfg.StorePath),
		localNodeID:       localNodeID,
		peerAllowlist:     allowlist,
		heartbeatTimeoutS: heartbeatTimeout,
		maxTasks:          maxTasks,
		now:               time.Now,
	}
}

func (m *Manager) nowMs() int64 {
	return m.now().UnixNano() / int64(time.Millisecond)
}

func (m *Manager) enforceAllowlist(nodeID string) error {
	if len(m.peerAllowlist) == 0 || nodeID == m.localNodeID {
		return nil
	}
	if _, ok := m.peerAllowlist[nodeID]; !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotAllowlisted, nodeID)
	}
	return nil
}

// withState loads state under the file lock, lets fn mutate it, and
// persists the result if write is true before releasing the lock.
func (m *Manager) withState(write bool, fn func(s *state)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lock.WithLock(func() error {
		s := m.load()
		fn(&s)
		if write {
			return m.save(s)
		}
		return nil
	})
}

func (m *Manager) load() state {
	s := emptyState()
	if m.storePath == "" {
		return s
	}
	raw, err := os.ReadFile(m.storePath)
	if err != nil {
		return s
	}
	var loaded state
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return s
	}
	if loaded.Nodes != nil {
		s.Nodes = loaded.Nodes
	}
	if loaded.Tasks != nil {
		s.Tasks = loaded.Tasks
	}
	return s
}

func (m *Manager) save(s state) error {
	if m.storePath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.storePath)
	tmp, err := os.CreateTemp(dir, filepath.Base(m.storePath)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, m.storePath)
}

func sortedUniqueStrings(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// RegisterNode upserts a node record and marks it online.
func (m *Manager) RegisterNode(nodeID string, capabilities []string, metadata map[string]any, address string) (*models.DistributedNode, error) {
	if nodeID == "" {
		return nil, ErrNodeIDRequired
	}
	if err := m.enforceAllowlist(nodeID); err != nil {
		return nil, err
	}

	var out *models.DistributedNode
	now := m.nowMs()
	err := m.withState(true, func(s *state) {
		existing := s.Nodes[nodeID]
		row := &models.DistributedNode{
			NodeID:          nodeID,
			Capabilities:    sortedUniqueStrings(capabilities),
			Metadata:        metadata,
			Address:         address,
			Status:          models.NodeStatusOnline,
			RegisteredAtMs:  now,
			UpdatedAtMs:     now,
			LastHeartbeatMs: now,
		}
		if existing != nil {
			if row.RegisteredAtMs == 0 || existing.RegisteredAtMs != 0 {
				row.RegisteredAtMs = existing.RegisteredAtMs
			}
			if metadata == nil {
				row.Metadata = existing.Metadata
			}
			if address == "" {
				row.Address = existing.Address
			}
		}
		s.Nodes[nodeID] = row
		copied := *row
		out = &copied
	})
	return out, err
}

// Heartbeat marks a node online and refreshes its capabilities/metadata
// if supplied, creating the node record if it does not exist yet.
func (m *Manager) Heartbeat(nodeID string, capabilities []string, metadata map[string]any) (*models.DistributedNode, error) {
	if nodeID == "" {
		return nil, ErrNodeIDRequired
	}
	if err := m.enforceAllowlist(nodeID); err != nil {
		return nil, err
	}

	var out *models.DistributedNode
	now := m.nowMs()
	err := m.withState(true, func(s *state) {
		existing, ok := s.Nodes[nodeID]
		if !ok {
			row := &models.DistributedNode{
				NodeID:          nodeID,
				Capabilities:    sortedUniqueStrings(capabilities),
				Metadata:        metadata,
				Status:          models.NodeStatusOnline,
				RegisteredAtMs:  now,
				UpdatedAtMs:     now,
				LastHeartbeatMs: now,
			}
			s.Nodes[nodeID] = row
			copied := *row
			out = &copied
			return
		}
		if capabilities != nil {
			existing.Capabilities = sortedUniqueStrings(capabilities)
		}
		if metadata != nil {
			existing.Metadata = metadata
		}
		existing.Status = models.NodeStatusOnline
		existing.LastHeartbeatMs = now
		existing.UpdatedAtMs = now
		copied := *existing
		out = &copied
	})
	return out, err
}

func (m *Manager) aliveNodes(s *state, includeStale bool) []*models.DistributedNode {
	now := m.nowMs()
	timeoutMs := int64(m.heartbeatTimeoutS) * 1000
	out := make([]*models.DistributedNode, 0, len(s.Nodes))
	for _, row := range s.Nodes {
		copied := *row
		copied.Alive = now-copied.LastHeartbeatMs <= timeoutMs
		if includeStale || copied.Alive {
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAtMs > out[j].UpdatedAtMs })
	return out
}

// ListNodes returns known nodes, annotated with their derived Alive
// status, newest-updated first.
func (m *Manager) ListNodes(includeStale bool) []*models.DistributedNode {
	var out []*models.DistributedNode
	_ = m.withState(false, func(s *state) {
		out = m.aliveNodes(s, includeStale)
	})
	return out
}

func capabilitySetCovers(caps []string, required map[string]struct{}) bool {
	have := map[string]struct{}{}
	for _, c := range caps {
		have[c] = struct{}{}
	}
	for c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

func (m *Manager) selectNode(s *state, requiredCapabilities []string, preferredNodeID string) string {
	required := map[string]struct{}{}
	for _, c := range requiredCapabilities {
		if c != "" {
			required[c] = struct{}{}
		}
	}
	nodes := m.aliveNodes(s, false)

	if preferredNodeID != "" {
		for _, n := range nodes {
			if n.NodeID == preferredNodeID && capabilitySetCovers(n.Capabilities, required) {
				return n.NodeID
			}
		}
	}
	for _, n := range nodes {
		if capabilitySetCovers(n.Capabilities, required) {
			return n.NodeID
		}
	}
	return ""
}

// DispatchTask creates a queued task assigned to the best matching
// alive node, preferring preferredNodeID when it is alive and covers
// the required capabilities.
func (m *Manager) DispatchTask(kind string, payload map[string]any, requiredCapabilities []string, preferredNodeID string) (*models.DistributedTask, error) {
	var out *models.DistributedTask
	var dispatchErr error
	now := m.nowMs()

	err := m.withState(true, func(s *state) {
		nodeID := m.selectNode(s, requiredCapabilities, preferredNodeID)
		if nodeID == "" {
			dispatchErr = ErrNoEligibleNode
			return
		}
		if kind == "" {
			kind = "generic"
		}
		row := &models.DistributedTask{
			TaskID:               "task_" + uuid.New().String()[:14],
			Kind:                 kind,
			Payload:              payload,
			RequiredCapabilities: sortedUniqueStrings(requiredCapabilities),
			AssignedNodeID:       nodeID,
			Status:               models.TaskQueued,
			CreatedAtMs:          now,
			UpdatedAtMs:          now,
		}
		s.Tasks[row.TaskID] = row
		pruneTasks(s.Tasks, m.maxTasks)
		copied := *row
		out = &copied
	})
	if err != nil {
		return nil, err
	}
	return out, dispatchErr
}

// ClaimTask assigns the oldest queued task owned by nodeID to it,
// transitioning it to running, or returns nil if none are queued.
func (m *Manager) ClaimTask(nodeID string) (*models.DistributedTask, error) {
	var out *models.DistributedTask
	now := m.nowMs()

	err := m.withState(true, func(s *state) {
		var queued []*models.DistributedTask
		for _, row := range s.Tasks {
			if row.AssignedNodeID == nodeID && row.Status == models.TaskQueued {
				queued = append(queued, row)
			}
		}
		if len(queued) == 0 {
			return
		}
		sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAtMs < queued[j].CreatedAtMs })
		row := queued[0]
		row.Status = models.TaskRunning
		row.ClaimedAtMs = now
		row.UpdatedAtMs = now
		copied := *row
		out = &copied
	})
	return out, err
}

// CompleteTask marks a task completed or errored, validating that
// nodeID matches the task's assignment.
func (m *Manager) CompleteTask(taskID, nodeID string, result map[string]any, taskErr string) (*models.DistributedTask, error) {
	var out *models.DistributedTask
	var opErr error
	now := m.nowMs()

	err := m.withState(true, func(s *state) {
		row, ok := s.Tasks[taskID]
		if !ok {
			opErr = ErrTaskNotFound
			return
		}
		if row.AssignedNodeID != nodeID {
			opErr = ErrTaskWrongNode
			return
		}
		if taskErr != "" {
			row.Status = models.TaskError
			row.Error = taskErr
			row.Result = nil
		} else {
			row.Status = models.TaskCompleted
			row.Error = ""
			row.Result = result
		}
		row.CompletedAtMs = now
		row.UpdatedAtMs = now
		copied := *row
		out = &copied
	})
	if err != nil {
		return nil, err
	}
	return out, opErr
}

// GetTask returns a task by id, or nil if it does not exist.
func (m *Manager) GetTask(taskID string) *models.DistributedTask {
	var out *models.DistributedTask
	_ = m.withState(false, func(s *state) {
		if row, ok := s.Tasks[taskID]; ok {
			copied := *row
			out = &copied
		}
	})
	return out
}

// ListTasks returns up to limit tasks matching the optional status and
// nodeID filters, newest-created first.
func (m *Manager) ListTasks(status models.DistributedTaskStatus, nodeID string, limit int) []*models.DistributedTask {
	if limit <= 0 {
		limit = 200
	}
	var out []*models.DistributedTask
	_ = m.withState(false, func(s *state) {
		for _, row := range s.Tasks {
			if status != "" && row.Status != status {
				continue
			}
			if nodeID != "" && row.AssignedNodeID != nodeID {
				continue
			}
			copied := *row
			out = append(out, &copied)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs > out[j].CreatedAtMs })
		if len(out) > limit {
			out = out[:limit]
		}
	})
	return out
}

// pruneTasks keeps every non-terminal task unconditionally, then keeps
// the most recently updated terminal tasks until the cap is met.
func pruneTasks(tasks map[string]*models.DistributedTask, maxTasks int) {
	if len(tasks) <= maxTasks {
		return
	}

	var active, terminal []*models.DistributedTask
	for _, row := range tasks {
		switch row.Status {
		case models.TaskCompleted, models.TaskError:
			terminal = append(terminal, row)
		default:
			active = append(active, row)
		}
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].UpdatedAtMs > terminal[j].UpdatedAtMs })

	budget := maxTasks - len(active)
	if budget < 0 {
		budget = 0
	}
	keep := map[string]struct{}{}
	for _, row := range active {
		keep[row.TaskID] = struct{}{}
	}
	for i, row := range terminal {
		if i >= budget {
			break
		}
		keep[row.TaskID] = struct{}{}
	}
	for id := range tasks {
		if _, ok := keep[id]; !ok {
			delete(tasks, id)
		}
	}
}
