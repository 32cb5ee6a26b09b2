package nodes

import (
	"path/filepath"
	"testing"

	"github.com/haasonsaas/nexus/pkg/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return New(Config{StorePath: filepath.Join(dir, "distributed.json")})
}

func TestManager_RegisterAndListNodes(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.RegisterNode("worker-1", []string{"shell", "camera"}, nil, "10.0.0.5:9000"); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}

	nodes := m.ListNodes(false)
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes))
	}
	if !nodes[0].Alive {
		t.Error("freshly registered node should be alive")
	}
	if nodes[0].Status != models.NodeStatusOnline {
		t.Errorf("expected online status, got %s", nodes[0].Status)
	}
}

func TestManager_PeerAllowlistRejectsUnknownNode(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{
		StorePath:     filepath.Join(dir, "distributed.json"),
		LocalNodeID:   "local-node",
		PeerAllowlist: []string{"worker-1"},
	})

	if _, err := m.RegisterNode("worker-2", nil, nil, ""); err == nil {
		t.Fatal("expected allowlist rejection for worker-2")
	}
	if _, err := m.RegisterNode("worker-1", nil, nil, ""); err != nil {
		t.Fatalf("expected allowlisted node to register: %v", err)
	}
	if _, err := m.RegisterNode("local-node", nil, nil, ""); err != nil {
		t.Fatalf("expected local node to bypass allowlist: %v", err)
	}
}

func TestManager_DispatchTask_PrefersCapableNode(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.RegisterNode("worker-1", []string{"shell"}, nil, ""); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if _, err := m.RegisterNode("worker-2", []string{"shell", "camera"}, nil, ""); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}

	task, err := m.DispatchTask("snap", map[string]any{"x": 1}, []string{"camera"}, "")
	if err != nil {
		t.Fatalf("DispatchTask: %v", err)
	}
	if task.AssignedNodeID != "worker-2" {
		t.Errorf("expected dispatch to worker-2, got %s", task.AssignedNodeID)
	}
	if task.Status != models.TaskQueued {
		t.Errorf("expected queued status, got %s", task.Status)
	}
}

func TestManager_DispatchTask_NoEligibleNode(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.RegisterNode("worker-1", []string{"shell"}, nil, ""); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}

	if _, err := m.DispatchTask("snap", nil, []string{"camera"}, ""); err != ErrNoEligibleNode {
		t.Fatalf("expected ErrNoEligibleNode, got %v", err)
	}
}

func TestManager_ClaimAndCompleteTask(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.RegisterNode("worker-1", []string{"shell"}, nil, ""); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	task, err := m.DispatchTask("run", nil, []string{"shell"}, "")
	if err != nil {
		t.Fatalf("DispatchTask: %v", err)
	}

	claimed, err := m.ClaimTask("worker-1")
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if claimed == nil || claimed.TaskID != task.TaskID {
		t.Fatalf("expected to claim task %s, got %+v", task.TaskID, claimed)
	}
	if claimed.Status != models.TaskRunning {
		t.Errorf("expected running status, got %s", claimed.Status)
	}

	completed, err := m.CompleteTask(task.TaskID, "worker-1", map[string]any{"ok": true}, "")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if completed.Status != models.TaskCompleted {
		t.Errorf("expected completed status, got %s", completed.Status)
	}
}

func TestManager_CompleteTask_WrongNodeRejected(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.RegisterNode("worker-1", []string{"shell"}, nil, ""); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	task, err := m.DispatchTask("run", nil, []string{"shell"}, "")
	if err != nil {
		t.Fatalf("DispatchTask: %v", err)
	}

	if _, err := m.CompleteTask(task.TaskID, "worker-2", nil, ""); err != ErrTaskWrongNode {
		t.Fatalf("expected ErrTaskWrongNode, got %v", err)
	}
}

func TestManager_PruneTasks_KeepsNonTerminal(t *testing.T) {
	tasks := map[string]*models.DistributedTask{}
	for i := 0; i < 5; i++ {
		tasks[string(rune('a'+i))] = &models.DistributedTask{
			TaskID:      string(rune('a' + i)),
			Status:      models.TaskQueued,
			UpdatedAtMs: int64(i),
		}
	}
	for i := 0; i < 5; i++ {
		id := string(rune('A' + i))
		tasks[id] = &models.DistributedTask{
			TaskID:      id,
			Status:      models.TaskCompleted,
			UpdatedAtMs: int64(i),
		}
	}

	pruneTasks(tasks, 7)

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		if _, ok := tasks[id]; !ok {
			t.Errorf("non-terminal task %s should never be pruned", id)
		}
	}
	if len(tasks) != 7 {
		t.Errorf("expected 7 tasks after prune, got %d", len(tasks))
	}
}

func TestManager_SharedAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "distributed.json")
	a := New(Config{StorePath: storePath})
	b := New(Config{StorePath: storePath})

	if _, err := a.RegisterNode("worker-1", []string{"shell"}, nil, ""); err != nil {
		t.Fatalf("RegisterNode via a: %v", err)
	}

	nodes := b.ListNodes(false)
	if len(nodes) != 1 || nodes[0].NodeID != "worker-1" {
		t.Fatalf("expected instance b to see worker-1 registered via a, got %+v", nodes)
	}
}
