package models

// DistributedNodeStatus is the registration state of a distributed worker.
type DistributedNodeStatus string

const (
	NodeStatusOnline  DistributedNodeStatus = "online"
	NodeStatusOffline DistributedNodeStatus = "offline"
)

// DistributedNode is a remote (or local) worker tracked by the
// distributed manager.
type DistributedNode struct {
	NodeID          string                `json:"node_id"`
	Capabilities    []string              `json:"capabilities"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
	Address         string                `json:"address,omitempty"`
	Status          DistributedNodeStatus `json:"status"`
	RegisteredAtMs  int64                 `json:"registered_at_ms"`
	UpdatedAtMs     int64                 `json:"updated_at_ms"`
	LastHeartbeatMs int64                 `json:"last_heartbeat_ms"`

	// Alive is derived at read time: now - LastHeartbeatMs <= timeout.
	Alive bool `json:"alive"`
}

// DistributedTaskStatus is the lifecycle state of a dispatched task.
type DistributedTaskStatus string

const (
	TaskQueued    DistributedTaskStatus = "queued"
	TaskRunning   DistributedTaskStatus = "running"
	TaskCompleted DistributedTaskStatus = "completed"
	TaskError     DistributedTaskStatus = "error"
)

// DistributedTask is one unit of work dispatched to a capability-matched
// node.
type DistributedTask struct {
	TaskID               string                `json:"task_id"`
	Kind                 string                `json:"kind"`
	Payload              map[string]any        `json:"payload,omitempty"`
	RequiredCapabilities []string              `json:"required_capabilities,omitempty"`
	AssignedNodeID       string                `json:"assigned_node_id"`
	Status               DistributedTaskStatus `json:"status"`
	CreatedAtMs          int64                 `json:"created_at_ms"`
	UpdatedAtMs          int64                 `json:"updated_at_ms"`
	ClaimedAtMs          int64                 `json:"claimed_at_ms,omitempty"`
	CompletedAtMs        int64                 `json:"completed_at_ms,omitempty"`
	Result               map[string]any        `json:"result,omitempty"`
	Error                string                `json:"error,omitempty"`
}
