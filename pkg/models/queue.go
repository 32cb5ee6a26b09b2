package models

// QueueMode selects how a new inbound message interacts with a session's
// already-queued or already-running work.
type QueueMode string

const (
	// QueueModeQueue always enqueues a new run.
	QueueModeQueue QueueMode = "queue"
	// QueueModeSteer injects into the currently running run instead of
	// starting a new one.
	QueueModeSteer QueueMode = "steer"
	// QueueModeSteerBacklog steers the running run and also replaces the
	// most recently queued run's content.
	QueueModeSteerBacklog QueueMode = "steer_backlog"
	// QueueModeCollect merges into the most recent queued run if it was
	// created within CollectWindow.
	QueueModeCollect QueueMode = "collect"
	// QueueModeFollowup replaces the most recent queued run's content.
	QueueModeFollowup QueueMode = "followup"
)

// QueueConfig controls the per-session merge/replace/steer behavior of
// the agent loop's scheduler.
type QueueConfig struct {
	Mode            QueueMode `yaml:"mode" json:"mode"`
	Global          bool      `yaml:"global" json:"global"`
	MaxConcurrency  int       `yaml:"max_concurrency" json:"max_concurrency"`
	CollectWindowMs int       `yaml:"collect_window_ms" json:"collect_window_ms"`
	MaxBacklog      int       `yaml:"max_backlog" json:"max_backlog"`
}

// DefaultQueueConfig mirrors the defaults referenced throughout the spec.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Mode:            QueueModeQueue,
		Global:          false,
		MaxConcurrency:  4,
		CollectWindowMs: 2000,
		MaxBacklog:      10,
	}
}
