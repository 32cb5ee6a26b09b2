package models

import "time"

// RunStatus is the lifecycle state of a RunState.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunError     RunStatus = "error"
)

// Terminal reports whether the status is a terminal one.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCancelled, RunError:
		return true
	default:
		return false
	}
}

// RunState is the in-flight (or archived) unit of work scheduled by the
// agent loop for one inbound message.
type RunState struct {
	RunID      string    `json:"run_id"`
	SessionKey string    `json:"session_key"`
	Channel    string    `json:"channel"`
	ChatID     string    `json:"chat_id"`
	Model      string    `json:"model"`
	Status     RunStatus `json:"status"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	UsagePromptTokens     int `json:"usage_prompt_tokens"`
	UsageCompletionTokens int `json:"usage_completion_tokens"`
	UsageTotalTokens      int `json:"usage_total_tokens"`

	Error string `json:"error,omitempty"`

	// Content/Media carry the message this run is processing; queue
	// transforms (merge/replace/steer) mutate these fields in place on
	// a queued run.
	Content  string         `json:"content,omitempty"`
	Media    []string       `json:"media,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	SenderID string         `json:"sender_id,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// scheduler's lock.
func (r *RunState) Clone() *RunState {
	if r == nil {
		return nil
	}
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.Media != nil {
		cp.Media = append([]string(nil), r.Media...)
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
