package models

import "time"

// EventKind groups bus events by the subsystem that produced them.
type EventKind string

const (
	EventKindLifecycle EventKind = "lifecycle"
	EventKindAssistant EventKind = "assistant"
	EventKindTool      EventKind = "tool"
	EventKindHook      EventKind = "hook"
	EventKindCompaction EventKind = "compaction"
	EventKindQueue     EventKind = "queue"
	EventKindSession   EventKind = "session"
	EventKindAlert     EventKind = "alert"
)

// EventType enumerates the concrete event names carried over the bus.
type EventType string

const (
	EventRunStart          EventType = "run_start"
	EventRunEnd            EventType = "run_end"
	EventRunError          EventType = "run_error"
	EventRunCancelled      EventType = "run_cancelled"
	EventRunSteer          EventType = "run_steer"
	EventRunSteerApplied   EventType = "run_steer_applied"
	EventAssistantDelta    EventType = "assistant_delta"
	EventToolStart         EventType = "tool_start"
	EventToolEnd           EventType = "tool_end"
	EventQueueUpdate       EventType = "queue_update"
	EventCompactionStart   EventType = "compaction_start"
	EventCompactionEnd     EventType = "compaction_end"
	EventCompactionError   EventType = "compaction_error"
	EventTypingStart       EventType = "typing_start"
	EventTypingStop        EventType = "typing_stop"
	EventAlertRaised       EventType = "alert_raised"
	EventHookFired         EventType = "hook_fired"
)

// Event is the envelope every bus event carries; Fields holds
// type-specific payload keys (delta, tool_name, reason, ...).
type Event struct {
	Type       EventType      `json:"type"`
	Kind       EventKind      `json:"kind"`
	RunID      string         `json:"run_id,omitempty"`
	SessionKey string         `json:"session_key,omitempty"`
	Timestamp  time.Time      `json:"ts"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Get reads a field by key, returning (nil, false) when absent.
func (e Event) Get(key string) (any, bool) {
	if e.Fields == nil {
		return nil, false
	}
	v, ok := e.Fields[key]
	return v, ok
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(typ EventType, kind EventKind, runID, sessionKey string, fields map[string]any) Event {
	return Event{
		Type:       typ,
		Kind:       kind,
		RunID:      runID,
		SessionKey: sessionKey,
		Timestamp:  time.Now(),
		Fields:     fields,
	}
}
