package models

import "time"

// Session is a conversation thread keyed by session_key ("channel:chat_id"
// unless overridden). It is the unit of history persistence and of
// per-session run serialization.
type Session struct {
	Key       string                 `json:"key"`
	Messages  []ConversationMessage  `json:"messages"`
	Summary   string                 `json:"summary,omitempty"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NewSession returns an empty session for key.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddMessage appends a message and bumps UpdatedAt.
func (s *Session) AddMessage(msg ConversationMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// History returns up to maxMessages of the most recent messages, with the
// rolling Summary (if any) prepended as a system message.
func (s *Session) History(maxMessages int) []ConversationMessage {
	recent := s.Messages
	if maxMessages > 0 && len(recent) > maxMessages {
		recent = recent[len(recent)-maxMessages:]
	}
	if s.Summary == "" {
		out := make([]ConversationMessage, len(recent))
		copy(out, recent)
		return out
	}
	out := make([]ConversationMessage, 0, len(recent)+1)
	out = append(out, ConversationMessage{
		Role:    RoleSystem,
		Content: "Conversation summary:\n" + s.Summary,
	})
	out = append(out, recent...)
	return out
}

// Clear drops all messages and the rolling summary in place.
func (s *Session) Clear() {
	s.Messages = nil
	s.Summary = ""
	s.UpdatedAt = time.Now()
}

// SetLastRun stashes a lightweight snapshot of a terminal run on the
// session's metadata, mirroring what the run-history store records.
func (s *Session) SetLastRun(run *RunState) {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata["last_run_id"] = run.RunID
	s.Metadata["last_run_status"] = string(run.Status)
	s.UpdatedAt = time.Now()
}
