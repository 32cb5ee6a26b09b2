// Package sessions persists conversation sessions keyed by
// "channel:chat_id" (or an explicit override), crash-safely, as JSONL
// files with an atomic-write/backup/recovery discipline.
package sessions

import (
	"github.com/haasonsaas/nexus/pkg/models"
)

// SessionInfo is the lightweight listing row returned by List, decoded
// from a session file's metadata line without reading its messages.
type SessionInfo struct {
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Path      string `json:"path"`
	Messages  int    `json:"messages"`
}

// Store persists and retrieves sessions by key.
type Store interface {
	// GetOrCreate returns the cached or on-disk session for key,
	// creating an empty one if neither exists.
	GetOrCreate(key string) (*models.Session, error)

	// Save persists session to disk and refreshes the cache.
	Save(session *models.Session) error

	// Delete removes a session's cached and on-disk state. Reports
	// whether anything was removed.
	Delete(key string) (bool, error)

	// List returns metadata for all known sessions, most recently
	// updated first.
	List() ([]SessionInfo, error)

	// ApplyIdleReset clears session if it has been idle longer than
	// the configured idle_reset_minutes, persisting the reset. Reports
	// whether a reset occurred.
	ApplyIdleReset(session *models.Session) (bool, error)

	// ResetAll clears every known session (cached and persisted),
	// stamping bulk-reset metadata, and returns how many had content.
	ResetAll(reason, actor string) (int, error)
}
