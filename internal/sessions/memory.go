package sessions

import (
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// MemoryStore is an in-memory Store implementation for tests and
// single-process deployments that don't need cross-restart durability.
type MemoryStore struct {
	mu               sync.RWMutex
	sessions         map[string]*models.Session
	idleResetMinutes int
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(idleResetMinutes int) *MemoryStore {
	if idleResetMinutes < 0 {
		idleResetMinutes = 0
	}
	return &MemoryStore{
		sessions:         map[string]*models.Session{},
		idleResetMinutes: idleResetMinutes,
	}
}

func cloneSession(s *models.Session) *models.Session {
	clone := *s
	if s.Messages != nil {
		clone.Messages = append([]models.ConversationMessage{}, s.Messages...)
	}
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func (m *MemoryStore) GetOrCreate(key string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return cloneSession(s), nil
	}
	s := models.NewSession(key)
	m.sessions[key] = s
	return cloneSession(s), nil
}

func (m *MemoryStore) Save(session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[session.Key] = cloneSession(session)
	return nil
}

func (m *MemoryStore) Delete(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.sessions[key]
	delete(m.sessions, key)
	return ok, nil
}

func (m *MemoryStore) List() ([]SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			Key:       s.Key,
			CreatedAt: s.CreatedAt.Format(time.RFC3339Nano),
			UpdatedAt: s.UpdatedAt.Format(time.RFC3339Nano),
			Messages:  len(s.Messages),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (m *MemoryStore) ApplyIdleReset(session *models.Session) (bool, error) {
	if m.idleResetMinutes <= 0 {
		return false, nil
	}
	if len(session.Messages) == 0 && session.Summary == "" {
		return false, nil
	}
	elapsed := time.Since(session.UpdatedAt)
	if elapsed < time.Duration(m.idleResetMinutes)*time.Minute {
		return false, nil
	}

	session.Clear()
	session.Metadata = map[string]any{
		"idle_reset_at":      time.Now().Format(time.RFC3339Nano),
		"idle_reset_minutes": m.idleResetMinutes,
	}
	return true, m.Save(session)
}

func (m *MemoryStore) ResetAll(reason, actor string) (int, error) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	resetAt := time.Now().Format(time.RFC3339Nano)
	count := 0
	for _, key := range keys {
		session, err := m.GetOrCreate(key)
		if err != nil {
			return count, err
		}
		hadContent := len(session.Messages) > 0 || session.Summary != "" || len(session.Metadata) > 0
		session.Clear()
		session.Metadata = map[string]any{
			"bulk_reset_at":     resetAt,
			"bulk_reset_reason": reason,
			"bulk_reset_actor":  actor,
		}
		if err := m.Save(session); err != nil {
			return count, err
		}
		if hadContent {
			count++
		}
	}
	return count, nil
}

var _ Store = (*MemoryStore)(nil)
