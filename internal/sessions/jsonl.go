package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// metadataLine is the first line of every session JSONL file: a
// sentinel record carrying session-level fields, followed by one line
// per conversation message.
type metadataLine struct {
	Type      string         `json:"_type"`
	SessionKey string        `json:"session_key"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	Metadata  map[string]any `json:"metadata"`
}

// JSONLStore persists sessions as JSONL files under Dir, one file per
// session key, with an atomic write-then-rename and a ".bak" sibling
// used to recover from a write that was interrupted mid-flight.
type JSONLStore struct {
	dir              string
	idleResetMinutes int

	cacheMu sync.RWMutex
	cache   map[string]*models.Session

	locks *SessionLockManager
}

// NewJSONLStore constructs a JSONLStore rooted at dir, creating it if
// necessary.
func NewJSONLStore(dir string, idleResetMinutes int) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create store dir: %w", err)
	}
	if idleResetMinutes < 0 {
		idleResetMinutes = 0
	}
	return &JSONLStore{
		dir:              dir,
		idleResetMinutes: idleResetMinutes,
		cache:            map[string]*models.Session{},
		locks:            NewSessionLockManager(DefaultLockTimeout),
	}, nil
}

func safeFilename(key string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "..", "_",
		"<", "_", ">", "_", "|", "_", "?", "_", "*", "_", "\"", "_",
	)
	safe := replacer.Replace(key)
	if safe == "" {
		safe = "default"
	}
	return safe
}

func (s *JSONLStore) pathFor(key string) string {
	return filepath.Join(s.dir, safeFilename(key)+".jsonl")
}

func backupPath(path string) string {
	return path + ".bak"
}

// GetOrCreate returns the cached session for key if present, otherwise
// loads it from disk (falling back to the backup file on corruption),
// otherwise creates a new empty session.
func (s *JSONLStore) GetOrCreate(key string) (*models.Session, error) {
	s.cacheMu.RLock()
	if cached, ok := s.cache[key]; ok {
		s.cacheMu.RUnlock()
		return cloneSession(cached), nil
	}
	s.cacheMu.RUnlock()

	session, err := s.load(key)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session = models.NewSession(key)
	}

	s.cacheMu.Lock()
	s.cache[key] = cloneSession(session)
	s.cacheMu.Unlock()
	return session, nil
}

func (s *JSONLStore) load(key string) (*models.Session, error) {
	path := s.pathFor(key)
	session, err := loadFromPath(path, key)
	if err == nil {
		return session, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}

	// Primary file is present but corrupt: fall back to the backup and
	// promote it back to primary on success.
	recovered, backupErr := loadFromPath(backupPath(path), key)
	if backupErr != nil {
		return nil, nil
	}
	_ = os.Rename(backupPath(path), path)
	return recovered, nil
}

func loadFromPath(path, key string) (*models.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var messages []models.ConversationMessage
	var meta metadataLine
	haveMeta := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			return nil, fmt.Errorf("sessions: malformed line in %s: %w", path, err)
		}
		if _, ok := probe["_type"]; ok {
			if err := json.Unmarshal([]byte(line), &meta); err != nil {
				return nil, fmt.Errorf("sessions: malformed metadata line in %s: %w", path, err)
			}
			haveMeta = true
			continue
		}

		var msg models.ConversationMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("sessions: malformed message line in %s: %w", path, err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessions: reading %s: %w", path, err)
	}

	session := models.NewSession(key)
	session.Messages = messages
	if haveMeta {
		if meta.Metadata != nil {
			session.Metadata = meta.Metadata
		}
		if summary, ok := session.Metadata["summary"].(string); ok {
			session.Summary = summary
		}
		if t, err := time.Parse(time.RFC3339Nano, meta.CreatedAt); err == nil {
			session.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, meta.UpdatedAt); err == nil {
			session.UpdatedAt = t
		} else {
			session.UpdatedAt = session.CreatedAt
		}
	}
	return session, nil
}

// Save serializes session to its JSONL file via an atomic
// write-to-tempfile, rename-existing-to-backup, rename-tempfile-to-
// primary sequence, under a per-session lock, and refreshes the cache.
func (s *JSONLStore) Save(session *models.Session) error {
	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	session.Metadata["summary"] = session.Summary

	meta := metadataLine{
		Type:       "metadata",
		SessionKey: session.Key,
		CreatedAt:  session.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:  session.UpdatedAt.Format(time.RFC3339Nano),
		Metadata:   session.Metadata,
	}
	var buf strings.Builder
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("sessions: marshal metadata: %w", err)
	}
	buf.Write(metaBytes)
	buf.WriteByte('\n')
	for _, msg := range session.Messages {
		msgBytes, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("sessions: marshal message: %w", err)
		}
		buf.Write(msgBytes)
		buf.WriteByte('\n')
	}

	path := s.pathFor(session.Key)
	err = s.locks.WithLock(context.Background(), session.Key, func() error {
		return writeSessionPayload(path, buf.String())
	})
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.cache[session.Key] = cloneSession(session)
	s.cacheMu.Unlock()
	return nil
}

// writeSessionPayload writes payload to a tempfile in path's
// directory, fsyncs it, demotes any existing primary file to the
// backup path, then promotes the tempfile to primary. If the rename of
// the tempfile fails after the primary was already demoted, the
// backup is restored so a reader never finds no session file at all.
func writeSessionPayload(path, payload string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	backup := backupPath(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	_, statErr := os.Stat(path)
	hadExisting := statErr == nil
	if hadExisting {
		if err := os.Rename(path, backup); err != nil {
			os.Remove(tmpPath)
			return err
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		if hadExisting {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				_ = os.Rename(backup, path)
			}
		}
		return err
	}
	return nil
}

// Delete removes a session's cached and on-disk state.
func (s *JSONLStore) Delete(key string) (bool, error) {
	s.cacheMu.Lock()
	_, cached := s.cache[key]
	delete(s.cache, key)
	s.cacheMu.Unlock()

	path := s.pathFor(key)
	removed := cached
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return removed, err
		}
		removed = true
	}
	_ = os.Remove(backupPath(path))
	return removed, nil
}

// List returns metadata for every session file under the store
// directory, most recently updated first, without loading full message
// bodies.
func (s *JSONLStore) List() ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("sessions: list store dir: %w", err)
	}

	var out []SessionInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		path := filepath.Join(s.dir, name)
		info, count, err := readSessionSummary(path)
		if err != nil {
			continue
		}
		info.Path = path
		info.Messages = count
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func readSessionSummary(path string) (SessionInfo, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return SessionInfo{}, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	if !scanner.Scan() {
		return SessionInfo{}, 0, fmt.Errorf("sessions: empty file %s", path)
	}
	var meta metadataLine
	if err := json.Unmarshal([]byte(strings.TrimSpace(scanner.Text())), &meta); err != nil {
		return SessionInfo{}, 0, err
	}

	count := 0
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}

	key := meta.SessionKey
	if key == "" {
		key = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}
	return SessionInfo{
		Key:       key,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
	}, count, nil
}

// ApplyIdleReset clears session if it has been idle beyond the
// configured idle_reset_minutes policy, persisting the reset.
func (s *JSONLStore) ApplyIdleReset(session *models.Session) (bool, error) {
	if s.idleResetMinutes <= 0 {
		return false, nil
	}
	if len(session.Messages) == 0 && session.Summary == "" {
		return false, nil
	}
	if time.Since(session.UpdatedAt) < time.Duration(s.idleResetMinutes)*time.Minute {
		return false, nil
	}

	session.Clear()
	session.Metadata = map[string]any{
		"idle_reset_at":      time.Now().Format(time.RFC3339Nano),
		"idle_reset_minutes": s.idleResetMinutes,
	}
	return true, s.Save(session)
}

// ResetAll clears every known session (the union of persisted and
// cached keys) and stamps bulk-reset metadata.
func (s *JSONLStore) ResetAll(reason, actor string) (int, error) {
	keys := map[string]struct{}{}

	infos, err := s.List()
	if err != nil {
		return 0, err
	}
	for _, info := range infos {
		keys[info.Key] = struct{}{}
	}

	s.cacheMu.RLock()
	for key, cached := range s.cache {
		if len(cached.Messages) > 0 || cached.Summary != "" || len(cached.Metadata) > 0 {
			keys[key] = struct{}{}
		}
	}
	s.cacheMu.RUnlock()

	if len(keys) == 0 {
		return 0, nil
	}

	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	resetAt := time.Now().Format(time.RFC3339Nano)
	count := 0
	for _, key := range sortedKeys {
		session, err := s.GetOrCreate(key)
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
		if err := s.Save(session); err != nil {
			return count, err
		}
		if hadContent {
			count++
		}
	}
	return count, nil
}

var _ Store = (*JSONLStore)(nil)
