package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

func newTestStore(t *testing.T) *JSONLStore {
	t.Helper()
	store, err := NewJSONLStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewJSONLStore: %v", err)
	}
	return store
}

func TestJSONLStore_GetOrCreate_NewSession(t *testing.T) {
	store := newTestStore(t)

	session, err := store.GetOrCreate("telegram:123")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if session.Key != "telegram:123" {
		t.Errorf("expected key telegram:123, got %s", session.Key)
	}
	if len(session.Messages) != 0 {
		t.Errorf("expected empty session, got %d messages", len(session.Messages))
	}
}

func TestJSONLStore_SaveAndReload(t *testing.T) {
	store := newTestStore(t)

	session, err := store.GetOrCreate("telegram:123")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	session.AddMessage(models.ConversationMessage{Role: models.RoleUser, Content: "hello"})
	session.AddMessage(models.ConversationMessage{Role: models.RoleAssistant, Content: "hi there"})
	session.Summary = "greeting exchange"

	if err := store.Save(session); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Drop the cache so the reload exercises the on-disk path.
	reloaded := &JSONLStore{dir: store.dir, cache: map[string]*models.Session{}, locks: store.locks}
	loaded, err := reloaded.GetOrCreate("telegram:123")
	if err != nil {
		t.Fatalf("GetOrCreate after save: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(loaded.Messages))
	}
	if loaded.Messages[0].Content != "hello" {
		t.Errorf("expected first message 'hello', got %q", loaded.Messages[0].Content)
	}
	if loaded.Summary != "greeting exchange" {
		t.Errorf("expected summary to round-trip, got %q", loaded.Summary)
	}
}

func TestJSONLStore_RecoversFromBackupWhenPrimaryCorrupt(t *testing.T) {
	store := newTestStore(t)

	session, err := store.GetOrCreate("slack:abc")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	session.AddMessage(models.ConversationMessage{Role: models.RoleUser, Content: "first save"})
	if err := store.Save(session); err != nil {
		t.Fatalf("Save: %v", err)
	}

	session.AddMessage(models.ConversationMessage{Role: models.RoleUser, Content: "second save"})
	if err := store.Save(session); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// The second save should have demoted the first payload to .bak.
	path := store.pathFor("slack:abc")
	if _, err := os.Stat(backupPath(path)); err != nil {
		t.Fatalf("expected backup file to exist: %v", err)
	}

	// Corrupt the primary file to force backup recovery.
	if err := os.WriteFile(path, []byte("{not valid jsonl"), 0o644); err != nil {
		t.Fatalf("corrupt primary: %v", err)
	}

	fresh := &JSONLStore{dir: store.dir, cache: map[string]*models.Session{}, locks: store.locks}
	recovered, err := fresh.GetOrCreate("slack:abc")
	if err != nil {
		t.Fatalf("GetOrCreate after corruption: %v", err)
	}
	if len(recovered.Messages) != 1 || recovered.Messages[0].Content != "first save" {
		t.Fatalf("expected recovery to the single-message backup, got %+v", recovered.Messages)
	}
}

func TestJSONLStore_DeleteRemovesFiles(t *testing.T) {
	store := newTestStore(t)

	session, _ := store.GetOrCreate("discord:42")
	session.AddMessage(models.ConversationMessage{Role: models.RoleUser, Content: "hi"})
	if err := store.Save(session); err != nil {
		t.Fatalf("Save: %v", err)
	}

	removed, err := store.Delete("discord:42")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !removed {
		t.Error("expected Delete to report removal")
	}
	if _, err := os.Stat(store.pathFor("discord:42")); !os.IsNotExist(err) {
		t.Error("expected session file to be gone")
	}
}

func TestJSONLStore_List(t *testing.T) {
	store := newTestStore(t)

	for _, key := range []string{"a:1", "b:2"} {
		session, _ := store.GetOrCreate(key)
		session.AddMessage(models.ConversationMessage{Role: models.RoleUser, Content: "msg"})
		if err := store.Save(session); err != nil {
			t.Fatalf("Save %s: %v", key, err)
		}
	}

	infos, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(infos))
	}
	for _, info := range infos {
		if info.Messages != 1 {
			t.Errorf("expected 1 message for %s, got %d", info.Key, info.Messages)
		}
	}
}

func TestJSONLStore_ApplyIdleReset(t *testing.T) {
	store, err := NewJSONLStore(filepath.Join(t.TempDir(), "sessions"), 10)
	if err != nil {
		t.Fatalf("NewJSONLStore: %v", err)
	}

	session, _ := store.GetOrCreate("irc:1")
	session.AddMessage(models.ConversationMessage{Role: models.RoleUser, Content: "hi"})
	session.UpdatedAt = time.Now().Add(-20 * time.Minute)

	reset, err := store.ApplyIdleReset(session)
	if err != nil {
		t.Fatalf("ApplyIdleReset: %v", err)
	}
	if !reset {
		t.Fatal("expected idle reset to trigger")
	}
	if len(session.Messages) != 0 {
		t.Errorf("expected messages cleared, got %d", len(session.Messages))
	}
	if _, ok := session.Metadata["idle_reset_at"]; !ok {
		t.Error("expected idle_reset_at metadata to be stamped")
	}
}

func TestJSONLStore_ResetAll(t *testing.T) {
	store := newTestStore(t)

	for _, key := range []string{"x:1", "y:2"} {
		session, _ := store.GetOrCreate(key)
		session.AddMessage(models.ConversationMessage{Role: models.RoleUser, Content: "msg"})
		if err := store.Save(session); err != nil {
			t.Fatalf("Save %s: %v", key, err)
		}
	}

	count, err := store.ResetAll("scheduled", "system")
	if err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 sessions reset, got %d", count)
	}

	session, _ := store.GetOrCreate("x:1")
	if len(session.Messages) != 0 {
		t.Error("expected x:1 messages cleared after reset")
	}
	if session.Metadata["bulk_reset_reason"] != "scheduled" {
		t.Errorf("expected bulk_reset_reason stamped, got %v", session.Metadata["bulk_reset_reason"])
	}
}
