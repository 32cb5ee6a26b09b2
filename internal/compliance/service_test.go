package compliance

import (
	"archive/zip"
	"context"
	"os"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/runhistory"
	"github.com/haasonsaas/nexus/internal/secrets"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

func newTestService(t *testing.T) (*Service, *sessions.JSONLStore, *runhistory.Store) {
	t.Helper()
	dir := t.TempDir()

	sessionStore, err := sessions.NewJSONLStore(dir+"/sessions", 0)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	history, err := runhistory.New(dir+"/runs", 100, nil)
	if err != nil {
		t.Fatalf("new run history: %v", err)
	}
	secretStore, err := secrets.New(secrets.Config{Namespace: "test", Backend: "file", Home: dir})
	if err != nil {
		t.Fatalf("new secret store: %v", err)
	}

	svc := New(sessionStore, history, secretStore, Config{
		SessionRetention: time.Hour,
		ExportDir:        dir + "/exports",
		KnownSecretKeys:  []string{"anthropic_api_key", "test_temp_token"},
	}, nil)
	return svc, sessionStore, history
}

func TestService_SweepPurgesStaleSessions(t *testing.T) {
	svc, store, _ := newTestService(t)

	fresh := models.NewSession("fresh")
	if err := store.Save(fresh); err != nil {
		t.Fatalf("save fresh session: %v", err)
	}

	stale := models.NewSession("stale")
	stale.UpdatedAt = time.Now().Add(-48 * time.Hour)
	if err := store.Save(stale); err != nil {
		t.Fatalf("save stale session: %v", err)
	}

	result, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.SessionsPurged != 1 {
		t.Fatalf("expected 1 session purged, got %d", result.SessionsPurged)
	}

	if _, err := store.GetOrCreate("stale"); err != nil {
		t.Fatalf("get stale after purge: %v", err)
	}
	infos, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, info := range infos {
		if info.Key == "stale" {
			t.Fatalf("expected stale session file to be removed")
		}
	}
}

func TestService_SweepTrimsRunHistory(t *testing.T) {
	svc, _, history := newTestService(t)

	for i := 0; i < 150; i++ {
		history.Append(&models.RunState{RunID: "run", SessionKey: "alice"})
	}

	result, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.RunsPurged == 0 {
		t.Fatalf("expected some runs trimmed, got 0")
	}

	records, err := history.LoadRecent(1000)
	if err != nil {
		t.Fatalf("load recent: %v", err)
	}
	if len(records) != 100 {
		t.Fatalf("expected history bounded to 100 records, got %d", len(records))
	}
}

func TestService_PurgeSecretsMatchesDenylist(t *testing.T) {
	svc, _, _ := newTestService(t)

	if err := svc.secrets.Set("anthropic_api_key", "sk-real"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	if err := svc.secrets.Set("test_temp_token", "throwaway"); err != nil {
		t.Fatalf("set secret: %v", err)
	}

	purged, err := svc.PurgeSecrets([]string{`^test_`})
	if err != nil {
		t.Fatalf("purge secrets: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 secret purged, got %d", purged)
	}
	if svc.secrets.Has("test_temp_token") {
		t.Fatalf("expected test_temp_token to be purged")
	}
	if !svc.secrets.Has("anthropic_api_key") {
		t.Fatalf("expected anthropic_api_key to survive the purge")
	}
}

func TestService_ExportSessionBundlesSessionAndRunHistory(t *testing.T) {
	svc, store, history := newTestService(t)

	session := models.NewSession("bob")
	session.Messages = append(session.Messages, models.ConversationMessage{Role: "user", Content: "hi"})
	if err := store.Save(session); err != nil {
		t.Fatalf("save session: %v", err)
	}
	history.Append(&models.RunState{RunID: "r1", SessionKey: "bob"})
	history.Append(&models.RunState{RunID: "r2", SessionKey: "someone-else"})

	path, err := svc.ExportSession("bob", "")
	if err != nil {
		t.Fatalf("export session: %v", err)
	}
	defer os.Remove(path)

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open export archive: %v", err)
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	foundSession, foundRuns := false, false
	for _, n := range names {
		if n == "sessions/bob.jsonl" {
			foundSession = true
		}
		if n == "runs/bob.jsonl" {
			foundRuns = true
		}
	}
	if !foundSession {
		t.Fatalf("expected sessions/bob.jsonl in archive, got %v", names)
	}
	if !foundRuns {
		t.Fatalf("expected runs/bob.jsonl in archive, got %v", names)
	}
}
