package runhistory

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

func appendRawLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func newTestStoreRunHistory(t *testing.T, maxRecords int) *Store {
	t.Helper()
	store, err := New(t.TempDir(), maxRecords, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func sampleRun(id string, status models.RunStatus) *models.RunState {
	now := time.Now()
	return &models.RunState{
		RunID:      id,
		SessionKey: "telegram:123",
		Channel:    "telegram",
		ChatID:     "123",
		Model:      "gpt-4",
		Status:     status,
		CreatedAt:  now,
	}
}

func TestStore_AppendAndLoadRecent(t *testing.T) {
	store := newTestStoreRunHistory(t, 100)

	store.Append(sampleRun("run1", models.RunCompleted))
	store.Append(sampleRun("run2", models.RunError))

	runs, err := store.LoadRecent(10)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	// Newest first.
	if runs[0].RunID != "run2" {
		t.Errorf("expected run2 first, got %s", runs[0].RunID)
	}
	if runs[1].RunID != "run1" {
		t.Errorf("expected run1 second, got %s", runs[1].RunID)
	}
}

func TestStore_LoadRecent_NoFileYet(t *testing.T) {
	store := newTestStoreRunHistory(t, 100)

	runs, err := store.LoadRecent(10)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no runs, got %d", len(runs))
	}
}

func TestStore_LoadRecent_RespectsLimit(t *testing.T) {
	store := newTestStoreRunHistory(t, 100)

	for i := 0; i < 5; i++ {
		store.Append(sampleRun(fmt.Sprintf("run%d", i), models.RunCompleted))
	}

	runs, err := store.LoadRecent(3)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run4" {
		t.Errorf("expected newest run4 first, got %s", runs[0].RunID)
	}
}

func TestStore_MaxRecordsFloor(t *testing.T) {
	store, err := New(t.TempDir(), 1, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.maxRecords != minRecords {
		t.Errorf("expected maxRecords floor of %d, got %d", minRecords, store.maxRecords)
	}
}

func TestStore_TrimBoundsFileSize(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	store, err := New(dir, minRecords, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Append enough records to cross two trim cycles.
	total := trimEvery*2 + 5
	for i := 0; i < total; i++ {
		store.Append(sampleRun(fmt.Sprintf("run%d", i), models.RunCompleted))
	}

	runs, err := store.LoadRecent(maxLoadLimit)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(runs) > store.maxRecords {
		t.Fatalf("expected at most %d runs after trim, got %d", store.maxRecords, len(runs))
	}
	// The newest record must have survived every trim pass.
	if runs[0].RunID != fmt.Sprintf("run%d", total-1) {
		t.Errorf("expected newest run to survive trim, got %s", runs[0].RunID)
	}
}

func TestStore_SkipsCorruptLines(t *testing.T) {
	store := newTestStoreRunHistory(t, 100)
	store.Append(sampleRun("good1", models.RunCompleted))

	// Append a line that doesn't parse as JSON directly to the file.
	if err := appendRawLine(store.path, "{not valid json"); err != nil {
		t.Fatalf("appendRawLine: %v", err)
	}
	store.Append(sampleRun("good2", models.RunCompleted))

	runs, err := store.LoadRecent(10)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected corrupt line to be skipped, got %d runs", len(runs))
	}
}
