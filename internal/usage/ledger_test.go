package usage

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

func TestLedger_RecordAndTotalsForSession(t *testing.T) {
	ledger, err := NewLedger(LedgerConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	defer ledger.Close()

	ctx := context.Background()
	if err := ledger.Record(ctx, models.UsageRecord{
		SessionKey: "alice", RunID: "r1", Model: "claude-3-5-sonnet",
		PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150, EstimatedCostUSD: 0.01,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := ledger.Record(ctx, models.UsageRecord{
		SessionKey: "alice", RunID: "r2", Model: "claude-3-5-sonnet",
		PromptTokens: 200, CompletionTokens: 100, TotalTokens: 300, EstimatedCostUSD: 0.02,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := ledger.Record(ctx, models.UsageRecord{
		SessionKey: "bob", RunID: "r3", Model: "gpt-4o",
		TotalTokens: 1000, EstimatedCostUSD: 0.05,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	tokens, cost := ledger.TotalsForSession("alice")
	if tokens != 450 {
		t.Fatalf("expected 450 tokens for alice, got %d", tokens)
	}
	if cost < 0.029 || cost > 0.031 {
		t.Fatalf("expected ~0.03 cost for alice, got %f", cost)
	}

	sinceTokens, _ := ledger.TotalsSince(time.Now().Add(-time.Hour))
	if sinceTokens != 1450 {
		t.Fatalf("expected 1450 total tokens across sessions, got %d", sinceTokens)
	}
}

func TestLedger_DropsZeroTokenRuns(t *testing.T) {
	ledger, err := NewLedger(LedgerConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	defer ledger.Close()

	if err := ledger.Record(context.Background(), models.UsageRecord{SessionKey: "alice", TotalTokens: 0}); err != nil {
		t.Fatalf("record: %v", err)
	}
	tokens, _ := ledger.TotalsForSession("alice")
	if tokens != 0 {
		t.Fatalf("expected zero-token run to be dropped, got %d tokens", tokens)
	}
}

func TestLedger_ReopenLoadsPersistedRows(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/usage.db"

	ledger, err := NewLedger(LedgerConfig{Path: path})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if err := ledger.Record(context.Background(), models.UsageRecord{
		SessionKey: "alice", RunID: "r1", TotalTokens: 42, EstimatedCostUSD: 0.001,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := ledger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewLedger(LedgerConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	defer reopened.Close()

	tokens, _ := reopened.TotalsForSession("alice")
	if tokens != 42 {
		t.Fatalf("expected persisted record to survive reopen, got %d tokens", tokens)
	}
}
