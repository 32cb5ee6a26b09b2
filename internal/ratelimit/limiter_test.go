package ratelimit

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLimiter_CheckMessage_BurstThenDeny(t *testing.T) {
	l := New(Config{MessagesPerMinute: 3, ToolCallsPerMinute: 60})

	for i := 0; i < 3; i++ {
		if !l.CheckMessage("user1") {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if l.CheckMessage("user1") {
		t.Error("message after burst should be denied")
	}
}

func TestLimiter_CheckMessage_SeparateKeys(t *testing.T) {
	l := New(Config{MessagesPerMinute: 1, ToolCallsPerMinute: 60})

	if !l.CheckMessage("user1") {
		t.Fatal("user1 first message should be allowed")
	}
	if l.CheckMessage("user1") {
		t.Error("user1 should be rate limited")
	}
	if !l.CheckMessage("user2") {
		t.Error("user2 should have its own bucket")
	}
}

func TestLimiter_CheckToolCall_IndependentFromMessages(t *testing.T) {
	l := New(Config{MessagesPerMinute: 1, ToolCallsPerMinute: 2})

	if !l.CheckMessage("user1") {
		t.Fatal("message should be allowed")
	}
	if l.CheckMessage("user1") {
		t.Error("message bucket should be exhausted")
	}
	if !l.CheckToolCall("user1") {
		t.Error("tool call bucket should be independent of message bucket")
	}
}

func TestLimiter_Refill(t *testing.T) {
	l := New(Config{MessagesPerMinute: 120, ToolCallsPerMinute: 60}) // 2 tokens/sec

	if !l.CheckMessage("user1") {
		t.Fatal("expected first message to be allowed")
	}
	for i := 0; i < 120; i++ {
		l.CheckMessage("user1")
	}
	time.Sleep(600 * time.Millisecond)
	if !l.CheckMessage("user1") {
		t.Error("expected a token to have refilled after waiting")
	}
}

func TestLimiter_Persistent_SharedAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "ratelimit.json")
	cfg := Config{MessagesPerMinute: 2, ToolCallsPerMinute: 60, StorePath: storePath}

	a := New(cfg)
	b := New(cfg)

	if !a.CheckMessage("user1") {
		t.Fatal("first message via instance a should be allowed")
	}
	if !b.CheckMessage("user1") {
		t.Fatal("second message via instance b should be allowed (shares instance a's bucket)")
	}
	if a.CheckMessage("user1") {
		t.Error("third message should be denied: bucket exhausted across both instances")
	}
}

func TestLimiter_Persistent_PrunesIdleRows(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "ratelimit.json")
	l := New(Config{MessagesPerMinute: 1, ToolCallsPerMinute: 60, StorePath: storePath})

	l.CheckMessage("user1")
	l.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if !l.CheckMessage("user1") {
		t.Error("stale bucket should be pruned and recreated with full capacity")
	}
}
