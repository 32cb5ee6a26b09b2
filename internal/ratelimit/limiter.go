// Package ratelimit provides per-user and per-tool token bucket rate
// limiting, either in-process or persisted to a JSON file shared across
// worker processes.
package ratelimit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/filelock"
)

// Config configures a Limiter.
type Config struct {
	MessagesPerMinute  int
	ToolCallsPerMinute int
	// StorePath, if set, persists bucket state to this JSON file under an
	// flock-guarded read-modify-write so multiple processes share one
	// limit. Empty means in-memory only.
	StorePath string
}

// DefaultConfig mirrors the defaults used when no configuration is
// supplied.
func DefaultConfig() Config {
	return Config{MessagesPerMinute: 20, ToolCallsPerMinute: 60}
}

const maxIdleSeconds = 3600.0

type bucket struct {
	Tokens     float64 `json:"tokens"`
	LastRefill float64 `json:"last_refill"`
}

func newBucket(capacity float64, now float64) bucket {
	return bucket{Tokens: capacity, LastRefill: now}
}

func bucketFromRow(row bucket, capacity, now float64) bucket {
	tokens := row.Tokens
	if tokens <= 0 && row.LastRefill == 0 {
		tokens = capacity
	}
	if tokens < 0 {
		tokens = 0
	}
	if tokens > capacity {
		tokens = capacity
	}
	last := row.LastRefill
	if last <= 0 {
		last = now
	}
	return bucket{Tokens: tokens, LastRefill: last}
}

func (b *bucket) consume(now, capacity, rate float64) bool {
	elapsed := now - b.LastRefill
	if elapsed < 0 {
		elapsed = 0
	}
	b.Tokens += elapsed * rate
	if b.Tokens > capacity {
		b.Tokens = capacity
	}
	b.LastRefill = now
	if b.Tokens >= 1.0 {
		b.Tokens -= 1.0
		return true
	}
	return false
}

type persistedState struct {
	Version     int               `json:"version"`
	UpdatedAt   int64             `json:"updated_at"`
	UserBuckets map[string]bucket `json:"user_buckets"`
	ToolBuckets map[string]bucket `json:"tool_buckets"`
}

// Limiter enforces per-user message and tool-call rates.
type Limiter struct {
	mu                 sync.Mutex
	messagesPerMinute  int
	toolCallsPerMinute int
	userBuckets        map[string]bucket
	toolBuckets        map[string]bucket

	storePath string
	lock      *filelock.Lock

	now func() time.Time
}

// New constructs a Limiter. When cfg.StorePath is set, state is shared
// across processes via an flock-guarded JSON file; otherwise state is
// kept in memory only.
func New(cfg Config) *Limiter {
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = 20
	}
	if cfg.ToolCallsPerMinute <= 0 {
		cfg.ToolCallsPerMinute = 60
	}

	l := &Limiter{
		messagesPerMinute:  cfg.MessagesPerMinute,
		toolCallsPerMinute: cfg.ToolCallsPerMinute,
		userBuckets:        make(map[string]bucket),
		toolBuckets:        make(map[string]bucket),
		now:                time.Now,
	}
	if cfg.StorePath != "" {
		_ = os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755)
		l.storePath = cfg.StorePath
		l.lock = filelock.New(cfg.StorePath)
	}
	return l
}

func (l *Limiter) bucketParams(tool bool) (capacity, rate float64) {
	if tool {
		capacity = float64(l.toolCallsPerMinute)
	} else {
		capacity = float64(l.messagesPerMinute)
	}
	return capacity, capacity / 60.0
}

// CheckMessage reports whether key may send another message, consuming
// a token if so.
func (l *Limiter) CheckMessage(key string) bool {
	if l.storePath != "" {
		return l.consumePersistent(key, false)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumeInMemory(l.userBuckets, key, false)
}

// CheckToolCall reports whether key may make another tool call,
// consuming a token if so.
func (l *Limiter) CheckToolCall(key string) bool {
	if l.storePath != "" {
		return l.consumePersistent(key, true)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumeInMemory(l.toolBuckets, key, true)
}

func (l *Limiter) consumeInMemory(buckets map[string]bucket, key string, tool bool) bool {
	capacity, rate := l.bucketParams(tool)
	now := float64(l.now().UnixNano()) / 1e9
	b, ok := buckets[key]
	if !ok {
		b = newBucket(capacity, now)
	}
	allowed := b.consume(now, capacity, rate)
	buckets[key] = b
	return allowed
}

// consumePersistent reads the shared state file under an exclusive
// flock, updates key's bucket, prunes idle rows, and writes the state
// back atomically before releasing the lock.
func (l *Limiter) consumePersistent(key string, tool bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	capacity, rate := l.bucketParams(tool)
	now := float64(l.now().UnixNano()) / 1e9
	allowed := false

	err := l.lock.WithLock(func() error {
		state := l.loadState()
		buckets := state.UserBuckets
		if tool {
			buckets = state.ToolBuckets
		}

		row := bucketFromRow(buckets[key], capacity, now)
		allowed = row.consume(now, capacity, rate)
		buckets[key] = row
		pruneRows(buckets, now)

		if tool {
			state.ToolBuckets = buckets
		} else {
			state.UserBuckets = buckets
		}
		return l.saveState(state)
	})
	if err != nil {
		// Fail open on store errors: an unreachable lock file must not
		// wedge message/tool dispatch.
		return true
	}
	return allowed
}

func (l *Limiter) loadState() persistedState {
	state := persistedState{UserBuckets: map[string]bucket{}, ToolBuckets: map[string]bucket{}}
	data, err := os.ReadFile(l.storePath)
	if err != nil {
		return state
	}
	var loaded persistedState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return state
	}
	if loaded.UserBuckets != nil {
		state.UserBuckets = loaded.UserBuckets
	}
	if loaded.ToolBuckets != nil {
		state.ToolBuckets = loaded.ToolBuckets
	}
	return state
}

func (l *Limiter) saveState(state persistedState) error {
	state.Version = 1
	state.UpdatedAt = time.Now().Unix()
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.storePath)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.storePath)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, l.storePath)
}

func pruneRows(rows map[string]bucket, now float64) {
	for key, row := range rows {
		if now-row.LastRefill > maxIdleSeconds {
			delete(rows, key)
		}
	}
}
