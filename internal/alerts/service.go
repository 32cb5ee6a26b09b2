// Package alerts turns run-lifecycle events, circuit-breaker state
// transitions, and stale node-health polls into deduplicated operator
// notifications.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/nodes"
	"github.com/haasonsaas/nexus/pkg/models"
)

const (
	defaultDedupWindow  = 10 * time.Minute
	defaultPollInterval = 30 * time.Second
	// CancelRateThreshold run_cancelled events within the dedup window
	// for the same session trips the "high cancellation rate" alert.
	defaultCancelRateThreshold = 5
)

// Config configures a Service.
type Config struct {
	// DedupWindow bounds how long a repeated dedup_key is folded into
	// the same alert instead of starting a new one. Defaults to 10m.
	DedupWindow time.Duration
	// PollInterval is how often stale nodes are polled for. Defaults to 30s.
	PollInterval time.Duration
	// CancelRateThreshold is how many run_cancelled events for one
	// session within DedupWindow trip a rate alert. Defaults to 5.
	CancelRateThreshold int
	// SinkPath, if set, appends every emitted alert as a JSONL line.
	SinkPath string
}

// Service subscribes to the bus, polls node health, and emits
// deduplicated models.AlertEvent values back onto the bus.
type Service struct {
	bus    *bus.Bus
	nodes  *nodes.Manager
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	dedup     map[string]*models.AlertEvent
	cancelLog map[string][]time.Time
}

// New builds a Service. nodeManager may be nil when node-health polling
// isn't applicable (no distributed fleet configured).
func New(b *bus.Bus, nodeManager *nodes.Manager, cfg Config, logger *slog.Logger) *Service {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CancelRateThreshold <= 0 {
		cfg.CancelRateThreshold = defaultCancelRateThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bus:       b,
		nodes:     nodeManager,
		cfg:       cfg,
		logger:    logger.With("component", "alerts.service"),
		dedup:     map[string]*models.AlertEvent{},
		cancelLog: map[string][]time.Time{},
	}
}

// Run subscribes to the bus and polls node health until ctx is
// cancelled. It blocks; call it from its own goroutine.
func (s *Service) Run(ctx context.Context) error {
	sub := s.bus.Subscribe(func(e models.Event) bool {
		return e.Type == models.EventRunError || e.Type == models.EventRunCancelled
	})
	defer sub.Close()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.Events:
			if !ok {
				return nil
			}
			s.handleRunEvent(e)
		case <-ticker.C:
			s.pollStaleNodes()
		}
	}
}

func (s *Service) handleRunEvent(e models.Event) {
	switch e.Type {
	case models.EventRunError:
		reason, _ := e.Get("error")
		s.emit(models.AlertEvent{
			Kind:       "run_error",
			Severity:   models.AlertWarning,
			RunID:      e.RunID,
			SessionKey: e.SessionKey,
			Message:    fmt.Sprintf("run %s failed: %v", e.RunID, stringOrDefault(reason, "unknown error")),
			DedupKey:   fmt.Sprintf("run_error:%s", e.SessionKey),
		})
	case models.EventRunCancelled:
		s.recordCancellation(e)
	}
}

func (s *Service) recordCancellation(e models.Event) {
	now := time.Now()
	s.mu.Lock()
	history := append(s.cancelLog[e.SessionKey], now)
	cutoff := now.Add(-s.cfg.DedupWindow)
	kept := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.cancelLog[e.SessionKey] = kept
	count := len(kept)
	s.mu.Unlock()

	if count < s.cfg.CancelRateThreshold {
		return
	}
	s.emit(models.AlertEvent{
		Kind:       "run_cancelled_rate",
		Severity:   models.AlertWarning,
		SessionKey: e.SessionKey,
		Message:    fmt.Sprintf("session %s cancelled %d runs within %s", e.SessionKey, count, s.cfg.DedupWindow),
		DedupKey:   fmt.Sprintf("run_cancelled_rate:%s", e.SessionKey),
	})
}

// CircuitStateChange returns a callback suitable for
// infra.CircuitBreakerConfig.OnStateChange, closing over the breaker's
// name so transitions into the open state raise an alert.
func (s *Service) CircuitStateChange(name string) func(from, to string) {
	return func(from, to string) {
		if to != "open" {
			return
		}
		s.emit(models.AlertEvent{
			Kind:     "circuit_open",
			Severity: models.AlertCritical,
			Message:  fmt.Sprintf("provider %s circuit breaker opened (was %s)", name, from),
			DedupKey: fmt.Sprintf("provider:%s:open", name),
		})
	}
}

func (s *Service) pollStaleNodes() {
	if s.nodes == nil {
		return
	}
	for _, node := range s.nodes.ListNodes(true) {
		if node.Alive {
			continue
		}
		s.emit(models.AlertEvent{
			Kind:     "node_stale",
			Severity: models.AlertWarning,
			Message:  fmt.Sprintf("node %s has not sent a heartbeat recently", node.NodeID),
			DedupKey: fmt.Sprintf("node:%s:stale", node.NodeID),
		})
	}
}

// emit deduplicates alert by DedupKey within the configured window: a
// repeat increments Count and refreshes LastSeen instead of publishing
// a brand new alert.
func (s *Service) emit(alert models.AlertEvent) {
	now := time.Now()

	s.mu.Lock()
	existing, ok := s.dedup[alert.DedupKey]
	if ok && now.Sub(existing.FirstSeen) < s.cfg.DedupWindow {
		existing.Count++
		existing.LastSeen = now
		existing.Message = alert.Message
		alert = *existing
		s.mu.Unlock()
	} else {
		alert.ID = uuid.NewString()
		alert.FirstSeen = now
		alert.LastSeen = now
		alert.Count = 1
		stored := alert
		s.dedup[alert.DedupKey] = &stored
		s.mu.Unlock()
	}

	s.bus.Publish(models.NewEvent(models.EventAlertRaised, models.EventKindAlert, alert.RunID, alert.SessionKey, map[string]any{
		"id":         alert.ID,
		"kind":       alert.Kind,
		"severity":   string(alert.Severity),
		"message":    alert.Message,
		"dedup_key":  alert.DedupKey,
		"first_seen": alert.FirstSeen,
		"last_seen":  alert.LastSeen,
		"count":      alert.Count,
	}))

	if s.cfg.SinkPath != "" {
		if err := s.appendToSink(alert); err != nil {
			s.logger.Warn("failed to append alert to sink", "error", err, "path", s.cfg.SinkPath)
		}
	}
}

func (s *Service) appendToSink(alert models.AlertEvent) error {
	if dir := filepath.Dir(s.cfg.SinkPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(s.cfg.SinkPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func stringOrDefault(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}
