package observability

import (
	"context"
	"time"

	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/pkg/models"
)

// QueueDepthSource reports per-session backlog depth for periodic
// gauge sampling. *agent.Scheduler satisfies this.
type QueueDepthSource interface {
	QueueDepths() map[string]int
}

// RunMetricsBridge subscribes to b and drives m from run-lifecycle and
// tool events until ctx is done. It is the one place that translates
// the bus's event vocabulary into Prometheus observations, so the
// scheduler and executor stay unaware that metrics exist.
func RunMetricsBridge(ctx context.Context, b *bus.Bus, m *AgentMetrics) {
	sub := b.Subscribe(func(e models.Event) bool {
		switch e.Type {
		case models.EventRunStart, models.EventRunEnd, models.EventRunError, models.EventRunCancelled, models.EventToolEnd:
			return true
		default:
			return false
		}
	})
	defer sub.Close()

	starts := map[string]time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events:
			if !ok {
				return
			}
			handleMetricsEvent(e, m, starts)
		}
	}
}

func handleMetricsEvent(e models.Event, m *AgentMetrics, starts map[string]time.Time) {
	switch e.Type {
	case models.EventRunStart:
		starts[e.RunID] = e.Timestamp
	case models.EventRunEnd:
		m.RecordRun("completed", elapsed(starts, e))
	case models.EventRunError:
		m.RecordRun("error", elapsed(starts, e))
	case models.EventRunCancelled:
		m.RecordRun("cancelled", elapsed(starts, e))
	case models.EventToolEnd:
		tool, _ := e.Fields["tool_name"].(string)
		ok, _ := e.Fields["ok"].(bool)
		if tool != "" {
			m.RecordToolCall(tool, ok)
		}
	}
}

func elapsed(starts map[string]time.Time, e models.Event) time.Duration {
	start, ok := starts[e.RunID]
	delete(starts, e.RunID)
	if !ok {
		return 0
	}
	return e.Timestamp.Sub(start)
}

// RunQueueDepthSampler periodically publishes QueueDepths into m's
// queue-depth gauge until ctx is done.
func RunQueueDepthSampler(ctx context.Context, src QueueDepthSource, m *AgentMetrics, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tracked := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths := src.QueueDepths()
			for key := range tracked {
				if _, ok := depths[key]; !ok {
					m.SetQueueDepth(key, 0)
					delete(tracked, key)
				}
			}
			for key, depth := range depths {
				m.SetQueueDepth(key, depth)
				tracked[key] = true
			}
		}
	}
}
