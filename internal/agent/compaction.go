package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/compaction"
	"github.com/haasonsaas/nexus/internal/hooks"
	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/pkg/models"
)

// keepRecentMessages is the number of most recent messages left
// untouched by compaction; everything older is summarized (§4.2.2).
const keepRecentMessages = 10

// historyLengthTrigger is the message-count compaction trigger (§4.1
// step 1, §4.2.2).
const historyLengthTrigger = 40

// tokenShareTrigger is the fraction of the context window at which
// compaction fires even if the message count trigger has not.
const tokenShareTrigger = 0.85

const summarizerSystemPrompt = "You are a conversation summarizer. Be concise."

// llmSummarizer adapts a providers.LLMProvider into a
// compaction.Summarizer, so the generic chunk/merge machinery in
// internal/compaction can drive an actual model call.
type llmSummarizer struct {
	provider providers.LLMProvider
}

func (s *llmSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, cfg *compaction.SummarizationConfig) (string, error) {
	if len(messages) == 0 {
		return compaction.DefaultSummaryFallback, nil
	}
	model := ""
	if cfg != nil {
		model = cfg.Model
	}
	if model == "" {
		model = s.provider.DefaultModel()
	}

	prior := ""
	if cfg != nil && cfg.PreviousSummary != "" {
		prior = "Prior summary:\n" + cfg.PreviousSummary + "\n\n"
	}
	instructions := ""
	if cfg != nil && cfg.CustomInstructions != "" {
		instructions = cfg.CustomInstructions + "\n\n"
	}

	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Model:  model,
		System: summarizerSystemPrompt,
		Messages: []models.ConversationMessage{{
			Role:    models.RoleUser,
			Content: prior + instructions + compaction.FormatMessagesForSummary(messages),
		}},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", fmt.Errorf("agent: summarize chat call: %w", err)
	}
	return resp.Content, nil
}

// Compactor decides when a session needs compaction and performs it,
// replacing the summarized portion of history with a system-role
// summary message (§4.2.2).
type Compactor struct {
	summarizer compaction.Summarizer
	hooks      *hooks.Registry
	bus        *bus.Bus
	cfg        *compaction.SummarizationConfig
}

// NewCompactor returns a Compactor backed by provider for summarization
// calls. hooksReg and b may be nil.
func NewCompactor(provider providers.LLMProvider, hooksReg *hooks.Registry, b *bus.Bus, cfg *compaction.SummarizationConfig) *Compactor {
	if cfg == nil {
		cfg = compaction.DefaultSummarizationConfig()
	}
	return &Compactor{summarizer: &llmSummarizer{provider: provider}, hooks: hooksReg, bus: b, cfg: cfg}
}

// ShouldCompact reports whether session's history crosses the length or
// token-share trigger (§4.1 step 1, §4.2.2). overloaded is true when the
// caller is forcing compaction after a provider-overload retry.
func (c *Compactor) ShouldCompact(session *models.Session, overloaded bool) bool {
	if overloaded {
		return true
	}
	if len(session.Messages) > historyLengthTrigger {
		return true
	}
	contextWindow := c.cfg.ContextWindow
	if contextWindow <= 0 {
		contextWindow = compaction.DefaultContextWindow
	}
	total := compaction.EstimateMessagesTokens(toCompactionMessages(session.Messages))
	return float64(total) > tokenShareTrigger*float64(contextWindow)
}

// Compact summarizes everything in session older than the most recent
// keepRecentMessages messages and replaces it with session.Summary,
// emitting compaction_start/compaction_end/compaction_error and running
// the PreCompact hook.
func (c *Compactor) Compact(ctx context.Context, session *models.Session, runID string) error {
	if len(session.Messages) <= keepRecentMessages {
		return nil
	}

	c.publish(models.EventCompactionStart, runID, session.Key, nil)

	if c.hooks != nil {
		if err := c.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventSessionUpdated, "pre_compact").WithSession(session.Key)); err != nil {
			c.publish(models.EventCompactionError, runID, session.Key, map[string]any{"error": err.Error()})
			return fmt.Errorf("agent: PreCompact hook: %w", err)
		}
	}

	older := session.Messages[:len(session.Messages)-keepRecentMessages]
	recent := session.Messages[len(session.Messages)-keepRecentMessages:]

	cfg := *c.cfg
	cfg.PreviousSummary = session.Summary

	summary, err := compaction.SummarizeWithFallback(ctx, toCompactionMessages(older), c.summarizer, &cfg)
	if err != nil {
		c.publish(models.EventCompactionError, runID, session.Key, map[string]any{"error": err.Error()})
		return fmt.Errorf("agent: summarize: %w", err)
	}

	session.Summary = summary
	session.Messages = recent
	session.UpdatedAt = time.Now()

	c.publish(models.EventCompactionEnd, runID, session.Key, map[string]any{
		"summarized_messages": len(older),
		"remaining_messages":  len(recent),
	})
	return nil
}

func (c *Compactor) publish(typ models.EventType, runID, sessionKey string, fields map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(models.NewEvent(typ, models.EventKindCompaction, runID, sessionKey, fields))
}

func toCompactionMessages(msgs []models.ConversationMessage) []*compaction.Message {
	out := make([]*compaction.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &compaction.Message{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp.Unix(),
		})
	}
	return out
}
