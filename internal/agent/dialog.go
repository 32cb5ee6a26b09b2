package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/nexus/internal/bus"
	agentctx "github.com/haasonsaas/nexus/internal/context"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// visibleOutputToolName is the tool whose successful execution counts
// as "already sent a visible message this run" for reply-shaping
// purposes (§4.2.1). No such tool ships in this build - channel-facing
// send tools are an external collaborator's concern - but the dialog
// loop still honors the contract so one can be registered later without
// touching this file.
const visibleOutputToolName = "message"

// SteerEntry is one pending steer instruction, tagged by where it came
// from (an inbound channel message vs. an API call).
type SteerEntry struct {
	Source string
	Text   string
}

// SteerSource drains pending steer instructions for a run, clearing them
// from the buffer.
type SteerSource interface {
	Drain(runID string) []SteerEntry
}

// CancelChecker reports whether a run has been asked to cancel.
type CancelChecker interface {
	Cancelled(runID string) bool
}

// DialogInput is one conversational turn's inputs (§4.2).
type DialogInput struct {
	Session          *models.Session
	Content          string
	Media            []string
	Channel          string
	ChatID           string
	SessionKey       string
	RunID            string
	ThinkingOverride string
	ModelOverride    string
	MaxIterations    int
}

// DialogResult is the outcome of one dialog-loop turn.
type DialogResult struct {
	Content    string
	Suppressed bool
	Usage      providers.Usage
}

// DialogLoop runs one conversational turn: build context, call the
// provider, dispatch tool calls, shape the reply (§4.2).
type DialogLoop struct {
	Provider  providers.LLMProvider
	Registry  *Registry
	Executor  *Executor
	Builder   *agentctx.Builder
	Compactor *Compactor
	Shaper    *ReplyShaper
	Steer     SteerSource
	Cancel    CancelChecker
	Bus       *bus.Bus
	Tracer    *observability.Tracer

	MaxTokens    int
	StreamEvents bool
}

// Run executes the dialog loop for in, returning the final reply (or a
// suppression) and accumulated token usage.
func (d *DialogLoop) Run(ctx context.Context, in DialogInput) (DialogResult, error) {
	if d.Compactor != nil && d.Compactor.ShouldCompact(in.Session, false) {
		if err := d.Compactor.Compact(ctx, in.Session, in.RunID); err != nil {
			return DialogResult{}, fmt.Errorf("agent: pre-turn compaction: %w", err)
		}
	}

	rc := RunContext{Channel: in.Channel, ChatID: in.ChatID, RunID: in.RunID, SessionKey: in.SessionKey, UserKey: in.Session.Key}
	if d.Registry != nil {
		d.Registry.SetRunContext(rc)
	}

	turn := agentctx.Turn{
		Channel: in.Channel,
		ChatID:  in.ChatID,
		Content: in.Content,
		Media:   in.Media,
		History: in.Session.History(0),
	}
	messages, err := d.Builder.BuildMessages(ctx, turn)
	if err != nil {
		return DialogResult{}, fmt.Errorf("agent: build context: %w", err)
	}
	in.Session.AddMessage(models.ConversationMessage{Role: models.RoleUser, Content: in.Content, Timestamp: time.Now()})

	model := in.ModelOverride
	if model == "" {
		model = d.Provider.DefaultModel()
	}
	maxIter := in.MaxIterations
	if maxIter <= 0 {
		maxIter = 10
	}

	var usage providers.Usage
	sentVisibleOutput := false
	nudged := false

	var iterSpan trace.Span
	defer func() {
		if iterSpan != nil {
			iterSpan.End()
		}
	}()

	for iter := 0; iter < maxIter; iter++ {
		if iterSpan != nil {
			iterSpan.End()
			iterSpan = nil
		}
		iterCtx := ctx
		if d.Tracer != nil {
			iterCtx, iterSpan = d.Tracer.Start(ctx, "agent.dialog_loop.iteration", observability.SpanOptions{
				Attributes: []attribute.KeyValue{
					attribute.String("run_id", in.RunID),
					attribute.String("session_key", in.SessionKey),
					attribute.Int("iteration", iter),
				},
			})
		}

		if d.Cancel != nil && d.Cancel.Cancelled(in.RunID) {
			return DialogResult{Usage: usage}, context.Canceled
		}

		if d.Steer != nil {
			if entries := d.Steer.Drain(in.RunID); len(entries) > 0 {
				messages = append(messages, steerMessage(entries))
				if d.Bus != nil {
					d.Bus.Publish(models.NewEvent(models.EventRunSteerApplied, models.EventKindLifecycle, in.RunID, in.SessionKey, map[string]any{"count": len(entries)}))
				}
			}
		}

		req := providers.ChatRequest{
			Model:       model,
			Messages:    messages,
			Tools:       d.toolSpecs(),
			MaxTokens:   d.MaxTokens,
			Thinking:    in.ThinkingOverride,
		}

		callCtx := iterCtx
		var callSpan trace.Span
		if d.Tracer != nil {
			callCtx, callSpan = d.Tracer.Start(iterCtx, "agent.provider.call", observability.SpanOptions{
				Attributes: []attribute.KeyValue{attribute.String("model", model)},
			})
		}

		var resp providers.ChatResponse
		if d.StreamEvents && d.Provider.SupportsStreaming() {
			resp, err = d.runStreaming(callCtx, req, in.RunID, in.SessionKey)
		} else {
			resp, err = d.Provider.Chat(callCtx, req)
		}
		if callSpan != nil {
			if err != nil {
				d.Tracer.RecordError(callSpan, err)
			}
			callSpan.End()
		}
		if err != nil {
			return DialogResult{Usage: usage}, err
		}

		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		if resp.FinishReason == "overloaded" {
			if d.Compactor == nil {
				return DialogResult{Usage: usage}, fmt.Errorf("agent: provider overloaded and no compactor configured")
			}
			if err := d.Compactor.Compact(ctx, in.Session, in.RunID); err != nil {
				return DialogResult{Usage: usage}, fmt.Errorf("agent: overload compaction: %w", err)
			}
			messages, err = d.Builder.BuildMessages(ctx, agentctx.Turn{
				Channel: in.Channel, ChatID: in.ChatID, Content: in.Content, Media: in.Media, History: in.Session.History(0),
			})
			if err != nil {
				return DialogResult{Usage: usage}, err
			}
			continue
		}

		if len(resp.ToolCalls) > 0 {
			assistantMsg := models.ConversationMessage{Role: models.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls, Timestamp: time.Now()}
			messages = append(messages, assistantMsg)
			in.Session.AddMessage(assistantMsg)

			for _, call := range resp.ToolCalls {
				if d.Cancel != nil && d.Cancel.Cancelled(in.RunID) {
					return DialogResult{Usage: usage}, context.Canceled
				}
				result, execErr := d.Executor.Execute(ctx, rc, call.ID, call.Name, call.Arguments)
				if execErr != nil {
					result = &ToolResult{Content: execErr.Error(), IsError: true}
				}
				if call.Name == visibleOutputToolName && !result.IsError {
					sentVisibleOutput = true
				}
				toolMsg := models.ConversationMessage{
					Role:        models.RoleTool,
					Content:     result.Content,
					ToolResults: []models.ToolResult{{ToolCallID: call.ID, Content: result.Content, IsError: result.IsError}},
					Timestamp:   time.Now(),
				}
				messages = append(messages, toolMsg)
				in.Session.AddMessage(toolMsg)
			}
			continue
		}

		if resp.Content != "" {
			shaped, ok := d.Shaper.Shape(resp.Content, sentVisibleOutput)
			if !ok {
				return DialogResult{Usage: usage, Suppressed: true}, nil
			}
			if shaped == "" {
				if nudged {
					return DialogResult{Usage: usage, Suppressed: true}, nil
				}
				nudged = true
				messages = append(messages, models.ConversationMessage{
					Role:    models.RoleUser,
					Content: "Your last reply had no visible content. Please provide a visible reply to the user now.",
				})
				continue
			}
			in.Session.AddMessage(models.ConversationMessage{Role: models.RoleAssistant, Content: shaped, Timestamp: time.Now()})
			return DialogResult{Content: shaped, Usage: usage}, nil
		}

		break
	}

	return d.forcedSummary(ctx, in, messages, usage, model, sentVisibleOutput)
}

func (d *DialogLoop) forcedSummary(ctx context.Context, in DialogInput, messages []models.ConversationMessage, usage providers.Usage, model string, sentVisibleOutput bool) (DialogResult, error) {
	forced := append(append([]models.ConversationMessage{}, messages...), models.ConversationMessage{
		Role:    models.RoleUser,
		Content: "Summarize your findings and reply to the user now, without using any tools.",
	})
	resp, err := d.Provider.Chat(ctx, providers.ChatRequest{Model: model, Messages: forced, MaxTokens: d.MaxTokens})
	if err != nil {
		return DialogResult{Usage: usage}, fmt.Errorf("agent: forced summary call: %w", err)
	}
	usage.PromptTokens += resp.Usage.PromptTokens
	usage.CompletionTokens += resp.Usage.CompletionTokens
	usage.TotalTokens += resp.Usage.TotalTokens

	shaped, ok := d.Shaper.Shape(resp.Content, sentVisibleOutput)
	if !ok || shaped == "" {
		return DialogResult{Usage: usage, Suppressed: true}, nil
	}
	in.Session.AddMessage(models.ConversationMessage{Role: models.RoleAssistant, Content: shaped, Timestamp: time.Now()})
	return DialogResult{Content: shaped, Usage: usage}, nil
}

func (d *DialogLoop) runStreaming(ctx context.Context, req providers.ChatRequest, runID, sessionKey string) (providers.ChatResponse, error) {
	events, err := d.Provider.StreamChat(ctx, req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	for ev := range events {
		switch ev.Type {
		case providers.StreamEventDelta:
			if d.Bus != nil && ev.Delta != "" {
				d.Bus.Publish(models.NewEvent(models.EventAssistantDelta, models.EventKindAssistant, runID, sessionKey, map[string]any{"delta": ev.Delta}))
			}
		case providers.StreamEventFinal:
			if ev.Response != nil {
				return *ev.Response, nil
			}
		}
	}
	return providers.ChatResponse{}, fmt.Errorf("agent: provider stream closed without a final response")
}

func (d *DialogLoop) toolSpecs() []providers.ToolSpec {
	if d.Registry == nil {
		return nil
	}
	names := d.Registry.Names()
	specs := make([]providers.ToolSpec, 0, len(names))
	for _, name := range names {
		tool, ok := d.Registry.Get(name)
		if !ok {
			continue
		}
		var params map[string]any
		_ = jsonUnmarshalSchema(tool.Schema(), &params)
		specs = append(specs, providers.ToolSpec{Name: tool.Name(), Description: tool.Description(), Parameters: params})
	}
	return specs
}

func steerMessage(entries []SteerEntry) models.ConversationMessage {
	text := "[system: steer update received during run. Apply the following before continuing.]\n"
	for i, e := range entries {
		text += fmt.Sprintf("%d. (%s) %s\n", i+1, e.Source, e.Text)
	}
	return models.ConversationMessage{Role: models.RoleUser, Content: text, Timestamp: time.Now()}
}
