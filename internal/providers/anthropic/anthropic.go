// Package anthropic adapts Anthropic's Claude API to the providers.LLMProvider
// interface.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Config configures a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Provider implements providers.LLMProvider against the Anthropic Messages
// API.
type Provider struct {
	client       anthropic.Client
	defaultModel string
}

// New constructs a Provider. APIKey is required.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() string              { return "anthropic" }
func (p *Provider) DefaultModel() string      { return p.defaultModel }
func (p *Provider) SupportsStreaming() bool   { return true }

func (p *Provider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func maxTokens(req providers.ChatRequest) int64 {
	if req.MaxTokens <= 0 {
		return 4096
	}
	return int64(req.MaxTokens)
}

func (p *Provider) buildParams(req providers.ChatRequest) (anthropic.MessageNewParams, error) {
	msgs, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  msgs,
		MaxTokens: maxTokens(req),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.Thinking != "" {
		budget := thinkingBudget(req.Thinking)
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

func thinkingBudget(mode string) int64 {
	switch mode {
	case "high":
		return 32000
	case "medium":
		return 10000
	case "low":
		return 4096
	default:
		return 10000
	}
}

// Chat performs a single non-streaming completion.
func (p *Provider) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("anthropic: %w", err)
	}

	return fromMessage(msg), nil
}

// StreamChat streams deltas, accumulating a final ChatResponse.
func (p *Provider) StreamChat(ctx context.Context, req providers.ChatRequest) (<-chan providers.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan providers.StreamEvent, 16)
	stream := p.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(out)

		var text strings.Builder
		var toolCalls []models.ToolCall
		var finishReason string = "stop"
		var usage providers.Usage
		var curToolID, curToolName string
		var curToolInput strings.Builder

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				usage.PromptTokens = int(ms.Message.Usage.InputTokens)
			case "content_block_start":
				cb := event.AsContentBlockStart().ContentBlock
				if cb.Type == "tool_use" {
					tu := cb.AsToolUse()
					curToolID = tu.ID
					curToolName = tu.Name
					curToolInput.Reset()
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						text.WriteString(delta.Text)
						out <- providers.StreamEvent{Type: providers.StreamEventDelta, Delta: delta.Text}
					}
				case "input_json_delta":
					curToolInput.WriteString(delta.PartialJSON)
				}
			case "content_block_stop":
				if curToolID != "" {
					toolCalls = append(toolCalls, models.ToolCall{
						ID:        curToolID,
						Name:      curToolName,
						Arguments: json.RawMessage(curToolInput.String()),
					})
					curToolID = ""
				}
			case "message_delta":
				md := event.AsMessageDelta()
				usage.CompletionTokens = int(md.Usage.OutputTokens)
				if stop := string(md.Delta.StopReason); stop != "" {
					finishReason = mapStopReason(stop)
				}
			case "error":
				out <- providers.StreamEvent{Type: providers.StreamEventFinal, Response: &providers.ChatResponse{
					Content:      fmt.Sprintf("Error calling LLM: %s", "anthropic stream error"),
					FinishReason: "error",
				}}
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- providers.StreamEvent{Type: providers.StreamEventFinal, Response: &providers.ChatResponse{
				Content:      fmt.Sprintf("Error calling LLM: %v", err),
				FinishReason: "error",
			}}
			return
		}

		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		if len(toolCalls) > 0 {
			finishReason = "tool_calls"
		}
		out <- providers.StreamEvent{Type: providers.StreamEventFinal, Response: &providers.ChatResponse{
			Content:      text.String(),
			ToolCalls:    toolCalls,
			FinishReason: finishReason,
			Usage:        usage,
		}}
	}()

	return out, nil
}

// Embed is not supported by the Messages API; Anthropic does not expose
// an embeddings endpoint, so this always errors, letting the failover
// wrapper skip straight to the next candidate.
func (p *Provider) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return nil, fmt.Errorf("anthropic: embeddings are not supported")
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

func fromMessage(msg *anthropic.Message) providers.ChatResponse {
	var text strings.Builder
	var toolCalls []models.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, models.ToolCall{ID: block.ID, Name: block.Name, Arguments: input})
		}
	}
	finish := mapStopReason(string(msg.StopReason))
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}
	return providers.ChatResponse{
		Content:      text.String(),
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

func convertMessages(msgs []models.ConversationMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		for _, tr := range m.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool arguments for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if m.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertTools(tools []providers.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out, nil
}
