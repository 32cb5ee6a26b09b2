// Package openai adapts OpenAI's chat completions API to the
// providers.LLMProvider interface.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Config configures a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Provider implements providers.LLMProvider against OpenAI's chat
// completions endpoint.
type Provider struct {
	client       *openai.Client
	defaultModel string
}

// New constructs a Provider. APIKey is required.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Provider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() string            { return "openai" }
func (p *Provider) DefaultModel() string    { return p.defaultModel }
func (p *Provider) SupportsStreaming() bool { return true }

func (p *Provider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *Provider) buildRequest(req providers.ChatRequest, stream bool) openai.ChatCompletionRequest {
	messages := convertMessages(req.Messages, req.System)
	out := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: messages,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		out.Tools = convertTools(req.Tools)
	}
	return out
}

// Chat performs a single non-streaming completion.
func (p *Provider) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResponse{}, fmt.Errorf("openai: empty response")
	}

	choice := resp.Choices[0]
	return providers.ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    convertToolCallsOut(choice.Message.ToolCalls),
		FinishReason: mapFinishReason(string(choice.FinishReason), len(choice.Message.ToolCalls) > 0),
		Usage: providers.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// StreamChat streams deltas and tool-call fragments, accumulating a
// final ChatResponse once the stream ends.
func (p *Provider) StreamChat(ctx context.Context, req providers.ChatRequest) (<-chan providers.StreamEvent, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	out := make(chan providers.StreamEvent, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		var text strings.Builder
		toolCalls := make(map[int]*models.ToolCall)
		finishReason := "stop"

		for {
			chunk, err := stream.Recv()
			if err != nil {
				if err == io.EOF {
					break
				}
				out <- providers.StreamEvent{Type: providers.StreamEventFinal, Response: &providers.ChatResponse{
					Content:      fmt.Sprintf("Error calling LLM: %v", err),
					FinishReason: "error",
				}}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Content != "" {
				text.WriteString(delta.Content)
				out <- providers.StreamEvent{Type: providers.StreamEventDelta, Delta: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				if toolCalls[idx] == nil {
					toolCalls[idx] = &models.ToolCall{}
				}
				if tc.ID != "" {
					toolCalls[idx].ID = tc.ID
				}
				if tc.Function.Name != "" {
					toolCalls[idx].Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					toolCalls[idx].Arguments = append(toolCalls[idx].Arguments, []byte(tc.Function.Arguments)...)
				}
			}

			if r := string(chunk.Choices[0].FinishReason); r != "" {
				finishReason = mapFinishReason(r, len(toolCalls) > 0)
			}
		}

		var calls []models.ToolCall
		for i := 0; i < len(toolCalls); i++ {
			if tc, ok := toolCalls[i]; ok && tc.ID != "" {
				calls = append(calls, *tc)
			}
		}
		if len(calls) > 0 {
			finishReason = "tool_calls"
		}

		out <- providers.StreamEvent{Type: providers.StreamEventFinal, Response: &providers.ChatResponse{
			Content:      text.String(),
			ToolCalls:    calls,
			FinishReason: finishReason,
		}}
	}()

	return out, nil
}

// Embed returns one embedding vector per input text via OpenAI's
// embeddings endpoint.
func (p *Provider) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = "text-embedding-3-small"
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func mapFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "stop":
		return "stop"
	case "tool_calls":
		return "tool_calls"
	case "length":
		return "length"
	case "content_filter":
		return "error"
	default:
		return "stop"
	}
}

func convertToolCallsOut(tcs []openai.ToolCall) []models.ToolCall {
	var out []models.ToolCall
	for _, tc := range tcs {
		out = append(out, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

func convertMessages(msgs []models.ConversationMessage, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, msg)
			for _, tr := range m.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case models.RoleTool:
			for _, tr := range m.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		}
	}
	return out
}

func convertTools(tools []providers.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}
