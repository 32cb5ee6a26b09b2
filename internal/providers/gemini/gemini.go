// Package gemini adapts Google's Gen AI SDK to the providers.LLMProvider
// interface.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Config configures a Provider.
type Config struct {
	APIKey       string
	DefaultModel string
}

// Provider implements providers.LLMProvider against the Gemini
// GenerateContent API.
type Provider struct {
	client       *genai.Client
	defaultModel string
}

// New constructs a Provider. APIKey is required.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &Provider{client: client, defaultModel: cfg.DefaultModel}, nil
}

func (p *Provider) Name() string            { return "gemini" }
func (p *Provider) DefaultModel() string    { return p.defaultModel }
func (p *Provider) SupportsStreaming() bool { return true }

func (p *Provider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *Provider) buildConfig(req providers.ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = convertTools(req.Tools)
	}
	return cfg
}

// Chat performs a single non-streaming completion by draining the
// stream and concatenating its parts.
func (p *Provider) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	model := p.model(req.Model)
	contents := convertMessages(req.Messages)
	cfg := p.buildConfig(req)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("gemini: %w", err)
	}

	var text strings.Builder
	var toolCalls []models.ToolCall
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				toolCalls = append(toolCalls, models.ToolCall{
					ID:        fmt.Sprintf("call_%s", part.FunctionCall.Name),
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
	}

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}

	usage := providers.Usage{}
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return providers.ChatResponse{
		Content:      text.String(),
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

// StreamChat streams text deltas and accumulates function calls,
// emitting one final event once the iterator is exhausted.
func (p *Provider) StreamChat(ctx context.Context, req providers.ChatRequest) (<-chan providers.StreamEvent, error) {
	model := p.model(req.Model)
	contents := convertMessages(req.Messages)
	cfg := p.buildConfig(req)

	out := make(chan providers.StreamEvent, 16)
	go func() {
		defer close(out)

		var text strings.Builder
		var toolCalls []models.ToolCall

		streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, cfg)
		for resp, err := range streamIter {
			select {
			case <-ctx.Done():
				out <- providers.StreamEvent{Type: providers.StreamEventFinal, Response: &providers.ChatResponse{
					Content:      "Error calling LLM: " + ctx.Err().Error(),
					FinishReason: "error",
				}}
				return
			default:
			}
			if err != nil {
				out <- providers.StreamEvent{Type: providers.StreamEventFinal, Response: &providers.ChatResponse{
					Content:      fmt.Sprintf("Error calling LLM: %v", err),
					FinishReason: "error",
				}}
				return
			}
			if resp == nil {
				continue
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						text.WriteString(part.Text)
						out <- providers.StreamEvent{Type: providers.StreamEventDelta, Delta: part.Text}
					}
					if part.FunctionCall != nil {
						args, _ := json.Marshal(part.FunctionCall.Args)
						toolCalls = append(toolCalls, models.ToolCall{
							ID:        fmt.Sprintf("call_%s", part.FunctionCall.Name),
							Name:      part.FunctionCall.Name,
							Arguments: args,
						})
					}
				}
			}
		}

		finish := "stop"
		if len(toolCalls) > 0 {
			finish = "tool_calls"
		}
		out <- providers.StreamEvent{Type: providers.StreamEventFinal, Response: &providers.ChatResponse{
			Content:      text.String(),
			ToolCalls:    toolCalls,
			FinishReason: finish,
		}}
	}()

	return out, nil
}

// Embed is not implemented: Gemini's embedding models use a distinct
// API surface the failover wrapper does not currently route through.
func (p *Provider) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return nil, fmt.Errorf("gemini: embeddings are not supported")
}

func convertMessages(msgs []models.ConversationMessage) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch m.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &args)
			}
			content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args}})
		}
		for _, tr := range m.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{Name: toolNameFor(tr.ToolCallID, msgs), Response: response}})
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func toolNameFor(toolCallID string, msgs []models.ConversationMessage) string {
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	return ""
}

func convertTools(tools []providers.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		schema := jsonSchemaToGenai(t.Parameters)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func jsonSchemaToGenai(params map[string]any) *genai.Schema {
	if params == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	var schema genai.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	return &schema
}
