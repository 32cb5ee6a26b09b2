// Package bedrock adapts AWS Bedrock's Converse API to the
// providers.LLMProvider interface.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Config configures a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// Provider implements providers.LLMProvider against AWS Bedrock's
// Converse/ConverseStream APIs.
type Provider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// New constructs a Provider, resolving AWS credentials from the
// explicit config fields or the default SDK credential chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &Provider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() string            { return "bedrock" }
func (p *Provider) DefaultModel() string    { return p.defaultModel }
func (p *Provider) SupportsStreaming() bool { return true }

func (p *Provider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *Provider) buildConverseInput(req providers.ChatRequest) (*bedrockruntime.ConverseInput, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(p.model(req.Model)),
		Messages: messages,
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		in.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		in.ToolConfig = convertTools(req.Tools)
	}
	return in, nil
}

// Chat performs a single non-streaming completion via Converse.
func (p *Provider) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	in, err := p.buildConverseInput(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	out, err := p.client.Converse(ctx, in)
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("bedrock: %w", err)
	}

	msgOut, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return providers.ChatResponse{}, fmt.Errorf("bedrock: unexpected output type")
	}

	var text strings.Builder
	var toolCalls []models.ToolCall
	for _, block := range msgOut.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberToolUse:
			input, _ := b.Value.Input.MarshalSmithyDocument()
			toolCalls = append(toolCalls, models.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: json.RawMessage(input),
			})
		}
	}

	finish := mapStopReason(string(out.StopReason), len(toolCalls) > 0)
	usage := providers.Usage{}
	if out.Usage != nil {
		usage.PromptTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.CompletionTokens = int(aws.ToInt32(out.Usage.OutputTokens))
		usage.TotalTokens = int(aws.ToInt32(out.Usage.TotalTokens))
	}

	return providers.ChatResponse{Content: text.String(), ToolCalls: toolCalls, FinishReason: finish, Usage: usage}, nil
}

// StreamChat streams deltas via ConverseStream, accumulating tool use
// input fragments per content block.
func (p *Provider) StreamChat(ctx context.Context, req providers.ChatRequest) (<-chan providers.StreamEvent, error) {
	in, err := p.buildConverseInput(req)
	if err != nil {
		return nil, err
	}
	streamIn := &bedrockruntime.ConverseStreamInput{
		ModelId:         in.ModelId,
		Messages:        in.Messages,
		System:          in.System,
		InferenceConfig: in.InferenceConfig,
		ToolConfig:      in.ToolConfig,
	}

	resp, err := p.client.ConverseStream(ctx, streamIn)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	out := make(chan providers.StreamEvent, 16)
	go func() {
		defer close(out)

		eventStream := resp.GetStream()
		defer eventStream.Close()

		var text strings.Builder
		var toolCalls []models.ToolCall
		var curToolID, curToolName string
		var curInput strings.Builder

		for {
			select {
			case <-ctx.Done():
				out <- providers.StreamEvent{Type: providers.StreamEventFinal, Response: &providers.ChatResponse{
					Content:      "Error calling LLM: " + ctx.Err().Error(),
					FinishReason: "error",
				}}
				return
			case ev, ok := <-eventStream.Events():
				if !ok {
					if err := eventStream.Err(); err != nil {
						out <- providers.StreamEvent{Type: providers.StreamEventFinal, Response: &providers.ChatResponse{
							Content:      fmt.Sprintf("Error calling LLM: %v", err),
							FinishReason: "error",
						}}
						return
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
					return
				}

				switch v := ev.(type) {
				case *types.ConverseStreamOutputMemberContentBlockStart:
					if tu, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
						curToolID = aws.ToString(tu.Value.ToolUseId)
						curToolName = aws.ToString(tu.Value.Name)
						curInput.Reset()
					}
				case *types.ConverseStreamOutputMemberContentBlockDelta:
					switch d := v.Value.Delta.(type) {
					case *types.ContentBlockDeltaMemberText:
						if d.Value != "" {
							text.WriteString(d.Value)
							out <- providers.StreamEvent{Type: providers.StreamEventDelta, Delta: d.Value}
						}
					case *types.ContentBlockDeltaMemberToolUse:
						if d.Value.Input != nil {
							curInput.WriteString(*d.Value.Input)
						}
					}
				case *types.ConverseStreamOutputMemberContentBlockStop:
					if curToolID != "" {
						toolCalls = append(toolCalls, models.ToolCall{ID: curToolID, Name: curToolName, Arguments: json.RawMessage(curInput.String())})
						curToolID = ""
					}
				case *types.ConverseStreamOutputMemberMessageStop:
					finish := mapStopReason(string(v.Value.StopReason), len(toolCalls) > 0)
					out <- providers.StreamEvent{Type: providers.StreamEventFinal, Response: &providers.ChatResponse{
						Content:      text.String(),
						ToolCalls:    toolCalls,
						FinishReason: finish,
					}}
					return
				}
			}
		}
	}()

	return out, nil
}

// Embed is not implemented: Bedrock embeddings (Titan/Cohere) use the
// separate InvokeModel API, not Converse, and no SPEC_FULL.md component
// currently routes embedding calls through Bedrock.
func (p *Provider) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return nil, fmt.Errorf("bedrock: embeddings are not supported")
}

func mapStopReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
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

func convertMessages(msgs []models.ConversationMessage) ([]types.Message, error) {
	result := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock
		if m.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tr := range m.ToolResults {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(tr.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: tr.Content}},
				},
			})
		}
		for _, tc := range m.ToolCalls {
			var input any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("bedrock: invalid tool arguments for %s: %w", tc.Name, err)
				}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{ToolUseId: aws.String(tc.ID), Name: aws.String(tc.Name), Input: document.NewLazyDocument(input)},
			})
		}

		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result, nil
}

func convertTools(tools []providers.ToolSpec) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(params)},
			},
		})
	}
	if len(specs) == 0 {
		return nil
	}
	return &types.ToolConfiguration{Tools: specs}
}
