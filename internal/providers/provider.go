// Package providers defines the LLM provider abstraction and the
// ordered-candidate failover wrapper that sits in front of it.
package providers

import (
	"context"

	"github.com/haasonsaas/nexus/pkg/models"
)

// ChatRequest carries everything an LLMProvider needs to produce one
// completion.
type ChatRequest struct {
	Model       string
	Messages    []models.ConversationMessage
	System      string
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
	Thinking    string // "", "low", "medium", "high"
}

// ToolSpec is the provider-facing shape of a registered tool: name,
// description, and a JSON-Schema parameters document.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatResponse is a completed (non-streaming) provider response.
type ChatResponse struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason string // "stop", "tool_calls", "overloaded", "error", ...
	Usage        Usage
}

// Usage tracks token accounting for one provider call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamEventType discriminates a StreamEvent's payload.
type StreamEventType string

const (
	StreamEventDelta StreamEventType = "delta"
	StreamEventFinal StreamEventType = "final"
)

// StreamEvent is one item from a streaming chat call: either a text
// delta or the terminal final response.
type StreamEvent struct {
	Type     StreamEventType
	Delta    string
	Response *ChatResponse
}

// LLMProvider is the interface every concrete backend (Anthropic,
// OpenAI, Gemini, Bedrock, ...) and the FailoverProvider itself
// implement.
type LLMProvider interface {
	// Name identifies the provider for logging, metrics, and failover
	// policy lookup.
	Name() string

	// DefaultModel returns the model used when a request does not
	// specify one.
	DefaultModel() string

	// SupportsStreaming reports whether StreamChat is meaningful for
	// this provider; false is not an error, callers should fall back to
	// Chat.
	SupportsStreaming() bool

	// Chat performs one non-streaming completion.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// StreamChat performs one completion, forwarding deltas as they
	// arrive and a single final event terminating the stream.
	StreamChat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)

	// Embed returns one embedding vector per input text.
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// IsRetryableResponse reports whether resp should trigger a retry or
// failover attempt, per the contract in §4.3: finish_reason is
// "error"/"overloaded", or the content looks like a synthesized error.
func IsRetryableResponse(resp ChatResponse) bool {
	switch resp.FinishReason {
	case "error", "overloaded":
		return true
	}
	return len(resp.Content) >= len(errorPrefix) && resp.Content[:len(errorPrefix)] == errorPrefix
}

const errorPrefix = "Error calling LLM:"
