package llm

import (
	"context"
	"fmt"
	"strings"
)

// Provider is an interface for LLM API providers
type Provider interface {
	// Complete makes a single LLM API call
	Complete(ctx context.Context, request Request) (*Response, error)

	// Name returns the provider name
	Name() string
}

// Message represents one entry of the conversation transcript
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []RawToolCall          `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolSchema is the provider-facing description of one tool
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request contains the parameters for one completion call
type Request struct {
	Model        string
	Messages     []Message
	Tools        []ToolSchema
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// RawToolCall is a tool invocation exactly as the provider returned it,
// before any validation. Arguments may be nil, non-object or garbage.
type RawToolCall struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Arguments interface{} `json:"arguments"`
}

// Response contains the decoded provider response
type Response struct {
	Content   string
	ToolCalls []RawToolCall
	Usage     *TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MalformedResponseError indicates the provider returned a structurally
// broken response (missing call metadata, undecodable payload). The loop
// retries once with the tool list removed rather than aborting.
type MalformedResponseError struct {
	Provider string
	Reason   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s returned a malformed response: %s", e.Provider, e.Reason)
}

// IsRetryable reports whether an error is transient (timeout, rate limit,
// server-side failure) and worth retrying with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*MalformedResponseError); ok {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}
