package llm

import "context"

// Message is a single entry in a chat transcript sent to a generation backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat transcript roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate produces a completion for a single prompt string.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat produces a completion for a full message transcript.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)

	// ModelID returns the backend's model identifier (e.g. "gpt-4o-mini").
	ModelID() string
}
