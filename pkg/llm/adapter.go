package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature *float64

	// JSON asks the provider for a single JSON object reply.
	JSON bool
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Client is a chat completion backend.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

func Float(v float64) *float64 { return &v }
