// Package ai wraps the external response-generation provider. The core treats
// it as an opaque function of conversation context with no side effects.
package ai

import (
	"context"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type GenerateRequest struct {
	Messages  []ChatMessage
	MaxTokens int
}

type GenerateResponse struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
}

// Provider generates one response for the given conversation context. Callers
// bound the call with a context deadline; implementations must honour it.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	Name() string
}
