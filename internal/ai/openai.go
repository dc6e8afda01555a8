package ai

import (
	"context"
	"errors"

	"support-chat-backend/internal/env"

	"github.com/sashabaranov/go-openai"
)

const defaultModel = "gpt-4o-mini"

type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider(apiKey, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if model == "" {
		model = defaultModel
	}

	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// NewProviderFromEnv builds the provider configured by OPENAI_API_KEY and
// AI_MODEL.
func NewProviderFromEnv() (Provider, error) {
	return NewOpenAIProvider(env.Get(env.OpenAIAPIKey), env.Get(env.AIModel))
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return GenerateResponse{}, err
	}

	if len(resp.Choices) == 0 {
		return GenerateResponse{}, errors.New("openai: empty completion")
	}

	return GenerateResponse{
		Content:   resp.Choices[0].Message.Content,
		Model:     resp.Model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}
