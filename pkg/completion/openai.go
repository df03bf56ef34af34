package completion

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/helpers"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client   *go_openai.Client
	settings *Settings
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client from settings. A missing API key is not an
// error here: every Complete call fails with ErrMissingCredential instead, so
// the caller can keep what it already saved.
func NewOpenAIClient(settings *Settings) (*OpenAIClient, error) {
	if settings == nil {
		return nil, errors.New("no completion settings")
	}

	config := go_openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		config.BaseURL = settings.BaseURL
	}
	config.HTTPClient = &http.Client{Timeout: settings.Timeout}

	return &OpenAIClient{
		client:   go_openai.NewClientWithConfig(config),
		settings: settings.Clone(),
	}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, systemDirective string, history []conversation.Turn) (string, error) {
	if c.settings.APIKey == "" {
		return "", ErrMissingCredential
	}
	req := c.makeRequest(systemDirective, history)

	log.Debug().
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Msg("sending chat completion request")

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "chat completion request failed")
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	log.Debug().
		Str("finish_reason", string(resp.Choices[0].FinishReason)).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("chat completion received")
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) makeRequest(systemDirective string, history []conversation.Turn) go_openai.ChatCompletionRequest {
	messages := make([]go_openai.ChatCompletionMessage, 0, len(history)+1)
	if systemDirective != "" {
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleSystem,
			Content: systemDirective,
		})
	}
	for _, turn := range history {
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    roleToOpenAI(turn.Role),
			Content: turn.Content,
		})
	}

	return go_openai.ChatCompletionRequest{
		Model:       c.settings.Model,
		Messages:    messages,
		Temperature: float32(helpers.ValueOr(c.settings.Temperature, 0)),
		MaxTokens:   helpers.ValueOr(c.settings.MaxTokens, 0),
	}
}

func roleToOpenAI(role conversation.Role) string {
	switch role {
	case conversation.RoleAssistant:
		return go_openai.ChatMessageRoleAssistant
	case conversation.RoleUser:
		return go_openai.ChatMessageRoleUser
	}
	return go_openai.ChatMessageRoleUser
}
