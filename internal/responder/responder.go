// Package responder generates AI replies for sessions nobody has taken over,
// using any OpenAI-compatible chat completions endpoint.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/gastownhall/live-relay/internal/wire"
)

const (
	defaultModel      = openai.GPT4oMini
	defaultMaxHistory = 20
)

// ChatClient is the subset of *openai.Client the responder uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config configures the responder.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	// MaxHistory caps how many trailing messages are sent as context.
	MaxHistory int
}

// OpenAI replies through a chat completion model.
type OpenAI struct {
	client     ChatClient
	model      string
	system     string
	maxHistory int
}

// New builds a responder with the go-openai client.
func New(cfg Config) *OpenAI {
	occ := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		occ.BaseURL = cfg.BaseURL
	}
	return NewWithClient(openai.NewClientWithConfig(occ), cfg)
}

// NewWithClient builds a responder around an existing client.
func NewWithClient(client ChatClient, cfg Config) *OpenAI {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &OpenAI{client: client, model: model, system: cfg.SystemPrompt, maxHistory: maxHistory}
}

// Reply returns the assistant's next turn for history.
func (o *OpenAI) Reply(ctx context.Context, history []wire.Message) (string, error) {
	if len(history) > o.maxHistory {
		history = history[len(history)-o.maxHistory:]
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if o.system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.system})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleAssistant
		if m.Role == wire.RoleUser {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty reply")
	}
	return text, nil
}
