package gen

import (
	"context"
	"fmt"

	"github.com/meridianapps/chatdock/internal/config"
	"github.com/meridianapps/chatdock/internal/domain"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIGenerator calls an OpenAI-compatible chat completion API.
type OpenAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAI builds a generator from configuration. BaseURL may point at
// any OpenAI-compatible endpoint (OpenRouter, a local proxy, etc.).
func NewOpenAI(cfg config.GenerationConfig) *OpenAIGenerator {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

// Generate runs one chat completion over the agent's prompt template and
// the session history.
func (g *OpenAIGenerator) Generate(ctx context.Context, agent domain.Agent, history []*domain.Message, userText string) (*Reply, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	msgs = append(msgs, openai.SystemMessage(agent.Prompt))
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case domain.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(userText))

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    g.model,
		Messages: msgs,
	})
	if err != nil {
		return nil, &GenerationError{AgentID: agent.ID, Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &GenerationError{AgentID: agent.ID, Err: fmt.Errorf("empty response from model")}
	}

	return &Reply{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
