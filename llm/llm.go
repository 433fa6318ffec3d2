// Package llm is the optional direct free-form answer provider. When
// configured, free-form questions skip the robot backend and hit an
// OpenAI-compatible endpoint instead, which lets an admin compare the raw
// model against the robot's grounded pipeline.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"goama/robot"
)

// Config selects the endpoint and model. BaseURL empty means api.openai.com.
type Config struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

const defaultSystemPrompt = "Tu es l'assistant Orange. Réponds brièvement et clairement."

// OpenAI answers free-form questions through an OpenAI-compatible API.
type OpenAI struct {
	model        string
	systemPrompt string
	client       *goopenai.Client
}

func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api_key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &OpenAI{
		model:        cfg.Model,
		systemPrompt: prompt,
		client:       goopenai.NewClientWithConfig(clientCfg),
	}, nil
}

// AskFreeForm satisfies the session free-form provider interface. Errors are
// reported as AnswerError so the orchestrator treats both providers alike.
func (o *OpenAI) AskFreeForm(ctx context.Context, question string) (string, error) {
	req := goopenai.ChatCompletionRequest{
		Model: o.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: question},
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", robot.AnswerErrorf("llm_ask", err)
	}
	if len(resp.Choices) == 0 {
		return "", robot.AnswerErrorf("llm_ask", fmt.Errorf("no choices in completion"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
