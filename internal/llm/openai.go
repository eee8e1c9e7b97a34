package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAI talks to an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client *openai.Client
	cfg    Config
}

func NewOpenAI(cfg Config) (*OpenAI, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm.api_key is required for openai")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm.model is required for openai")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		opts = append(opts, option.WithBaseURL(u))
	}
	// Retries are handled by the resilient wrapper.
	opts = append(opts, option.WithMaxRetries(0))
	client := openai.NewClient(opts...)
	return &OpenAI{client: &client, cfg: cfg}, nil
}

func (p *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, openai.UserMessage(user))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.cfg.Model),
		Messages:    msgs,
		MaxTokens:   openai.Int(int64(p.cfg.MaxTokens)),
		Temperature: openai.Float(p.cfg.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyAnswer
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmptyAnswer
	}
	return out, nil
}
