package extract

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kanilabs/kani-core/internal/config"
	"github.com/kanilabs/kani-core/internal/sessions"
	"github.com/sashabaranov/go-openai"
)

// OpenAI calls an OpenAI-compatible chat completions API.
type OpenAI struct {
	client *openai.Client
	cfg    config.ExtractionConfig
	ready  bool
}

func NewOpenAI(cfg config.ExtractionConfig, logger *slog.Logger) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: requestTimeout(cfg)}
	if cfg.APIKey == "" {
		logger.Warn("extraction api key not set; sessions will complete without notes until it is configured")
	}
	return &OpenAI{client: openai.NewClientWithConfig(oc), cfg: cfg, ready: cfg.APIKey != ""}
}

func (o *OpenAI) Extract(ctx context.Context, transcript string) (string, error) {
	if !o.ready {
		return "", fmt.Errorf("%w: extraction api key is empty", sessions.ErrPortNotConfigured)
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(transcript, o.cfg.ResponseLanguage)},
		},
		Temperature: float32(o.cfg.Temperature),
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err != nil {
		return "", failed(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", sessions.ErrExtractionFailed)
	}
	return resp.Choices[0].Message.Content, nil
}
