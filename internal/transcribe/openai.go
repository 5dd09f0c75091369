package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kanilabs/kani-core/internal/config"
	"github.com/kanilabs/kani-core/internal/sessions"
	"github.com/sashabaranov/go-openai"
)

// OpenAI transcribes through an OpenAI-compatible /audio/transcriptions endpoint.
type OpenAI struct {
	client   *openai.Client
	model    string
	language string
	ready    bool
}

func NewOpenAI(cfg config.TranscriptionConfig, logger *slog.Logger) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	// The elevenlabs endpoint and model are the package defaults; anything else is ours.
	if cfg.Endpoint != "" && cfg.Endpoint != config.DefaultTranscriptionEndpoint {
		oc.BaseURL = cfg.Endpoint
	}
	oc.HTTPClient = &http.Client{Timeout: requestTimeout(cfg)}

	model := cfg.Model
	if model == "" || model == config.DefaultTranscriptionModel {
		model = openai.Whisper1
	}
	if cfg.APIKey == "" {
		logger.Warn("transcription api key not set; sessions will fail until it is configured")
	}
	return &OpenAI{
		client:   openai.NewClientWithConfig(oc),
		model:    model,
		language: cfg.Language,
		ready:    cfg.APIKey != "",
	}
}

func (o *OpenAI) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if !o.ready {
		return "", fmt.Errorf("%w: openai api key is empty", sessions.ErrPortNotConfigured)
	}
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: audioPath,
		Language: o.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", failed(err)
	}
	return resp.Text, nil
}
