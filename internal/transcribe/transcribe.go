package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kanilabs/kani-core/internal/config"
	"github.com/kanilabs/kani-core/internal/sessions"
)

// Transcriber turns a stored audio file into plain text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// New builds the backend selected by cfg.Mode. Missing credentials are not an
// error here; the backend reports sessions.ErrPortNotConfigured when first used.
func New(cfg config.TranscriptionConfig, logger *slog.Logger) (Transcriber, error) {
	logger = logger.With(slog.String("component", "transcribe"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "", "elevenlabs":
		return NewElevenLabs(cfg, logger), nil
	case "openai":
		return NewOpenAI(cfg, logger), nil
	case "exec":
		t, err := NewExec(cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unsupported transcription mode %q", cfg.Mode)
	}
}

func failed(err error) error {
	return fmt.Errorf("%w: %w", sessions.ErrTranscriptionFailed, err)
}

func requestTimeout(cfg config.TranscriptionConfig) time.Duration {
	if cfg.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(cfg.TimeoutSeconds) * time.Second
}
