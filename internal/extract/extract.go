package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kanilabs/kani-core/internal/config"
	"github.com/kanilabs/kani-core/internal/sessions"
)

// Extractor condenses a session transcript into clinician-facing notes.
type Extractor interface {
	Extract(ctx context.Context, transcript string) (string, error)
}

// New builds the backend selected by cfg.Mode and guards it with the shared
// empty-input check.
func New(cfg config.ExtractionConfig, logger *slog.Logger) (Extractor, error) {
	logger = logger.With(slog.String("component", "extract"), slog.String("mode", cfg.Mode))
	var backend Extractor
	switch cfg.Mode {
	case "", "openai":
		backend = NewOpenAI(cfg, logger)
	case "ollama":
		backend = NewOllama(cfg)
	case "exec":
		e, err := NewExec(cfg)
		if err != nil {
			return nil, err
		}
		backend = e
	case "mock":
		backend = NewMock()
	default:
		return nil, fmt.Errorf("unsupported extraction mode %q", cfg.Mode)
	}
	return guarded{next: backend}, nil
}

type guarded struct {
	next Extractor
}

func (g guarded) Extract(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", sessions.ErrEmptyInput
	}
	notes, err := g.next.Extract(ctx, transcript)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(notes) == "" {
		return "", fmt.Errorf("%w: empty completion", sessions.ErrExtractionFailed)
	}
	return notes, nil
}

func failed(err error) error {
	return fmt.Errorf("%w: %w", sessions.ErrExtractionFailed, err)
}

func requestTimeout(cfg config.ExtractionConfig) time.Duration {
	if cfg.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(cfg.TimeoutSeconds) * time.Second
}
