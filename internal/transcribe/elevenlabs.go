package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kanilabs/kani-core/internal/config"
	"github.com/kanilabs/kani-core/internal/media"
	"github.com/kanilabs/kani-core/internal/sessions"
)

const maxResponseBytes = 16 << 20

// ElevenLabs calls the ElevenLabs speech-to-text REST endpoint.
type ElevenLabs struct {
	cfg    config.TranscriptionConfig
	client *http.Client
	log    *slog.Logger
}

func NewElevenLabs(cfg config.TranscriptionConfig, logger *slog.Logger) *ElevenLabs {
	if cfg.Endpoint == "" {
		cfg.Endpoint = config.DefaultTranscriptionEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = config.DefaultTranscriptionModel
	}
	if cfg.APIKey == "" {
		logger.Warn("transcription api key not set; sessions will fail until it is configured")
	}
	return &ElevenLabs{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout(cfg)},
		log:    logger,
	}
}

func (e *ElevenLabs) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if e.cfg.APIKey == "" {
		return "", fmt.Errorf("%w: elevenlabs api key is empty", sessions.ErrPortNotConfigured)
	}
	file, err := os.Open(audioPath)
	if err != nil {
		return "", failed(fmt.Errorf("open audio: %w", err))
	}
	defer file.Close()

	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		writer.CloseWithError(e.writeForm(form, file, audioPath))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, body)
	if err != nil {
		body.Close()
		return "", failed(err)
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		body.Close()
		return "", failed(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", failed(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		return "", failed(fmt.Errorf("elevenlabs returned status %s: %s", resp.Status, truncate(data, 512)))
	}
	text, err := decodeResponse(data)
	if err != nil {
		return "", failed(err)
	}
	e.log.Debug("transcription received", slog.Int("chars", len(text)))
	return text, nil
}

func (e *ElevenLabs) writeForm(form *multipart.Writer, file io.Reader, audioPath string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(audioPath)))
	header.Set("Content-Type", media.ContentType(audioPath))
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy audio: %w", err)
	}

	fields := [][2]string{
		{"model_id", e.cfg.Model},
		{"language_code", e.cfg.Language},
		{"tag_audio_events", strconv.FormatBool(e.cfg.TagAudioEvents)},
		{"diarize", strconv.FormatBool(e.cfg.Diarize)},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := form.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	return form.Close()
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
