package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/kanilabs/kani-core/internal/config"
	"github.com/kanilabs/kani-core/internal/media"
	"github.com/mattn/go-shellwords"
)

// Exec runs a local speech-to-text command. The command receives the audio path
// and settings as flags and prints any supported response shape on stdout.
type Exec struct {
	cmd []string
	cfg config.TranscriptionConfig
}

func NewExec(cfg config.TranscriptionConfig) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcription command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcription command is empty")
	}
	return &Exec{cmd: args, cfg: cfg}, nil
}

func (e *Exec) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if timeout := requestTimeout(e.cfg); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", audioPath, "--content-type", media.ContentType(audioPath))
	if e.cfg.Language != "" {
		args = append(args, "--language", e.cfg.Language)
	}
	if e.cfg.Model != "" {
		args = append(args, "--model", e.cfg.Model)
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", failed(fmt.Errorf("transcription command failed: %w: %s", err, stderr.String()))
	}

	text, err := decodeResponse(stdout.Bytes())
	if err != nil {
		return "", failed(err)
	}
	return text, nil
}
