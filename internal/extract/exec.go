package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/kanilabs/kani-core/internal/config"
	"github.com/mattn/go-shellwords"
)

// Exec pipes the prompt as JSON into a local command and reads {"content": ...} back.
type Exec struct {
	cmd []string
	cfg config.ExtractionConfig
}

type execResponse struct {
	Content string `json:"content"`
}

func NewExec(cfg config.ExtractionConfig) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse extraction command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("extraction command is empty")
	}
	return &Exec{cmd: args, cfg: cfg}, nil
}

func (e *Exec) Extract(ctx context.Context, transcript string) (string, error) {
	if timeout := requestTimeout(e.cfg); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	input, err := json.Marshal(map[string]any{
		"prompt":      BuildPrompt(transcript, e.cfg.ResponseLanguage),
		"transcript":  transcript,
		"model":       e.cfg.Model,
		"max_tokens":  e.cfg.MaxTokens,
		"temperature": e.cfg.Temperature,
	})
	if err != nil {
		return "", failed(err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", failed(fmt.Errorf("extraction command failed: %w", err))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", failed(fmt.Errorf("decode extraction response: %w", err))
	}
	return resp.Content, nil
}
