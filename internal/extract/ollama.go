package extract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kanilabs/kani-core/internal/config"
)

const (
	defaultOllamaEndpoint = "http://localhost:11434"
	defaultOllamaModel    = "llama3.2:latest"
)

// Ollama streams a completion from a local Ollama server's /api/generate.
type Ollama struct {
	endpoint string
	cfg      config.ExtractionConfig
	client   *http.Client
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// NewOllama falls back to a local server and model while cfg still carries the
// openai defaults.
func NewOllama(cfg config.ExtractionConfig) *Ollama {
	if cfg.BaseURL == "" || cfg.BaseURL == config.DefaultExtractionBaseURL {
		cfg.BaseURL = defaultOllamaEndpoint
	}
	if cfg.Model == "" || cfg.Model == config.DefaultExtractionModel {
		cfg.Model = defaultOllamaModel
	}
	return &Ollama{
		endpoint: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:      cfg,
		client:   &http.Client{Timeout: requestTimeout(cfg)},
	}
}

func (g *Ollama) Extract(ctx context.Context, transcript string) (string, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:  g.cfg.Model,
		Prompt: BuildPrompt(transcript, g.cfg.ResponseLanguage),
		Stream: true,
		Options: ollamaOptions{
			Temperature: g.cfg.Temperature,
			NumPredict:  g.cfg.MaxTokens,
		},
	})
	if err != nil {
		return "", failed(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", failed(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", failed(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", failed(fmt.Errorf("ollama returned status %s", resp.Status))
	}

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", failed(err)
		}
		if chunk.Error != "" {
			return "", failed(fmt.Errorf("ollama: %s", chunk.Error))
		}
		out.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", failed(err)
	}
	return out.String(), nil
}
