// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaURL is the local Ollama endpoint.
// Uses an explicit IPv4 address to avoid localhost resolving to ::1.
const DefaultOllamaURL = "http://127.0.0.1:11434"

// OllamaConfig configures an Ollama backend.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaChatRequest struct {
	Model     string        `json:"model"`
	Messages  []Message     `json:"messages"`
	Stream    bool          `json:"stream"`
	Options   ollamaOptions `json:"options"`
	KeepAlive int           `json:"keep_alive"`
}

type ollamaChatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

type ollamaError struct {
	Error string `json:"error"`
}

// OllamaBackend talks to a local Ollama server via /api/chat.
type OllamaBackend struct {
	config     OllamaConfig
	httpClient *http.Client
	retry      retrier
	logger     *slog.Logger
}

// NewOllamaBackend creates a backend, filling zero config values with defaults.
func NewOllamaBackend(config OllamaConfig, logger *slog.Logger) *OllamaBackend {
	if config.BaseURL == "" {
		config.BaseURL = DefaultOllamaURL
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = "qwen2.5:14b"
	}
	if config.Timeout == 0 {
		config.Timeout = 600 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaBackend{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		retry:      newRetrier(config.MaxRetries),
		logger:     logger.With("backend", "ollama"),
	}
}

// Name implements Backend.
func (b *OllamaBackend) Name() string { return "ollama" }

// Model implements Backend.
func (b *OllamaBackend) Model() string { return b.config.Model }

// Chat implements Backend. The model is kept loaded between calls.
func (b *OllamaBackend) Chat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:     b.config.Model,
		Messages:  messages,
		Stream:    false,
		Options:   ollamaOptions{Temperature: b.config.Temperature},
		KeepAlive: -1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	return b.retry.do(ctx, func() (string, error) {
		return b.doRequest(ctx, body)
	})
}

func (b *OllamaBackend) doRequest(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransportError{Backend: b.Name(), Message: "Ollama is not reachable", Cause: err}
	}
	defer resp.Body.Close()

	data, err := readResponse(resp)
	if err != nil {
		return "", &TransportError{Backend: b.Name(), Status: resp.StatusCode, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		msg := "chat request failed: " + resp.Status
		var oe ollamaError
		if json.Unmarshal(data, &oe) == nil && oe.Error != "" {
			msg = oe.Error
		}
		te := &TransportError{Backend: b.Name(), Status: resp.StatusCode, Message: msg}
		if resp.StatusCode == http.StatusTooManyRequests {
			te.Cause = ErrRateLimited
		}
		return "", te
	}

	var result ollamaChatResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", &TransportError{Backend: b.Name(), Status: resp.StatusCode, Message: "failed to decode response", Cause: err}
	}
	return result.Message.Content, nil
}
