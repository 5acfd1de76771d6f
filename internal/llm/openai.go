// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultOpenAIURL is the base URL of the OpenAI API.
const DefaultOpenAIURL = "https://api.openai.com/v1"

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

// chatRequest is the body of POST /chat/completions.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

// chatResponse is the subset of the completion response we read.
type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// apiErrorResponse is the error envelope OpenAI-compatible servers return.
type apiErrorResponse struct {
	Error struct {
		Code    any    `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// OpenAIBackend talks to any OpenAI-compatible chat completions endpoint.
type OpenAIBackend struct {
	config     OpenAIConfig
	httpClient *http.Client
	retry      retrier
	logger     *slog.Logger
}

// NewOpenAIBackend creates a backend, filling zero config values with defaults.
func NewOpenAIBackend(config OpenAIConfig, logger *slog.Logger) *OpenAIBackend {
	if config.BaseURL == "" {
		config.BaseURL = DefaultOpenAIURL
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	config.APIKey = strings.TrimSpace(config.APIKey)
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.Timeout == 0 {
		config.Timeout = 600 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAIBackend{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		retry:  newRetrier(config.MaxRetries),
		logger: logger.With("backend", "openai"),
	}
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string { return "openai" }

// Model implements Backend.
func (b *OpenAIBackend) Model() string { return b.config.Model }

// KeyFingerprint returns a short hash of the API key for logs.
// SECURITY: Never log key fragments.
func (b *OpenAIBackend) KeyFingerprint() string {
	if b.config.APIKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(b.config.APIKey))
	return hex.EncodeToString(h[:4])
}

// Chat implements Backend. Rate limits and 5xx answers are retried with
// exponential backoff.
func (b *OpenAIBackend) Chat(ctx context.Context, messages []Message) (string, error) {
	if b.config.APIKey == "" {
		return "", &TransportError{Backend: b.Name(), Message: "API key not set", Cause: ErrNotConfigured}
	}

	body, err := json.Marshal(chatRequest{
		Model:       b.config.Model,
		Messages:    messages,
		Temperature: b.config.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	return b.retry.do(ctx, func() (string, error) {
		return b.doRequest(ctx, body)
	})
}

// doRequest performs a single POST to the chat completions endpoint.
func (b *OpenAIBackend) doRequest(ctx context.Context, body []byte) (string, error) {
	url := b.config.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "redloop")

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	// SECURITY: Clear Authorization header so it cannot leak into logs.
	req.Header.Del("Authorization")
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransportError{Backend: b.Name(), Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	b.logger.Debug("api response", "status", resp.StatusCode, "duration", time.Since(start))

	data, err := readResponse(resp)
	if err != nil {
		return "", &TransportError{Backend: b.Name(), Status: resp.StatusCode, Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", b.handleErrorResponse(resp.StatusCode, data)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &TransportError{Backend: b.Name(), Status: resp.StatusCode, Message: "failed to parse response", Cause: err}
	}
	if len(parsed.Choices) == 0 {
		return "", &TransportError{Backend: b.Name(), Status: resp.StatusCode, Message: "response has no choices"}
	}
	return parsed.Choices[0].Message.Content, nil
}

// handleErrorResponse converts an HTTP error answer into a TransportError.
func (b *OpenAIBackend) handleErrorResponse(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
		if code, ok := apiErr.Error.Code.(string); ok && code != "" {
			msg = code + ": " + msg
		}
	}

	te := &TransportError{Backend: b.Name(), Status: status, Message: msg}
	if status == http.StatusTooManyRequests {
		te.Cause = ErrRateLimited
	}
	return te
}
