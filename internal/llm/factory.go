// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"fmt"
	"log/slog"

	"github.com/jeranaias/redloop/internal/config"
)

// NewBackend builds the backend named in cfg.LLM.
func NewBackend(cfg *config.Config, logger *slog.Logger) (Backend, error) {
	switch cfg.LLM.Backend {
	case "openai", "":
		return NewOpenAIBackend(OpenAIConfig{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLMTimeout(),
			MaxRetries:  cfg.LLM.MaxRetries,
		}, logger), nil
	case "ollama":
		return NewOllamaBackend(OllamaConfig{
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLMTimeout(),
			MaxRetries:  cfg.LLM.MaxRetries,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported llm backend %q", cfg.LLM.Backend)
	}
}

// ServiceConfigFrom maps the loaded configuration onto ServiceConfig.
func ServiceConfigFrom(cfg *config.Config) ServiceConfig {
	return ServiceConfig{
		HistoryLen:        cfg.LLM.HistoryLen,
		ContextLength:     cfg.LLM.ContextLength,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		TargetHost:        cfg.Agent.TargetHost,
		KBTopK:            cfg.KB.TopK,
		CharsPerToken:     cfg.Budget.CharsPerToken,
	}
}
