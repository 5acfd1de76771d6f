// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTavilyBaseURL is the public Tavily endpoint.
const DefaultTavilyBaseURL = "https://api.tavily.com"

// maxResponseSize bounds a search response body.
const maxResponseSize = 5 * 1024 * 1024

// TavilyConfig configures the Tavily provider.
type TavilyConfig struct {
	APIKey string
	// BaseURL is overridden in tests.
	BaseURL string
	// SearchDepth is "basic" or "advanced".
	SearchDepth    string
	IncludeDomains []string
	ExcludeDomains []string
	Timeout        time.Duration
}

// Tavily searches through the Tavily API.
type Tavily struct {
	config     TavilyConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTavily creates a Tavily provider. Zero config values take defaults.
func NewTavily(config TavilyConfig) *Tavily {
	if config.BaseURL == "" {
		config.BaseURL = DefaultTavilyBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.SearchDepth == "" {
		config.SearchDepth = "basic"
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Tavily{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger: slog.Default().With("component", "search", "provider", "tavily"),
	}
}

type tavilyRequest struct {
	APIKey         string   `json:"api_key"`
	Query          string   `json:"query"`
	SearchDepth    string   `json:"search_depth"`
	MaxResults     int      `json:"max_results"`
	IncludeAnswer  bool     `json:"include_answer"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search implements Searcher.
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) (string, error) {
	if t.config.APIKey == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(tavilyRequest{
		APIKey:         t.config.APIKey,
		Query:          query,
		SearchDepth:    t.config.SearchDepth,
		MaxResults:     clampResults(maxResults),
		IncludeAnswer:  true,
		IncludeDomains: t.config.IncludeDomains,
		ExcludeDomains: t.config.ExcludeDomains,
	})
	if err != nil {
		return "", fmt.Errorf("encode tavily request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	t.logger.Info("searching", "query", query)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tavily request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("read tavily response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tavily HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed tavilyResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode tavily response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	t.logger.Info("search complete", "query", query, "results", len(results))
	return Format(query, parsed.Answer, results), nil
}
