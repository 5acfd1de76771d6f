// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jeranaias/redloop/internal/config"
	"github.com/jeranaias/redloop/internal/util"
)

// ErrNotConfigured is returned when a provider lacks required settings.
var ErrNotConfigured = errors.New("search provider not configured")

const (
	// DefaultMaxResults is used when a caller passes zero.
	DefaultMaxResults = 3

	// maxResultsCap bounds any single request.
	maxResultsCap = 10

	// contentPreview is how much of each result body is shown.
	contentPreview = 300

	// shownResults is how many results Format renders.
	shownResults = 3

	// DefaultTimeout bounds one search request.
	DefaultTimeout = 30 * time.Second
)

// Searcher runs a web search and returns a text summary.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) (string, error)
}

// Result is a single search hit.
type Result struct {
	Title   string
	URL     string
	Content string
}

// Format renders results for the planner:
//
//	**Summary:** answer          (only when answer is non-empty)
//	**Search Results for 'q':**
//	1. **title**
//	   URL: url
//	   Content: first 300 chars...
func Format(query, answer string, results []Result) string {
	if len(results) == 0 {
		return "No search results found for: " + query
	}

	var parts []string
	if answer != "" {
		parts = append(parts, fmt.Sprintf("**Summary:** %s\n", answer))
	}
	parts = append(parts, fmt.Sprintf("**Search Results for '%s':**\n", query))

	for i, r := range results {
		if i == shownResults {
			break
		}
		parts = append(parts, fmt.Sprintf("%d. **%s**", i+1, r.Title))
		parts = append(parts, "   URL: "+r.URL)
		if r.Content != "" {
			content := r.Content
			if util.RuneLen(content) > contentPreview {
				content = util.Head(content, contentPreview) + "..."
			}
			parts = append(parts, "   Content: "+content)
		}
		parts = append(parts, "")
	}
	return strings.Join(parts, "\n")
}

func clampResults(n int) int {
	if n <= 0 {
		return DefaultMaxResults
	}
	return min(n, maxResultsCap)
}

// New builds the configured provider. Tavily without an API key falls back to
// DuckDuckGo with a warning.
func New(cfg *config.Config) (Searcher, error) {
	sc := cfg.Search
	timeout := time.Duration(sc.TimeoutSecs) * time.Second
	logger := slog.Default().With("component", "search")

	switch strings.ToLower(sc.Provider) {
	case "", "tavily":
		if sc.TavilyAPIKey == "" {
			logger.Warn("no Tavily API key, using DuckDuckGo")
			return NewDuckDuckGo(DuckDuckGoConfig{Timeout: timeout}), nil
		}
		return NewTavily(TavilyConfig{
			APIKey:         sc.TavilyAPIKey,
			BaseURL:        sc.TavilyBaseURL,
			SearchDepth:    sc.SearchDepth,
			IncludeDomains: sc.IncludeDomains,
			ExcludeDomains: sc.ExcludeDomains,
			Timeout:        timeout,
		}), nil
	case "duckduckgo", "ddg":
		return NewDuckDuckGo(DuckDuckGoConfig{Timeout: timeout}), nil
	default:
		return nil, fmt.Errorf("unknown search provider %q", sc.Provider)
	}
}
