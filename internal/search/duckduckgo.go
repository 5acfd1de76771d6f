// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// PERFORMANCE: Pre-compiled regex (compiled once at startup)
// =============================================================================

var (
	ddgTitleRegex   = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.+?)</a>`)
	ddgSnippetRegex = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.+?)</a>`)

	ddgTagRegex        = regexp.MustCompile(`<[^>]*>`)
	ddgWhitespaceRegex = regexp.MustCompile(`\s+`)
)

// DefaultDuckDuckGoURL is the keyless HTML endpoint.
const DefaultDuckDuckGoURL = "https://html.duckduckgo.com/html/"

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// =============================================================================
// DUCKDUCKGO PROVIDER
// =============================================================================

// DuckDuckGoConfig configures the DuckDuckGo provider.
type DuckDuckGoConfig struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// DuckDuckGo searches by scraping DuckDuckGo's HTML results page.
type DuckDuckGo struct {
	config     DuckDuckGoConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDuckDuckGo creates a DuckDuckGo provider. Zero config values take
// defaults.
func NewDuckDuckGo(config DuckDuckGoConfig) *DuckDuckGo {
	if config.BaseURL == "" {
		config.BaseURL = DefaultDuckDuckGoURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	return &DuckDuckGo{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		logger: slog.Default().With("component", "search", "provider", "duckduckgo"),
	}
}

// Search implements Searcher.
func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", errors.New("empty search query")
	}

	results, err := d.fetch(ctx, query)
	if err != nil {
		return "", err
	}
	if n := clampResults(maxResults); len(results) > n {
		results = results[:n]
	}
	d.logger.Info("search complete", "query", query, "results", len(results))
	return Format(query, "", results), nil
}

func (d *DuckDuckGo) fetch(ctx context.Context, query string) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.config.BaseURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	// Go's transport negotiates gzip itself; setting Accept-Encoding breaks that.
	req.Header.Set("User-Agent", d.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read duckduckgo response: %w", err)
	}
	return parseDuckDuckGoHTML(string(body)), nil
}

// parseDuckDuckGoHTML pulls titles, target URLs and snippets out of the
// results page. Layout:
//
//	<a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=URL">Title</a>
//	<a class="result__snippet" href="...">Snippet text</a>
func parseDuckDuckGoHTML(page string) []Result {
	titles := ddgTitleRegex.FindAllStringSubmatch(page, 30)
	snippets := ddgSnippetRegex.FindAllStringSubmatch(page, 30)

	var results []Result
	for i, m := range titles {
		target := unwrapRedirect(strings.ReplaceAll(m[1], "&amp;", "&"))
		title := cleanHTML(m[2])
		if target == "" || title == "" {
			continue
		}

		var snippet string
		if i < len(snippets) {
			snippet = cleanHTML(snippets[i][1])
		}
		results = append(results, Result{Title: title, URL: target, Content: snippet})
		if len(results) >= 20 {
			break
		}
	}
	return results
}

// unwrapRedirect extracts the real URL from //duckduckgo.com/l/?uddg=...
func unwrapRedirect(raw string) string {
	if strings.Contains(raw, "uddg=") {
		if strings.HasPrefix(raw, "//") {
			raw = "https:" + raw
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		if target := parsed.Query().Get("uddg"); target != "" {
			return target
		}
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return ""
}

func cleanHTML(s string) string {
	s = ddgTagRegex.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return strings.TrimSpace(ddgWhitespaceRegex.ReplaceAllString(s, " "))
}
