// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/redloop/internal/config"
)

func TestFormat(t *testing.T) {
	long := strings.Repeat("a", 301)
	out := Format("vsftpd 2.3.4", "It has a backdoor.", []Result{
		{Title: "One", URL: "https://one", Content: long},
		{Title: "Two", URL: "https://two"},
		{Title: "Three", URL: "https://three", Content: "c"},
		{Title: "Four", URL: "https://four", Content: "d"},
	})

	assert.True(t, strings.HasPrefix(out, "**Summary:** It has a backdoor.\n\n**Search Results for 'vsftpd 2.3.4':**\n"))
	assert.Contains(t, out, "1. **One**\n   URL: https://one\n   Content: "+strings.Repeat("a", 300)+"...\n")
	assert.Contains(t, out, "2. **Two**\n   URL: https://two\n\n3.")
	assert.NotContains(t, out, "Four")
}

func TestFormat_NoResults(t *testing.T) {
	assert.Equal(t, "No search results found for: nothing", Format("nothing", "answer", nil))
}

func TestTavily_Search(t *testing.T) {
	var got tavilyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"answer":"Use the smiley backdoor.","results":[{"title":"vsftpd","url":"https://x","content":"CVE-2011-2523"}]}`)
	}))
	defer srv.Close()

	tv := NewTavily(TavilyConfig{APIKey: "tvly-test", BaseURL: srv.URL, ExcludeDomains: []string{"example.com"}})
	out, err := tv.Search(context.Background(), "vsftpd exploit", 0)
	require.NoError(t, err)

	assert.Equal(t, "tvly-test", got.APIKey)
	assert.Equal(t, "basic", got.SearchDepth)
	assert.Equal(t, DefaultMaxResults, got.MaxResults)
	assert.True(t, got.IncludeAnswer)
	assert.Equal(t, []string{"example.com"}, got.ExcludeDomains)
	assert.Contains(t, out, "**Summary:** Use the smiley backdoor.")
	assert.Contains(t, out, "1. **vsftpd**")
}

func TestTavily_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewTavily(TavilyConfig{APIKey: "bad", BaseURL: srv.URL}).Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestTavily_NoKey(t *testing.T) {
	_, err := NewTavily(TavilyConfig{}).Search(context.Background(), "q", 3)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

const ddgPage = `<div class="result">
<h2 class="result__title"><a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fwww.exploit-db.com%2Fexploits%2F17491&amp;rut=abc">vsftpd 2.3.4 - <b>Backdoor</b></a></h2>
<a class="result__snippet" href="x">Backdoor   command &amp; execution</a>
</div>
<div class="result">
<h2 class="result__title"><a rel="nofollow" class="result__a" href="https://nvd.nist.gov/vuln/detail/CVE-2011-2523">CVE-2011-2523</a></h2>
<a class="result__snippet" href="y">NVD entry</a>
</div>`

func TestDuckDuckGo_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "vsftpd backdoor", r.URL.Query().Get("q"))
		io.WriteString(w, ddgPage)
	}))
	defer srv.Close()

	d := NewDuckDuckGo(DuckDuckGoConfig{BaseURL: srv.URL + "/"})
	out, err := d.Search(context.Background(), "vsftpd backdoor", 1)
	require.NoError(t, err)

	assert.Contains(t, out, "1. **vsftpd 2.3.4 - Backdoor**")
	assert.Contains(t, out, "URL: https://www.exploit-db.com/exploits/17491")
	assert.Contains(t, out, "Content: Backdoor command & execution")
	assert.NotContains(t, out, "NVD entry")
}

func TestDuckDuckGo_EmptyQuery(t *testing.T) {
	_, err := NewDuckDuckGo(DuckDuckGoConfig{}).Search(context.Background(), "  ", 3)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	cfg := config.Default()
	cfg.Search.TavilyAPIKey = ""
	s, err := New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &DuckDuckGo{}, s)

	cfg.Search.TavilyAPIKey = "tvly-x"
	s, err = New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &Tavily{}, s)

	cfg.Search.Provider = "bing"
	_, err = New(cfg)
	assert.Error(t, err)
}
