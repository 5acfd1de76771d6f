// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package budget

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jeranaias/redloop/internal/llm"
	"github.com/jeranaias/redloop/internal/util"
)

const (
	// DefaultCharsPerToken approximates token length for most models.
	DefaultCharsPerToken = 4

	// DefaultMaxTokensSafe is the largest estimate that is sent unsummarized.
	DefaultMaxTokensSafe = 4000

	// promptContentRunes is how much raw output the summarization prompt carries.
	promptContentRunes = 2000

	// fallbackEdgeRunes is the size of the head and tail kept by the fallback.
	fallbackEdgeRunes = 300

	// DefaultFocus is used when no current task is known.
	DefaultFocus = "Continue with next planned task"
)

// Config holds budget settings.
type Config struct {
	CharsPerToken int
	MaxTokensSafe int
}

// DefaultConfig returns the default budget.
func DefaultConfig() Config {
	return Config{CharsPerToken: DefaultCharsPerToken, MaxTokensSafe: DefaultMaxTokensSafe}
}

// Manager estimates, summarizes and rebuilds context.
type Manager struct {
	config Config
	sender llm.Sender
	logger *slog.Logger
}

// New creates a Manager. sender may be nil, in which case Summarize always
// uses the deterministic fallback.
func New(config Config, sender llm.Sender) *Manager {
	if config.CharsPerToken <= 0 {
		config.CharsPerToken = DefaultCharsPerToken
	}
	if config.MaxTokensSafe <= 0 {
		config.MaxTokensSafe = DefaultMaxTokensSafe
	}
	return &Manager{
		config: config,
		sender: sender,
		logger: slog.Default().With("component", "budget"),
	}
}

// Estimate returns the approximate token count of text.
func (m *Manager) Estimate(text string) int {
	return util.RuneLen(text) / m.config.CharsPerToken
}

// NeedsSummarization reports whether text is over the safe budget.
func (m *Manager) NeedsSummarization(text string) bool {
	return m.Estimate(text) > m.config.MaxTokensSafe
}

// =============================================================================
// HIGHLIGHTS
// =============================================================================

// Highlights are security-relevant fragments pulled out of tool output.
type Highlights struct {
	Vulnerabilities []string
	OpenPorts       []string
	Services        []string
	Errors          []string
}

var (
	vulnPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)vulnerability|exploit|CVE-\d{4}-\d+|SQL injection|XSS|CSRF`),
		regexp.MustCompile(`(?i)potential.*vulnerability|security.*issue|weak.*password`),
	}
	portPattern    = regexp.MustCompile(`(?i)(\d+/tcp|port \d+).*open`)
	servicePattern = regexp.MustCompile(`(?i)(http|https|ssh|ftp|mysql|apache|nginx|php).*version.*[\d.]+`)
	errorPattern   = regexp.MustCompile(`(?i)error:.*|failed.*|timeout.*|connection.*refused`)
)

// ExtractHighlights scans text for vulnerabilities, open ports, service
// versions and errors. Each category is capped.
func ExtractHighlights(text string) Highlights {
	var h Highlights
	for _, p := range vulnPatterns {
		h.Vulnerabilities = append(h.Vulnerabilities, p.FindAllString(text, 5)...)
	}
	h.OpenPorts = firstGroups(portPattern, text, 10)
	h.Services = firstGroups(servicePattern, text, 10)
	h.Errors = errorPattern.FindAllString(text, 5)
	return h
}

func firstGroups(re *regexp.Regexp, text string, n int) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, n) {
		out = append(out, m[1])
	}
	return out
}

// joinOr joins the first n items or returns none when there are no items.
func joinOr(items []string, n int, none string) string {
	if len(items) == 0 {
		return none
	}
	if len(items) > n {
		items = items[:n]
	}
	return strings.Join(items, ", ")
}

// =============================================================================
// SUMMARIZATION
// =============================================================================

// Summarize returns text unchanged when it is within budget. Otherwise it
// asks the model for a summary on the "{conversationID}_summarize"
// conversation and falls back to Fallback on any failure.
func (m *Manager) Summarize(ctx context.Context, text, conversationID, focus string) string {
	if !m.NeedsSummarization(text) {
		return text
	}

	h := ExtractHighlights(text)
	if m.sender == nil {
		return Fallback(text, h)
	}

	reply, _ := m.sender.Send(ctx, summarizePrompt(text, focus, h), conversationID+"_summarize", llm.WithKBQuery(focus))
	if strings.TrimSpace(reply) == "" || llm.IsErrorResponse(reply) {
		m.logger.Warn("summarization unavailable, using fallback", "conversation", conversationID)
		return Fallback(text, h)
	}
	return reply
}

func summarizePrompt(text, focus string, h Highlights) string {
	content := util.Head(text, promptContentRunes)
	if util.RuneLen(text) > promptContentRunes {
		content += "..."
	}
	return fmt.Sprintf(`
Summarize the security testing output below. Cover:
1. Key findings such as vulnerabilities, working exploits and exposed services
2. Technical details such as ports, versions and configuration
3. What the findings mean for the engagement
4. Errors or failures that occurred

Context: %s

Highlights:
- Vulnerabilities: %s
- Open Ports: %s
- Services: %s
- Errors: %s

Output (first %d characters):
%s

Keep every security-relevant detail and stay concise.
`,
		focus,
		joinOr(h.Vulnerabilities, 3, "None detected"),
		joinOr(h.OpenPorts, 5, "None found"),
		joinOr(h.Services, 3, "None identified"),
		joinOr(h.Errors, 2, "None reported"),
		promptContentRunes,
		content)
}

// Fallback builds a summary without the model: highlight lines, then the
// head of the text and, for long text, its tail.
func Fallback(text string, h Highlights) string {
	var parts []string
	if len(h.Vulnerabilities) > 0 {
		parts = append(parts, "VULNERABILITIES: "+joinOr(h.Vulnerabilities, 3, ""))
	}
	if len(h.OpenPorts) > 0 {
		parts = append(parts, "OPEN PORTS: "+joinOr(h.OpenPorts, 5, ""))
	}
	if len(h.Services) > 0 {
		parts = append(parts, "SERVICES: "+joinOr(h.Services, 3, ""))
	}
	if len(h.Errors) > 0 {
		parts = append(parts, "ERRORS: "+joinOr(h.Errors, 2, ""))
	}
	parts = append(parts, "CONTENT PREVIEW: "+util.Head(text, fallbackEdgeRunes)+"...")
	if util.RuneLen(text) > 2*fallbackEdgeRunes {
		parts = append(parts, "CONTENT ENDING: ..."+util.Tail(text, fallbackEdgeRunes))
	}
	return strings.Join(parts, "\n")
}

// =============================================================================
// CLEAN CONTEXT
// =============================================================================

// BuildCleanContext renders the seed message for a reset conversation.
func BuildCleanContext(userRequest, systemPrompt, summary, currentTask string) string {
	if currentTask == "" {
		currentTask = DefaultFocus
	}
	return fmt.Sprintf(`# PENETRATION TESTING SESSION CONTEXT

## Original User Request:
%s

## System Instructions:
%s

## Previous Operations Summary:
%s

## Current Focus:
%s

## Instructions:
Based on the above context and summary, continue the penetration testing process. Focus on the current task while being aware of previous findings.
`, userRequest, systemPrompt, summary, currentTask)
}
