// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"regexp"
	"strings"

	"github.com/jeranaias/redloop/internal/plan"
)

var (
	thinkPattern   = regexp.MustCompile(`(?is)<think>.*?</think>`)
	executePattern = regexp.MustCompile(`(?s)<execute>\s*(.*?)\s*</execute>`)
	searchPattern  = regexp.MustCompile(`(?s)<search>\s*(.*?)\s*</search>`)
)

// commandDelimiters mark a search query as shell syntax.
var commandDelimiters = []string{";", "&&", "|", "`", "$(", ">>", "<<"}

// commandKeywords are tool names that, as a first word, mark a query as a
// command.
var commandKeywords = map[string]bool{
	"nmap": true, "curl": true, "wget": true, "ssh": true, "sudo": true,
	"ls": true, "cat": true, "chmod": true, "chown": true, "rm": true,
	"python": true, "perl": true, "bash": true, "sh": true, "ftp": true,
	"smbclient": true, "gcc": true, "apt": true, "pip": true, "dirb": true,
	"gobuster": true, "nikto": true, "sqlmap": true, "hydra": true,
	"nc": true, "netcat": true, "telnet": true,
}

// StripThink removes <think> blocks.
func StripThink(s string) string {
	return thinkPattern.ReplaceAllString(s, "")
}

// ParseDirectives extracts the actionable directives for action from raw.
func ParseDirectives(action plan.Action, raw string) []string {
	cleaned := StripThink(raw)

	pattern := executePattern
	if action == plan.ActionSearch {
		pattern = searchPattern
	}
	matches := pattern.FindAllStringSubmatch(cleaned, -1)
	if len(matches) == 0 && action == plan.ActionSearch {
		matches = executePattern.FindAllStringSubmatch(cleaned, -1)
	}

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// IsCommandLike reports whether a search query looks like a shell command.
func IsCommandLike(query string) bool {
	lowered := strings.ToLower(strings.TrimSpace(query))
	if lowered == "" {
		return false
	}
	for _, d := range commandDelimiters {
		if strings.Contains(lowered, d) {
			return true
		}
	}
	return commandKeywords[strings.Fields(lowered)[0]]
}
