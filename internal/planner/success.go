// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package planner

import (
	"regexp"
	"strings"
)

var (
	thinkPattern = regexp.MustCompile(`(?is)<think>.*?</think>`)
	yesNoPattern = regexp.MustCompile(`\b(yes|no)\b`)
)

// ParseSuccessFlag reads the model's verdict: the last standalone "yes" or
// "no" outside <think> blocks. found is false when there is none.
func ParseSuccessFlag(reply string) (success, found bool) {
	cleaned := strings.ToLower(thinkPattern.ReplaceAllString(reply, ""))
	matches := yesNoPattern.FindAllString(cleaned, -1)
	if len(matches) == 0 {
		return false, false
	}
	return matches[len(matches)-1] == "yes", true
}
