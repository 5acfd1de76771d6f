// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package terminal

import (
	"regexp"
	"strings"
)

var (
	reducerANSIPattern = regexp.MustCompile(`\x1b\[[0-9;]*[mGKH]`)

	dirbSummaryPattern = regexp.MustCompile(`(?m)^.*?(URL_BASE:.*|WORDLIST_FILES:.*|GENERATED WORDS:.*|---- Scanning URL:.*)\n`)
	dirbURLPattern     = regexp.MustCompile(`http\S+ \(CODE:[0-9]+\|SIZE:[0-9]+\)`)
	dirbStatsPattern   = regexp.MustCompile(`DOWNLOADED: \d+ - FOUND: \d+`)

	msfNoise = []string{"loading", "warning:", "starting", "====="}
)

// Reduce shrinks the output of known noisy tools. Other output is returned
// unchanged.
func Reduce(cmd, output string) string {
	switch {
	case strings.Contains(cmd, "dirb") && !strings.Contains(cmd, "gobuster"):
		return ReduceDirb(output)
	case strings.Contains(cmd, "msfconsole"):
		return ReduceMsfconsole(output)
	default:
		return output
	}
}

// ReduceDirb keeps the scan header, the discovered URLs and the final counts.
func ReduceDirb(output string) string {
	output = reducerANSIPattern.ReplaceAllString(output, "")

	var summary []string
	for _, m := range dirbSummaryPattern.FindAllStringSubmatch(output, -1) {
		summary = append(summary, strings.TrimSpace(m[1]))
	}
	urls := dirbURLPattern.FindAllString(output, -1)
	stats := dirbStatsPattern.FindAllString(output, -1)

	return strings.Join(summary, "\n") + "\n" + strings.Join(urls, "\n") + "\n" + strings.Join(stats, "\n")
}

// ReduceMsfconsole drops banner, loading and warning lines.
func ReduceMsfconsole(output string) string {
	output = reducerANSIPattern.ReplaceAllString(output, "")

	var kept []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		lower := strings.ToLower(line)
		noisy := false
		for _, n := range msfNoise {
			if strings.Contains(lower, n) {
				noisy = true
				break
			}
		}
		if !noisy {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
