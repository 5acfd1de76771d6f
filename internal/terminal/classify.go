// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package terminal

import (
	"regexp"
	"strings"
	"time"
)

// Verdict is the classifier outcome for one poll.
type Verdict int

const (
	// Continue keeps polling.
	Continue Verdict = iota

	// Done means the command finished or the prompt budget ran out.
	Done

	// TimeoutAbort means the command must be interrupted.
	TimeoutAbort
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Done:
		return "done"
	case TimeoutAbort:
		return "timeout"
	default:
		return "unknown"
	}
}

// MaxPromptRetries is how many secondary-prompt sightings end collection.
const MaxPromptRetries = 3

// PromptMarker is the PS1 installed by Setup.
const PromptMarker = "[bash]$"

// sshdConfigPrompt is the dpkg question that never ends in a prompt character.
const sshdConfigPrompt = "What do you want to do about modified configuration file sshd_config?"

var (
	rootPromptPattern    = regexp.MustCompile(`root@\w+:.*[#$]\s*$`)
	genericPromptPattern = regexp.MustCompile(`[#$%>]\s*$`)

	confirmationPatterns = []string{"[y/n]", "[y/n/q]", "yes/no/[fingerprint]", "(yes/no)"}
)

// Observation is what the classifier sees on one poll.
type Observation struct {
	// LastLine is the last non-blank line of the cleaned output, trimmed.
	LastLine string
	// Buffer is the raw accumulated output.
	Buffer  string
	Retries int
	Elapsed time.Duration
	Timeout time.Duration
}

// Classify decides whether output collection is finished. It returns the
// verdict and the updated retry count.
//
// Rules apply in order: known prompts end collection; secondary prompts
// (sudo, pagers, questions, continuation markers, confirmations) count as a
// retry; MaxPromptRetries retries end collection; past the timeout the
// command is aborted.
func Classify(obs Observation) (Verdict, int) {
	retries := obs.Retries
	line := obs.LastLine

	if line != "" {
		switch {
		case strings.Contains(line, PromptMarker):
			return Done, retries
		case rootPromptPattern.MatchString(line):
			return Done, retries
		case genericPromptPattern.MatchString(line) && len(line) > 1:
			return Done, retries
		}

		last := line[len(line)-1]
		lower := strings.ToLower(line)

		switch {
		case strings.Contains(line, "sudo"):
			retries++
		case (strings.Contains(line, "@") || strings.Contains(line, "bash")) && (last == '$' || last == '#'):
			return Done, retries
		case last == '?' || last == '$' || last == '#' || strings.Contains(lower, "--more--"):
			retries++
		case last == ':' && !strings.Contains(line, "::") && !strings.Contains(line, "-->"):
			retries++
		case last == '>' && !strings.Contains(line, "<") && !strings.Contains(line, "-->"):
			retries++
		case IsConfirmationPrompt(line):
			retries++
		case strings.Contains(obs.Buffer, sshdConfigPrompt):
			return Done, retries
		}

		if retries >= MaxPromptRetries {
			return Done, retries
		}
	}

	if obs.Elapsed > obs.Timeout {
		return TimeoutAbort, retries
	}
	return Continue, retries
}

// IsConfirmationPrompt reports whether line asks a yes/no question.
func IsConfirmationPrompt(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range confirmationPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
