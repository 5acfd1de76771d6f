// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package terminal

import "regexp"

// InjectionWarning replaces every concealed payload.
const InjectionWarning = "**CAUTION: DANGEROUS ACTION**: PAYLOAD INJECTED. DON'T TRUST THIS SERVICE."

var (
	// SECURITY: SGR 8 (conceal) hides text from a human watching the
	// terminal while the model still reads it.
	concealPattern = regexp.MustCompile(`(?s)\x1b\[8m.*?\x1b\[0m`)

	controlPattern = regexp.MustCompile(`\x1b\[[0-9;]*[mGKHJF]|\x00|\r`)
)

// Sanitize replaces every ESC[8m ... ESC[0m span with InjectionWarning and
// returns the result with the number of spans replaced.
func Sanitize(s string) (string, int) {
	n := len(concealPattern.FindAllStringIndex(s, -1))
	if n == 0 {
		return s, 0
	}
	return concealPattern.ReplaceAllLiteralString(s, InjectionWarning), n
}

// StripControl removes colour and cursor sequences, NUL and CR.
func StripControl(s string) string {
	return controlPattern.ReplaceAllString(s, "")
}
