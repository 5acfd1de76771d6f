// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package terminal

import "strings"

// RefusalMessage is returned instead of running a forbidden command.
const RefusalMessage = "Command not allowed: network tunneling tools are restricted"

// forbiddenCommands are refused wherever they appear as a word of the command.
var forbiddenCommands = map[string]bool{
	"apt":     true,
	"apt-get": true,
}

// CheckForbidden returns RefusalMessage and true if any whitespace-separated
// token of cmd is a forbidden command.
func CheckForbidden(cmd string) (string, bool) {
	for _, tok := range strings.Fields(cmd) {
		if forbiddenCommands[tok] {
			return RefusalMessage, true
		}
	}
	return "", false
}
