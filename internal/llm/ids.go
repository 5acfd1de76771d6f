// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxConversationIDLen bounds derived conversation handles.
const MaxConversationIDLen = 32

// NewConversationID returns a fresh 32-character hex handle.
func NewConversationID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// DeriveTaskConversationID returns the handle for task seq under base. Long
// bases are replaced by a prefix of their MD5 so the result stays within
// MaxConversationIDLen.
func DeriveTaskConversationID(base string, seq int) string {
	return withSuffix(base, fmt.Sprintf("t%d", seq))
}

// ResetConversationID names the conversation that replaces old after a
// context reset.
func ResetConversationID(old string, now time.Time) string {
	return withSuffix(old, fmt.Sprintf("reset_%d", now.Unix()))
}

// PlanConversationID names the plan conversation paired with a task
// conversation.
func PlanConversationID(taskConversationID string) string {
	return withSuffix(taskConversationID, "plan")
}

// withSuffix appends "_"+suffix to base, hashing base first when the result
// would exceed MaxConversationIDLen.
func withSuffix(base, suffix string) string {
	if len(base)+len(suffix)+1 <= MaxConversationIDLen {
		return base + "_" + suffix
	}
	sum := md5.Sum([]byte(base))
	prefix := hex.EncodeToString(sum[:])[:hashPrefixLen]
	if room := MaxConversationIDLen - len(suffix) - 1; room < len(prefix) {
		prefix = prefix[:max(room, 1)]
	}
	return prefix + "_" + suffix
}

// hashPrefixLen is how much of the MD5 hex a shortened handle keeps.
const hashPrefixLen = 20
