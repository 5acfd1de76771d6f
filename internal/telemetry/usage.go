// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/redloop/internal/util"
)

// =============================================================================
// USAGE TRACKER
// =============================================================================

// TokenCount tracks prompt and response tokens.
type TokenCount struct {
	Prompt   int `json:"prompt"`
	Response int `json:"response"`
}

// Total returns prompt plus response tokens.
func (t TokenCount) Total() int { return t.Prompt + t.Response }

// ConversationUsage is the usage of one conversation.
type ConversationUsage struct {
	ConversationID string     `json:"conversation_id"`
	Calls          int        `json:"calls"`
	Tokens         TokenCount `json:"tokens"`
	LastCall       time.Time  `json:"last_call"`
}

// UsageTracker accumulates estimated token usage per conversation. It is
// safe for concurrent use.
type UsageTracker struct {
	mu            sync.Mutex
	started       time.Time
	conversations map[string]*ConversationUsage

	now func() time.Time
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		started:       time.Now(),
		conversations: make(map[string]*ConversationUsage),
		now:           time.Now,
	}
}

// Record implements llm.UsageRecorder.
func (u *UsageTracker) Record(conversationID string, promptTokens, responseTokens int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	c := u.conversations[conversationID]
	if c == nil {
		c = &ConversationUsage{ConversationID: conversationID}
		u.conversations[conversationID] = c
	}
	c.Calls++
	c.Tokens.Prompt += promptTokens
	c.Tokens.Response += responseTokens
	c.LastCall = u.now()
}

// =============================================================================
// REPORTING
// =============================================================================

// topConversations is how many conversations Report lists.
const topConversations = 10

// UsageReport is a snapshot of a tracker.
type UsageReport struct {
	Started       time.Time           `json:"started"`
	Ended         time.Time           `json:"ended"`
	Calls         int                 `json:"calls"`
	Tokens        TokenCount          `json:"tokens"`
	Conversations []ConversationUsage `json:"conversations"`
}

// Snapshot returns the usage so far, conversations ordered by total tokens,
// largest first.
func (u *UsageTracker) Snapshot() UsageReport {
	u.mu.Lock()
	defer u.mu.Unlock()

	r := UsageReport{Started: u.started, Ended: u.now()}
	for _, c := range u.conversations {
		r.Calls += c.Calls
		r.Tokens.Prompt += c.Tokens.Prompt
		r.Tokens.Response += c.Tokens.Response
		r.Conversations = append(r.Conversations, *c)
	}
	sort.Slice(r.Conversations, func(i, j int) bool {
		a, b := r.Conversations[i], r.Conversations[j]
		if a.Tokens.Total() != b.Tokens.Total() {
			return a.Tokens.Total() > b.Tokens.Total()
		}
		return a.ConversationID < b.ConversationID
	})
	return r
}

// Report renders the snapshot for the terminal.
func (u *UsageTracker) Report() string {
	r := u.Snapshot()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model calls: %d  (~%d prompt / ~%d response tokens)\n",
		r.Calls, r.Tokens.Prompt, r.Tokens.Response)
	for i, c := range r.Conversations {
		if i == topConversations {
			fmt.Fprintf(&sb, "  ... %d more conversations\n", len(r.Conversations)-topConversations)
			break
		}
		fmt.Fprintf(&sb, "  %s  %3d calls  ~%d tokens\n", util.PadWidth(c.ConversationID, 40), c.Calls, c.Tokens.Total())
	}
	return sb.String()
}

// Save writes the snapshot as JSON to path.
func (u *UsageTracker) Save(path string) error {
	data, err := json.MarshalIndent(u.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(path, data, 0600)
}
