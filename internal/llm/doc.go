// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm sends prompts to a language model and keeps per-conversation
// history.
//
// The Service never returns a Go error to its callers. A failed call comes
// back as a response string starting with ErrorMarker so the agent loop can
// treat model failures the same way it treats model output. Rate-limit
// conditions are recognised with IsRateLimit.
//
// # Key Types
//
//   - Service: conversation-aware front end used by the agent
//   - Backend: a single chat-completion transport (OpenAI-compatible or Ollama)
//   - TransportError: HTTP failure inside a backend
//   - Sender: the interface consumers depend on
//
// # Usage
//
//	svc := llm.NewService(backend, llm.ServiceConfig{HistoryLen: 5}, history)
//	reply, convID := svc.Send(ctx, "list open ports", "")
//	if llm.IsRateLimit(reply) {
//	    // recover
//	}
//
// # Conversation Handles
//
// Handles are 32 hex characters. Task-scoped handles are derived from the
// task conversation with DeriveTaskConversationID.
package llm
