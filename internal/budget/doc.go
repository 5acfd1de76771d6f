// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package budget keeps tool output inside the model's context budget.
//
// Token counts are estimated from character length. Output over the safe
// threshold is summarized by the model, with a deterministic summary built
// from regex highlights when the model is unavailable. After a rate-limit
// failure the planner uses BuildCleanContext to seed a fresh conversation.
package budget
