// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch turns a task's model-written instruction into concrete
// actions and collects the transcript the planner judges.
//
// # Directives
//
// Shell and Web instructions carry commands in <execute> tags; Search
// instructions carry queries in <search> tags (falling back to <execute>).
// Reasoning in <think> blocks is ignored.
//
// # Modes
//
//   - auto: Search goes to the search provider, everything else to the shell.
//   - semi: Shell to the shell, Search to search, anything else is entered
//     by the operator.
//   - manual: every action is entered by the operator.
//
// Every transcript passes through terminal.Sanitize before it is returned.
package dispatch
