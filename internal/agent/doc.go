// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent runs an engagement end to end.
//
// A Runner parses the operator's request into a target and scope, asks the
// planner for a task list, and then loops: write directives for the current
// task, dispatch them, feed the transcript back to the planner and persist
// the plan. The loop ends when the plan has no task left or the round limit
// is reached.
package agent
