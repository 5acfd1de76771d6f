// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package plan holds the task plan that drives an engagement.
//
// A plan is an ordered list of tasks produced by the model. Each task names
// an action (Shell, Web or Search), an instruction, and the sequence numbers
// of the tasks it depends on. The plan is rebuilt every round by merging the
// model's revision with the work already finished.
//
// # Key Types
//
//   - Plan: goal, conversation handles and the ordered task list
//   - Task: one unit of work with its execution record
//   - Action: Shell, Web or Search
//   - TaskSpec: a task as the model writes it, before numbering
//   - MalformedPlanError: the model's plan text could not be used
//
// # Usage
//
// Build the first revision from model output:
//
//	specs, err := plan.ParseSpecs(plan.ExtractJSONBlock(response))
//	if err != nil {
//	    return err
//	}
//	tasks, err := plan.Import(p.ID, specs)
//
// Fold a later revision into the existing tasks:
//
//	p.Tasks, err = plan.Merge(p.ID, specs, p.Tasks)
//
// # Merge Rules
//
// Tasks that finished successfully are never lost. When the revision repeats
// a successful task's instruction verbatim, the same *Task is reused and only
// its sequence and dependencies change. Successful tasks the revision omits
// are kept at the front of the list.
package plan
