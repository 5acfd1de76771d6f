// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"fmt"
	"sort"
)

// Import builds the tasks of a new plan from specs. Sequences follow input
// position and dependent ids are translated to those positions.
//
// Returns *MalformedPlanError if a spec lacks a required field, names an
// unknown action, depends on itself, or references an id no spec carries.
func Import(planID string, specs []TaskSpec) ([]*Task, error) {
	positions := make(map[string][]int, len(specs))
	for i, s := range specs {
		positions[s.ID] = append(positions[s.ID], i)
	}

	tasks := make([]*Task, 0, len(specs))
	for i, s := range specs {
		action, err := s.validate(i)
		if err != nil {
			return nil, malformed("invalid task", s.Instruction, err)
		}

		seen := make(map[int]bool)
		deps := []int{}
		for _, depID := range s.DependentTaskIDs {
			idx, ok := positions[depID]
			if !ok {
				return nil, malformed("unknown dependency",
					s.Instruction, fmt.Errorf("task %q depends on unknown id %q", s.ID, depID))
			}
			for _, p := range idx {
				if p == i {
					return nil, malformed("self dependency",
						s.Instruction, fmt.Errorf("task %q depends on itself", s.ID))
				}
				if !seen[p] {
					seen[p] = true
					deps = append(deps, p)
				}
			}
		}
		sort.Ints(deps)

		tasks = append(tasks, &Task{
			PlanID:       planID,
			Sequence:     i,
			Action:       action,
			Instruction:  s.Instruction,
			Dependencies: deps,
		})
	}
	return tasks, nil
}

// Merge folds a plan revision into the existing tasks.
//
// Successful tasks survive every revision. Those whose instruction the
// revision does not repeat come first with their dependencies cleared. Then
// the specs follow in order: a spec whose instruction matches a successful
// task reuses that *Task, anything else becomes a new pending task.
// Dependencies on ids the revision does not define are dropped.
func Merge(planID string, specs []TaskSpec, oldTasks []*Task) ([]*Task, error) {
	actions := make([]Action, len(specs))
	for i, s := range specs {
		action, err := s.validate(i)
		if err != nil {
			return nil, malformed("invalid task", s.Instruction, err)
		}
		actions[i] = action
	}

	// Successful tasks keyed by instruction; a later duplicate replaces an
	// earlier one but keeps the earlier position.
	var order []string
	completed := make(map[string]*Task)
	for _, t := range oldTasks {
		if !t.IsFinished || !t.IsSuccess {
			continue
		}
		if _, ok := completed[t.Instruction]; !ok {
			order = append(order, t.Instruction)
		}
		completed[t.Instruction] = t
	}

	inSpecs := make(map[string]bool, len(specs))
	for _, s := range specs {
		inSpecs[s.Instruction] = true
	}

	merged := make([]*Task, 0, len(order)+len(specs))
	for _, instr := range order {
		if inSpecs[instr] {
			continue
		}
		t := completed[instr]
		t.Sequence = len(merged)
		t.Dependencies = []int{}
		merged = append(merged, t)
	}

	offset := len(merged)
	idToIndex := make(map[string]int, len(specs))
	for i, s := range specs {
		idToIndex[s.ID] = i + offset
	}

	reused := make(map[*Task]bool)
	for i, s := range specs {
		seq := i + offset
		deps := []int{}
		for _, depID := range s.DependentTaskIDs {
			if idx, ok := idToIndex[depID]; ok && idx != seq {
				deps = append(deps, idx)
			}
		}

		if t, ok := completed[s.Instruction]; ok && !reused[t] {
			reused[t] = true
			t.Sequence = seq
			t.Dependencies = deps
			merged = append(merged, t)
			continue
		}

		merged = append(merged, &Task{
			PlanID:       planID,
			Sequence:     seq,
			Action:       actions[i],
			Instruction:  s.Instruction,
			Dependencies: deps,
		})
	}
	return merged, nil
}
