// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jeranaias/redloop/internal/plan"
)

func TestMerge_PreservesAndReuses(t *testing.T) {
	old, err := plan.Import("p", []plan.TaskSpec{
		spec("1", "Shell", "nmap -p- target"),
		spec("2", "Shell", "curl http://target"),
		spec("3", "Search", "find exploits"),
	})
	require.NoError(t, err)
	old[0].Finish(true, "22,80 open")
	old[1].Finish(true, "apache default page")
	old[2].Finish(false, "nothing")
	nmap, curl := old[0], old[1]

	merged, err := plan.Merge("p", []plan.TaskSpec{
		spec("a", "Shell", "curl http://target"),
		spec("b", "Web", "try default credentials", "a", "zz"),
	}, old)
	require.NoError(t, err)
	require.Len(t, merged, 3)

	// unmatched success comes first with cleared dependencies
	assert.Same(t, nmap, merged[0])
	assert.Equal(t, 0, merged[0].Sequence)
	assert.Empty(t, merged[0].Dependencies)

	// matched success is the same object with rewritten sequence
	assert.Same(t, curl, merged[1])
	assert.Equal(t, 1, merged[1].Sequence)
	assert.True(t, merged[1].IsSuccess)

	// new task, unknown dependency dropped
	assert.Equal(t, "try default credentials", merged[2].Instruction)
	assert.Equal(t, []int{1}, merged[2].Dependencies)
	assert.False(t, merged[2].IsFinished)

	// failed task not carried over
	for _, task := range merged {
		assert.NotEqual(t, "find exploits", task.Instruction)
	}
}

func TestMerge_DuplicateInstructionReusesOnce(t *testing.T) {
	old := []*plan.Task{{Sequence: 0, Instruction: "id", IsFinished: true, IsSuccess: true, Result: "root"}}
	merged, err := plan.Merge("p", []plan.TaskSpec{
		spec("1", "Shell", "id"),
		spec("2", "Shell", "id"),
	}, old)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Same(t, old[0], merged[0])
	assert.NotSame(t, merged[0], merged[1])
	assert.False(t, merged[1].IsFinished)
}

func TestMerge_InvalidSpec(t *testing.T) {
	_, err := plan.Merge("p", []plan.TaskSpec{spec("1", "Teleport", "x")}, nil)
	var mpe *plan.MalformedPlanError
	assert.ErrorAs(t, err, &mpe)
}

func genSpecs(t *rapid.T) []plan.TaskSpec {
	n := rapid.IntRange(0, 12).Draw(t, "n")
	specs := make([]plan.TaskSpec, n)
	for i := range specs {
		var deps []string
		if i > 0 {
			k := rapid.IntRange(0, i).Draw(t, fmt.Sprintf("ndeps%d", i))
			for j := 0; j < k; j++ {
				d := rapid.IntRange(0, i-1).Draw(t, fmt.Sprintf("dep%d_%d", i, j))
				deps = append(deps, fmt.Sprintf("id%d", d))
			}
		}
		specs[i] = plan.TaskSpec{
			ID:               fmt.Sprintf("id%d", i),
			DependentTaskIDs: deps,
			Instruction:      fmt.Sprintf("task %d %s", i, rapid.StringMatching(`[a-z]{0,6}`).Draw(t, "word")),
			Action:           rapid.SampledFrom([]string{"Shell", "Web", "Search"}).Draw(t, "action"),
		}
	}
	return specs
}

func TestImport_DenseAndOrderedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		specs := genSpecs(t)
		tasks, err := plan.Import("p", specs)
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		if len(tasks) != len(specs) {
			t.Fatalf("got %d tasks for %d specs", len(tasks), len(specs))
		}
		for i, task := range tasks {
			if task.Sequence != i {
				t.Fatalf("task %d has sequence %d", i, task.Sequence)
			}
			for _, d := range task.Dependencies {
				if d >= i {
					t.Fatalf("task %d depends on %d", i, d)
				}
			}
		}
	})
}

func TestMerge_EmptyRevisionIdempotentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		old, err := plan.Import("p", genSpecs(t))
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		for _, task := range old {
			task.Finish(true, "done")
		}
		want := make([]string, len(old))
		for i, task := range old {
			want[i] = task.Instruction
		}

		once, err := plan.Merge("p", nil, old)
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		twice, err := plan.Merge("p", nil, once)
		if err != nil {
			t.Fatalf("merge: %v", err)
		}

		seen := make(map[string]bool)
		var unique []string
		for _, instr := range want {
			if !seen[instr] {
				seen[instr] = true
				unique = append(unique, instr)
			}
		}
		if len(twice) != len(unique) {
			t.Fatalf("got %d tasks, want %d", len(twice), len(unique))
		}
		for i, task := range twice {
			if task.Instruction != unique[i] || task.Sequence != i || len(task.Dependencies) != 0 {
				t.Fatalf("task %d = %+v", i, task)
			}
		}
	})
}

func TestMerge_ReusesSuccessfulTasksProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		specs := genSpecs(t)
		old, err := plan.Import("p", specs)
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		for i, task := range old {
			if rapid.Bool().Draw(t, fmt.Sprintf("finish%d", i)) {
				task.Finish(rapid.Bool().Draw(t, fmt.Sprintf("success%d", i)), "r")
			}
		}

		merged, err := plan.Merge("p", specs, old)
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		present := make(map[*plan.Task]bool, len(merged))
		for i, task := range merged {
			if task.Sequence != i {
				t.Fatalf("merged task %d has sequence %d", i, task.Sequence)
			}
			present[task] = true
		}
		for _, task := range old {
			if task.IsFinished && task.IsSuccess && !present[task] {
				// only a duplicate instruction may displace a success
				dup := false
				for _, other := range merged {
					if other.Instruction == task.Instruction && other.IsSuccess {
						dup = true
					}
				}
				if !dup {
					t.Fatalf("successful task %q lost", task.Instruction)
				}
			}
		}
	})
}
