// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTemplatesFilled(t *testing.T) {
	rendered := map[string]string{
		"write_plan":    WritePlan("10.0.0.5", "scan only"),
		"update_plan":   UpdatePlan(Update{TargetHost: "10.0.0.5", UserInstruction: "u", InitDescription: "i", CurrentTask: "c", CurrentCode: "x", TaskResult: "r", SuccessTasks: "s", FailTasks: "f"}),
		"next_task":     NextTask("scan", "u"),
		"check_success": CheckSuccess("r"),
		"write_code":    WriteCode("scan", "10.0.0.5", "u"),
		"write_search":  WriteSearch("research", "10.0.0.5", "u"),
		"parse_target":  ParseTarget("test 10.0.0.5"),
	}
	for name, text := range rendered {
		for _, key := range []string{"{target_host}", "{user_instruction}", "{next_task}", "{todo_task}", "{result}", "{user_input}", "{task_result}"} {
			assert.NotContains(t, text, key, "%s left %s unfilled", name, key)
		}
	}
	assert.Contains(t, rendered["write_code"], "<execute>nmap -T5 -p- 10.0.0.5</execute>")
}

func TestFill_DoesNotReexpandValues(t *testing.T) {
	out := CheckSuccess("output mentions {result} literally")
	assert.Equal(t, 1, strings.Count(out, "{result}"))
}
