// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompts

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed templates/*.txt
var templates embed.FS

func load(name string) string {
	data, err := templates.ReadFile("templates/" + name + ".txt")
	if err != nil {
		// Templates are compiled in; a missing one is a build mistake.
		panic(fmt.Sprintf("prompts: missing template %q", name))
	}
	return string(data)
}

var (
	writePlan    = load("write_plan")
	updatePlan   = load("update_plan")
	nextTask     = load("next_task")
	checkSuccess = load("check_success")
	writeCode    = load("write_code")
	writeSearch  = load("write_search")
	parseTarget  = load("parse_target")
)

// fill replaces {key} placeholders. Values are inserted verbatim, so braces
// in model or tool output are never re-expanded.
func fill(tmpl string, kv ...string) string {
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// WritePlan asks for the initial task list.
func WritePlan(targetHost, userInstruction string) string {
	return fill(writePlan, "target_host", targetHost, "user_instruction", userInstruction)
}

// Update carries the fields of a plan revision request.
type Update struct {
	TargetHost      string
	UserInstruction string
	InitDescription string
	CurrentTask     string
	CurrentCode     string
	TaskResult      string
	SuccessTasks    string
	FailTasks       string
}

// UpdatePlan asks for a revised task list.
func UpdatePlan(u Update) string {
	return fill(updatePlan,
		"target_host", u.TargetHost,
		"user_instruction", u.UserInstruction,
		"init_description", u.InitDescription,
		"current_task", u.CurrentTask,
		"current_code", u.CurrentCode,
		"task_result", u.TaskResult,
		"success_task", u.SuccessTasks,
		"fail_task", u.FailTasks,
	)
}

// NextTask asks for an elaboration of a single task.
func NextTask(todo, userInstruction string) string {
	return fill(nextTask, "todo_task", todo, "user_instruction", userInstruction)
}

// CheckSuccess asks for a yes/no judgment of a task result.
func CheckSuccess(result string) string {
	return fill(checkSuccess, "result", result)
}

// WriteCode asks for <execute> directives for a Shell or Web task.
func WriteCode(nextTask, targetHost, userInstruction string) string {
	return fill(writeCode, "next_task", nextTask, "target_host", targetHost, "user_instruction", userInstruction)
}

// WriteSearch asks for <search> directives for a Search task.
func WriteSearch(nextTask, targetHost, userInstruction string) string {
	return fill(writeSearch, "next_task", nextTask, "target_host", targetHost, "user_instruction", userInstruction)
}

// ParseTarget asks for the target and scope of a request as JSON.
func ParseTarget(userInput string) string {
	return fill(parseTarget, "user_input", userInput)
}
