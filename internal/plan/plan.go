// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/redloop/internal/util"
)

// =============================================================================
// ACTION
// =============================================================================

// Action is the kind of work a task performs.
type Action int

const (
	// ActionShell runs commands on the remote session.
	ActionShell Action = iota

	// ActionWeb interacts with a web application on the target.
	ActionWeb

	// ActionSearch queries an external search provider.
	ActionSearch
)

// String returns the name the model uses for the action.
func (a Action) String() string {
	switch a {
	case ActionShell:
		return "Shell"
	case ActionWeb:
		return "Web"
	case ActionSearch:
		return "Search"
	default:
		return "Unknown"
	}
}

// ParseAction maps a model-supplied action name to an Action.
// Matching ignores case and surrounding whitespace.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shell":
		return ActionShell, nil
	case "web":
		return ActionWeb, nil
	case "search":
		return ActionSearch, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if a < ActionShell || a > ActionSearch {
		return nil, fmt.Errorf("invalid action %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// =============================================================================
// TASK
// =============================================================================

// Task is one unit of work inside a plan.
//
// A task that is not finished never carries a result, and a successful task
// is always finished. Use Finish to change state.
type Task struct {
	PlanID       string   `json:"plan_id"`
	Sequence     int      `json:"sequence"`
	Action       Action   `json:"action"`
	Instruction  string   `json:"instruction"`
	Dependencies []int    `json:"dependencies"`
	Code         []string `json:"code,omitempty"`
	Result       string   `json:"result,omitempty"`
	IsFinished   bool     `json:"is_finished"`
	IsSuccess    bool     `json:"is_success"`
}

// Finish records the outcome of the task.
func (t *Task) Finish(success bool, result string) {
	t.IsFinished = true
	t.IsSuccess = success
	t.Result = result
}

// Status returns a short label for display.
func (t *Task) Status() string {
	switch {
	case !t.IsFinished:
		return "pending"
	case t.IsSuccess:
		return "success"
	default:
		return "failed"
	}
}

// String renders the task the way it is shown to the model in revision prompts.
func (t *Task) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] (%s) %s", t.Sequence, t.Action, t.Instruction)
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(&sb, " depends_on=%v", t.Dependencies)
	}
	if len(t.Code) > 0 {
		fmt.Fprintf(&sb, "\n    code: %s", strings.Join(t.Code, " ; "))
	}
	if t.Result != "" {
		fmt.Fprintf(&sb, "\n    result: %s", util.Head(t.Result, resultPreviewRunes))
	}
	return sb.String()
}

// resultPreviewRunes bounds how much of a task result is echoed back into prompts.
const resultPreviewRunes = 500

// FormatTasks renders a task list, one task per entry.
// An empty list renders as "None".
func FormatTasks(tasks []*Task) string {
	if len(tasks) == 0 {
		return "None"
	}
	parts := make([]string, len(tasks))
	for i, t := range tasks {
		parts[i] = t.String()
	}
	return strings.Join(parts, "\n")
}

// =============================================================================
// PLAN
// =============================================================================

// Plan is the ordered task list for one engagement goal.
type Plan struct {
	ID                  string    `json:"id"`
	Goal                string    `json:"goal"`
	CurrentTaskSequence *int      `json:"current_task_sequence,omitempty"`
	PlanConversationID  string    `json:"plan_conversation_id"`
	TaskConversationID  string    `json:"task_conversation_id"`
	Tasks               []*Task   `json:"tasks"`
	CreatedAt           time.Time `json:"created_at"`
}

// New creates an empty plan with the given conversation handles.
func New(goal, planConversationID, taskConversationID string) *Plan {
	return &Plan{
		ID:                 uuid.New().String(),
		Goal:               goal,
		PlanConversationID: planConversationID,
		TaskConversationID: taskConversationID,
		CreatedAt:          time.Now(),
	}
}

// CurrentTask returns the first unfinished task whose dependencies are all
// finished. When every unfinished task is blocked, the first unfinished task
// is returned so a stale dependency cannot stall the run. Returns nil when the
// plan is empty or complete.
func (p *Plan) CurrentTask() *Task {
	finished := make(map[int]bool, len(p.Tasks))
	var firstPending *Task
	for _, t := range p.Tasks {
		if t.IsFinished {
			finished[t.Sequence] = true
		} else if firstPending == nil {
			firstPending = t
		}
	}
	if firstPending == nil {
		return nil
	}

	for _, t := range p.Tasks {
		if t.IsFinished {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if !finished[dep] {
				ready = false
				break
			}
		}
		if ready {
			return t
		}
	}
	return firstPending
}

// Advance points CurrentTaskSequence at the current task and returns it.
func (p *Plan) Advance() *Task {
	t := p.CurrentTask()
	if t == nil {
		p.CurrentTaskSequence = nil
		return nil
	}
	seq := t.Sequence
	p.CurrentTaskSequence = &seq
	return t
}

// TaskBySequence returns the task with the given sequence, or nil.
func (p *Plan) TaskBySequence(seq int) *Task {
	for _, t := range p.Tasks {
		if t.Sequence == seq {
			return t
		}
	}
	return nil
}

// ActiveTask returns the task CurrentTaskSequence points at, or nil.
func (p *Plan) ActiveTask() *Task {
	if p.CurrentTaskSequence == nil {
		return nil
	}
	return p.TaskBySequence(*p.CurrentTaskSequence)
}

// FinishedSuccessTasks returns the tasks that finished successfully, in order.
func (p *Plan) FinishedSuccessTasks() []*Task {
	var out []*Task
	for _, t := range p.Tasks {
		if t.IsFinished && t.IsSuccess {
			out = append(out, t)
		}
	}
	return out
}

// FinishedFailTasks returns the tasks that finished without success, in order.
func (p *Plan) FinishedFailTasks() []*Task {
	var out []*Task
	for _, t := range p.Tasks {
		if t.IsFinished && !t.IsSuccess {
			out = append(out, t)
		}
	}
	return out
}

// IsComplete reports whether the plan has tasks and all of them are finished.
func (p *Plan) IsComplete() bool {
	if len(p.Tasks) == 0 {
		return false
	}
	for _, t := range p.Tasks {
		if !t.IsFinished {
			return false
		}
	}
	return true
}

// Progress returns the number of finished tasks and the total.
func (p *Plan) Progress() (done, total int) {
	for _, t := range p.Tasks {
		if t.IsFinished {
			done++
		}
	}
	return done, len(p.Tasks)
}
