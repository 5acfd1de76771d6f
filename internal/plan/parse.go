// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jeranaias/redloop/internal/util"
)

// errorMarker prefixes model responses that carry a failure instead of content.
const errorMarker = "**ERROR**"

// snippetRunes bounds the plan text kept on a MalformedPlanError.
const snippetRunes = 200

// =============================================================================
// ERRORS
// =============================================================================

// MalformedPlanError reports plan text that cannot be turned into tasks.
type MalformedPlanError struct {
	Reason  string
	Snippet string
	Cause   error
}

// Error implements the error interface.
func (e *MalformedPlanError) Error() string {
	msg := "malformed plan: " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Snippet != "" {
		msg += fmt.Sprintf(" (near %q)", e.Snippet)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *MalformedPlanError) Unwrap() error {
	return e.Cause
}

func malformed(reason, text string, cause error) *MalformedPlanError {
	return &MalformedPlanError{
		Reason:  reason,
		Snippet: util.Head(strings.TrimSpace(text), snippetRunes),
		Cause:   cause,
	}
}

// =============================================================================
// TASK SPEC
// =============================================================================

// TaskSpec is a task as written by the model: an id local to the response,
// the ids it depends on, an instruction and an action name.
//
// Ids may arrive as JSON strings or numbers; both are kept as strings.
type TaskSpec struct {
	ID               string   `json:"id"`
	DependentTaskIDs []string `json:"dependent_task_ids"`
	Instruction      string   `json:"instruction"`
	Action           string   `json:"action"`

	// presence flags, set by UnmarshalJSON
	hasID          bool
	hasInstruction bool
	hasAction      bool
}

type rawTaskSpec struct {
	ID               json.RawMessage   `json:"id"`
	DependentTaskIDs []json.RawMessage `json:"dependent_task_ids"`
	Instruction      *string           `json:"instruction"`
	Action           *string           `json:"action"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TaskSpec) UnmarshalJSON(data []byte) error {
	var raw rawTaskSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = TaskSpec{}
	if len(raw.ID) > 0 && !bytes.Equal(raw.ID, []byte("null")) {
		id, err := scalarString(raw.ID)
		if err != nil {
			return fmt.Errorf("id: %w", err)
		}
		s.ID = id
		s.hasID = true
	}
	for i, dep := range raw.DependentTaskIDs {
		id, err := scalarString(dep)
		if err != nil {
			return fmt.Errorf("dependent_task_ids[%d]: %w", i, err)
		}
		s.DependentTaskIDs = append(s.DependentTaskIDs, id)
	}
	if raw.Instruction != nil {
		s.Instruction = *raw.Instruction
		s.hasInstruction = true
	}
	if raw.Action != nil {
		s.Action = *raw.Action
		s.hasAction = true
	}
	return nil
}

// scalarString decodes a JSON string or number into its string form.
func scalarString(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}
	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", string(raw))
	}
	if i, err := num.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return num.String(), nil
}

// validate checks the fields every spec must carry and returns its action.
func (s TaskSpec) validate(index int) (Action, error) {
	switch {
	case !s.hasID && s.ID == "":
		return 0, fmt.Errorf("task %d: missing id", index)
	case !s.hasInstruction && s.Instruction == "":
		return 0, fmt.Errorf("task %d: missing instruction", index)
	case !s.hasAction && s.Action == "":
		return 0, fmt.Errorf("task %d: missing action", index)
	}
	action, err := ParseAction(s.Action)
	if err != nil {
		return 0, fmt.Errorf("task %d: %w", index, err)
	}
	return action, nil
}

// =============================================================================
// TEXT HANDLING
// =============================================================================

var (
	jsonTagPattern   = regexp.MustCompile(`(?is)<json>(.*?)</json>`)
	jsonArrayPattern = regexp.MustCompile(`(?s)\[\s*\{.*\}\s*\]`)
	escapePattern    = regexp.MustCompile(`\\([@!])`)
)

// ExtractJSONBlock pulls the plan JSON out of a model response. It prefers the
// content of <json>...</json> tags and falls back to the first array of
// objects. Empty responses and error-marked responses yield "".
func ExtractJSONBlock(response string) string {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" || strings.HasPrefix(trimmed, errorMarker) {
		return ""
	}
	if m := jsonTagPattern.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := jsonArrayPattern.FindString(trimmed); m != "" {
		return m
	}
	return trimmed
}

// PreprocessJSON escapes the \@ and \! sequences models emit inside shell
// snippets, which are invalid JSON escapes.
func PreprocessJSON(s string) string {
	return escapePattern.ReplaceAllString(s, `\\${1}`)
}

// ParseSpecs decodes a JSON array of task specs. A failed decode is retried
// once on the PreprocessJSON form of the text.
func ParseSpecs(text string) ([]TaskSpec, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, malformed("empty plan text", "", nil)
	}

	var specs []TaskSpec
	err := json.Unmarshal([]byte(text), &specs)
	if err != nil {
		cleaned := PreprocessJSON(text)
		if cleaned == text {
			return nil, malformed("invalid JSON", text, err)
		}
		specs = nil
		if err2 := json.Unmarshal([]byte(cleaned), &specs); err2 != nil {
			return nil, malformed("invalid JSON", text, err2)
		}
	}
	return specs, nil
}
