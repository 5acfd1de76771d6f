// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/redloop/internal/config"
	"github.com/jeranaias/redloop/internal/planner"
	"github.com/jeranaias/redloop/internal/store"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitNotFoundError = 7
	ExitPlanningError = 9
	ExitInterrupted   = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports invalid command usage.
type UsageError struct {
	Command string
	Reason  string
}

func (e *UsageError) Error() string {
	if e.Command == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Reason)
}

// CommandError wraps a failed command step.
type CommandError struct {
	Command string
	Action  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

func wrap(command, action string, err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Command: command, Action: action, Err: err}
}

// ExitCodeFor maps an error to a process exit code.
func ExitCodeFor(err error) int {
	var usage *UsageError
	var unknown *config.UnknownKeysError
	var invalid config.ValidateErrors

	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.As(err, &unknown), errors.As(err, &invalid):
		return ExitConfigError
	case errors.Is(err, store.ErrNotFound):
		return ExitNotFoundError
	case errors.Is(err, planner.ErrPlanningFailed):
		return ExitPlanningError
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitGeneralError
	}
}
