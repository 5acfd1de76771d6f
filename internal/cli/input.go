// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/redloop/internal/config"
)

// =============================================================================
// OPERATOR INPUT
// =============================================================================

// OperatorInput reads manual results from the operator with line editing
// and persistent history. It implements dispatch.ManualInput.
type OperatorInput struct {
	line        *liner.State
	historyFile string
}

// NewOperatorInput creates an OperatorInput and loads its history.
func NewOperatorInput() *OperatorInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &OperatorInput{
		line:        line,
		historyFile: filepath.Join(dir, "operator_history"),
	}
	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
	return in
}

// ReadInput prints prompt and reads one line. The first line of a
// multi-line prompt is printed above the input line.
func (in *OperatorInput) ReadInput(prompt string) (string, error) {
	if head, tail, ok := strings.Cut(prompt, "\n"); ok {
		os.Stdout.WriteString(WarningStyle.Render(head) + "\n")
		prompt = tail
	}
	input, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		in.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the
// terminal.
func (in *OperatorInput) Close() {
	if err := config.EnsureConfigDir(); err == nil {
		if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			in.line.WriteHistory(f)
			f.Close()
		}
	}
	in.line.Close()
}
