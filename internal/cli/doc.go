// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the redloop command line.
//
// # Commands
//
//   - run: run an engagement against a target
//   - plans: list stored plans
//   - show: print the tasks of a stored plan
//   - kb index: (re)build the knowledge base index
//   - config: print the effective configuration
//   - version, help
//
// Main parses arguments, dispatches to the handler and maps errors to exit
// codes:
//
//	os.Exit(cli.Main(os.Args[1:]))
//
// Output is colored with lipgloss when stdout is a terminal and NO_COLOR is
// unset.
package cli
