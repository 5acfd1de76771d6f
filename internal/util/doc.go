// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small text and file helpers shared by redloop packages.
//
// # Key Functions
//
// Text:
//   - Head, Tail: rune-safe prefix and suffix of a transcript
//   - TruncateWidth: display-width truncation for table cells
//   - LastLine, NonEmptyLines: line helpers used on terminal output
//
// Files:
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	preview := util.Head(output, 300)
//	cell := util.TruncateWidth(task.Instruction, 48)
//	err := util.AtomicWriteFile(path, data, 0600)
package util
