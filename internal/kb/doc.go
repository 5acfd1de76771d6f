// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kb indexes a directory of penetration test notes for retrieval.
//
// Markdown and text files are split into paragraph chunks and stored in a
// SQLite FTS5 table. Index implements llm.Retriever, so the language model
// service can append the best matching chunks to a prompt.
//
// # Usage
//
//	idx, err := kb.Open(kb.DefaultConfig(dir, dbPath))
//	if err != nil { ... }
//	defer idx.Close()
//
//	stats, err := idx.IndexAll(ctx)
//	passages, err := idx.Retrieve(ctx, "samba exploit", 3)
//
// Files are re-indexed only when their modification time or size changes.
// Watch keeps the index current while an engagement runs.
package kb
