// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package kb

import (
	"context"
	"regexp"
	"strings"
)

// maxQueryTerms bounds the FTS expression built from a query.
const maxQueryTerms = 16

// PERFORMANCE: Pre-compiled regex
var termPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// BuildQuery turns free text into an FTS5 expression. Each term is quoted so
// operators and punctuation in the input are never interpreted. Terms are
// OR-ed; bm25 ranking favors chunks that match more of them.
func BuildQuery(query string) string {
	seen := make(map[string]bool)
	var terms []string
	for _, t := range termPattern.FindAllString(strings.ToLower(query), -1) {
		if len(t) < 2 || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, `"`+t+`"`)
		if len(terms) == maxQueryTerms {
			break
		}
	}
	return strings.Join(terms, " OR ")
}

// Search returns up to topK chunks matching query, best first.
func (idx *Index) Search(ctx context.Context, query string, topK int) ([]string, error) {
	fts := BuildQuery(query)
	if fts == "" || topK <= 0 {
		return nil, nil
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT c.content
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY bm25(chunks_fts)
		LIMIT ?`, fts, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// Retrieve implements llm.Retriever.
func (idx *Index) Retrieve(ctx context.Context, query string, topK int) ([]string, error) {
	return idx.Search(ctx, query, topK)
}

// Count returns the number of indexed files and chunks.
func (idx *Index) Count(ctx context.Context) (files, chunks int, err error) {
	if err = idx.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files").Scan(&files); err != nil {
		return 0, 0, err
	}
	err = idx.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&chunks)
	return files, chunks, err
}
