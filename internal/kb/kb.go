// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package kb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrInvalidPath = errors.New("invalid knowledge base path")
	ErrClosed      = errors.New("knowledge base closed")
)

// =============================================================================
// CONFIG
// =============================================================================

// Config holds index configuration.
type Config struct {
	// Root is the notes directory.
	Root string

	// DatabasePath is the SQLite file. ":memory:" keeps the index in memory.
	DatabasePath string

	// ChunkSize is the target chunk length in bytes.
	ChunkSize int

	// MaxFileSize skips larger files.
	MaxFileSize int64

	// Extensions lists the file extensions that are indexed.
	Extensions []string

	// WatchDebounce delays re-indexing after a change event.
	WatchDebounce time.Duration
}

// DefaultConfig returns the default configuration for root.
func DefaultConfig(root, dbPath string) Config {
	return Config{
		Root:          root,
		DatabasePath:  dbPath,
		ChunkSize:     1200,
		MaxFileSize:   4 * 1024 * 1024,
		Extensions:    []string{".md", ".markdown", ".txt"},
		WatchDebounce: 500 * time.Millisecond,
	}
}

// =============================================================================
// INDEX
// =============================================================================

// Index is a full-text index over a notes directory. Safe for concurrent use.
type Index struct {
	db     *sql.DB
	root   string
	config Config
	logger *slog.Logger

	// mu serializes writers.
	mu sync.Mutex
}

// Stats summarizes an indexing pass.
type Stats struct {
	Files   int
	Indexed int
	Skipped int
	Removed int
	Chunks  int
}

// Open opens or creates the index described by config.
func Open(config Config) (*Index, error) {
	info, err := os.Stat(config.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, config.Root)
	}
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	d := DefaultConfig(root, config.DatabasePath)
	if config.ChunkSize <= 0 {
		config.ChunkSize = d.ChunkSize
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = d.MaxFileSize
	}
	if len(config.Extensions) == 0 {
		config.Extensions = d.Extensions
	}
	if config.WatchDebounce <= 0 {
		config.WatchDebounce = d.WatchDebounce
	}
	if config.DatabasePath == "" {
		config.DatabasePath = ":memory:"
	}

	if config.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}
	if _, err := db.Exec("UPDATE metadata SET value = ? WHERE key = 'root_path'", root); err != nil {
		db.Close()
		return nil, err
	}

	config.Root = root
	return &Index{
		db:     db,
		root:   root,
		config: config,
		logger: slog.Default().With("component", "kb"),
	}, nil
}

// WithLogger sets the logger.
func (idx *Index) WithLogger(l *slog.Logger) *Index {
	idx.logger = l
	return idx
}

// Root returns the absolute notes directory.
func (idx *Index) Root() string { return idx.root }

// Close closes the database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// =============================================================================
// INDEXING
// =============================================================================

// IndexAll walks the notes directory, re-indexing new and changed files and
// dropping files that no longer exist.
func (idx *Index) IndexAll(ctx context.Context) (Stats, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var stats Stats
	known, err := idx.knownFiles(ctx)
	if err != nil {
		return stats, err
	}

	seen := make(map[string]bool)
	err = filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != idx.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !idx.eligible(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > idx.config.MaxFileSize {
			return nil
		}

		rel := idx.rel(path)
		seen[rel] = true
		stats.Files++

		if k, ok := known[rel]; ok && k.modTime == info.ModTime().Unix() && k.size == info.Size() {
			stats.Skipped++
			return nil
		}
		n, err := idx.indexFile(ctx, path, info)
		if err != nil {
			idx.logger.Warn("failed to index note", "path", rel, "error", err)
			return nil
		}
		stats.Indexed++
		stats.Chunks += n
		return nil
	})
	if err != nil {
		return stats, err
	}

	for rel := range known {
		if seen[rel] {
			continue
		}
		if err := idx.removeRel(ctx, rel); err != nil {
			return stats, err
		}
		stats.Removed++
	}

	idx.logger.Info("knowledge base indexed",
		"files", stats.Files, "indexed", stats.Indexed, "removed", stats.Removed)
	return stats, nil
}

type fileState struct {
	modTime int64
	size    int64
}

func (idx *Index) knownFiles(ctx context.Context) (map[string]fileState, error) {
	rows, err := idx.db.QueryContext(ctx, "SELECT path, mod_time, size FROM files")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]fileState)
	for rows.Next() {
		var path string
		var st fileState
		if err := rows.Scan(&path, &st.modTime, &st.size); err != nil {
			return nil, err
		}
		known[path] = st
	}
	return known, rows.Err()
}

func (idx *Index) eligible(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range idx.config.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (idx *Index) rel(path string) string {
	rel, err := filepath.Rel(idx.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// indexFile replaces the chunks of one file and returns how many were stored.
func (idx *Index) indexFile(ctx context.Context, path string, info fs.FileInfo) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	chunks := Chunk(string(content), idx.config.ChunkSize)
	rel := idx.rel(path)

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := deleteFile(ctx, tx, rel); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO files (path, mod_time, size, indexed_at) VALUES (?, ?, ?, ?)",
		rel, info.ModTime().Unix(), info.Size(), time.Now().Unix())
	if err != nil {
		return 0, err
	}
	fileID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO chunks (file_id, seq, content) VALUES (?, ?, ?)")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for i, c := range chunks {
		if _, err := stmt.ExecContext(ctx, fileID, i, c); err != nil {
			return 0, err
		}
	}

	return len(chunks), tx.Commit()
}

// deleteFile removes a file row and its chunks. Chunks go first so the FTS
// delete trigger sees each row.
func deleteFile(ctx context.Context, tx *sql.Tx, rel string) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM chunks WHERE file_id IN (SELECT id FROM files WHERE path = ?)", rel); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM files WHERE path = ?", rel)
	return err
}

func (idx *Index) removeRel(ctx context.Context, rel string) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteFile(ctx, tx, rel); err != nil {
		return err
	}
	return tx.Commit()
}

// updatePath re-indexes or removes a single file after a change event.
func (idx *Index) updatePath(ctx context.Context, path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return idx.removeRel(ctx, idx.rel(path))
	}
	if !idx.eligible(path) || info.Size() > idx.config.MaxFileSize {
		return nil
	}
	_, err = idx.indexFile(ctx, path, info)
	return err
}

// =============================================================================
// CHUNKING
// =============================================================================

var blankLines = regexp.MustCompile(`\n\s*\n`)

// Chunk splits text into paragraph-aligned pieces of at most size bytes.
// Paragraphs longer than size are cut on line boundaries, then hard-split.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = DefaultConfig("", "").ChunkSize
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	add := func(piece string) {
		if cur.Len() > 0 && cur.Len()+len(piece)+2 > size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(piece)
	}

	for _, para := range blankLines.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= size {
			add(para)
			continue
		}
		flush()
		out = append(out, splitLong(para, size)...)
	}
	flush()
	return out
}

func splitLong(para string, size int) []string {
	var out []string
	var cur strings.Builder
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	for _, line := range strings.Split(para, "\n") {
		for len(line) > size {
			emit(cur.String())
			cur.Reset()
			cut := size
			for cut > 0 && !isRuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = size
			}
			emit(line[:cut])
			line = line[cut:]
		}
		if cur.Len() > 0 && cur.Len()+len(line)+1 > size {
			emit(cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	emit(cur.String())
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
