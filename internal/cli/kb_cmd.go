// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/jeranaias/redloop/internal/kb"
	"github.com/jeranaias/redloop/internal/logging"
)

// HandleKBIndex handles "redloop kb index [dir]".
func HandleKBIndex(ctx context.Context, args Args, out io.Writer) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return wrap("kb", "logging", err)
	}
	defer closeLog()

	dir := args.KBDir
	if dir == "" {
		dir = cfg.KB.Dir
	}
	if dir == "" {
		return &UsageError{Command: "kb index", Reason: "no directory given and kb.dir is not set"}
	}
	path, err := cfg.KBPath()
	if err != nil {
		return wrap("kb", "resolve path", err)
	}

	idx, err := kb.Open(kb.DefaultConfig(dir, path))
	if err != nil {
		return wrap("kb", "open", err)
	}
	defer idx.Close()
	idx.WithLogger(logging.For("kb"))

	stats, err := idx.IndexAll(ctx)
	if err != nil {
		return wrap("kb", "index", err)
	}
	if args.JSON {
		return writeJSON(out, stats)
	}

	fmt.Fprintln(out, TitleStyle.Render("Knowledge base"))
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Root"), idx.Root())
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Database"), path)
	fmt.Fprintf(out, "%s%d seen, %d indexed, %d unchanged, %d removed\n",
		RenderLabel("Files"), stats.Files, stats.Indexed, stats.Skipped, stats.Removed)
	fmt.Fprintf(out, "%s%d\n", RenderLabel("New chunks"), stats.Chunks)
	return nil
}
