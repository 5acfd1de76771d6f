// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
)

// HandleConfig prints the effective configuration with secrets masked.
func HandleConfig(args Args, out io.Writer) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if args.ConfigPath != "" {
		fmt.Fprintln(out, DimStyle.Render("# "+args.ConfigPath))
	}
	fmt.Fprint(out, cfg.String())
	return nil
}
