// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package terminal drives an interactive shell on the target host.
//
// Commands are written to a prompt-driven channel and output is collected
// until the prompt classifier decides the command has finished, a bounded
// number of secondary prompts has been seen, or the per-command timeout
// expires. Output is treated as hostile: concealed ANSI payloads are replaced
// with a warning before anything reaches the model.
//
// # Key Types
//
//   - Channel: the raw interactive byte stream (SSHChannel in production)
//   - Session: command execution over a Channel
//   - Verdict: classifier outcome (Continue, Done, TimeoutAbort)
//
// # Usage
//
//	ch, err := terminal.DialSSH(ctx, sshCfg)
//	if err != nil {
//	    return err
//	}
//	sess := terminal.NewSession(ch, terminal.DefaultConfig())
//	if err := sess.Setup(ctx); err != nil {
//	    logger.Warn("shell setup incomplete", "error", err)
//	}
//	out, err := sess.Execute(ctx, "id")
//
// # Prompt Detection
//
// Classify is a pure function of the cleaned last line, the raw buffer, the
// secondary-prompt retry count and the elapsed time. It is exercised
// directly by table tests.
package terminal
