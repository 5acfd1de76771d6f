// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jeranaias/redloop/internal/agent"
	"github.com/jeranaias/redloop/internal/budget"
	"github.com/jeranaias/redloop/internal/config"
	"github.com/jeranaias/redloop/internal/dispatch"
	"github.com/jeranaias/redloop/internal/kb"
	"github.com/jeranaias/redloop/internal/llm"
	"github.com/jeranaias/redloop/internal/logging"
	"github.com/jeranaias/redloop/internal/plan"
	"github.com/jeranaias/redloop/internal/search"
	"github.com/jeranaias/redloop/internal/store"
	"github.com/jeranaias/redloop/internal/telemetry"
	"github.com/jeranaias/redloop/internal/terminal"
	"github.com/jeranaias/redloop/internal/util"
)

// HandleRun handles "redloop run".
func HandleRun(ctx context.Context, args Args, out io.Writer) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	mode, err := dispatch.ParseMode(cfg.Agent.Mode)
	if err != nil {
		return &UsageError{Command: "run", Reason: err.Error()}
	}

	closeLog, err := setupLogging(cfg)
	if err != nil {
		return wrap("run", "logging", err)
	}
	defer closeLog()
	logger := logging.For("cli")

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "redloop",
			ServiceVersion: Version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			defer shutdown(context.WithoutCancel(ctx))
		}
	}

	dbPath, err := cfg.StorePath()
	if err != nil {
		return wrap("run", "store", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return wrap("run", "store", err)
	}
	defer st.Close()

	backend, err := llm.NewBackend(cfg, logging.For("llm"))
	if err != nil {
		return wrap("run", "model backend", err)
	}
	usage := telemetry.NewUsageTracker()
	svc := llm.NewService(backend, llm.ServiceConfigFrom(cfg), st).
		WithUsage(usage).
		WithLogger(logging.For("llm"))

	if cfg.KB.Enabled {
		idx, stopKB, err := openKB(ctx, cfg, logger)
		if err != nil {
			logger.Warn("knowledge base unavailable", "error", err)
		} else {
			defer stopKB()
			svc.WithRetriever(idx)
		}
	}

	var shell dispatch.Shell
	if mode != dispatch.ModeManual {
		sess, err := openSession(ctx, cfg)
		if err != nil {
			logger.Warn("no remote session", "error", err)
			fmt.Fprintln(out, RenderConditional(WarningStyle, "No remote session: "+err.Error()))
		} else {
			defer sess.Close()
			shell = sess
		}
	}

	var searcher search.Searcher
	if s, err := search.New(cfg); err != nil {
		logger.Warn("search disabled", "error", err)
	} else {
		searcher = s
	}

	d := dispatch.New(mode, shell, searcher).WithLogger(logging.For("dispatch"))
	if mode != dispatch.ModeAuto && IsTTY() {
		in := NewOperatorInput()
		defer in.Close()
		d.WithManualInput(in)
	}

	bm := budget.New(budget.Config{
		CharsPerToken: cfg.Budget.CharsPerToken,
		MaxTokensSafe: cfg.Budget.MaxTokensSafe,
	}, svc)

	runner := agent.NewRunner(svc, d, bm, st, agent.Config{
		MaxRounds:  cfg.Agent.MaxRounds,
		TargetHost: cfg.Agent.TargetHost,
	}).WithLogger(logging.For("agent"))
	runner.OnRound = func(round int, t *plan.Task, p *plan.Plan) {
		done, total := p.Progress()
		fmt.Fprintf(out, "%s %s %s %s\n",
			DimStyle.Render(fmt.Sprintf("round %2d", round)),
			RenderTaskStatus(t.Status()),
			ActionStyle.Render(fmt.Sprintf("%-6s", t.Action)),
			util.TruncateWidth(fmt.Sprintf("%s (%d/%d)", t.Instruction, done, total), GetTerminalWidth()-30))
	}

	fmt.Fprintln(out, TitleStyle.Render("redloop "+Version))
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Goal"), ValueStyle.Render(util.TruncateWidth(args.Goal, 60)))
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Mode"), ValueStyle.Render(mode.String()))
	fmt.Fprintf(out, "%s%s\n\n", RenderLabel("Model"), ValueStyle.Render(backend.Name()+"/"+backend.Model()))

	outcome, runErr := runner.Run(ctx, args.Goal)
	printOutcome(out, outcome)
	fmt.Fprintln(out, SectionStyle.Render("Usage"))
	fmt.Fprint(out, usage.Report())

	if args.UsageFile != "" {
		if err := usage.Save(args.UsageFile); err != nil {
			logger.Warn("failed to write usage file", "path", args.UsageFile, "error", err)
		}
	}
	return wrap("run", "engagement", runErr)
}

func printOutcome(out io.Writer, o agent.Outcome) {
	fmt.Fprintln(out, RenderSeparator())
	if o.PlanID == "" {
		return
	}
	status := RenderConditional(SuccessStyle, "complete")
	if !o.Complete {
		status = RenderConditional(WarningStyle, "incomplete")
	}
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Plan"), o.PlanID)
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Target"), o.Target)
	fmt.Fprintf(out, "%s%d/%d tasks in %d rounds, %s\n", RenderLabel("Progress"), o.Done, o.Total, o.Rounds, status)
}

// openSession connects to the configured host, asking for the password on
// the terminal when none is configured.
func openSession(ctx context.Context, cfg *config.Config) (*terminal.Session, error) {
	if cfg.Session.Host == "" {
		return nil, fmt.Errorf("session.host is not configured")
	}
	if cfg.Session.Password == "" && cfg.Session.KeyFile == "" && IsTTY() {
		pw, err := ReadPassword(fmt.Sprintf("SSH password for %s@%s: ", cfg.Session.User, cfg.Session.Host))
		if err != nil {
			return nil, err
		}
		cfg.Session.Password = pw
	}
	return terminal.Open(ctx, cfg, logging.For("terminal"))
}

// openKB opens and refreshes the knowledge base, starting a watcher when
// configured. The returned func releases both.
func openKB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*kb.Index, func(), error) {
	path, err := cfg.KBPath()
	if err != nil {
		return nil, nil, err
	}
	idx, err := kb.Open(kb.DefaultConfig(cfg.KB.Dir, path))
	if err != nil {
		return nil, nil, err
	}
	idx.WithLogger(logging.For("kb"))
	if _, err := idx.IndexAll(ctx); err != nil {
		idx.Close()
		return nil, nil, err
	}

	var w *kb.Watcher
	if cfg.KB.Watch {
		if w, err = idx.Watch(ctx); err != nil {
			logger.Warn("knowledge base watch disabled", "error", err)
		}
	}
	return idx, func() {
		if w != nil {
			w.Close()
		}
		idx.Close()
	}, nil
}
