// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/redloop/internal/plan"
	"github.com/jeranaias/redloop/internal/store"
	"github.com/jeranaias/redloop/internal/util"
)

const timeLayout = "2006-01-02 15:04"

// HandlePlans handles "redloop plans".
func HandlePlans(ctx context.Context, args Args, out io.Writer) error {
	st, err := openStore(args, "plans")
	if err != nil {
		return err
	}
	defer st.Close()

	plans, err := st.ListPlans(ctx)
	if err != nil {
		return wrap("plans", "list", err)
	}
	if args.JSON {
		if plans == nil {
			plans = []store.PlanSummary{}
		}
		return writeJSON(out, plans)
	}
	if len(plans) == 0 {
		fmt.Fprintln(out, DimStyle.Render("No plans saved yet."))
		return nil
	}

	fmt.Fprintln(out, TitleStyle.Render(fmt.Sprintf("Plans (%d)", len(plans))))
	goalWidth := max(GetTerminalWidth()-60, 20)
	for _, p := range plans {
		fmt.Fprintf(out, "%s  %s  %s  %s\n",
			DimStyle.Render(p.ID),
			p.UpdatedAt.Local().Format(timeLayout),
			ValueStyle.Render(fmt.Sprintf("%d/%d", p.Finished, p.Total)),
			util.TruncateWidth(p.Goal, goalWidth))
	}
	return nil
}

// HandleShow handles "redloop show <plan-id>".
func HandleShow(ctx context.Context, args Args, out io.Writer) error {
	st, err := openStore(args, "show")
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := st.LoadPlan(ctx, args.PlanID)
	if err != nil {
		return wrap("show", "load plan", err)
	}
	if args.Export != "" {
		if err := store.ExportPlan(args.Export, p); err != nil {
			return wrap("show", "export", err)
		}
		fmt.Fprintln(out, SuccessStyle.Render("Exported to "+args.Export))
		return nil
	}
	if args.JSON {
		return writeJSON(out, p)
	}
	renderPlan(out, p)
	return nil
}

func renderPlan(out io.Writer, p *plan.Plan) {
	done, total := p.Progress()
	fmt.Fprintln(out, TitleStyle.Render("Plan "+p.ID))
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Goal"), WrapText(p.Goal, max(GetTerminalWidth()-16, 20)))
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Created"), p.CreatedAt.Local().Format(timeLayout))
	fmt.Fprintf(out, "%s%d/%d\n", RenderLabel("Progress"), done, total)
	fmt.Fprintln(out, RenderSeparator())

	for _, t := range p.Tasks {
		marker := " "
		if p.CurrentTaskSequence != nil && *p.CurrentTaskSequence == t.Sequence {
			marker = ">"
		}
		deps := ""
		if len(t.Dependencies) > 0 {
			deps = DimStyle.Render(fmt.Sprintf(" after %v", t.Dependencies))
		}
		fmt.Fprintf(out, "%s %3d %s %s %s%s\n",
			marker, t.Sequence, RenderTaskStatus(t.Status()),
			ActionStyle.Render(fmt.Sprintf("%-6s", t.Action)), t.Instruction, deps)
		for _, c := range t.Code {
			fmt.Fprintf(out, "        %s\n", DimStyle.Render("$ "+c))
		}
		if t.Result != "" {
			first, _, _ := strings.Cut(strings.TrimSpace(t.Result), "\n")
			fmt.Fprintf(out, "        %s\n", util.TruncateWidth(first, max(GetTerminalWidth()-10, 20)))
		}
	}
}

func openStore(args Args, command string) (*store.Store, error) {
	cfg, err := loadConfig(args)
	if err != nil {
		return nil, err
	}
	path, err := cfg.StorePath()
	if err != nil {
		return nil, wrap(command, "store", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, wrap(command, "store", err)
	}
	return st, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
