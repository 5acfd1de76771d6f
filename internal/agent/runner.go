// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeranaias/redloop/internal/budget"
	"github.com/jeranaias/redloop/internal/dispatch"
	"github.com/jeranaias/redloop/internal/llm"
	"github.com/jeranaias/redloop/internal/plan"
	"github.com/jeranaias/redloop/internal/planner"
	"github.com/jeranaias/redloop/internal/prompts"
	"github.com/jeranaias/redloop/internal/util"
)

// DefaultMaxRounds bounds the task loop.
const DefaultMaxRounds = 30

// planAttempts is how many times initial planning is tried.
const planAttempts = 2

// PlanStore persists plans between rounds.
type PlanStore interface {
	SavePlan(ctx context.Context, p *plan.Plan) error
}

// Config holds runner settings.
type Config struct {
	// MaxRounds bounds dispatch rounds. Zero means DefaultMaxRounds.
	MaxRounds int
	// TargetHost overrides the target parsed from the request.
	TargetHost string
}

// Outcome summarizes a run.
type Outcome struct {
	PlanID   string
	Target   string
	Rounds   int
	Done     int
	Total    int
	Complete bool
}

// Runner drives one engagement.
type Runner struct {
	sender     llm.Sender
	dispatcher *dispatch.Dispatcher
	budget     *budget.Manager
	store      PlanStore
	config     Config
	logger     *slog.Logger
	tracer     trace.Tracer

	// OnRound, when set, is called after each round with the finished task.
	OnRound func(round int, t *plan.Task, p *plan.Plan)
}

// NewRunner creates a Runner. store may be nil.
func NewRunner(sender llm.Sender, d *dispatch.Dispatcher, bm *budget.Manager, store PlanStore, config Config) *Runner {
	if config.MaxRounds <= 0 {
		config.MaxRounds = DefaultMaxRounds
	}
	if bm == nil {
		bm = budget.New(budget.DefaultConfig(), sender)
	}
	return &Runner{
		sender:     sender,
		dispatcher: d,
		budget:     bm,
		store:      store,
		config:     config,
		logger:     slog.Default().With("component", "agent"),
		tracer:     otel.Tracer("github.com/jeranaias/redloop/internal/agent"),
	}
}

// WithLogger replaces the logger.
func (r *Runner) WithLogger(l *slog.Logger) *Runner {
	r.logger = l
	return r
}

// =============================================================================
// RUN
// =============================================================================

// targetSetter is implemented by senders that rewrite retrieved passages
// for the engagement target, such as *llm.Service.
type targetSetter interface {
	SetTargetHost(host string)
}

// Run executes goal until the plan is finished, the round limit is reached
// or ctx is cancelled. The returned Outcome is valid even when err is set.
func (r *Runner) Run(ctx context.Context, goal string) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "agent.run")
	defer span.End()

	req := ParseRequest(ctx, r.sender, goal)
	target := r.config.TargetHost
	if target == "" {
		target = req.Target.Primary()
	}
	if ts, ok := r.sender.(targetSetter); ok && target != unknownTarget {
		ts.SetTargetHost(target)
	}
	description := req.Description()
	r.logger.Info("engagement parsed", "target", target, "description", util.Head(description, 200))

	p := plan.New(goal, llm.NewConversationID(), llm.NewConversationID())
	pl := planner.New(p, r.sender, r.budget, planner.Config{
		TargetHost:  target,
		Description: description,
	}).WithLogger(r.logger.With("plan", p.ID))

	out := Outcome{PlanID: p.ID, Target: target}
	span.SetAttributes(attribute.String("plan.id", p.ID), attribute.String("target", target))

	var (
		detail string
		ok     bool
		err    error
	)
	for attempt := 1; attempt <= planAttempts; attempt++ {
		detail, ok, err = pl.Plan(ctx)
		if err == nil || !errors.Is(err, planner.ErrPlanningFailed) {
			break
		}
		r.logger.Warn("planning failed", "attempt", attempt, "error", err)
	}
	if err != nil {
		return out, err
	}
	r.save(ctx, p)

	for ok && out.Rounds < r.config.MaxRounds {
		if err := ctx.Err(); err != nil {
			r.finish(&out, p)
			return out, err
		}
		t := p.ActiveTask()
		if t == nil {
			break
		}
		out.Rounds++

		code := r.writeCode(ctx, t.Action, detail, target, description)
		res := r.dispatcher.Run(ctx, t.Action, code)
		t.Code = res.Code

		detail, ok, err = pl.UpdatePlan(ctx, res.Response)
		r.save(ctx, p)
		if r.OnRound != nil {
			r.OnRound(out.Rounds, t, p)
		}
		if err != nil {
			r.finish(&out, p)
			return out, fmt.Errorf("round %d: %w", out.Rounds, err)
		}
	}

	r.finish(&out, p)
	if ok {
		r.logger.Warn("round limit reached", "rounds", out.Rounds)
	}
	r.logger.Info("engagement finished", "rounds", out.Rounds, "done", out.Done, "total", out.Total)
	return out, nil
}

// writeCode asks for directives for one task on a fresh conversation, so
// earlier tasks do not leak into the commands.
func (r *Runner) writeCode(ctx context.Context, action plan.Action, detail, target, description string) string {
	var prompt string
	if action == plan.ActionSearch {
		prompt = prompts.WriteSearch(detail, target, description)
	} else {
		prompt = prompts.WriteCode(detail, target, description)
	}
	reply, _ := r.sender.Send(ctx, prompt, "")
	r.logger.Debug("directives written", "action", action, "reply", util.Head(reply, 1000))
	return reply
}

func (r *Runner) save(ctx context.Context, p *plan.Plan) {
	if r.store == nil {
		return
	}
	if err := r.store.SavePlan(ctx, p); err != nil {
		r.logger.Warn("failed to save plan", "plan", p.ID, "error", err)
	}
}

func (r *Runner) finish(out *Outcome, p *plan.Plan) {
	out.Done, out.Total = p.Progress()
	out.Complete = p.IsComplete()
}
