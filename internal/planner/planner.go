// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeranaias/redloop/internal/budget"
	"github.com/jeranaias/redloop/internal/llm"
	"github.com/jeranaias/redloop/internal/plan"
	"github.com/jeranaias/redloop/internal/prompts"
	"github.com/jeranaias/redloop/internal/util"
)

// Sentinel errors.
var (
	// ErrPlanningFailed is returned when no usable initial plan was produced.
	ErrPlanningFailed = errors.New("planning failed")

	// ErrNoPlan is returned by UpdatePlan when no task is active.
	ErrNoPlan = errors.New("no active task")
)

const (
	// RecoverySystemPrompt seeds the conversation opened by recovery.
	RecoverySystemPrompt = "You are a penetration testing expert assistant. Continue with the planned tasks."

	resultFocus    = "Command execution result for penetration testing"
	emergencyFocus = "Emergency summarization due to token limits"
	defaultTask    = "Continue penetration testing"
	resetKBQuery   = "reset conversation"

	recoveredSummaryRunes = 500
)

// Truncation applied to the revision request when it is retried after a
// rate limit.
const (
	retryResultRunes      = 500
	retryDescriptionRunes = 300
	retryListRunes        = 200
	retryKBQueryRunes     = 100
)

// Config holds what the planner tells the model about the engagement.
type Config struct {
	// TargetHost is the primary target.
	TargetHost string
	// Description is the operator's request, cleaned and enriched.
	Description string
}

// Planner drives a single plan. It is not safe for concurrent use.
type Planner struct {
	plan   *plan.Plan
	sender llm.Sender
	budget *budget.Manager
	config Config
	logger *slog.Logger
	tracer trace.Tracer

	// replaced in tests
	now func() time.Time
}

// New creates a Planner for p.
func New(p *plan.Plan, sender llm.Sender, bm *budget.Manager, config Config) *Planner {
	if config.TargetHost == "" {
		config.TargetHost = "target"
	}
	if bm == nil {
		bm = budget.New(budget.DefaultConfig(), sender)
	}
	return &Planner{
		plan:   p,
		sender: sender,
		budget: bm,
		config: config,
		logger: slog.Default().With("component", "planner", "plan", p.ID),
		tracer: otel.Tracer("github.com/jeranaias/redloop/internal/planner"),
		now:    time.Now,
	}
}

// WithLogger replaces the logger.
func (pl *Planner) WithLogger(l *slog.Logger) *Planner {
	pl.logger = l
	return pl
}

// Current returns the plan being driven.
func (pl *Planner) Current() *plan.Plan {
	return pl.plan
}

// =============================================================================
// PLANNING
// =============================================================================

// Plan requests the initial task list and returns the elaboration of the
// first task. A plan that already has a current task is not re-planned.
// On failure the plan is left untouched and the error wraps
// ErrPlanningFailed.
func (pl *Planner) Plan(ctx context.Context) (string, bool, error) {
	ctx, span := pl.tracer.Start(ctx, "planner.plan", trace.WithAttributes(
		attribute.String("plan.id", pl.plan.ID),
	))
	defer span.End()

	if pl.plan.CurrentTask() != nil {
		detail, ok := pl.NextTaskDetail(ctx)
		return detail, ok, nil
	}

	reply, _ := pl.sender.Send(ctx,
		prompts.WritePlan(pl.config.TargetHost, pl.config.Description),
		pl.plan.PlanConversationID,
		llm.WithKBQuery(pl.config.Description))
	pl.logger.Debug("plan response", "reply", util.Head(reply, 2000))

	tasks, err := pl.importTasks(reply)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPlanningFailed, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		pl.logger.Error("failed to build plan", "error", err)
		return "", false, err
	}

	pl.plan.Tasks = tasks
	span.SetAttributes(attribute.Int("plan.tasks", len(tasks)))
	pl.logger.Info("plan created", "tasks", len(tasks))

	detail, ok := pl.NextTaskDetail(ctx)
	return detail, ok, nil
}

func (pl *Planner) importTasks(reply string) ([]*plan.Task, error) {
	specs, err := plan.ParseSpecs(plan.ExtractJSONBlock(reply))
	if err != nil {
		return nil, err
	}
	tasks, err := plan.Import(pl.plan.ID, specs)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, &plan.MalformedPlanError{Reason: "plan has no tasks"}
	}
	return tasks, nil
}

// NextTaskDetail advances to the current task and asks the model to
// elaborate it on the task's own conversation. It returns false when the
// plan has no task left.
func (pl *Planner) NextTaskDetail(ctx context.Context) (string, bool) {
	t := pl.plan.Advance()
	if t == nil {
		pl.logger.Info("no task left")
		return "", false
	}
	pl.logger.Info("current task", "sequence", t.Sequence, "action", t.Action, "instruction", t.Instruction)

	convID := llm.DeriveTaskConversationID(pl.plan.TaskConversationID, t.Sequence)
	reply, _ := pl.sender.Send(ctx,
		prompts.NextTask(t.Instruction, pl.config.Description),
		convID,
		llm.WithKBQuery(t.Instruction))
	if llm.IsErrorResponse(reply) || strings.TrimSpace(reply) == "" {
		pl.logger.Warn("task elaboration unavailable, using instruction", "sequence", t.Sequence)
		return t.Instruction, true
	}
	return reply, true
}

// =============================================================================
// UPDATE
// =============================================================================

// UpdatePlan judges the active task's result, records it, revises the plan
// and returns the elaboration of the next task. It returns false when the
// plan is finished.
func (pl *Planner) UpdatePlan(ctx context.Context, result string) (string, bool, error) {
	t := pl.plan.ActiveTask()
	if t == nil {
		t = pl.plan.Advance()
	}
	if t == nil {
		return "", false, ErrNoPlan
	}

	ctx, span := pl.tracer.Start(ctx, "planner.update", trace.WithAttributes(
		attribute.String("plan.id", pl.plan.ID),
		attribute.Int("task.sequence", t.Sequence),
	))
	defer span.End()

	if pl.budget.NeedsSummarization(result) {
		pl.logger.Info("result over budget, summarizing", "sequence", t.Sequence)
		result = pl.budget.Summarize(ctx, result, pl.plan.TaskConversationID, resultFocus)
	}

	verdict, _ := pl.sender.Send(ctx, prompts.CheckSuccess(result), pl.plan.TaskConversationID)
	if rateLimited(verdict) {
		pl.logger.Warn("rate limit while judging result, recovering")
		detail, ok := pl.recover(ctx, result)
		return detail, ok, nil
	}

	success, found := ParseSuccessFlag(verdict)
	if !found {
		pl.logger.Warn("no yes/no verdict, treating as failure", "reply", util.Head(verdict, 200))
	}
	t.Finish(success, result)
	span.SetAttributes(attribute.Bool("task.success", success))
	pl.logger.Info("task finished", "sequence", t.Sequence, "success", success)

	revision := pl.revise(ctx, t)
	if rateLimited(revision) {
		pl.logger.Warn("rate limit while revising plan, recovering")
		detail, ok := pl.recover(ctx, result)
		return detail, ok, nil
	}
	pl.applyRevision(revision)

	detail, ok := pl.NextTaskDetail(ctx)
	return detail, ok, nil
}

// rateLimited reports whether a reply is a failed call that hit a rate or
// size limit. Only error-marked replies count, so a model merely mentioning
// "TPM" does not trigger recovery.
func rateLimited(reply string) bool {
	return llm.IsErrorResponse(reply) && llm.IsRateLimit(reply)
}

// revise asks for a revised plan after t finished. On a rate limit the
// request is retried once, trimmed, on the "{plan}_retry" conversation.
func (pl *Planner) revise(ctx context.Context, t *plan.Task) string {
	successList := plan.FormatTasks(pl.plan.FinishedSuccessTasks())
	failList := plan.FormatTasks(pl.plan.FinishedFailTasks())

	if pl.budget.NeedsSummarization(t.Result+successList+failList) && pl.budget.NeedsSummarization(t.Result) {
		t.Result = pl.budget.Summarize(ctx, t.Result, pl.plan.PlanConversationID+"_update", "Task result for: "+t.Instruction)
		// The lists embed task results; re-render after the summary.
		successList = plan.FormatTasks(pl.plan.FinishedSuccessTasks())
		failList = plan.FormatTasks(pl.plan.FinishedFailTasks())
	}

	u := prompts.Update{
		TargetHost:      pl.config.TargetHost,
		UserInstruction: pl.config.Description,
		InitDescription: pl.config.Description,
		CurrentTask:     t.Instruction,
		CurrentCode:     formatCode(t.Code),
		TaskResult:      t.Result,
		SuccessTasks:    successList,
		FailTasks:       failList,
	}
	reply, _ := pl.sender.Send(ctx, prompts.UpdatePlan(u), pl.plan.PlanConversationID, llm.WithKBQuery(t.Instruction))
	if !rateLimited(reply) {
		return reply
	}

	pl.logger.Warn("plan revision rate limited, retrying with trimmed request")
	if util.RuneLen(u.TaskResult) > retryResultRunes {
		u.TaskResult = util.Head(u.TaskResult, retryResultRunes) + "..."
	}
	u.InitDescription = util.Head(u.InitDescription, retryDescriptionRunes)
	u.CurrentCode = util.Head(u.CurrentCode, retryListRunes)
	u.SuccessTasks = util.Head(u.SuccessTasks, retryListRunes)
	u.FailTasks = util.Head(u.FailTasks, retryListRunes)

	reply, _ = pl.sender.Send(ctx, prompts.UpdatePlan(u), pl.plan.PlanConversationID+"_retry",
		llm.WithKBQuery(util.Head(t.Instruction, retryKBQueryRunes)))
	return reply
}

// applyRevision merges a revision into the plan. Empty or unparseable
// revisions keep the current tasks.
func (pl *Planner) applyRevision(reply string) {
	text := plan.ExtractJSONBlock(reply)
	if text == "" {
		pl.logger.Warn("empty plan revision, keeping current tasks")
		return
	}

	specs, err := plan.ParseSpecs(text)
	if err == nil {
		var merged []*plan.Task
		merged, err = plan.Merge(pl.plan.ID, specs, pl.plan.Tasks)
		if err == nil {
			pl.plan.Tasks = merged
			pl.logger.Info("plan revised", "tasks", len(merged))
			return
		}
	}
	// A plan-parse failure, not an execution failure: the task outcome stands.
	pl.logger.Error("plan revision unparseable, keeping current tasks", "error", err)
}

func formatCode(code []string) string {
	if len(code) == 0 {
		return "None"
	}
	return strings.Join(code, "\n")
}

// =============================================================================
// RECOVERY
// =============================================================================

// recover summarizes result, moves the plan onto a fresh conversation seeded
// with a clean context, closes the active task and advances. If the fresh
// conversation cannot be opened an unfinished task is closed as failed.
func (pl *Planner) recover(ctx context.Context, result string) (string, bool) {
	ctx, span := pl.tracer.Start(ctx, "planner.recover", trace.WithAttributes(
		attribute.String("plan.id", pl.plan.ID),
	))
	defer span.End()

	summary := pl.budget.Summarize(ctx, result, pl.plan.TaskConversationID+"_emergency", emergencyFocus)

	t := pl.plan.ActiveTask()
	current := defaultTask
	if t != nil {
		current = t.Instruction
	}

	clean := budget.BuildCleanContext(pl.config.Description, RecoverySystemPrompt, summary, current)
	newID := llm.ResetConversationID(pl.plan.TaskConversationID, pl.now())
	reply, _ := pl.sender.Send(ctx, clean, newID, llm.WithKBQuery(resetKBQuery))

	if llm.IsErrorResponse(reply) {
		span.SetStatus(codes.Error, "reset failed")
		pl.logger.Error("conversation reset failed, moving on", "reply", util.Head(reply, 200))
		if t != nil && !t.IsFinished {
			t.Finish(false, util.Head(summary, recoveredSummaryRunes))
		}
		return pl.NextTaskDetail(ctx)
	}

	pl.plan.TaskConversationID = newID
	pl.plan.PlanConversationID = llm.PlanConversationID(newID)
	pl.logger.Info("conversation reset", "conversation", newID)

	if t != nil {
		t.Finish(true, "Task completed. Summary: "+util.Head(summary, recoveredSummaryRunes)+"...")
	}
	span.SetAttributes(attribute.String("conversation.id", newID))
	return pl.NextTaskDetail(ctx)
}
