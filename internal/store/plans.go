// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/redloop/internal/plan"
	"github.com/jeranaias/redloop/internal/util"
)

// PlanSummary is one row of ListPlans.
type PlanSummary struct {
	ID        string
	Goal      string
	Total     int
	Finished  int
	Succeeded int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SavePlan writes p and replaces its tasks in a single transaction.
func (s *Store) SavePlan(ctx context.Context, p *plan.Plan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if p.CurrentTaskSequence != nil {
		current = sql.NullInt64{Int64: int64(*p.CurrentTaskSequence), Valid: true}
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (id, goal, plan_conversation_id, task_conversation_id, current_task_sequence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			plan_conversation_id = excluded.plan_conversation_id,
			task_conversation_id = excluded.task_conversation_id,
			current_task_sequence = excluded.current_task_sequence,
			updated_at = excluded.updated_at`,
		p.ID, p.Goal, p.PlanConversationID, p.TaskConversationID, current, p.CreatedAt.Unix(), now)
	if err != nil {
		return fmt.Errorf("save plan %s: %w", p.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE plan_id = ?`, p.ID); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (plan_id, sequence, action, instruction, dependencies, code, result, is_finished, is_success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range p.Tasks {
		deps, err := json.Marshal(nonNilInts(t.Dependencies))
		if err != nil {
			return err
		}
		code, err := json.Marshal(nonNilStrings(t.Code))
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, p.ID, t.Sequence, t.Action.String(), t.Instruction,
			string(deps), string(code), t.Result, t.IsFinished, t.IsSuccess); err != nil {
			return fmt.Errorf("save task %d: %w", t.Sequence, err)
		}
	}

	return tx.Commit()
}

// LoadPlan reads a plan and its tasks. Returns ErrNotFound for unknown ids.
func (s *Store) LoadPlan(ctx context.Context, id string) (*plan.Plan, error) {
	p := &plan.Plan{ID: id}
	var current sql.NullInt64
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT goal, plan_conversation_id, task_conversation_id, current_task_sequence, created_at
		FROM plans WHERE id = ?`, id).
		Scan(&p.Goal, &p.PlanConversationID, &p.TaskConversationID, &current, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", id, err)
	}
	p.CreatedAt = time.Unix(created, 0)
	if current.Valid {
		seq := int(current.Int64)
		p.CurrentTaskSequence = &seq
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, action, instruction, dependencies, code, result, is_finished, is_success
		FROM tasks WHERE plan_id = ? ORDER BY sequence`, id)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t := &plan.Task{PlanID: id}
		var action, deps, code string
		if err := rows.Scan(&t.Sequence, &action, &t.Instruction, &deps, &code,
			&t.Result, &t.IsFinished, &t.IsSuccess); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if t.Action, err = plan.ParseAction(action); err != nil {
			return nil, fmt.Errorf("task %d: %w", t.Sequence, err)
		}
		if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("task %d dependencies: %w", t.Sequence, err)
		}
		if err := json.Unmarshal([]byte(code), &t.Code); err != nil {
			return nil, fmt.Errorf("task %d code: %w", t.Sequence, err)
		}
		p.Tasks = append(p.Tasks, t)
	}
	return p, rows.Err()
}

// ListPlans returns every stored plan, most recently updated first.
func (s *Store) ListPlans(ctx context.Context) ([]PlanSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.goal, p.created_at, p.updated_at,
		       COUNT(t.sequence),
		       COALESCE(SUM(t.is_finished), 0),
		       COALESCE(SUM(t.is_success), 0)
		FROM plans p LEFT JOIN tasks t ON t.plan_id = p.id
		GROUP BY p.id
		ORDER BY p.updated_at DESC, p.id`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []PlanSummary
	for rows.Next() {
		var ps PlanSummary
		var created, updated int64
		if err := rows.Scan(&ps.ID, &ps.Goal, &created, &updated, &ps.Total, &ps.Finished, &ps.Succeeded); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		ps.CreatedAt = time.Unix(created, 0)
		ps.UpdatedAt = time.Unix(updated, 0)
		out = append(out, ps)
	}
	return out, rows.Err()
}

// ExportPlan writes p as indented JSON to path atomically.
func ExportPlan(path string, p *plan.Plan) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0600)
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
