// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package planner drives one plan through its life cycle: initial planning,
// per-task elaboration, success judgment, plan revision and rate-limit
// recovery.
//
// # States
//
//	NoPlan  --Plan-->        HasPlan
//	HasPlan --UpdatePlan-->  HasPlan (task finished, plan revised, advanced)
//	HasPlan --NextTaskDetail with no task left--> done
//
// Recovery replaces the plan and task conversations with a fresh one seeded
// by a summary. It is attempted at most once per stage and always advances
// the plan, successfully or not.
package planner
