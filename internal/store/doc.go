// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists conversations, model exchanges and plans in SQLite.
//
// One database file holds everything a run produces. The model service uses
// it to replay recent exchanges into each request, and the agent saves the
// plan after every round so an interrupted run can be inspected.
//
// # Key Types
//
//   - Store: the database handle
//   - Message: one stored prompt/response exchange
//   - PlanSummary: a row of the plan listing
//
// # Usage
//
//	st, err := store.Open(path)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	err = st.SavePlan(ctx, p)
package store
