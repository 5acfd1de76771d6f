// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompts holds the model prompts, embedded from templates/.
// Placeholders are written {name} and filled by the typed helpers.
package prompts
