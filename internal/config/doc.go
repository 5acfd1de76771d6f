// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides typed configuration loading and validation for redloop.
//
// # Key Types
//
//   - Config: every recognized option, grouped by component
//   - LLMConfig, SessionConfig, SearchConfig: collaborator settings
//   - BudgetConfig, AgentConfig: core loop settings
//   - ValidateErrors: all validation failures found in one pass
//   - UnknownKeysError: TOML keys that do not map to an option
//
// # Configuration Precedence
//
//   - Environment variables (REDLOOP_*), including a .env file in the working directory
//   - ~/.redloop/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	timeout := cfg.CommandTimeout()
package config
