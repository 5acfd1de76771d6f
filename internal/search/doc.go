// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package search provides the web intelligence collaborator used by Search
// tasks.
//
// Two providers implement Searcher:
//
//   - Tavily: the Tavily /search API, the default when an API key is set.
//   - DuckDuckGo: the keyless HTML endpoint, used as the fallback.
//
// Both render results in the same text layout (see Format) so the planner
// sees a consistent transcript regardless of provider.
//
// Usage:
//
//	s, err := search.New(cfg)
//	text, err := s.Search(ctx, "CVE-2011-2523 vsftpd exploit", 3)
package search
