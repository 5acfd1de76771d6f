// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry wires OpenTelemetry tracing and tracks model token usage.
//
// # Tracing
//
// Init installs a global TracerProvider exporting over OTLP/HTTP. Packages
// create their spans through otel.Tracer, so with tracing disabled they run
// against the no-op provider.
//
// # Usage
//
// UsageTracker implements llm.UsageRecorder. It accumulates estimated prompt
// and response tokens per conversation and renders a Report at the end of a
// run:
//
//	usage := telemetry.NewUsageTracker()
//	svc := llm.NewService(backend, cfg, st).WithUsage(usage)
//	...
//	fmt.Print(usage.Report())
//
// Only counts are kept; prompt text is never stored.
package telemetry
