// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeranaias/redloop/internal/plan"
	"github.com/jeranaias/redloop/internal/search"
	"github.com/jeranaias/redloop/internal/terminal"
	"github.com/jeranaias/redloop/internal/util"
)

// =============================================================================
// MODES
// =============================================================================

// Mode selects who carries out each action.
type Mode int

const (
	// ModeAuto runs everything unattended.
	ModeAuto Mode = iota

	// ModeSemi runs Shell and Search, and asks the operator for the rest.
	ModeSemi

	// ModeManual asks the operator for every action.
	ModeManual
)

// String returns the config name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeSemi:
		return "semi"
	case ModeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseMode maps a config value to a Mode. Empty means auto.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "semi", "semiauto", "semi-auto":
		return ModeSemi, nil
	case "manual":
		return ModeManual, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Shell runs commands on the target session. *terminal.Session satisfies it.
type Shell interface {
	Execute(ctx context.Context, cmd string) (string, error)
	Interrupt() error
}

// ManualInput reads a result typed by the operator.
type ManualInput interface {
	ReadInput(prompt string) (string, error)
}

// Transcript texts.
const (
	ManualPrompt      = "Please enter the manual run command and enter the result.\n> "
	NoQueriesMessage  = "No search queries provided."
	NoSessionMessage  = "Before sending a remote command you need to set-up an SSH connection."
	NoOperatorMessage = "Manual input is not available in this session."
)

const (
	searchResultsPerQuery = 3
	retryPause            = 500 * time.Millisecond
)

var (
	passwordPrompts = []string{"password:", "Password for", "[sudo] password for"}
	subshellPrompts = []string{"smb:", "ftp>"}
	subshellErrors  = []string{"command not found", "?Invalid command."}
)

// ExecutionResult is what one task execution produced.
type ExecutionResult struct {
	Action      plan.Action
	Instruction string
	// Code is the directives actually carried out.
	Code     []string
	Response string
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher routes task actions to the shell, the search provider or the
// operator.
type Dispatcher struct {
	mode     Mode
	shell    Shell
	searcher search.Searcher
	manual   ManualInput
	logger   *slog.Logger
	tracer   trace.Tracer

	// replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher. shell or searcher may be nil; actions that need
// them then report an advisory transcript.
func New(mode Mode, shell Shell, searcher search.Searcher) *Dispatcher {
	return &Dispatcher{
		mode:     mode,
		shell:    shell,
		searcher: searcher,
		logger:   slog.Default().With("component", "dispatch"),
		tracer:   otel.Tracer("github.com/jeranaias/redloop/internal/dispatch"),
		sleep:    sleepContext,
	}
}

// WithManualInput sets the operator input used by semi and manual modes.
func (d *Dispatcher) WithManualInput(m ManualInput) *Dispatcher {
	d.manual = m
	return d
}

// WithLogger replaces the logger.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	d.logger = l
	return d
}

// Mode returns the dispatch mode.
func (d *Dispatcher) Mode() Mode { return d.mode }

type route int

const (
	routeShell route = iota
	routeSearch
	routeManual
)

func (d *Dispatcher) route(action plan.Action) route {
	switch d.mode {
	case ModeManual:
		return routeManual
	case ModeSemi:
		switch action {
		case plan.ActionShell:
			return routeShell
		case plan.ActionSearch:
			return routeSearch
		default:
			return routeManual
		}
	default:
		if action == plan.ActionSearch {
			return routeSearch
		}
		return routeShell
	}
}

// Run carries out raw, the model-written instruction for a task of the given
// action. It never fails: problems are reported in the transcript.
func (d *Dispatcher) Run(ctx context.Context, action plan.Action, raw string) ExecutionResult {
	ctx, span := d.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("dispatch.action", action.String()),
		attribute.String("dispatch.mode", d.mode.String()),
	))
	defer span.End()

	result := ExecutionResult{Action: action, Instruction: raw}
	switch d.route(action) {
	case routeSearch:
		result.Response, result.Code = d.runSearch(ctx, raw)
	case routeShell:
		result.Response, result.Code = d.runShell(ctx, action, raw)
	default:
		result.Response = d.runManual()
	}

	response, found := terminal.Sanitize(result.Response)
	if found > 0 {
		d.logger.Warn("concealed payload removed from transcript", "count", found)
	}
	result.Response = response

	span.SetAttributes(attribute.Int("dispatch.directives", len(result.Code)))
	return result
}

// =============================================================================
// SEARCH
// =============================================================================

func (d *Dispatcher) runSearch(ctx context.Context, raw string) (string, []string) {
	queries := ParseDirectives(plan.ActionSearch, raw)
	if len(queries) == 0 {
		d.logger.Warn("no search queries in instruction")
		return NoQueriesMessage, nil
	}
	if d.searcher == nil {
		return "Search operation failed: " + search.ErrNotConfigured.Error(), nil
	}

	d.logger.Info("running searches", "queries", len(queries))

	var sb strings.Builder
	var executed []string
	for i, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if IsCommandLike(q) {
			warning := fmt.Sprintf("Rejected query %d: looks like a shell command -> %s", i+1, q)
			d.logger.Warn(warning)
			sb.WriteString(warning + "\n")
			continue
		}

		executed = append(executed, q)
		fmt.Fprintf(&sb, "Search Query %d: %s\n", len(executed), q)
		res, err := d.searcher.Search(ctx, q, searchResultsPerQuery)
		if err != nil {
			d.logger.Error("search failed", "query", q, "error", err)
			return "Search operation failed: " + err.Error(), nil
		}
		fmt.Fprintf(&sb, "Search Results:\n%s\n\n", res)
	}
	return sb.String(), executed
}

// =============================================================================
// SHELL
// =============================================================================

type step struct {
	cmd, output string
}

func render(steps []step) string {
	var sb strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&sb, "Action:%s\nObservation: %s\n", s.cmd, s.output)
	}
	return sb.String()
}

func (d *Dispatcher) runShell(ctx context.Context, action plan.Action, raw string) (string, []string) {
	code := ParseDirectives(action, raw)
	if d.shell == nil {
		return NoSessionMessage, code
	}
	d.logger.Info("running commands", "count", len(code))

	transcript, err := d.shellSteps(ctx, code)
	if err != nil {
		d.logger.Error("session failure", "error", err)
		return NoSessionMessage, code
	}
	return transcript, code
}

func (d *Dispatcher) shellSteps(ctx context.Context, code []string) (string, error) {
	var steps []step
	skipNext := false

	for i, cmd := range code {
		if skipNext {
			skipNext = false
			continue
		}

		out, err := d.shell.Execute(ctx, cmd)
		if err != nil {
			return "", err
		}
		steps = append(steps, step{cmd, out})

		lines := strings.Split(strings.TrimSpace(out), "\n")
		last := util.LastLine(out)

		if containsAny(last, passwordPrompts) {
			if i+1 < len(code) {
				// The next directive is the password.
				next := code[i+1]
				nextOut, err := d.shell.Execute(ctx, next)
				if err != nil {
					return "", err
				}
				steps = append(steps, step{next, nextOut})
				skipNext = true

				if containsAny(util.LastLine(nextOut), passwordPrompts) {
					d.logger.Warn("password rejected, retrying once", "command", cmd)
					d.interrupt()
					if err := d.sleep(ctx, retryPause); err != nil {
						return "", err
					}
					retry, err := d.shell.Execute(ctx, next)
					if err != nil {
						return "", err
					}
					steps[len(steps)-1] = step{next, retry}
				}
			} else {
				d.interrupt()
			}
		}

		if containsAny(last, subshellPrompts) && len(lines) > 1 && containsAny(lines[len(lines)-2], subshellErrors) {
			// A shell command was typed into smbclient or ftp: leave and rerun.
			if _, err := d.shell.Execute(ctx, "exit"); err != nil {
				return "", err
			}
			if err := d.sleep(ctx, retryPause); err != nil {
				return "", err
			}
			rerun, err := d.shell.Execute(ctx, cmd)
			if err != nil {
				return "", err
			}
			steps[len(steps)-1] = step{cmd, rerun}
		}
	}
	return render(steps), nil
}

func (d *Dispatcher) interrupt() {
	if err := d.shell.Interrupt(); err != nil {
		d.logger.Warn("interrupt failed", "error", err)
	}
}

// =============================================================================
// MANUAL
// =============================================================================

func (d *Dispatcher) runManual() string {
	if d.manual == nil {
		return NoOperatorMessage
	}
	input, err := d.manual.ReadInput(ManualPrompt)
	if err != nil {
		d.logger.Warn("manual input aborted", "error", err)
		return ""
	}
	return input
}

// =============================================================================
// HELPERS
// =============================================================================

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
