// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/jeranaias/redloop/internal/config"
	"github.com/jeranaias/redloop/internal/logging"
)

// Version information, set at build time.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command is the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdRun
	CmdPlans
	CmdShow
	CmdKB
	CmdConfig
	CmdVersion
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string
	Verbose    bool
	JSON       bool

	// run
	Goal      string
	Target    string
	Mode      string
	MaxRounds int
	UsageFile string

	// show
	PlanID string
	Export string

	// kb
	Subcommand string
	KBDir      string
}

const usageText = `redloop - autonomous penetration testing agent

Usage:
  redloop run --goal "..." [options]   Run an engagement
  redloop plans [--json]               List stored plans
  redloop show <plan-id> [options]     Show the tasks of a plan
  redloop kb index [dir]               Build the knowledge base index
  redloop config                       Print the effective configuration
  redloop version                      Print version information
  redloop help                         Show this help

Run options:
  --goal TEXT          What to test; may also be given as positional words
  --target HOST        Override the target parsed from the goal
  --mode MODE          auto, semi or manual (default from config)
  --max-rounds N       Stop after N tasks
  --usage-file PATH    Write token usage as JSON when the run ends

Show options:
  --json               Print the plan as JSON
  --export PATH        Write the plan as JSON to PATH

Global options:
  --config PATH        Config file (default ~/.redloop/config.toml)
  -v, --verbose        Debug logging

Configuration is read from TOML, then .env, then REDLOOP_* variables.

Examples:
  redloop run --goal "Get root on 10.10.10.3, no denial of service"
  redloop run --target 10.10.10.3 --mode semi scan and exploit the ftp service
  redloop show 1f0c6b1e-8a4b-4a3e-9d55-2f7f4f3c8a10
`

// boolFlags names the flags that take no value.
var boolFlags = []string{"v", "verbose", "json", "h", "help", "version"}

// Parse parses argv, not including the program name.
func Parse(argv []string) (Command, Args, error) {
	p := NewArgParser(argv, boolFlags...)

	args := Args{
		ConfigPath: p.Flag("config"),
		Verbose:    p.BoolFlag("v", "verbose"),
		JSON:       p.BoolFlag("json"),
	}
	if p.BoolFlag("h", "help") {
		return CmdHelp, args, nil
	}
	if p.BoolFlag("version") && p.Subcommand() == "" {
		return CmdVersion, args, nil
	}

	switch cmd := strings.ToLower(p.Subcommand()); cmd {
	case "", "help":
		return CmdHelp, args, nil

	case "version":
		return CmdVersion, args, nil

	case "run":
		args.Goal = p.Flag("goal", "g")
		if args.Goal == "" {
			args.Goal = strings.Join(p.PositionalFrom(1), " ")
		}
		if strings.TrimSpace(args.Goal) == "" {
			return CmdRun, args, &UsageError{Command: "run", Reason: "a goal is required (--goal \"...\")"}
		}
		args.Target = p.Flag("target", "t")
		args.Mode = p.Flag("mode", "m")
		args.UsageFile = p.Flag("usage-file")
		n, err := p.FlagInt("max-rounds", 0)
		if err != nil {
			return CmdRun, args, &UsageError{Command: "run", Reason: err.Error()}
		}
		args.MaxRounds = n
		return CmdRun, args, nil

	case "plans", "list":
		return CmdPlans, args, nil

	case "show":
		args.PlanID = p.Positional(1)
		if args.PlanID == "" {
			return CmdShow, args, &UsageError{Command: "show", Reason: "a plan id is required"}
		}
		args.Export = p.Flag("export", "o")
		return CmdShow, args, nil

	case "kb":
		args.Subcommand = p.Positional(1)
		if args.Subcommand != "index" {
			return CmdKB, args, &UsageError{Command: "kb", Reason: "usage: redloop kb index [dir]"}
		}
		args.KBDir = p.Positional(2)
		return CmdKB, args, nil

	case "config":
		return CmdConfig, args, nil

	default:
		return CmdHelp, args, &UsageError{Reason: fmt.Sprintf("unknown command %q", cmd)}
	}
}

// Main runs the CLI and returns the process exit code.
func Main(argv []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args, err := Parse(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, RenderConditional(ErrorStyle, "Error: ")+err.Error())
		fmt.Fprintln(os.Stderr, "Run 'redloop help' for usage.")
		return ExitCodeFor(err)
	}

	if err := Execute(ctx, cmd, args, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, RenderConditional(ErrorStyle, "Error: ")+err.Error())
		return ExitCodeFor(err)
	}
	return ExitSuccess
}

// Execute runs a parsed command, writing user output to out.
func Execute(ctx context.Context, cmd Command, args Args, out io.Writer) error {
	switch cmd {
	case CmdRun:
		return HandleRun(ctx, args, out)
	case CmdPlans:
		return HandlePlans(ctx, args, out)
	case CmdShow:
		return HandleShow(ctx, args, out)
	case CmdKB:
		return HandleKBIndex(ctx, args, out)
	case CmdConfig:
		return HandleConfig(args, out)
	case CmdVersion:
		fmt.Fprintf(out, "redloop %s (commit %s, built %s, %s/%s)\n",
			Version, GitCommit, BuildDate, runtime.GOOS, runtime.GOARCH)
		return nil
	default:
		fmt.Fprint(out, usageText)
		return nil
	}
}

// =============================================================================
// SHARED SETUP
// =============================================================================

// loadConfig reads the config file named by args, or the default one, and
// applies command line overrides.
func loadConfig(args Args) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if args.ConfigPath != "" {
		cfg, err = config.LoadFromPath(args.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if args.Target != "" {
		cfg.Agent.TargetHost = args.Target
	}
	if args.Mode != "" {
		cfg.Agent.Mode = args.Mode
	}
	if args.MaxRounds > 0 {
		cfg.Agent.MaxRounds = args.MaxRounds
	}
	if args.Verbose {
		cfg.Log.Level = "debug"
	}
	config.SetGlobal(cfg)
	return cfg, nil
}

// setupLogging installs the default logger. The returned func closes the
// log file, if any.
func setupLogging(cfg *config.Config) (func(), error) {
	closer, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return nil, err
	}
	return func() { closer.Close() }, nil
}
