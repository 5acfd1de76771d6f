// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeranaias/redloop/internal/util"
)

const (
	// ReadChunkSize is the largest single read from the channel.
	ReadChunkSize = 8192

	// setupDrainSize is how much leftover setup output is discarded.
	setupDrainSize = 4096

	// DefaultCommandTimeout bounds one command.
	DefaultCommandTimeout = 120 * time.Second

	// DefaultSetupTimeout bounds channel writes during Setup.
	DefaultSetupTimeout = 30 * time.Second

	// DefaultPollInterval is the delay between reads.
	DefaultPollInterval = 100 * time.Millisecond

	// settleDelay lets the remote side start answering before the first read.
	settleDelay = 200 * time.Millisecond
)

// Config holds Session settings.
type Config struct {
	// PreferredShell is entered during Setup, falling back to bash then sh.
	PreferredShell string
	CommandTimeout time.Duration
	SetupTimeout   time.Duration
	PollInterval   time.Duration
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		PreferredShell: "/bin/bash",
		CommandTimeout: DefaultCommandTimeout,
		SetupTimeout:   DefaultSetupTimeout,
		PollInterval:   DefaultPollInterval,
	}
}

// Session executes commands over a Channel. A Session is owned by a single
// run; the mutex only guards against accidental concurrent use.
type Session struct {
	ch     Channel
	config Config
	logger *slog.Logger
	tracer trace.Tracer

	mu sync.Mutex

	// replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewSession wraps ch. Zero config values take defaults.
func NewSession(ch Channel, config Config) *Session {
	if config.PreferredShell == "" {
		config.PreferredShell = DefaultConfig().PreferredShell
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultCommandTimeout
	}
	if config.SetupTimeout <= 0 {
		config.SetupTimeout = DefaultSetupTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &Session{
		ch:     ch,
		config: config,
		logger: slog.Default().With("component", "terminal"),
		tracer: otel.Tracer("github.com/jeranaias/redloop/internal/terminal"),
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// WithLogger replaces the logger.
func (s *Session) WithLogger(l *slog.Logger) *Session {
	s.logger = l
	return s
}

// =============================================================================
// SETUP
// =============================================================================

// ShellSwitchCommand builds the command that enters the preferred shell,
// falling back to bash, then sh, then /bin/sh. Returns "" when no shell is
// preferred.
func ShellSwitchCommand(preferred string) string {
	preferred = strings.TrimSpace(preferred)
	if preferred == "" {
		return ""
	}

	check := fmt.Sprintf("command -v %s >/dev/null 2>&1", preferred)
	if strings.HasPrefix(preferred, "/") {
		check = fmt.Sprintf("[ -x %s ]", preferred)
	}
	return fmt.Sprintf("if %s; then %s -li; "+
		"elif command -v bash >/dev/null 2>&1; then bash -li; "+
		"elif command -v sh >/dev/null 2>&1; then sh -li; "+
		"else /bin/sh -li; fi\n", check, preferred)
}

// Setup normalizes the remote shell: it enters the preferred shell, installs
// PromptMarker as PS1, silences the login banner and discards what is left.
// A failure leaves the session usable; callers log it and carry on.
func (s *Session) Setup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ch.SetTimeout(s.config.SetupTimeout)
	defer s.ch.SetTimeout(s.config.CommandTimeout)

	steps := []struct {
		cmd   string
		pause time.Duration
	}{
		{ShellSwitchCommand(s.config.PreferredShell), 600 * time.Millisecond},
		{"if command -v bash >/dev/null 2>&1; then export SHELL=$(command -v bash); fi\n", 200 * time.Millisecond},
		{"export PS1='[bash]$ '\n", 300 * time.Millisecond},
		{"touch ~/.hushlogin\n", 300 * time.Millisecond},
	}
	for _, step := range steps {
		if step.cmd == "" {
			continue
		}
		if err := s.ch.Send(step.cmd); err != nil {
			return fmt.Errorf("shell setup: %w", err)
		}
		if err := s.sleep(ctx, step.pause); err != nil {
			return err
		}
	}

	if s.ch.RecvReady() {
		if _, err := s.ch.Recv(setupDrainSize); err != nil {
			return fmt.Errorf("shell setup: %w", err)
		}
	}
	return nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// Execute runs cmd and returns its sanitized, reduced output. Forbidden
// commands are refused without touching the channel. A timeout is not an
// error: the command is interrupted and the partial output returned.
func (s *Session) Execute(ctx context.Context, cmd string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "terminal.execute",
		trace.WithAttributes(attribute.String("terminal.command", util.Head(cmd, 200))))
	defer span.End()

	if msg, blocked := CheckForbidden(cmd); blocked {
		s.logger.Warn("refused forbidden command", "command", cmd)
		span.SetAttributes(attribute.Bool("terminal.refused", true))
		return msg, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ch.Send(cmd + "\n"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("send command: %w", err)
	}

	out, err := s.collect(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	out, found := Sanitize(out)
	if found > 0 {
		s.logger.Warn("concealed payload removed from output", "command", cmd, "count", found)
		span.SetAttributes(attribute.Int("terminal.injections", found))
	}
	return Reduce(cmd, out), nil
}

// collect reads the command output, answering one confirmation prompt.
func (s *Session) collect(ctx context.Context) (string, error) {
	if err := s.sleep(ctx, settleDelay); err != nil {
		return "", err
	}
	first, err := s.receive(ctx)
	if err != nil {
		return "", err
	}

	parts := []string{first}
	if IsConfirmationPrompt(util.LastLine(StripControl(first))) {
		if err := s.ch.Send("yes\n"); err != nil {
			return "", fmt.Errorf("answer confirmation: %w", err)
		}
		if err := s.sleep(ctx, settleDelay); err != nil {
			return "", err
		}
		second, err := s.receive(ctx)
		if err != nil {
			return "", err
		}
		parts = append(parts, second)
	}
	return strings.Join(parts, ""), nil
}

// receive polls the channel until Classify ends collection.
func (s *Session) receive(ctx context.Context) (string, error) {
	start := s.now()
	retries := 0
	var dec streamDecoder
	var out strings.Builder

	for {
		if s.ch.RecvReady() {
			data, err := s.ch.Recv(ReadChunkSize)
			if err != nil {
				out.WriteString(dec.flush())
				if errors.Is(err, ErrSessionClosed) && out.Len() > 0 {
					return out.String(), nil
				}
				return out.String(), err
			}
			out.WriteString(dec.decode(data))
		}

		buffer := out.String()
		var verdict Verdict
		verdict, retries = Classify(Observation{
			LastLine: util.LastLine(StripControl(buffer)),
			Buffer:   buffer,
			Retries:  retries,
			Elapsed:  s.now().Sub(start),
			Timeout:  s.config.CommandTimeout,
		})

		switch verdict {
		case Done:
			return buffer + dec.flush(), nil
		case TimeoutAbort:
			s.logger.Warn("command timed out, interrupting", "timeout", s.config.CommandTimeout)
			if err := s.ch.Interrupt(); err != nil {
				s.logger.Warn("interrupt failed", "error", err)
			}
			return buffer + dec.flush(), nil
		}

		if err := s.sleep(ctx, s.config.PollInterval); err != nil {
			return buffer, err
		}
	}
}

// Interrupt sends Ctrl+C to the remote shell.
func (s *Session) Interrupt() error {
	return s.ch.Interrupt()
}

// Close closes the underlying channel.
func (s *Session) Close() error {
	return s.ch.Close()
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
