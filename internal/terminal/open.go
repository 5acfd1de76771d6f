// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package terminal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jeranaias/redloop/internal/config"
)

// SSHConfigFrom maps the [session] section onto an SSHConfig.
func SSHConfigFrom(cfg *config.Config) SSHConfig {
	return SSHConfig{
		Host:            cfg.Session.Host,
		Port:            cfg.Session.Port,
		User:            cfg.Session.User,
		Password:        cfg.Session.Password,
		KeyFile:         cfg.Session.KeyFile,
		KnownHosts:      cfg.Session.KnownHosts,
		InsecureHostKey: cfg.Session.InsecureHostKey,
		DialTimeout:     cfg.SetupTimeout(),
	}
}

// Open dials the configured host and prepares the shell. A failed Setup is
// logged and the session is still returned; commands may work regardless.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default().With("component", "terminal")
	}

	ch, err := DialSSH(ctx, SSHConfigFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	s := NewSession(ch, Config{
		PreferredShell: cfg.Session.PreferredShell,
		CommandTimeout: cfg.CommandTimeout(),
		SetupTimeout:   cfg.SetupTimeout(),
	}).WithLogger(logger)

	if err := s.Setup(ctx); err != nil {
		logger.Warn("session setup incomplete", "host", cfg.Session.Host, "error", err)
	}
	logger.Info("session open", "host", cfg.Session.Host, "user", cfg.Session.User)
	return s, nil
}
