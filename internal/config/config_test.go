// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Default(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "auto", cfg.Agent.Mode)
	assert.Equal(t, 4, cfg.Budget.CharsPerToken)
	assert.Equal(t, 4000, cfg.Budget.MaxTokensSafe)
	assert.Equal(t, 120*time.Second, cfg.CommandTimeout())
	assert.Equal(t, 30*time.Second, cfg.SetupTimeout())
	assert.Equal(t, "/bin/bash", cfg.Session.PreferredShell)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse(`
[llm]
backend = "ollama"
model = "qwen2.5:14b"

[agent]
mode = "semi"
max_rounds = 5
`)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.LLM.Backend)
	assert.Equal(t, "qwen2.5:14b", cfg.LLM.Model)
	assert.Equal(t, "semi", cfg.Agent.Mode)
	assert.Equal(t, 5, cfg.Agent.MaxRounds)
	// Untouched sections keep their defaults.
	assert.Equal(t, 22, cfg.Session.Port)
}

func TestParse_UnknownKeysRejected(t *testing.T) {
	_, err := Parse(`
[llm]
modle = "typo"

[mystery]
value = 1
`)
	require.Error(t, err)

	var unknown *UnknownKeysError
	require.True(t, errors.As(err, &unknown))
	assert.Contains(t, unknown.Keys, "llm.modle")
	assert.Contains(t, unknown.Error(), "mystery")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad mode", func(c *Config) { c.Agent.Mode = "yolo" }, "agent.mode"},
		{"bad backend", func(c *Config) { c.LLM.Backend = "bard" }, "llm.backend"},
		{"bad port", func(c *Config) { c.Session.Port = 70000 }, "session.port"},
		{"bad url", func(c *Config) { c.LLM.BaseURL = "not a url" }, "llm.base_url"},
		{"kb without dir", func(c *Config) { c.KB.Enabled = true }, "kb.dir"},
		{"zero budget", func(c *Config) { c.Budget.MaxTokensSafe = -1 }, "budget.max_tokens_safe"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			found := false
			for _, v := range verrs {
				if v.Field == tt.field {
					found = true
				}
			}
			assert.True(t, found, "expected error on %s, got %v", tt.field, err)
		})
	}
}

func TestConfig_SetDefaultsOllamaURL(t *testing.T) {
	cfg := &Config{LLM: LLMConfig{Backend: "ollama"}}
	cfg.SetDefaults()

	assert.Equal(t, "http://127.0.0.1:11434", cfg.LLM.BaseURL)
	assert.Equal(t, 4000, cfg.Budget.MaxTokensSafe)
	require.NoError(t, cfg.Validate())
}

func TestConfig_ApplyEnvOverrides(t *testing.T) {
	t.Setenv("REDLOOP_MODE", "manual")
	t.Setenv("REDLOOP_SSH_PORT", "2222")
	t.Setenv("REDLOOP_TAVILY_API_KEY", "tvly-secret")
	t.Setenv("REDLOOP_OTLP_ENDPOINT", "http://collector:4318")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "manual", cfg.Agent.Mode)
	assert.Equal(t, 2222, cfg.Session.Port)
	assert.Equal(t, "tvly-secret", cfg.Search.TavilyAPIKey)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "http://collector:4318", cfg.Telemetry.Endpoint)
}

func TestLoadFromPath_SecuresPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[session]\nhost = \"10.0.0.5\"\n"), 0644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Session.Host)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk-1234567890abcdef"
	cfg.Session.Password = "hunter2"

	out := cfg.String()
	assert.NotContains(t, out, "sk-1234567890abcdef")
	assert.NotContains(t, out, "hunter2")
	assert.True(t, strings.Contains(out, "sk-1****cdef"))
}

// TestConfig_ConcurrentAccess checks Global and SetGlobal under -race.
func TestConfig_ConcurrentAccess(t *testing.T) {
	ResetGlobalForTesting()
	defer ResetGlobalForTesting()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetGlobal(Default())
		}()
		go func() {
			defer wg.Done()
			if Global() == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}
