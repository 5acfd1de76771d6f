// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides typed configuration loading and validation for redloop.
//
// Configuration file locations (in order of precedence):
//   - REDLOOP_* environment variables (including values from a .env file)
//   - ~/.redloop/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete redloop configuration.
// Every recognized option is enumerated here; unknown keys fail the load.
type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Session   SessionConfig   `toml:"session"`
	Search    SearchConfig    `toml:"search"`
	Budget    BudgetConfig    `toml:"budget"`
	Agent     AgentConfig     `toml:"agent"`
	Store     StoreConfig     `toml:"store"`
	KB        KBConfig        `toml:"kb"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// LLMConfig configures the model service.
type LLMConfig struct {
	// Backend is "openai" (any OpenAI-compatible endpoint) or "ollama".
	Backend     string  `toml:"backend"`
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	TimeoutSecs int     `toml:"timeout_secs"`
	MaxRetries  int     `toml:"max_retries"`
	// HistoryLen is the number of prior exchanges replayed per request.
	HistoryLen int `toml:"history_len"`
	// ContextLength caps the query length on fresh conversations.
	ContextLength int `toml:"context_length"`
	// RequestsPerSecond spaces model requests (0 disables limiting).
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// SessionConfig configures the SSH-backed remote terminal.
type SessionConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	User               string `toml:"user"`
	Password           string `toml:"password"`
	KeyFile            string `toml:"key_file"`
	KnownHosts         string `toml:"known_hosts"`
	InsecureHostKey    bool   `toml:"insecure_host_key"`
	PreferredShell     string `toml:"preferred_shell"`
	CommandTimeoutSecs int    `toml:"command_timeout_secs"`
	SetupTimeoutSecs   int    `toml:"setup_timeout_secs"`
}

// SearchConfig configures the intelligence search collaborator.
type SearchConfig struct {
	// Provider is "tavily" or "duckduckgo".
	Provider       string   `toml:"provider"`
	TavilyAPIKey   string   `toml:"tavily_api_key"`
	TavilyBaseURL  string   `toml:"tavily_base_url"`
	SearchDepth    string   `toml:"search_depth"`
	MaxResults     int      `toml:"max_results"`
	IncludeDomains []string `toml:"include_domains"`
	ExcludeDomains []string `toml:"exclude_domains"`
	TimeoutSecs    int      `toml:"timeout_secs"`
}

// BudgetConfig configures the context budget manager.
type BudgetConfig struct {
	CharsPerToken int `toml:"chars_per_token"`
	MaxTokensSafe int `toml:"max_tokens_safe"`
}

// AgentConfig configures the agent run.
type AgentConfig struct {
	// Mode is "auto", "semi" or "manual".
	Mode       string `toml:"mode"`
	MaxRounds  int    `toml:"max_rounds"`
	TargetHost string `toml:"target_host"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Path is the SQLite database file (empty = ~/.redloop/redloop.db).
	Path string `toml:"path"`
}

// KBConfig configures the knowledge base used to enrich prompts.
type KBConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
	DBPath  string `toml:"db_path"`
	TopK    int    `toml:"top_k"`
	Watch   bool   `toml:"watch"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File receives logs when set; stderr otherwise.
	File string `toml:"file"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Backend:           "openai",
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o-mini",
			Temperature:       0.5,
			TimeoutSecs:       600,
			MaxRetries:        3,
			HistoryLen:        5,
			ContextLength:     120000,
			RequestsPerSecond: 2,
		},
		Session: SessionConfig{
			Port:               22,
			User:               "root",
			PreferredShell:     "/bin/bash",
			CommandTimeoutSecs: 120,
			SetupTimeoutSecs:   30,
		},
		Search: SearchConfig{
			Provider:      "tavily",
			TavilyBaseURL: "https://api.tavily.com",
			SearchDepth:   "basic",
			MaxResults:    3,
			TimeoutSecs:   30,
		},
		Budget: BudgetConfig{
			CharsPerToken: 4,
			MaxTokensSafe: 4000,
		},
		Agent: AgentConfig{
			Mode:       "auto",
			MaxRounds:  30,
			TargetHost: "",
		},
		KB: KBConfig{
			Enabled: false,
			TopK:    3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Endpoint: "http://127.0.0.1:4318",
		},
	}
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// ConfigDir returns the redloop state directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".redloop"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the state directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// UnknownKeysError reports TOML keys that do not map to any option.
type UnknownKeysError struct {
	Keys []string
}

func (e *UnknownKeysError) Error() string {
	return "unknown configuration keys: " + strings.Join(e.Keys, ", ")
}

// Load loads ~/.redloop/config.toml when present, then applies .env and
// environment overrides, defaults and validation.
func Load() (*Config, error) {
	path, err := ConfigPathTOML()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		return finish(cfg)
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
	}
	return finish(cfg)
}

// LoadTOML decodes a TOML file over cfg. Keys that are not part of Config
// produce an *UnknownKeysError.
func LoadTOML(cfg *Config, path string) error {
	// SECURITY: The file can hold API keys and SSH passwords.
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return checkUndecoded(md)
}

// Parse decodes TOML text over the defaults and validates the result.
// Environment overrides are not applied.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode TOML: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, key := range undecoded {
		keys = append(keys, key.String())
	}
	sort.Strings(keys)
	return &UnknownKeysError{Keys: keys}
}

func finish(cfg *Config) (*Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ensureSecurePermissions tightens a config file to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	d := Default()

	if c.LLM.Backend == "" {
		c.LLM.Backend = d.LLM.Backend
	}
	if c.LLM.BaseURL == "" {
		if strings.EqualFold(c.LLM.Backend, "ollama") {
			c.LLM.BaseURL = "http://127.0.0.1:11434"
		} else {
			c.LLM.BaseURL = d.LLM.BaseURL
		}
	}
	if c.LLM.Model == "" {
		c.LLM.Model = d.LLM.Model
	}
	if c.LLM.TimeoutSecs == 0 {
		c.LLM.TimeoutSecs = d.LLM.TimeoutSecs
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = d.LLM.MaxRetries
	}
	if c.LLM.HistoryLen == 0 {
		c.LLM.HistoryLen = d.LLM.HistoryLen
	}
	if c.LLM.ContextLength == 0 {
		c.LLM.ContextLength = d.LLM.ContextLength
	}

	if c.Session.Port == 0 {
		c.Session.Port = d.Session.Port
	}
	if c.Session.User == "" {
		c.Session.User = d.Session.User
	}
	if c.Session.CommandTimeoutSecs == 0 {
		c.Session.CommandTimeoutSecs = d.Session.CommandTimeoutSecs
	}
	if c.Session.SetupTimeoutSecs == 0 {
		c.Session.SetupTimeoutSecs = d.Session.SetupTimeoutSecs
	}

	if c.Search.Provider == "" {
		c.Search.Provider = d.Search.Provider
	}
	if c.Search.TavilyBaseURL == "" {
		c.Search.TavilyBaseURL = d.Search.TavilyBaseURL
	}
	if c.Search.SearchDepth == "" {
		c.Search.SearchDepth = d.Search.SearchDepth
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = d.Search.MaxResults
	}
	if c.Search.TimeoutSecs == 0 {
		c.Search.TimeoutSecs = d.Search.TimeoutSecs
	}

	if c.Budget.CharsPerToken == 0 {
		c.Budget.CharsPerToken = d.Budget.CharsPerToken
	}
	if c.Budget.MaxTokensSafe == 0 {
		c.Budget.MaxTokensSafe = d.Budget.MaxTokensSafe
	}

	if c.Agent.Mode == "" {
		c.Agent.Mode = d.Agent.Mode
	}
	if c.Agent.MaxRounds == 0 {
		c.Agent.MaxRounds = d.Agent.MaxRounds
	}

	if c.KB.TopK == 0 {
		c.KB.TopK = d.KB.TopK
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = d.Telemetry.Endpoint
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns ValidateErrors when
// any field is out of range.
func (c *Config) Validate() error {
	var errs ValidateErrors

	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return
			}
		}
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid value '%s', must be one of: %s", value, strings.Join(allowed, ", ")),
		})
	}
	positive := func(field string, value int) {
		if value <= 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must be positive"})
		}
	}

	// LLM
	oneOf("llm.backend", c.LLM.Backend, "openai", "ollama")
	if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{Field: "llm.base_url", Message: fmt.Sprintf("invalid URL '%s'", c.LLM.BaseURL)})
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, ValidationError{Field: "llm.temperature", Message: "must be between 0 and 2"})
	}
	positive("llm.timeout_secs", c.LLM.TimeoutSecs)
	positive("llm.max_retries", c.LLM.MaxRetries)
	positive("llm.history_len", c.LLM.HistoryLen)
	positive("llm.context_length", c.LLM.ContextLength)
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, ValidationError{Field: "llm.requests_per_second", Message: "must not be negative"})
	}

	// Session
	if c.Session.Port < 1 || c.Session.Port > 65535 {
		errs = append(errs, ValidationError{Field: "session.port", Message: fmt.Sprintf("port %d out of range", c.Session.Port)})
	}
	positive("session.command_timeout_secs", c.Session.CommandTimeoutSecs)
	positive("session.setup_timeout_secs", c.Session.SetupTimeoutSecs)

	// Search
	oneOf("search.provider", c.Search.Provider, "tavily", "duckduckgo")
	oneOf("search.search_depth", c.Search.SearchDepth, "basic", "advanced")
	positive("search.max_results", c.Search.MaxResults)

	// Budget
	positive("budget.chars_per_token", c.Budget.CharsPerToken)
	positive("budget.max_tokens_safe", c.Budget.MaxTokensSafe)

	// Agent
	oneOf("agent.mode", c.Agent.Mode, "auto", "semi", "manual")
	positive("agent.max_rounds", c.Agent.MaxRounds)

	// KB
	if c.KB.Enabled && c.KB.Dir == "" {
		errs = append(errs, ValidationError{Field: "kb.dir", Message: "required when kb.enabled is true"})
	}
	positive("kb.top_k", c.KB.TopK)

	// Log
	oneOf("log.level", c.Log.Level, "debug", "info", "warn", "error")
	oneOf("log.format", c.Log.Format, "text", "json")

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies REDLOOP_* environment variables.
//
// Supported variables:
//   - REDLOOP_LLM_BACKEND, REDLOOP_LLM_BASE_URL, REDLOOP_LLM_API_KEY, REDLOOP_LLM_MODEL
//   - REDLOOP_SSH_HOST, REDLOOP_SSH_PORT, REDLOOP_SSH_USER, REDLOOP_SSH_PASSWORD, REDLOOP_SSH_KEY_FILE
//   - REDLOOP_TAVILY_API_KEY, REDLOOP_SEARCH_PROVIDER
//   - REDLOOP_MODE, REDLOOP_TARGET
//   - REDLOOP_LOG_LEVEL, REDLOOP_OTLP_ENDPOINT
func (c *Config) ApplyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	str("REDLOOP_LLM_BACKEND", &c.LLM.Backend)
	str("REDLOOP_LLM_BASE_URL", &c.LLM.BaseURL)
	str("REDLOOP_LLM_API_KEY", &c.LLM.APIKey)
	str("REDLOOP_LLM_MODEL", &c.LLM.Model)

	str("REDLOOP_SSH_HOST", &c.Session.Host)
	str("REDLOOP_SSH_USER", &c.Session.User)
	str("REDLOOP_SSH_PASSWORD", &c.Session.Password)
	str("REDLOOP_SSH_KEY_FILE", &c.Session.KeyFile)
	if port := os.Getenv("REDLOOP_SSH_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Session.Port = p
		}
	}

	str("REDLOOP_TAVILY_API_KEY", &c.Search.TavilyAPIKey)
	str("REDLOOP_SEARCH_PROVIDER", &c.Search.Provider)

	str("REDLOOP_MODE", &c.Agent.Mode)
	str("REDLOOP_TARGET", &c.Agent.TargetHost)

	str("REDLOOP_LOG_LEVEL", &c.Log.Level)
	if ep := os.Getenv("REDLOOP_OTLP_ENDPOINT"); ep != "" {
		c.Telemetry.Endpoint = ep
		c.Telemetry.Enabled = true
	}
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// CommandTimeout returns the per-command terminal timeout.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Session.CommandTimeoutSecs) * time.Second
}

// SetupTimeout returns the terminal setup timeout.
func (c *Config) SetupTimeout() time.Duration {
	return time.Duration(c.Session.SetupTimeoutSecs) * time.Second
}

// LLMTimeout returns the model request timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSecs) * time.Second
}

// StorePath returns the database path, defaulting under ConfigDir.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "redloop.db"), nil
}

// KBPath returns the knowledge base index path, defaulting under ConfigDir.
func (c *Config) KBPath() (string, error) {
	if c.KB.DBPath != "" {
		return c.KB.DBPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "kb.db"), nil
}

// String renders the configuration as TOML with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.LLM.APIKey = maskSecret(c.LLM.APIKey)
	masked.Session.Password = maskSecret(c.Session.Password)
	masked.Search.TavilyAPIKey = maskSecret(c.Search.TavilyAPIKey)

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(masked); err != nil {
		return fmt.Sprintf("<config encode error: %v>", err)
	}
	return sb.String()
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// =============================================================================
// GLOBAL CONFIG
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance, loading it on first
// access. A load failure falls back to defaults with a warning.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfigMu.Lock()
		globalConfig = cfg
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigOnce.Do(func() {})
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
