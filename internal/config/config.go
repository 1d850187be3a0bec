// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// quorum.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.quorum/config.toml
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/quorum/internal/model"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete quorum configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Provider configuration (OpenRouter-compatible endpoint)
	Provider ProviderConfig `toml:"provider" json:"provider"`

	// Budget caps and ledger location
	Budget BudgetConfig `toml:"budget" json:"budget"`

	// Moderation defaults applied to new sessions
	Moderation ModerationConfig `toml:"moderation" json:"moderation"`

	// Consensus stop-policy tuning
	Consensus ConsensusConfig `toml:"consensus" json:"consensus"`

	// Discussion defaults
	Discussion DiscussionConfig `toml:"discussion" json:"discussion"`

	// Participants registered at startup
	Participants []ParticipantConfig `toml:"participants" json:"participants"`

	// UI configuration
	UI UIConfig `toml:"ui" json:"ui"`
}

// ProviderConfig contains provider endpoint configuration.
type ProviderConfig struct {
	// BaseURL is the OpenAI-compatible chat completions endpoint.
	BaseURL string `toml:"base_url" json:"base_url"`
	// APIKey authenticates against the provider.
	APIKey string `toml:"api_key" json:"api_key"`
	// DefaultModel is used for participants that do not name one.
	DefaultModel string `toml:"default_model" json:"default_model"`
	// MaxRetries bounds retry attempts on transient failures.
	MaxRetries int `toml:"max_retries" json:"max_retries"`
	// RequestsPerSecond throttles outgoing calls (0 = unlimited).
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
}

// BudgetConfig contains spending caps in USD. Zero disables a cap.
type BudgetConfig struct {
	SessionUSD float64 `toml:"session_usd" json:"session_usd"`
	DailyUSD   float64 `toml:"daily_usd" json:"daily_usd"`
	MonthlyUSD float64 `toml:"monthly_usd" json:"monthly_usd"`
	// LedgerPath is the SQLite ledger file (empty = ~/.quorum/ledger.db).
	LedgerPath string `toml:"ledger_path" json:"ledger_path"`
}

// ModerationConfig contains session moderation defaults.
type ModerationConfig struct {
	MaxSpeakersPerRound   int     `toml:"max_speakers_per_round" json:"max_speakers_per_round"`
	CooldownSecs          float64 `toml:"cooldown_secs" json:"cooldown_secs"`
	RequireAcknowledgment bool    `toml:"require_acknowledgment" json:"require_acknowledgment"`
}

// ConsensusConfig tunes the discussion stop policy.
type ConsensusConfig struct {
	// Threshold is the 0-10 agreement score at which a consensus-seeking
	// run stops early.
	Threshold float64 `toml:"threshold" json:"threshold"`
	// SilenceRounds is how many consecutive insight-free rounds end a run.
	SilenceRounds int `toml:"silence_rounds" json:"silence_rounds"`
	// Window is how many trailing messages the scorer considers.
	Window int `toml:"window" json:"window"`
}

// DiscussionConfig contains run defaults.
type DiscussionConfig struct {
	DefaultRounds int `toml:"default_rounds" json:"default_rounds"`
	ContextTokens int `toml:"context_tokens" json:"context_tokens"`
	// TranscriptPath is the SQLite transcript file (empty = ~/.quorum/transcript.db).
	TranscriptPath string `toml:"transcript_path" json:"transcript_path"`
}

// ParticipantConfig describes one configured AI participant.
type ParticipantConfig struct {
	ID       string `toml:"id" json:"id"`
	Provider string `toml:"provider" json:"provider"`
	Model    string `toml:"model" json:"model"`
	Role     string `toml:"role" json:"role"`
}

// UIConfig contains UI configuration.
type UIConfig struct {
	// Theme is the UI theme: "dark", "light", "auto"
	Theme string `toml:"theme" json:"theme"`
	// ShowCost displays running spend in the status bar
	ShowCost bool `toml:"show_cost" json:"show_cost"`
	// ShowTokens displays token counts per message
	ShowTokens bool `toml:"show_tokens" json:"show_tokens"`
	// CompactMode uses a more compact layout
	CompactMode bool `toml:"compact_mode" json:"compact_mode"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Provider: ProviderConfig{
			// The client appends the /chat/completions route itself.
			BaseURL:           "https://openrouter.ai/api/v1",
			APIKey:            "",
			DefaultModel:      "anthropic/claude-3.5-sonnet",
			MaxRetries:        3,
			RequestsPerSecond: 0,
		},

		Budget: BudgetConfig{
			SessionUSD: 5.00,
			DailyUSD:   0,
			MonthlyUSD: 0,
		},

		Moderation: ModerationConfig{
			MaxSpeakersPerRound:   3,
			CooldownSecs:          2.0,
			RequireAcknowledgment: false,
		},

		Consensus: ConsensusConfig{
			Threshold:     7.0,
			SilenceRounds: 2,
			Window:        12,
		},

		Discussion: DiscussionConfig{
			DefaultRounds: 3,
			ContextTokens: 8000,
		},

		Participants: []ParticipantConfig{
			{ID: "analyst", Provider: "openrouter", Model: "anthropic/claude-3.5-sonnet", Role: "analyst"},
			{ID: "skeptic", Provider: "openrouter", Model: "openai/gpt-4o", Role: "skeptic"},
		},

		UI: UIConfig{
			Theme:      "dark",
			ShowCost:   true,
			ShowTokens: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the quorum configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".quorum"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on the config file.
// Config files should be 0600 because they hold the API key.
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

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// defaults when no file exists. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with
// full validation.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# quorum configuration file")
	fmt.Fprintln(file, "# Generated by quorum - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
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
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Provider.BaseURL != "" {
		if _, err := url.Parse(c.Provider.BaseURL); err != nil {
			errs = append(errs, ValidationError{
				Field:   "provider.base_url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}
	if c.Provider.MaxRetries < 0 || c.Provider.MaxRetries > 10 {
		errs = append(errs, ValidationError{
			Field:   "provider.max_retries",
			Message: fmt.Sprintf("must be 0-10, got %d", c.Provider.MaxRetries),
		})
	}
	if c.Provider.RequestsPerSecond < 0 {
		errs = append(errs, ValidationError{
			Field:   "provider.requests_per_second",
			Message: "cannot be negative",
		})
	}

	if c.Budget.SessionUSD < 0 || c.Budget.DailyUSD < 0 || c.Budget.MonthlyUSD < 0 {
		errs = append(errs, ValidationError{
			Field:   "budget",
			Message: "caps cannot be negative",
		})
	}

	if c.Moderation.MaxSpeakersPerRound < 1 {
		errs = append(errs, ValidationError{
			Field:   "moderation.max_speakers_per_round",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Moderation.MaxSpeakersPerRound),
		})
	}
	if c.Moderation.CooldownSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "moderation.cooldown_secs",
			Message: "cannot be negative",
		})
	}

	if c.Consensus.Threshold < 0 || c.Consensus.Threshold > 10 {
		errs = append(errs, ValidationError{
			Field:   "consensus.threshold",
			Message: fmt.Sprintf("must be 0-10, got %g", c.Consensus.Threshold),
		})
	}
	if c.Consensus.SilenceRounds < 1 {
		errs = append(errs, ValidationError{
			Field:   "consensus.silence_rounds",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Consensus.SilenceRounds),
		})
	}

	if c.Discussion.DefaultRounds < 0 {
		errs = append(errs, ValidationError{
			Field:   "discussion.default_rounds",
			Message: "cannot be negative",
		})
	}
	if c.Discussion.ContextTokens < 0 {
		errs = append(errs, ValidationError{
			Field:   "discussion.context_tokens",
			Message: "cannot be negative",
		})
	}

	seen := make(map[string]bool)
	for i, p := range c.Participants {
		if p.ID == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("participants[%d].id", i),
				Message: "id is required",
			})
			continue
		}
		if seen[p.ID] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("participants[%d].id", i),
				Message: fmt.Sprintf("duplicate participant id '%s'", p.ID),
			})
		}
		seen[p.ID] = true
	}

	validThemes := map[string]bool{"dark": true, "light": true, "auto": true}
	if !validThemes[strings.ToLower(c.UI.Theme)] {
		errs = append(errs, ValidationError{
			Field:   "ui.theme",
			Message: fmt.Sprintf("invalid theme '%s', must be one of: dark, light, auto", c.UI.Theme),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = defaults.Provider.BaseURL
	}
	if c.Provider.DefaultModel == "" {
		c.Provider.DefaultModel = defaults.Provider.DefaultModel
	}
	if c.Provider.MaxRetries == 0 {
		c.Provider.MaxRetries = defaults.Provider.MaxRetries
	}
	if c.Moderation.MaxSpeakersPerRound == 0 {
		c.Moderation.MaxSpeakersPerRound = defaults.Moderation.MaxSpeakersPerRound
	}
	if c.Consensus.Threshold == 0 {
		c.Consensus.Threshold = defaults.Consensus.Threshold
	}
	if c.Consensus.SilenceRounds == 0 {
		c.Consensus.SilenceRounds = defaults.Consensus.SilenceRounds
	}
	if c.Consensus.Window == 0 {
		c.Consensus.Window = defaults.Consensus.Window
	}
	if c.Discussion.DefaultRounds == 0 {
		c.Discussion.DefaultRounds = defaults.Discussion.DefaultRounds
	}
	if c.Discussion.ContextTokens == 0 {
		c.Discussion.ContextTokens = defaults.Discussion.ContextTokens
	}
	if c.UI.Theme == "" {
		c.UI.Theme = defaults.UI.Theme
	}

	// Participants without a model fall back to the provider default.
	for i := range c.Participants {
		if c.Participants[i].Model == "" {
			c.Participants[i].Model = c.Provider.DefaultModel
		}
		if c.Participants[i].Provider == "" {
			c.Participants[i].Provider = "openrouter"
		}
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - QUORUM_API_KEY: overrides provider.api_key
//   - QUORUM_BASE_URL: overrides provider.base_url
//   - QUORUM_MODEL: overrides provider.default_model
//   - QUORUM_SESSION_BUDGET: overrides budget.session_usd
//   - QUORUM_DAILY_BUDGET: overrides budget.daily_usd
//   - QUORUM_MONTHLY_BUDGET: overrides budget.monthly_usd
//   - QUORUM_MAX_SPEAKERS: overrides moderation.max_speakers_per_round
//   - QUORUM_THEME: overrides ui.theme
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("QUORUM_API_KEY"); key != "" {
		c.Provider.APIKey = key
	}
	if base := os.Getenv("QUORUM_BASE_URL"); base != "" {
		c.Provider.BaseURL = base
	}
	if m := os.Getenv("QUORUM_MODEL"); m != "" {
		c.Provider.DefaultModel = m
	}
	if v := os.Getenv("QUORUM_SESSION_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.SessionUSD = f
		}
	}
	if v := os.Getenv("QUORUM_DAILY_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.DailyUSD = f
		}
	}
	if v := os.Getenv("QUORUM_MONTHLY_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.MonthlyUSD = f
		}
	}
	if v := os.Getenv("QUORUM_MAX_SPEAKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Moderation.MaxSpeakersPerRound = n
		}
	}
	if theme := os.Getenv("QUORUM_THEME"); theme != "" {
		c.UI.Theme = theme
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// ParticipantModels converts the configured participants to model values.
func (c *Config) ParticipantModels() []model.Participant {
	out := make([]model.Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, model.Participant{
			ID:         p.ID,
			ProviderID: p.Provider,
			ModelID:    p.Model,
			Role:       p.Role,
		})
	}
	return out
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Participants != nil {
		clone.Participants = make([]ParticipantConfig, len(c.Participants))
		copy(clone.Participants, c.Participants)
	}
	return &clone
}

// String returns a string representation for debugging. The API key is
// redacted so it never lands in logs or error output.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Provider.APIKey != "" {
		safe.Provider.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// GLOBAL INSTANCE (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state between test runs.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
