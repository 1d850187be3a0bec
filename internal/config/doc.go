// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for quorum.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, validation, and live reload.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ProviderConfig: Provider endpoint and credential settings
//   - BudgetConfig: Spending caps and ledger location
//   - ModerationConfig: Session moderation defaults
//   - Watcher: fsnotify-based live reload of the config file
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (QUORUM_*)
//   - ~/.quorum/config.toml
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Watch for changes:
//
//	w, err := config.NewWatcher(path, func(cfg *config.Config) {
//	    // apply refreshed moderation defaults
//	})
package config
