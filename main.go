// quorum - A terminal interface for moderated multi-model discussions.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/jeranaias/quorum/internal/budget"
	"github.com/jeranaias/quorum/internal/config"
	"github.com/jeranaias/quorum/internal/consensus"
	"github.com/jeranaias/quorum/internal/grounding"
	"github.com/jeranaias/quorum/internal/moderation"
	"github.com/jeranaias/quorum/internal/orchestrator"
	"github.com/jeranaias/quorum/internal/provider"
	"github.com/jeranaias/quorum/internal/ui/discussion"
	"github.com/jeranaias/quorum/internal/ui/styles"
	"github.com/jeranaias/quorum/internal/workspace"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("quorum %s (%s, built %s)\n", Version, GitCommit, BuildDate)
			return
		case "config":
			handleConfig(os.Args[2:])
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runTUI()
}

func printUsage() {
	fmt.Println(`quorum - moderated multi-model discussions in your terminal

Usage:
  quorum           Start the discussion TUI
  quorum config    Print the active configuration (secrets redacted)
  quorum version   Print version information

Keys inside the TUI:
  enter   Start a discussion on the typed topic, or interject into a running one
          (prefix with "/all " to ask every participant at once instead)
  ctrl+p  Pause / resume the discussion
  ctrl+x  Stop gracefully at the next speaker boundary
  ctrl+k  Kill switch: discard in-flight responses and stop
  ctrl+c  Quit`)
}

// handleConfig prints the effective configuration, creating the default
// file on first run.
func handleConfig(args []string) {
	if len(args) > 0 && args[0] == "init" {
		cfg := config.Default()
		if err := config.Save(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path, _ := config.ConfigPath()
		fmt.Printf("Wrote default configuration to %s\n", path)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(cfg.String())
}

// runTUI wires the discussion engine together and starts the interface.
func runTUI() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	config.SetGlobal(cfg)

	if cfg.Provider.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No API key configured.")
		fmt.Fprintln(os.Stderr, "Set QUORUM_API_KEY or add provider.api_key to ~/.quorum/config.toml.")
		os.Exit(1)
	}

	// Budget governor with the persistent spend ledger.
	governor, err := buildGovernor(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening budget ledger: %v\n", err)
		os.Exit(1)
	}

	// Shared transcript, persisted per session.
	ws := workspace.New()
	store, err := workspace.OpenStore(cfg.Discussion.TranscriptPath, uuid.NewString())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: transcript persistence disabled: %v\n", err)
		store = nil
	} else {
		defer store.Close()
	}

	policy := moderation.NewPolicy()
	if err := policy.SetMaxSpeakers(cfg.Moderation.MaxSpeakersPerRound); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := policy.SetCooldown(time.Duration(cfg.Moderation.CooldownSecs * float64(time.Second))); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	policy.SetRequireAcknowledgment(cfg.Moderation.RequireAcknowledgment)

	evaluator := consensus.NewEvaluator()
	evaluator.ConsensusThreshold = cfg.Consensus.Threshold
	evaluator.SilenceThreshold = cfg.Consensus.SilenceRounds
	evaluator.SetWindow(cfg.Consensus.Window)

	clientOpts := []provider.Option{
		provider.WithBaseURL(cfg.Provider.BaseURL),
		provider.WithMaxRetries(cfg.Provider.MaxRetries),
	}
	if cfg.Provider.RequestsPerSecond > 0 {
		clientOpts = append(clientOpts, provider.WithRateLimit(cfg.Provider.RequestsPerSecond, 4))
	}
	client := provider.NewClient(cfg.Provider.APIKey, clientOpts...)

	orch := orchestrator.New(client, governor, ws, policy, evaluator)
	orch.SetContextTokens(cfg.Discussion.ContextTokens)
	if err := orch.SetParticipants(cfg.ParticipantModels()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Persist finalized messages as they land in the transcript.
	if store != nil {
		orch.Subscribe(func(ev orchestrator.Event) {
			if ev.Kind == orchestrator.EventMessage && ev.Message != nil {
				if err := store.SaveMessage(ev.Message); err != nil {
					log.Printf("transcript save: %v", err)
				}
			}
		})
	}

	// Optional citation checks on finalized participant turns.
	if groundingURL := os.Getenv("QUORUM_GROUNDING_URL"); groundingURL != "" {
		checker := grounding.NewClient(groundingURL,
			grounding.WithAPIKey(os.Getenv("QUORUM_GROUNDING_KEY")))
		orch.Subscribe(func(ev orchestrator.Event) {
			if ev.Kind != orchestrator.EventMessage || ev.Message == nil {
				return
			}
			checker.CheckAsync(context.Background(), ev.Message.Text, func(claims []grounding.Claim, err error) {
				if err != nil {
					return
				}
				for _, claim := range claims {
					if !claim.HasCitation {
						log.Printf("uncited claim from %s: %s", ev.Message.Author, claim.Text)
					}
				}
			})
		})
	}

	// Live-reload moderation settings when the config file changes.
	watcher := startConfigWatcher(policy)
	if watcher != nil {
		defer watcher.Close()
	}

	theme := styles.NewTheme()
	m := discussion.New(orch, governor, cfg, theme)

	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running quorum: %v\n", err)
		os.Exit(1)
	}
}

// buildGovernor creates the budget governor backed by the sqlite spend
// ledger, so daily and monthly caps survive restarts.
func buildGovernor(cfg *config.Config) (*budget.Governor, error) {
	caps := budget.Caps{
		SessionUSD: cfg.Budget.SessionUSD,
		DailyUSD:   cfg.Budget.DailyUSD,
		MonthlyUSD: cfg.Budget.MonthlyUSD,
	}
	store, err := budget.OpenStore(cfg.Budget.LedgerPath)
	if err != nil {
		return nil, err
	}
	return budget.NewGovernorWithStore(caps, store)
}

// startConfigWatcher watches the config file and applies moderation
// changes to the running policy. Returns nil when watching is unavailable.
func startConfigWatcher(policy *moderation.Policy) *config.Watcher {
	path, err := config.ConfigPath()
	if err != nil {
		return nil
	}
	watcher, err := config.NewWatcher(path, func(cfg *config.Config) {
		config.SetGlobal(cfg)
		if err := policy.SetMaxSpeakers(cfg.Moderation.MaxSpeakersPerRound); err != nil {
			log.Printf("config reload: %v", err)
		}
		if err := policy.SetCooldown(time.Duration(cfg.Moderation.CooldownSecs * float64(time.Second))); err != nil {
			log.Printf("config reload: %v", err)
		}
		policy.SetRequireAcknowledgment(cfg.Moderation.RequireAcknowledgment)
	})
	if err != nil {
		return nil
	}
	if err := watcher.Watch(); err != nil {
		return nil
	}
	return watcher
}
