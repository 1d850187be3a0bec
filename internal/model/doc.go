// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared across the discussion
// engine.
//
// The central type is Message, the immutable unit of the transcript. A
// Message may reference an earlier message through RespondsTo, forming the
// reply graph maintained by the workspace package. Participants bind an AI
// role to a provider/model pair, and DiscussionRequest is the only structured
// input the orchestrator accepts.
//
// Token estimation throughout the engine uses the ceil(len/4) approximation
// exposed by EstimateTokens. This is deliberate: budget thresholds, context
// window trimming, and cost accounting all share it, so they stay consistent
// with each other without a real tokenizer.
package model
