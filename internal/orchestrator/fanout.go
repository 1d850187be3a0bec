// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/quorum/internal/model"
	"github.com/jeranaias/quorum/internal/provider"
)

// =============================================================================
// FAN-OUT MODE
// =============================================================================

// Ask broadcasts one prompt to every eligible participant at once. The
// prompt is appended as a user message first so the transcript records what
// everyone was responding to. Rejected while a sequential run is active.
func (o *Orchestrator) Ask(ctx context.Context, prompt string) ([]*model.Message, error) {
	o.mu.Lock()
	if o.run != nil {
		o.mu.Unlock()
		return nil, ErrRunActive
	}
	o.mu.Unlock()

	msg, err := o.workspace.Append(model.NewUserMessage(prompt))
	if err != nil {
		return nil, err
	}
	o.events.emit(Event{Kind: EventMessage, Message: msg})
	return o.FanOut(ctx, prompt)
}

// FanOut sends one prompt to every eligible participant concurrently and
// appends responses in completion order. Unlike sequential rounds, speakers
// do not see each other's answers; all prompts share the same context
// snapshot taken before dispatch. It blocks until every call finishes and
// returns the appended messages.
func (o *Orchestrator) FanOut(ctx context.Context, prompt string) ([]*model.Message, error) {
	candidates := o.policy.SelectSpeakers(o.Participants())
	if len(candidates) == 0 {
		return nil, ErrNoParticipants
	}

	contextMsgs := o.workspace.ContextWindow(o.maxContextTokens)

	type outcome struct {
		participant model.Participant
		msg         *model.Message
		result      *provider.Result
		err         error
	}

	results := make(chan outcome, len(candidates))
	var wg sync.WaitGroup

	for _, cand := range candidates {
		if !o.governor.TryReserve() {
			o.events.system("budget cap reached: skipping " + cand.DisplayName())
			continue
		}

		wg.Add(1)
		go func(cand model.Participant) {
			defer wg.Done()
			msg := model.NewStreamingMessage(cand.ID, cand.ModelID)
			result, err := o.adapter.Stream(ctx, cand, contextMsgs, prompt, func(fragment string) {
				msg.AppendFragment(fragment)
				o.events.emit(Event{Kind: EventChunk, ParticipantID: cand.ID, Fragment: fragment})
			})
			results <- outcome{participant: cand, msg: msg, result: result, err: err}
		}(cand)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// Appends happen here, serialized, in completion order.
	var msgs []*model.Message
	for out := range results {
		if out.err != nil {
			var perr *provider.ProviderError
			if errors.As(out.err, &perr) {
				o.events.system(out.participant.DisplayName() + " did not respond: " + perr.Reason)
			} else {
				log.Printf("orchestrator: fan-out call for %s: %v", out.participant.ID, out.err)
			}
			continue
		}
		out.msg.FinalizeStream(out.result.InputTokens, out.result.OutputTokens)
		// Restamp at completion: appends happen in completion order and
		// the transcript requires non-decreasing timestamps.
		out.msg.Timestamp = time.Now()
		if _, err := o.workspace.Append(out.msg); err != nil {
			log.Printf("orchestrator: fan-out append failed: %v", err)
			continue
		}
		msgs = append(msgs, out.msg)
		o.events.emit(Event{Kind: EventMessage, Message: out.msg})
		o.governor.Record(o.costFn(out.participant.ModelID, out.result.InputTokens, out.result.OutputTokens))
	}

	return msgs, ctx.Err()
}
