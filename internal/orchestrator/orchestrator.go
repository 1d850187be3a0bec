// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator runs the discussion turn-taking state machine. It
// composes the moderation policy, budget governor, provider adapter,
// workspace, and evaluator into rounds and decides when a run terminates.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/quorum/internal/budget"
	"github.com/jeranaias/quorum/internal/consensus"
	"github.com/jeranaias/quorum/internal/model"
	"github.com/jeranaias/quorum/internal/moderation"
	"github.com/jeranaias/quorum/internal/provider"
	"github.com/jeranaias/quorum/internal/workspace"
)

// =============================================================================
// STATES AND REASONS
// =============================================================================

// State is the orchestrator lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
	StateCompleted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// StopReason explains why a run terminated. Every termination path reports
// a distinct reason.
type StopReason string

const (
	ReasonConsensus       StopReason = "consensus_reached"
	ReasonStalled         StopReason = "stalled"
	ReasonUserStopped     StopReason = "user_stopped"
	ReasonBudgetExceeded  StopReason = "budget_exceeded"
	ReasonRoundsExhausted StopReason = "rounds_exhausted"
	ReasonKilled          StopReason = "killed"
)

// Description returns the human-readable termination message.
func (r StopReason) Description() string {
	switch r {
	case ReasonConsensus:
		return "discussion reached consensus"
	case ReasonStalled:
		return "discussion stalled: no new contributions"
	case ReasonUserStopped:
		return "discussion stopped by user"
	case ReasonBudgetExceeded:
		return "discussion stopped: budget exceeded"
	case ReasonRoundsExhausted:
		return "discussion completed all rounds"
	case ReasonKilled:
		return "discussion killed"
	default:
		return string(r)
	}
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionNotActive rejects moderation commands with no active run.
	// Always surfaced as a clear no-op, never a crash.
	ErrSessionNotActive = errors.New("no active discussion to moderate")

	// ErrRunActive rejects starting a second run in the same session.
	ErrRunActive = errors.New("a discussion run is already active")

	// ErrNoParticipants rejects a run with nobody registered.
	ErrNoParticipants = errors.New("no participants registered")
)

// =============================================================================
// RUN STATE
// =============================================================================

// lastSpeakersCap bounds the ring of recent speaker names.
const lastSpeakersCap = 3

// Run is the execution context of one auto-discussion. At most one Run is
// active per session.
type Run struct {
	ID     string
	Rounds int

	mu            sync.Mutex
	currentRound  int
	lastSpeakers  []string // bounded ring, most recent last
	silenceStreak int

	killed atomic.Bool
	done   chan struct{}
}

// CurrentRound returns the round in progress (1-based).
func (r *Run) CurrentRound() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentRound
}

// LastSpeakers returns up to the three most recent speaker names.
func (r *Run) LastSpeakers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lastSpeakers))
	copy(out, r.lastSpeakers)
	return out
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) setRound(n int) {
	r.mu.Lock()
	r.currentRound = n
	r.mu.Unlock()
}

func (r *Run) pushSpeaker(name string) {
	r.mu.Lock()
	r.lastSpeakers = append(r.lastSpeakers, name)
	if len(r.lastSpeakers) > lastSpeakersCap {
		r.lastSpeakers = r.lastSpeakers[len(r.lastSpeakers)-lastSpeakersCap:]
	}
	r.mu.Unlock()
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// CostFunc prices a completed call. Defaults to budget.EstimateCost.
type CostFunc func(modelID string, inputTokens, outputTokens int) float64

// DefaultContextTokens bounds the prompt context window.
const DefaultContextTokens = 8000

// Orchestrator owns all discussion state for one session: its workspace,
// ledger, moderation policy, and the active run. No ambient globals.
type Orchestrator struct {
	adapter   provider.Adapter
	governor  *budget.Governor
	workspace *workspace.Workspace
	policy    *moderation.Policy
	evaluator *consensus.Evaluator

	costFn           CostFunc
	maxContextTokens int

	events emitter

	mu           sync.Mutex
	state        atomic.Int32
	participants []model.Participant
	run          *Run
	cancelRun    context.CancelFunc

	// wake nudges the run loop out of pause waits and cooldown sleeps
	// when a control flag changes.
	wake chan struct{}
}

// New creates an orchestrator for one session.
func New(adapter provider.Adapter, governor *budget.Governor, ws *workspace.Workspace, policy *moderation.Policy, evaluator *consensus.Evaluator) *Orchestrator {
	o := &Orchestrator{
		adapter:          adapter,
		governor:         governor,
		workspace:        ws,
		policy:           policy,
		evaluator:        evaluator,
		costFn:           budget.EstimateCost,
		maxContextTokens: DefaultContextTokens,
		wake:             make(chan struct{}, 1),
	}

	governor.SetTierCallback(func(tier budget.Tier) {
		o.events.emit(Event{Kind: EventSystem, Text: "budget tier changed: " + tier.String(), Tier: tier})
	})
	governor.SetKillCallback(func() {
		// Budget kill switch stops the active run at the next safe point.
		if err := o.Kill(); err != nil && !errors.Is(err, ErrSessionNotActive) {
			log.Printf("orchestrator: kill after budget kill switch: %v", err)
		}
	})

	return o
}

// SetCostFunc overrides call pricing.
func (o *Orchestrator) SetCostFunc(fn CostFunc) {
	o.costFn = fn
}

// SetContextTokens overrides the prompt context budget.
func (o *Orchestrator) SetContextTokens(n int) {
	if n > 0 {
		o.maxContextTokens = n
	}
}

// Subscribe registers a progress listener.
func (o *Orchestrator) Subscribe(l Listener) {
	o.events.add(l)
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Workspace returns the session transcript.
func (o *Orchestrator) Workspace() *workspace.Workspace {
	return o.workspace
}

// Policy returns the session moderation policy.
func (o *Orchestrator) Policy() *moderation.Policy {
	return o.policy
}

// =============================================================================
// PARTICIPANT REGISTRATION
// =============================================================================

// SetParticipants replaces the registered participant set. Replacement is
// whole-set between rounds; rejected while a run is active to avoid
// mid-round ambiguity.
func (o *Orchestrator) SetParticipants(parts []model.Participant) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != nil {
		return ErrRunActive
	}
	o.participants = make([]model.Participant, len(parts))
	copy(o.participants, parts)
	return nil
}

// Participants returns the registered participants in registration order.
func (o *Orchestrator) Participants() []model.Participant {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Participant, len(o.participants))
	copy(out, o.participants)
	return out
}

// =============================================================================
// RUN LIFECYCLE
// =============================================================================

// Start creates a DiscussionRun and launches the round loop. Exactly one run
// may be active; terminal runs require a new Start.
func (o *Orchestrator) Start(req model.DiscussionRequest) (*Run, error) {
	o.mu.Lock()
	if o.run != nil {
		o.mu.Unlock()
		return nil, ErrRunActive
	}
	if len(o.participants) == 0 {
		o.mu.Unlock()
		return nil, ErrNoParticipants
	}

	if req.MaxSpeakersPerRound > 0 {
		if err := o.policy.SetMaxSpeakers(req.MaxSpeakersPerRound); err != nil {
			o.mu.Unlock()
			return nil, err
		}
	}
	if req.ForcedNextRole != "" {
		if err := o.policy.ForceNextRole(req.ForcedNextRole); err != nil {
			o.mu.Unlock()
			return nil, err
		}
	}

	run := &Run{
		ID:     uuid.NewString(),
		Rounds: req.Rounds,
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.run = run
	o.cancelRun = cancel
	o.policy.ResetRun()
	o.state.Store(int32(StateRunning))
	o.mu.Unlock()

	o.events.system("discussion started: " + req.Topic)
	go o.runLoop(ctx, run, req)

	return run, nil
}

// runLoop drives rounds until a termination condition fires.
func (o *Orchestrator) runLoop(ctx context.Context, run *Run, req model.DiscussionRequest) {
	defer close(run.done)

	for round := 1; req.Rounds == 0 || round <= req.Rounds; round++ {
		run.setRound(round)
		o.events.emit(Event{Kind: EventSystem, Text: fmt.Sprintf("round %d started", round), Round: round})

		roundMsgs, budgetBlocked := o.runRound(ctx, run, req, round)

		if run.killed.Load() {
			o.finish(run, ReasonKilled)
			return
		}

		// A consumed interjection ends the round early; the run continues
		// and the next round's context includes the interjection. The
		// truncated round is excluded from stall detection.
		interjected := o.policy.InterjectRequested()
		if interjected {
			o.policy.ClearInterject()
		}

		if !interjected {
			if o.evaluator.HasNewInsight(roundMsgs) {
				run.mu.Lock()
				run.silenceStreak = 0
				run.mu.Unlock()
			} else {
				run.mu.Lock()
				run.silenceStreak++
				streak := run.silenceStreak
				run.mu.Unlock()
				if streak >= o.evaluator.SilenceThreshold {
					o.finish(run, ReasonStalled)
					return
				}
			}
		}

		if req.SeekConsensus && o.evaluator.ConsensusReached(o.workspace.All()) {
			o.finish(run, ReasonConsensus)
			return
		}
		if o.policy.StopRequested() {
			o.finish(run, ReasonUserStopped)
			return
		}
		if budgetBlocked || o.governor.Exceeded() {
			o.finish(run, ReasonBudgetExceeded)
			return
		}
	}

	o.finish(run, ReasonRoundsExhausted)
}

// runRound executes one round in sequential mode: candidates speak one at a
// time because later speakers prompt against the transcript including earlier
// turns of the same round. Returns the round's appended messages and whether
// the budget gate blocked a call.
func (o *Orchestrator) runRound(ctx context.Context, run *Run, req model.DiscussionRequest, round int) (msgs []*model.Message, budgetBlocked bool) {
	candidates := o.policy.SelectSpeakers(o.Participants())

	var previousSpeaker string
	var previousMsgID string
	if speakers := run.LastSpeakers(); len(speakers) > 0 {
		previousSpeaker = speakers[len(speakers)-1]
	}

	for i, cand := range candidates {
		if err := o.waitWhilePaused(ctx); err != nil {
			return msgs, false
		}
		if run.killed.Load() {
			return msgs, false
		}
		if aborted, why := o.policy.Interrupted(); aborted {
			o.events.system("round ended early: " + why)
			return msgs, false
		}

		if !o.governor.TryReserve() {
			o.events.system("budget cap reached: skipping remaining speakers")
			return msgs, true
		}

		prompt := o.buildPrompt(req, round, previousSpeaker)
		contextMsgs := o.workspace.ContextWindow(o.maxContextTokens)

		msg := model.NewStreamingMessage(cand.ID, cand.ModelID)
		result, err := o.adapter.Stream(ctx, cand, contextMsgs, prompt, func(fragment string) {
			msg.AppendFragment(fragment)
			o.events.emit(Event{Kind: EventChunk, ParticipantID: cand.ID, Fragment: fragment})
		})
		if err != nil {
			if ctx.Err() != nil || run.killed.Load() {
				return msgs, false
			}
			// Provider failures are local: the participant is skipped
			// this turn and the round continues.
			var perr *provider.ProviderError
			if errors.As(err, &perr) {
				log.Printf("orchestrator: %v", perr)
				o.events.system(cand.DisplayName() + " did not respond: " + perr.Reason)
				continue
			}
			log.Printf("orchestrator: provider call for %s: %v", cand.ID, err)
			continue
		}

		// Kill ends the in-flight call's accounting: the response is
		// discarded, nothing is appended or recorded.
		if run.killed.Load() {
			return msgs, false
		}

		msg.FinalizeStream(result.InputTokens, result.OutputTokens)
		msg.RespondsTo = previousMsgID
		// Restamp at completion so an interjection appended mid-stream
		// cannot leave this message with an earlier timestamp.
		msg.Timestamp = time.Now()
		if _, err := o.workspace.Append(msg); err != nil {
			log.Printf("orchestrator: append failed: %v", err)
			continue
		}
		msgs = append(msgs, msg)
		o.events.emit(Event{Kind: EventMessage, Message: msg})

		o.governor.Record(o.costFn(cand.ModelID, result.InputTokens, result.OutputTokens))
		run.pushSpeaker(cand.DisplayName())
		previousSpeaker = cand.DisplayName()
		previousMsgID = msg.ID

		// Pacing delay between speakers, interruptible by any control
		// signal; correctness never depends on it.
		if i < len(candidates)-1 {
			if err := o.cooldown(ctx); err != nil {
				return msgs, false
			}
		}
	}

	return msgs, false
}

// buildPrompt composes the per-turn instruction.
func (o *Orchestrator) buildPrompt(req model.DiscussionRequest, round int, previousSpeaker string) string {
	prompt := o.policy.AckInstruction(previousSpeaker)
	prompt += fmt.Sprintf("Round %d of a structured discussion on: %s. ", round, req.Topic)
	if req.SeekConsensus {
		prompt += "Work toward a shared conclusion; state agreement explicitly where it exists. "
	}
	prompt += "Give your contribution for this round."
	return prompt
}

// finish moves the run to its terminal state and reports the reason. The
// state store happens under the same lock that clears the run, so control
// commands racing with termination cannot overwrite a terminal state.
func (o *Orchestrator) finish(run *Run, reason StopReason) {
	o.mu.Lock()
	switch reason {
	case ReasonUserStopped, ReasonBudgetExceeded, ReasonKilled:
		o.state.Store(int32(StateStopped))
	default:
		o.state.Store(int32(StateCompleted))
	}
	if o.cancelRun != nil {
		o.cancelRun()
		o.cancelRun = nil
	}
	o.run = nil
	o.mu.Unlock()

	o.events.emit(Event{Kind: EventSystem, Text: reason.Description(), Reason: reason})
}

// =============================================================================
// CONTROL COMMANDS
// =============================================================================

// activeRun returns the current run or ErrSessionNotActive.
func (o *Orchestrator) activeRun() (*Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return nil, ErrSessionNotActive
	}
	return o.run, nil
}

// nudge wakes the run loop so a control change is observed promptly.
func (o *Orchestrator) nudge() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Pause holds the run at the next candidate boundary. Idempotent. The run
// check and state store share one critical section with finish, so pausing
// cannot resurrect a run that terminated concurrently.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.run == nil {
		o.mu.Unlock()
		return ErrSessionNotActive
	}
	o.policy.Pause()
	o.state.Store(int32(StatePaused))
	o.mu.Unlock()
	o.events.system("discussion paused")
	return nil
}

// Resume continues a paused run at the candidate it was holding on.
// A no-op when not paused.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.run == nil {
		o.mu.Unlock()
		return ErrSessionNotActive
	}
	if !o.policy.IsPaused() {
		o.mu.Unlock()
		return nil
	}
	o.policy.Resume()
	o.state.Store(int32(StateRunning))
	o.mu.Unlock()
	o.nudge()
	o.events.system("discussion resumed")
	return nil
}

// Stop requests graceful termination once the current round completes.
func (o *Orchestrator) Stop() error {
	if _, err := o.activeRun(); err != nil {
		return err
	}
	o.policy.RequestStop()
	o.policy.Resume() // a paused run must still be able to stop
	o.nudge()
	return nil
}

// Interject appends the user's message to the workspace immediately, out of
// band from the round loop, and ends the current round at the next safe
// checkpoint. The next round prompts against a context containing it.
func (o *Orchestrator) Interject(text string) (*model.Message, error) {
	if _, err := o.activeRun(); err != nil {
		return nil, err
	}
	msg, err := o.workspace.Append(model.NewUserMessage(text))
	if err != nil {
		return nil, err
	}
	o.events.emit(Event{Kind: EventMessage, Message: msg})
	o.policy.RequestInterject()
	o.nudge()
	return msg, nil
}

// Kill forcibly ends the run: the in-flight provider call still completes or
// errors on the network, but its result is discarded and the run is marked
// stopped within that one call's completion.
func (o *Orchestrator) Kill() error {
	run, err := o.activeRun()
	if err != nil {
		return err
	}
	run.killed.Store(true)
	o.policy.Resume() // unblock a paused loop so it can observe the kill
	o.nudge()
	o.events.system("kill switch engaged")
	return nil
}

// =============================================================================
// SUSPEND POINTS
// =============================================================================

// waitWhilePaused blocks at a candidate boundary while the policy is paused.
// It returns promptly on resume, stop, interject, kill, or cancellation.
func (o *Orchestrator) waitWhilePaused(ctx context.Context) error {
	for o.policy.IsPaused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.wake:
		}
	}
	return nil
}

// cooldown sleeps for the policy's pacing delay, interruptibly.
func (o *Orchestrator) cooldown(ctx context.Context) error {
	d := o.policy.Cooldown()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.wake:
		// A control flag changed; the caller re-checks at the top of
		// the candidate loop.
		return nil
	case <-timer.C:
		return nil
	}
}
