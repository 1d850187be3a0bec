// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/quorum/internal/budget"
	"github.com/jeranaias/quorum/internal/consensus"
	"github.com/jeranaias/quorum/internal/model"
	"github.com/jeranaias/quorum/internal/moderation"
	"github.com/jeranaias/quorum/internal/provider"
	"github.com/jeranaias/quorum/internal/workspace"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

// fakeAdapter returns scripted responses without any network.
type fakeAdapter struct {
	mu    sync.Mutex
	calls int

	// respond picks the text for a call. Defaults to a generic contribution.
	respond func(call int, p model.Participant) string

	// fail maps participant IDs to errors returned instead of responses.
	fail map[string]error

	// started and release, when set, make calls block: each call signals
	// started and waits on release before returning.
	started chan string
	release chan struct{}
}

func (f *fakeAdapter) Stream(ctx context.Context, p model.Participant, contextMsgs []*model.Message, prompt string, onFragment provider.FragmentFunc) (*provider.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.started != nil {
		f.started <- p.ID
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err, ok := f.fail[p.ID]; ok {
		return nil, err
	}

	text := "here is a new angle on the problem from " + p.ID
	if f.respond != nil {
		text = f.respond(call, p)
	}

	// Deliver in two fragments to exercise accumulation.
	half := len(text) / 2
	onFragment(text[:half])
	onFragment(text[half:])

	return &provider.Result{
		Text:         text,
		InputTokens:  100,
		OutputTokens: model.EstimateTokens(text),
	}, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// collector records emitted events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) listen(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) reason() StopReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Reason != "" {
			return ev.Reason
		}
	}
	return ""
}

func (c *collector) systemTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		if ev.Kind == EventSystem {
			out = append(out, ev.Text)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, adapter provider.Adapter, caps budget.Caps) (*Orchestrator, *collector) {
	t.Helper()
	policy := moderation.NewPolicy()
	if err := policy.SetCooldown(0); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}
	o := New(adapter, budget.NewGovernor(caps), workspace.New(), policy, consensus.NewEvaluator())
	c := &collector{}
	o.Subscribe(c.listen)
	return o, c
}

func twoParticipants() []model.Participant {
	return []model.Participant{
		{ID: "optimist", ProviderID: "openrouter", ModelID: "anthropic/claude-3-haiku", Role: "optimist"},
		{ID: "skeptic", ProviderID: "openrouter", ModelID: "openai/gpt-4o", Role: "skeptic"},
	}
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish in time")
	}
}

func participantMessages(ws *workspace.Workspace) []*model.Message {
	var out []*model.Message
	for _, msg := range ws.All() {
		if msg.Role == model.RoleParticipant {
			out = append(out, msg)
		}
	}
	return out
}

// =============================================================================
// ROUND LOOP
// =============================================================================

func TestRunExhaustsRounds(t *testing.T) {
	o, c := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "caching strategy", Rounds: 3})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if got := c.reason(); got != ReasonRoundsExhausted {
		t.Errorf("reason = %q, want %q", got, ReasonRoundsExhausted)
	}
	if got := o.State(); got != StateCompleted {
		t.Errorf("state = %v, want completed", got)
	}
	if got := len(participantMessages(o.Workspace())); got != 6 {
		t.Errorf("participant messages = %d, want 6 (2 speakers x 3 rounds)", got)
	}
}

func TestSequentialOrderWithinRound(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 2})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	msgs := participantMessages(o.Workspace())
	want := []string{"optimist", "skeptic", "optimist", "skeptic"}
	if len(msgs) != len(want) {
		t.Fatalf("messages = %d, want %d", len(msgs), len(want))
	}
	for i, msg := range msgs {
		if msg.Author != want[i] {
			t.Errorf("message %d author = %q, want %q", i, msg.Author, want[i])
		}
	}

	// The second speaker of a round replies to the first.
	if msgs[1].RespondsTo != msgs[0].ID {
		t.Errorf("second speaker RespondsTo = %q, want %q", msgs[1].RespondsTo, msgs[0].ID)
	}
}

func TestStreamingFragmentsEmitted(t *testing.T) {
	o, c := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()[:1]); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	c.mu.Lock()
	defer c.mu.Unlock()
	var chunks, finals int
	var assembled strings.Builder
	for _, ev := range c.events {
		switch ev.Kind {
		case EventChunk:
			chunks++
			assembled.WriteString(ev.Fragment)
		case EventMessage:
			finals++
			if ev.Message.Text != assembled.String() {
				t.Errorf("final text %q does not match assembled fragments %q", ev.Message.Text, assembled.String())
			}
		}
	}
	if chunks != 2 {
		t.Errorf("chunk events = %d, want 2", chunks)
	}
	if finals != 1 {
		t.Errorf("message events = %d, want 1", finals)
	}
}

func TestProviderFailureSkipsParticipant(t *testing.T) {
	adapter := &fakeAdapter{
		fail: map[string]error{
			"optimist": &provider.ProviderError{Provider: "openrouter", Status: 500, Reason: "upstream error"},
		},
	}
	o, c := newTestOrchestrator(t, adapter, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	msgs := participantMessages(o.Workspace())
	if len(msgs) != 1 || msgs[0].Author != "skeptic" {
		t.Fatalf("expected only the skeptic's message, got %d messages", len(msgs))
	}
	if got := c.reason(); got != ReasonRoundsExhausted {
		t.Errorf("reason = %q, want %q", got, ReasonRoundsExhausted)
	}

	var noted bool
	for _, text := range c.systemTexts() {
		if strings.Contains(text, "did not respond") {
			noted = true
		}
	}
	if !noted {
		t.Error("expected a system event noting the failed participant")
	}
}

func TestMaxSpeakersCapsRound(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	parts := []model.Participant{
		{ID: "a", ModelID: "m"}, {ID: "b", ModelID: "m"},
		{ID: "c", ModelID: "m"}, {ID: "d", ModelID: "m"},
	}
	if err := o.SetParticipants(parts); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 1, MaxSpeakersPerRound: 2})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	msgs := participantMessages(o.Workspace())
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Author != "a" || msgs[1].Author != "b" {
		t.Errorf("speakers = %q, %q; want registration order a, b", msgs[0].Author, msgs[1].Author)
	}
}

// =============================================================================
// TERMINATION
// =============================================================================

func TestBudgetExceededStopsRun(t *testing.T) {
	o, c := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{SessionUSD: 1.00})
	o.SetCostFunc(func(modelID string, in, out int) float64 { return 0.50 })
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if got := c.reason(); got != ReasonBudgetExceeded {
		t.Errorf("reason = %q, want %q", got, ReasonBudgetExceeded)
	}
	if got := o.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	// $0.50 per call against a $1 cap: the second call lands exactly on
	// the cap, nothing reserves after it.
	if got := len(participantMessages(o.Workspace())); got != 2 {
		t.Errorf("participant messages = %d, want 2", got)
	}
}

func TestBudgetBlocksThirdSpeakerMidRound(t *testing.T) {
	o, c := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{SessionUSD: 1.00})
	o.SetCostFunc(func(modelID string, in, out int) float64 { return 0.50 })
	parts := []model.Participant{
		{ID: "a", ProviderID: "openrouter", ModelID: "anthropic/claude-3-haiku", Role: "a"},
		{ID: "b", ProviderID: "openrouter", ModelID: "anthropic/claude-3-haiku", Role: "b"},
		{ID: "c", ProviderID: "openrouter", ModelID: "anthropic/claude-3-haiku", Role: "c"},
	}
	if err := o.SetParticipants(parts); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	// A and B spend the whole $1 cap, so C's reservation is refused within
	// the same round and the run ends there.
	msgs := participantMessages(o.Workspace())
	if len(msgs) != 2 {
		t.Fatalf("participant messages = %d, want 2", len(msgs))
	}
	if msgs[0].Author != "a" || msgs[1].Author != "b" {
		t.Errorf("speakers = %s, %s, want a, b", msgs[0].Author, msgs[1].Author)
	}
	if got := c.reason(); got != ReasonBudgetExceeded {
		t.Errorf("reason = %q, want %q", got, ReasonBudgetExceeded)
	}
	blocked := false
	for _, text := range c.systemTexts() {
		if strings.Contains(text, "budget cap reached") {
			blocked = true
		}
	}
	if !blocked {
		t.Error("expected a system event for the blocked reservation")
	}
}

func TestStalledAfterSilentRounds(t *testing.T) {
	adapter := &fakeAdapter{
		respond: func(call int, p model.Participant) string { return "  " },
	}
	o, c := newTestOrchestrator(t, adapter, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if got := c.reason(); got != ReasonStalled {
		t.Errorf("reason = %q, want %q", got, ReasonStalled)
	}
	// Two silent rounds, two speakers each.
	if got := adapter.callCount(); got != 4 {
		t.Errorf("provider calls = %d, want 4", got)
	}
}

// countingScorer reports consensus once enough messages have accumulated.
type countingScorer struct{ after int }

func (s countingScorer) Score(recent []*model.Message) float64 {
	n := 0
	for _, msg := range recent {
		if msg.Role == model.RoleParticipant {
			n++
		}
	}
	if n >= s.after {
		return 9.0
	}
	return 3.0
}

func TestConsensusStopsEarly(t *testing.T) {
	o, c := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	o.evaluator.WithScorer(countingScorer{after: 4})
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 5, SeekConsensus: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if got := c.reason(); got != ReasonConsensus {
		t.Errorf("reason = %q, want %q", got, ReasonConsensus)
	}
	if got := o.State(); got != StateCompleted {
		t.Errorf("state = %v, want completed", got)
	}
	// Consensus fires at the end of round 2, not after all 5 rounds.
	if got := len(participantMessages(o.Workspace())); got != 4 {
		t.Errorf("participant messages = %d, want 4", got)
	}
}

func TestConsensusIgnoredWithoutSeekFlag(t *testing.T) {
	o, c := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	o.evaluator.WithScorer(countingScorer{after: 1})
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 3})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if got := c.reason(); got != ReasonRoundsExhausted {
		t.Errorf("reason = %q, want %q", got, ReasonRoundsExhausted)
	}
}

func TestStopEndsRunGracefully(t *testing.T) {
	o, c := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	var once sync.Once
	o.Subscribe(func(ev Event) {
		if ev.Kind == EventMessage && ev.Message.Role == model.RoleParticipant {
			once.Do(func() {
				if err := o.Stop(); err != nil {
					t.Errorf("Stop: %v", err)
				}
			})
		}
	})

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if got := c.reason(); got != ReasonUserStopped {
		t.Errorf("reason = %q, want %q", got, ReasonUserStopped)
	}
	if got := o.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
}

// =============================================================================
// CONTROL COMMANDS
// =============================================================================

func TestCommandsWithoutRunAreRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})

	if err := o.Pause(); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Pause error = %v, want ErrSessionNotActive", err)
	}
	if err := o.Resume(); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Resume error = %v, want ErrSessionNotActive", err)
	}
	if err := o.Stop(); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Stop error = %v, want ErrSessionNotActive", err)
	}
	if _, err := o.Interject("hi"); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Interject error = %v, want ErrSessionNotActive", err)
	}
	if err := o.Kill(); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Kill error = %v, want ErrSessionNotActive", err)
	}
}

func TestPauseCannotOverrideTerminalState(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	// The run is gone; pause must be rejected and the terminal state kept.
	if err := o.Pause(); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Pause after completion error = %v, want ErrSessionNotActive", err)
	}
	if got := o.State(); got != StateCompleted {
		t.Errorf("state = %v, want completed", got)
	}
	if err := o.Resume(); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("Resume after completion error = %v, want ErrSessionNotActive", err)
	}
	if got := o.State(); got != StateCompleted {
		t.Errorf("state after resume attempt = %v, want completed", got)
	}
}

func TestStartRejectsSecondRun(t *testing.T) {
	adapter := &fakeAdapter{started: make(chan string, 1), release: make(chan struct{})}
	o, _ := newTestOrchestrator(t, adapter, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()[:1]); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-adapter.started

	if _, err := o.Start(model.DiscussionRequest{Topic: "t2", Rounds: 1}); !errors.Is(err, ErrRunActive) {
		t.Errorf("second Start error = %v, want ErrRunActive", err)
	}
	if err := o.SetParticipants(twoParticipants()); !errors.Is(err, ErrRunActive) {
		t.Errorf("SetParticipants during run error = %v, want ErrRunActive", err)
	}

	close(adapter.release)
	waitDone(t, run)
}

func TestStartRequiresParticipants(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	if _, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 1}); !errors.Is(err, ErrNoParticipants) {
		t.Errorf("Start error = %v, want ErrNoParticipants", err)
	}
}

func TestPauseHoldsPositionUntilResume(t *testing.T) {
	o, c := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	var once sync.Once
	o.Subscribe(func(ev Event) {
		if ev.Kind == EventMessage && ev.Message.Role == model.RoleParticipant {
			once.Do(func() {
				if err := o.Pause(); err != nil {
					t.Errorf("Pause: %v", err)
				}
				// Pausing again is a no-op, never an error.
				if err := o.Pause(); err != nil {
					t.Errorf("second Pause: %v", err)
				}
			})
		}
	})

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The loop pauses after the first speaker and holds there.
	deadline := time.After(2 * time.Second)
	for o.State() != StatePaused {
		select {
		case <-deadline:
			t.Fatal("orchestrator never paused")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(participantMessages(o.Workspace())); got != 1 {
		t.Fatalf("messages while paused = %d, want 1", got)
	}

	if err := o.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitDone(t, run)

	// The held speaker still gets its turn: pause holds position, it
	// does not skip.
	if got := len(participantMessages(o.Workspace())); got != 2 {
		t.Errorf("messages after resume = %d, want 2", got)
	}
	if got := c.reason(); got != ReasonRoundsExhausted {
		t.Errorf("reason = %q, want %q", got, ReasonRoundsExhausted)
	}
}

func TestInterjectAppendsImmediatelyAndRunContinues(t *testing.T) {
	o, c := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	var once sync.Once
	var userMsgID string
	o.Subscribe(func(ev Event) {
		if ev.Kind == EventMessage && ev.Message.Role == model.RoleParticipant {
			once.Do(func() {
				msg, err := o.Interject("please focus on costs")
				if err != nil {
					t.Errorf("Interject: %v", err)
					return
				}
				userMsgID = msg.ID
			})
		}
	})

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 3})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)

	if got := c.reason(); got != ReasonRoundsExhausted {
		t.Errorf("reason = %q, want %q", got, ReasonRoundsExhausted)
	}
	msg, err := o.Workspace().Get(userMsgID)
	if err != nil {
		t.Fatalf("user message not in transcript: %v", err)
	}
	if msg.Role != model.RoleUser || msg.Text != "please focus on costs" {
		t.Errorf("unexpected interjection message: %+v", msg)
	}

	// The interjection lands before every later participant contribution.
	userIdx := o.Workspace().AppendIndex(userMsgID)
	later := 0
	for _, part := range participantMessages(o.Workspace()) {
		if o.Workspace().AppendIndex(part.ID) > userIdx {
			later++
		}
	}
	if later == 0 {
		t.Error("expected participant contributions after the interjection")
	}
}

// =============================================================================
// KILL SWITCH
// =============================================================================

func TestKillDiscardsInFlightCall(t *testing.T) {
	adapter := &fakeAdapter{started: make(chan string, 1), release: make(chan struct{})}
	o, c := newTestOrchestrator(t, adapter, budget.Caps{})
	o.SetCostFunc(func(modelID string, in, out int) float64 { return 0.25 })
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-adapter.started

	if err := o.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	close(adapter.release)
	waitDone(t, run)

	if got := c.reason(); got != ReasonKilled {
		t.Errorf("reason = %q, want %q", got, ReasonKilled)
	}
	if got := o.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	// The in-flight response is discarded entirely.
	if got := len(participantMessages(o.Workspace())); got != 0 {
		t.Errorf("participant messages = %d, want 0", got)
	}
}

func TestGovernorKillSwitchStopsRun(t *testing.T) {
	adapter := &fakeAdapter{started: make(chan string, 1), release: make(chan struct{})}
	policy := moderation.NewPolicy()
	if err := policy.SetCooldown(0); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}
	gov := budget.NewGovernor(budget.Caps{SessionUSD: 10})
	o := New(adapter, gov, workspace.New(), policy, consensus.NewEvaluator())
	c := &collector{}
	o.Subscribe(c.listen)
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 5})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-adapter.started

	gov.KillSwitch()
	close(adapter.release)
	waitDone(t, run)

	if got := c.reason(); got != ReasonKilled {
		t.Errorf("reason = %q, want %q", got, ReasonKilled)
	}
	if gov.SpentUSD() != 0 {
		t.Errorf("spend = %f, want 0 (in-flight call discarded)", gov.SpentUSD())
	}
}

// =============================================================================
// FAN-OUT MODE
// =============================================================================

func TestFanOutAppendsAllResponses(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	parts := []model.Participant{
		{ID: "a", ModelID: "m"}, {ID: "b", ModelID: "m"}, {ID: "c", ModelID: "m"},
	}
	if err := o.SetParticipants(parts); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}
	o.SetCostFunc(func(modelID string, in, out int) float64 { return 0.10 })

	msgs, err := o.FanOut(context.Background(), "state your position")
	if err != nil {
		t.Fatalf("FanOut: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("responses = %d, want 3", len(msgs))
	}
	if o.Workspace().Len() != 3 {
		t.Errorf("workspace length = %d, want 3", o.Workspace().Len())
	}

	seen := map[string]bool{}
	for _, msg := range msgs {
		seen[msg.Author] = true
	}
	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Errorf("missing response from %s", id)
		}
	}
}

func TestFanOutSkipsFailures(t *testing.T) {
	adapter := &fakeAdapter{
		fail: map[string]error{
			"b": &provider.ProviderError{Provider: "openrouter", Status: 429, Reason: "rate limited"},
		},
	}
	o, _ := newTestOrchestrator(t, adapter, budget.Caps{})
	parts := []model.Participant{
		{ID: "a", ModelID: "m"}, {ID: "b", ModelID: "m"}, {ID: "c", ModelID: "m"},
	}
	if err := o.SetParticipants(parts); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	msgs, err := o.FanOut(context.Background(), "go")
	if err != nil {
		t.Fatalf("FanOut: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("responses = %d, want 2", len(msgs))
	}
	for _, msg := range msgs {
		if msg.Author == "b" {
			t.Error("failed participant should not have a message")
		}
	}
}

func TestAskRecordsPromptThenBroadcasts(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAdapter{}, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	msgs, err := o.Ask(context.Background(), "weigh in on the pricing change")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("responses = %d, want 2", len(msgs))
	}

	all := o.Workspace().All()
	if len(all) != 3 {
		t.Fatalf("workspace length = %d, want 3", len(all))
	}
	if all[0].Role != model.RoleUser || all[0].Text != "weigh in on the pricing change" {
		t.Errorf("first message = %s %q, want the user prompt", all[0].Role, all[0].Text)
	}
	for _, msg := range all[1:] {
		if msg.Role != model.RoleParticipant {
			t.Errorf("message from %s has role %s, want participant", msg.Author, msg.Role)
		}
	}
}

func TestAskRejectedWhileRunActive(t *testing.T) {
	adapter := &fakeAdapter{started: make(chan string, 1), release: make(chan struct{})}
	o, _ := newTestOrchestrator(t, adapter, budget.Caps{})
	if err := o.SetParticipants(twoParticipants()[:1]); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}

	run, err := o.Start(model.DiscussionRequest{Topic: "t", Rounds: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-adapter.started

	if _, err := o.Ask(context.Background(), "everyone?"); !errors.Is(err, ErrRunActive) {
		t.Errorf("Ask during run error = %v, want ErrRunActive", err)
	}

	close(adapter.release)
	waitDone(t, run)
}
