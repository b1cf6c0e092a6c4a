package turn

import (
	"errors"
	"sync"
	"testing"

	"github.com/harunnryd/rekrut/pkg/frames"
)

type recorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *recorder) OnStateChange(ev StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ev)
}

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine()
	rec := &recorder{}
	m.AddListener(rec)

	path := []State{StateGreeting, StateThinking, StateSpeaking, StateListening, StateThinking, StateEnding, StateEnded}
	for _, s := range path {
		if err := m.Transition(s, "test"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if m.State() != StateEnded {
		t.Fatalf("expected ENDED, got %s", m.State())
	}
	if len(rec.changes) != len(path) || rec.changes[0].FromState != StateConnecting {
		t.Fatalf("unexpected listener events %+v", rec.changes)
	}
	if m.Fail("late") {
		t.Fatalf("terminal machine must not fail")
	}
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine()
	err := m.Transition(StateSpeaking, "skip")
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) || ite.From != StateConnecting || ite.To != StateSpeaking {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
	if m.State() != StateConnecting {
		t.Fatalf("state must not change on rejected transition")
	}
}

func TestMachineFailFromAnyState(t *testing.T) {
	for _, start := range []State{StateConnecting, StateGreeting, StateListening, StateThinking, StateSpeaking, StateEnding} {
		if !Allowed(start, StateFailed) {
			t.Fatalf("FAILED must be reachable from %s", start)
		}
	}
	m := NewMachine()
	if !m.Fail("attach failed") || m.State() != StateFailed {
		t.Fatalf("expected FAILED")
	}
}

func TestListenerCanReadStateWithoutDeadlock(t *testing.T) {
	m := NewMachine()
	var seen State
	m.AddListener(ListenerFunc(func(ev StateChange) { seen = m.State() }))
	if err := m.Transition(StateGreeting, "attached"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if seen != StateGreeting {
		t.Fatalf("listener saw %s", seen)
	}
}

func TestBargeInDetector(t *testing.T) {
	d := BargeInDetector{Strategy: StrategyFor(true), MinWords: 2, UseVAD: true}
	if !d.Interrupts(StateSpeaking, frames.TranscriptEvent{Kind: frames.SpeechStarted}) {
		t.Fatalf("vad onset should interrupt while speaking")
	}
	if d.Interrupts(StateSpeaking, frames.TranscriptEvent{Kind: frames.TranscriptPartial, Text: "mm"}) {
		t.Fatalf("single word backchannel should not interrupt")
	}
	if !d.Interrupts(StateGreeting, frames.TranscriptEvent{Kind: frames.TranscriptPartial, Text: "sorry, quick question"}) {
		t.Fatalf("partial speech should interrupt the greeting")
	}
	if d.Interrupts(StateListening, frames.TranscriptEvent{Kind: frames.SpeechStarted}) {
		t.Fatalf("no barge-in while listening")
	}
	polite := BargeInDetector{Strategy: StrategyFor(false), UseVAD: true}
	if polite.Interrupts(StateSpeaking, frames.TranscriptEvent{Kind: frames.SpeechStarted}) {
		t.Fatalf("barge-in disabled must never interrupt")
	}
}
