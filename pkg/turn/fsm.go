package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(ev StateChange) { f(ev) }

var validTransitions = map[State][]State{
	StateConnecting: {StateGreeting},
	StateGreeting:   {StateThinking, StateListening, StateEnding},
	StateListening:  {StateThinking, StateEnding},
	StateThinking:   {StateSpeaking, StateEnding},
	StateSpeaking:   {StateListening, StateEnding},
	StateEnding:     {StateEnded},
}

// Machine is the session state machine. FAILED is reachable from every
// non-terminal state.
type Machine struct {
	mu        sync.RWMutex
	current   State
	enteredAt time.Time
	listeners []StateListener
	now       func() time.Time
}

func NewMachine() *Machine {
	return &Machine{current: StateConnecting, enteredAt: time.Now(), now: time.Now}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns how long the machine has been in its current state.
func (m *Machine) Since() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now().Sub(m.enteredAt)
}

func Allowed(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation. Listeners are notified
// after the lock is released.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.current
	if !Allowed(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.current = to
	m.enteredAt = m.now()
	ev := StateChange{FromState: from, ToState: to, Timestamp: m.enteredAt, Reason: reason}
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChange(ev)
	}
	return nil
}

// Fail moves to FAILED unless the machine already stopped.
func (m *Machine) Fail(reason string) bool {
	return m.Transition(StateFailed, reason) == nil
}

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
