package types

import (
	"fmt"
	"sync"
)

type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingConsent
	StateAwaitingCard
	StateCardPresent
	StateExecuting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConsent:
		return "awaiting_consent"
	case StateAwaitingCard:
		return "awaiting_card"
	case StateCardPresent:
		return "card_present"
	case StateExecuting:
		return "executing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists every edge a session may take. Progress is forward only, except
// CardPresent <-> Executing and CardPresent <-> AwaitingCard (card lifted and
// re-presented on a live transport). Failed attempts fall back to Disconnected.
var transitions = map[SessionState][]SessionState{
	StateDisconnected:    {StateConnecting, StateClosed},
	StateConnecting:      {StateAwaitingConsent, StateAwaitingCard, StateCardPresent, StateDisconnected, StateClosed},
	StateAwaitingConsent: {StateDisconnected, StateClosed},
	StateAwaitingCard:    {StateCardPresent, StateDisconnected, StateClosed},
	StateCardPresent:     {StateExecuting, StateAwaitingCard, StateClosed},
	StateExecuting:       {StateCardPresent, StateAwaitingCard, StateClosed},
	StateClosed:          {},
}

type ErrInvalidTransition struct {
	From SessionState
	To   SessionState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// StateMachine guards a session state and the card handle that is only
// meaningful while a card is present.
type StateMachine struct {
	mu     sync.RWMutex
	state  SessionState
	handle string
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateDisconnected}
}

func (m *StateMachine) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *StateMachine) Handle() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// Transition moves to state to. Transitions into the current state are no-ops.
func (m *StateMachine) Transition(to SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(to)
}

// TransitionFrom moves to state to only if the current state is from.
func (m *StateMachine) TransitionFrom(from, to SessionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	return m.transition(to) == nil
}

// CardPresent records handle and moves to StateCardPresent.
func (m *StateMachine) CardPresent(handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transition(StateCardPresent); err != nil {
		return err
	}
	m.handle = handle
	return nil
}

func (m *StateMachine) transition(to SessionState) error {
	if m.state == to {
		return nil
	}

	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			if to != StateCardPresent && to != StateExecuting {
				m.handle = ""
			}
			return nil
		}
	}

	return &ErrInvalidTransition{From: m.state, To: to}
}
