package turn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrInvalidTransition is returned for any move outside the turn graph. The state
// is left unchanged.
var ErrInvalidTransition = errors.New("invalid turn transition")

type State int

const (
	Idle State = iota
	CallerSpeaking
	AgentSpeaking
	BargeInPending
	Cancelling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CallerSpeaking:
		return "caller_speaking"
	case AgentSpeaking:
		return "agent_speaking"
	case BargeInPending:
		return "barge_in_pending"
	case Cancelling:
		return "cancelling"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// BargeInPending and Cancelling are only entered from AgentSpeaking and only
// left towards CallerSpeaking.
var graph = map[State][]State{
	Idle:           {CallerSpeaking, AgentSpeaking},
	CallerSpeaking: {Idle, AgentSpeaking},
	AgentSpeaking:  {Idle, CallerSpeaking, BargeInPending},
	BargeInPending: {Cancelling},
	Cancelling:     {CallerSpeaking},
}

// Allowed reports whether from -> next is an edge of the turn graph.
func Allowed(from, next State) bool {
	for _, s := range graph[from] {
		if s == next {
			return true
		}
	}
	return false
}

// Machine holds one session's TurnState.
type Machine struct {
	mu     sync.Mutex
	state  State
	logger *slog.Logger
}

func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{state: Idle, logger: logger}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next if the graph allows it. Rejected moves are logged.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !Allowed(m.state, next) {
		err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
		m.logger.Warn("rejected turn transition", "from", m.state.String(), "to", next.String())
		return err
	}
	m.logger.Debug("turn transition", "from", m.state.String(), "to", next.String())
	m.state = next
	return nil
}
