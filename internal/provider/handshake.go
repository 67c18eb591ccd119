package provider

import (
	"fmt"
	"sync"
)

// State is the provider handshake state.
type State int

const (
	StateConnecting State = iota
	StateAwaitingReadyAck
	StateConfiguring
	StateAwaitingConfigAck
	StateReady
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingReadyAck:
		return "awaiting_ready_ack"
	case StateConfiguring:
		return "configuring"
	case StateAwaitingConfigAck:
		return "awaiting_config_ack"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var handshakeTransitions = map[State][]State{
	StateConnecting:        {StateAwaitingReadyAck, StateClosing},
	StateAwaitingReadyAck:  {StateConfiguring, StateClosing},
	StateConfiguring:       {StateAwaitingConfigAck, StateClosing},
	StateAwaitingConfigAck: {StateReady, StateClosing},
	StateReady:             {StateStreaming, StateClosing},
	StateStreaming:         {StateClosing},
	StateClosing:           {StateClosed},
}

// Handshake guards the state of one provider connection. Transitions outside the
// handshake graph fail with ErrProtocolSequence; Failed is reachable from every
// non-terminal state.
type Handshake struct {
	mu     sync.Mutex
	state  State
	reason error
}

func NewHandshake() *Handshake {
	return &Handshake{state: StateConnecting}
}

func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err is the failure reason once the handshake is Failed.
func (h *Handshake) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Advance moves to next if the graph allows it from the current state.
func (h *Handshake) Advance(next State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.advanceLocked(next)
}

// AdvanceFrom moves from want to next, failing if the current state is not want.
func (h *Handshake) AdvanceFrom(want, next State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != want {
		return fmt.Errorf("%w: expected %s, in %s", ErrProtocolSequence, want, h.state)
	}
	return h.advanceLocked(next)
}

func (h *Handshake) advanceLocked(next State) error {
	for _, allowed := range handshakeTransitions[h.state] {
		if allowed == next {
			h.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrProtocolSequence, h.state, next)
}

// Fail moves to Failed unless the state is already terminal.
func (h *Handshake) Fail(reason error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.state = StateFailed
	h.reason = reason
	return true
}

// FailIn moves to Failed only while still in want. It returns false when the state
// moved on first, for example when an ack raced a timeout.
func (h *Handshake) FailIn(want State, reason error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != want {
		return false
	}
	h.state = StateFailed
	h.reason = reason
	return true
}

// Require fails with ErrProtocolSequence unless the current state is one of states.
func (h *Handshake) Require(states ...State) (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range states {
		if h.state == s {
			return h.state, nil
		}
	}
	return h.state, fmt.Errorf("%w: operation not allowed in %s", ErrProtocolSequence, h.state)
}
