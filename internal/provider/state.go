package provider

import (
	"fmt"
	"log/slog"
	"sync"
)

// State is a session's lifecycle position.
type State int

const (
	// Connecting: transport being established, configuration unacknowledged.
	Connecting State = iota

	// Ready: configured and accepting control calls, no audio exchanged yet.
	Ready

	// Streaming: audio flowing in at least one direction.
	Streaming

	// AwaitingTool: the model has requested a function call and is blocked
	// on its result.
	AwaitingTool

	// Closing: teardown in progress.
	Closing

	// Closed: terminal, torn down cleanly.
	Closed

	// Errored: terminal, torn down after a failure.
	Errored
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	case AwaitingTool:
		return "awaiting_tool"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Closed || s == Errored }

// transitions lists the legal forward edges. Closing and Errored are
// additionally reachable from every non-terminal state.
var transitions = map[State][]State{
	Connecting:   {Ready},
	Ready:        {Ready, Streaming},
	Streaming:    {Streaming, AwaitingTool},
	AwaitingTool: {Streaming},
	Closing:      {Closed},
}

// Machine validates and logs state transitions. Adapters embed one; the zero
// value starts in Connecting.
type Machine struct {
	mu    sync.Mutex
	state State
	sess  string
}

// NewMachine creates a Machine starting in Connecting, tagged with the
// session id for log lines.
func NewMachine(sessionID string) *Machine {
	return &Machine{sess: sessionID}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the target state, rejecting illegal edges. Moving to
// the current state is a no-op for the self-loop states (Ready, Streaming).
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if from.Terminal() {
		return fmt.Errorf("provider: session %s: transition %s→%s from terminal state", m.sess, from, to)
	}
	// Teardown edges are legal from any live state.
	legal := to == Closing || to == Errored
	if !legal && to == Closed && from == Closing {
		legal = true
	}
	if !legal {
		for _, next := range transitions[from] {
			if next == to {
				legal = true
				break
			}
		}
	}
	if !legal {
		return fmt.Errorf("provider: session %s: illegal transition %s→%s", m.sess, from, to)
	}

	if from != to {
		slog.Debug("provider session state", "session_id", m.sess, "from", from.String(), "to", to.String())
	}
	m.state = to
	return nil
}

// Force moves to the target state unconditionally. Used by teardown paths
// that must converge on a terminal state no matter what.
func (m *Machine) Force(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}
	m.state = to
}
