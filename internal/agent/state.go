package agent

import (
	"fmt"
	"sync"

	"github.com/strandworks/strand/pkg/models"
)

// State is the lifecycle state of an agent run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateTool      State = "tool"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// StateEvent triggers a transition. The loop drives START/COMPLETE/ERROR,
// the pipeline drives TOOL_START/TOOL_END, external callers drive
// PAUSE/RESUME/RESTORE.
type StateEvent string

const (
	EventStart     StateEvent = "START"
	EventToolStart StateEvent = "TOOL_START"
	EventToolEnd   StateEvent = "TOOL_END"
	EventPause     StateEvent = "PAUSE"
	EventResume    StateEvent = "RESUME"
	EventComplete  StateEvent = "COMPLETE"
	EventError     StateEvent = "ERROR"
	EventRestore   StateEvent = "RESTORE"
)

var transitions = map[State]map[StateEvent]State{
	StateIdle: {
		EventStart:   StateRunning,
		EventRestore: StateIdle,
		EventError:   StateError,
	},
	StateRunning: {
		EventToolStart: StateTool,
		EventPause:     StatePaused,
		EventComplete:  StateCompleted,
		EventError:     StateError,
		EventRestore:   StateIdle,
	},
	StateTool: {
		EventToolEnd: StateRunning,
		EventError:   StateError,
		EventRestore: StateIdle,
	},
	StatePaused: {
		EventResume:  StateRunning,
		EventError:   StateError,
		EventRestore: StateIdle,
	},
	StateCompleted: {
		EventStart:   StateRunning,
		EventRestore: StateIdle,
	},
	StateError: {
		EventStart:   StateRunning,
		EventRestore: StateIdle,
	},
}

// TransitionListener observes state changes. Listeners are copied before
// invocation so a listener may register others without deadlock.
type TransitionListener func(from, to State, event StateEvent)

// Machine is the run state machine. Safe for concurrent use.
type Machine struct {
	mu        sync.RWMutex
	state     State
	listeners []TransitionListener
}

// NewMachine creates a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnTransition registers a listener for all transitions.
func (m *Machine) OnTransition(fn TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Fire applies an event. Invalid transitions return an error and leave
// the state unchanged.
func (m *Machine) Fire(event StateEvent) error {
	m.mu.Lock()
	from := m.state
	to, ok := transitions[from][event]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition: %s + %s", from, event)
	}
	m.state = to
	listeners := make([]TransitionListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(from, to, event)
	}
	return nil
}

// checkpointState is the serialized loop state captured in a checkpoint.
type checkpointState struct {
	History   []models.Message `json:"history"`
	TaskID    string           `json:"task_id,omitempty"`
	Plan      []models.TaskStep `json:"plan,omitempty"`
	Iteration int              `json:"iteration"`
	Usage     models.Usage     `json:"usage"`
}
