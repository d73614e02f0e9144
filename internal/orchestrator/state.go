package orchestrator

import (
	"fmt"
	"sync"

	goerrors "github.com/evoseal/core/infrastructure/errors"
)

// State is a node in the orchestrator's workflow-level state machine.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateCheckpointing State = "checkpointing"
	StateRecovering   State = "recovering"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// orchestratorTransitions enumerates legal workflow-level state changes,
// adapted from the teacher's HealthMonitor state-marking discipline in
// system/core.LifecycleManager.
var orchestratorTransitions = map[State]map[State]bool{
	StateIdle:          {StateInitializing: true},
	StateInitializing:  {StateRunning: true, StateFailed: true},
	StateRunning:       {StatePaused: true, StateCheckpointing: true, StateRecovering: true, StateCompleted: true, StateFailed: true, StateCancelled: true},
	StatePaused:        {StateRunning: true, StateCancelled: true},
	StateCheckpointing: {StateRunning: true, StateFailed: true},
	StateRecovering:    {StateRunning: true, StateFailed: true},
	StateCompleted:     {},
	StateFailed:        {},
	StateCancelled:     {},
}

type stateMachine struct {
	mu    sync.Mutex
	state State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateIdle}
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed, ok := orchestratorTransitions[m.state]
	if !ok || !allowed[to] {
		return goerrors.PolicyViolation("orchestrator_transition", fmt.Sprintf("cannot move workflow from %s to %s", m.state, to))
	}
	m.state = to
	return nil
}
