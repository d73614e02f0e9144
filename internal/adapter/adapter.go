// Package adapter implements the Component Adapter Framework (spec C7): a
// single state machine and capability set (initialize/start/pause/resume/
// stop/execute/get_status/get_metrics) shared by every evolvable component
// kind (evolution engine, program optimizer, self-adapting LM), whether that
// component runs in-process or as a remote HTTP job. Grounded on the
// teacher's system/core.LifecycleManager dependency-ordered start/stop and
// ServiceModule capability interface, generalized from a fixed set of
// service modules to a uniform adapter over arbitrary component kinds.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/evoseal/core/infrastructure/errors"
	"github.com/evoseal/core/pkg/metrics"
)

// Kind identifies which evolvable component an adapter fronts.
type Kind string

const (
	KindEvolutionEngine  Kind = "evolution_engine"
	KindProgramOptimizer Kind = "program_optimizer"
	KindSelfAdaptingLM   Kind = "self_adapting_lm"
)

// Mode selects how an adapter dispatches Execute calls.
type Mode string

const (
	ModeInProcess Mode = "in_process"
	ModeRemote    Mode = "remote"
)

// State is a node in the adapter lifecycle state machine:
//
//	uninitialized -> initializing -> ready -> running <-> paused -> stopped
//	                                                               -> error (from initializing, ready, running or paused)
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateStopped       State = "stopped"
	StateError         State = "error"
)

// transitions enumerates every legal state change; anything absent is
// rejected by transition.
var transitions = map[State]map[State]bool{
	StateUninitialized: {StateInitializing: true},
	StateInitializing:  {StateReady: true, StateError: true},
	StateReady:         {StateRunning: true, StateStopped: true, StateError: true},
	StateRunning:       {StatePaused: true, StateReady: true, StateStopped: true, StateError: true},
	StatePaused:        {StateRunning: true, StateStopped: true, StateError: true},
	StateStopped:       {},
	StateError:         {StateInitializing: true},
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	Kind         Kind
	Mode         Mode
	State        State
	LastError    string
	LastActionAt time.Time
}

// Metrics is the snapshot returned by GetMetrics: counters the framework
// tracks uniformly across every adapter kind, independent of whatever
// domain metrics Execute itself records via the metrics store.
type Metrics struct {
	ExecuteCount       int64
	ExecuteFailures    int64
	LastExecuteLatency time.Duration
	TotalExecuteLatency time.Duration
}

// Executor performs the kind-specific unit of work for a named operation
// (spec.md §4.7: "execute(operation_name, args) -> Result"). In-process
// adapters implement this directly, typically switching on operation;
// remote adapters get one built by NewRemoteExecutor, which maps operation
// onto "POST <prefix>/jobs/<operation>".
type Executor interface {
	Execute(ctx context.Context, operation string, args map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, operation string, args map[string]any) (map[string]any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, operation string, args map[string]any) (map[string]any, error) {
	return f(ctx, operation, args)
}

// BaseAdapter is the single implementation shared by every component kind
// and mode; callers differentiate behavior by constructing it with a
// different Kind/Mode and Executor rather than subclassing.
type BaseAdapter struct {
	kind Kind
	mode Mode
	exec Executor

	mu        sync.Mutex
	state     State
	lastError string
	changedAt time.Time
	metrics   Metrics
}

// New constructs a BaseAdapter in state uninitialized.
func New(kind Kind, mode Mode, exec Executor) *BaseAdapter {
	return &BaseAdapter{
		kind:      kind,
		mode:      mode,
		exec:      exec,
		state:     StateUninitialized,
		changedAt: time.Now(),
	}
}

func (a *BaseAdapter) transition(to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitionLocked(to)
}

func (a *BaseAdapter) transitionLocked(to State) error {
	allowed, ok := transitions[a.state]
	if !ok || !allowed[to] {
		return goerrors.PolicyViolation("adapter_transition", fmt.Sprintf("cannot move %s adapter from %s to %s", a.kind, a.state, to))
	}
	a.state = to
	a.changedAt = time.Now()
	return nil
}

func (a *BaseAdapter) fail(err error) error {
	a.mu.Lock()
	a.state = StateError
	a.lastError = err.Error()
	a.changedAt = time.Now()
	a.mu.Unlock()
	return err
}

// Initialize moves uninitialized/error -> initializing -> ready.
func (a *BaseAdapter) Initialize(ctx context.Context) error {
	if err := a.transition(StateInitializing); err != nil {
		return err
	}
	if init, ok := a.exec.(interface{ Init(context.Context) error }); ok {
		if err := init.Init(ctx); err != nil {
			return a.fail(err)
		}
	}
	return a.transition(StateReady)
}

// Start moves ready -> running.
func (a *BaseAdapter) Start(ctx context.Context) error {
	return a.transition(StateRunning)
}

// Pause moves running -> paused.
func (a *BaseAdapter) Pause(ctx context.Context) error {
	return a.transition(StatePaused)
}

// Resume moves paused -> running.
func (a *BaseAdapter) Resume(ctx context.Context) error {
	return a.transition(StateRunning)
}

// Stop moves ready, running or paused to stopped; on a stopped adapter it
// does nothing.
func (a *BaseAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cur := a.state
	a.mu.Unlock()
	if cur == StateStopped {
		return nil
	}
	return a.transition(StateStopped)
}

// Execute runs one named operation, recording uniform latency/failure
// metrics regardless of the adapter's Mode. Callers must have moved the
// adapter to running first.
func (a *BaseAdapter) Execute(ctx context.Context, operation string, args map[string]any) (map[string]any, error) {
	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return nil, goerrors.PolicyViolation("adapter_not_running", fmt.Sprintf("adapter is %s, not running", a.state))
	}
	a.mu.Unlock()

	start := time.Now()
	out, err := a.exec.Execute(ctx, operation, args)
	elapsed := time.Since(start)

	a.mu.Lock()
	a.metrics.ExecuteCount++
	a.metrics.LastExecuteLatency = elapsed
	a.metrics.TotalExecuteLatency += elapsed
	if err != nil {
		a.metrics.ExecuteFailures++
	}
	a.mu.Unlock()

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordAdapterInvocation(string(a.kind), status, elapsed)

	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetStatus returns a snapshot of the adapter's lifecycle state.
func (a *BaseAdapter) GetStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{Kind: a.kind, Mode: a.mode, State: a.state, LastError: a.lastError, LastActionAt: a.changedAt}
}

// GetMetrics returns a snapshot of the adapter's uniform execution metrics.
func (a *BaseAdapter) GetMetrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}
