package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	goerrors "github.com/evoseal/core/infrastructure/errors"
	"github.com/evoseal/core/internal/checkpoint"
	"github.com/evoseal/core/internal/eventbus"
	"github.com/evoseal/core/pkg/metrics"
)

// ExecutionStrategy selects how ready steps are dispatched.
type ExecutionStrategy string

const (
	StrategySequential ExecutionStrategy = "sequential"
	StrategyParallel   ExecutionStrategy = "parallel"
	StrategyAdaptive   ExecutionStrategy = "adaptive"
	StrategyPriority   ExecutionStrategy = "priority"
)

// WorkflowConfig is the orchestrator's input, mirroring spec.md §4.8.
type WorkflowConfig struct {
	WorkflowID         string
	ExperimentID       string
	Iterations         int
	Steps              []WorkflowStep
	ExecutionStrategy  ExecutionStrategy
	CheckpointInterval int
	Recovery           RecoveryConfig
	Monitoring         ResourceMonitorConfig
	WorkingDir         string
}

// Orchestrator executes one WorkflowConfig's iterated DAG.
type Orchestrator struct {
	cfg         WorkflowConfig
	byID        map[string]WorkflowStep
	resolved    []string
	bus         *eventbus.Bus
	checkpoints *checkpoint.Store
	monitor     *ResourceMonitor

	sm *stateMachine

	mu               sync.Mutex
	paused           bool
	cancelled        bool
	lastCheckpointID string
	currentExecCtx   *ExecutionContext
	payloadFn        func(*ExecutionContext) checkpoint.Payload
}

// New validates and constructs an Orchestrator. It fails fast (the spec's
// "detect cycles -> fail initializing") if Steps contains a cycle or an
// unknown dependency.
func New(cfg WorkflowConfig, bus *eventbus.Bus, checkpoints *checkpoint.Store) (*Orchestrator, error) {
	byID := make(map[string]WorkflowStep, len(cfg.Steps))
	for _, s := range cfg.Steps {
		byID[s.StepID] = s
	}
	resolved, err := resolveOrder(cfg.Steps)
	if err != nil {
		return nil, err
	}
	if cfg.ExecutionStrategy == "" {
		cfg.ExecutionStrategy = StrategySequential
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 1
	}
	if cfg.Recovery.Order == nil {
		cfg.Recovery = DefaultRecoveryConfig()
	}

	o := &Orchestrator{
		cfg:         cfg,
		byID:        byID,
		resolved:    resolved,
		bus:         bus,
		checkpoints: checkpoints,
		sm:          newStateMachine(),
	}
	o.monitor = NewResourceMonitor(cfg.Monitoring, bus)
	return o, nil
}

// State returns the orchestrator's current workflow-level state.
func (o *Orchestrator) State() State { return o.sm.current() }

// Pause requests the run loop stop dispatching new steps after the current
// one finishes.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
}

// Resume clears a pause, letting the run loop continue from where it
// stopped.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	return o.sm.transition(StateRunning)
}

// Cancel sets a flag that Run checks before it starts each iteration: the
// steps of the iteration in progress still run to completion, and Run then
// moves the workflow to cancelled instead of starting the next iteration.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.cancelled = true
	o.mu.Unlock()
}

func (o *Orchestrator) isPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

func (o *Orchestrator) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// Run executes every iteration of the workflow, returning the final state.
// A nil payloadFn disables checkpointing.
func (o *Orchestrator) Run(ctx context.Context, payloadFn func(execCtx *ExecutionContext) checkpoint.Payload) (State, error) {
	if err := o.sm.transition(StateInitializing); err != nil {
		return o.sm.current(), err
	}
	if err := o.sm.transition(StateRunning); err != nil {
		return o.sm.current(), err
	}
	o.publish(ctx, eventbus.TypeWorkflowStarted, nil)

	o.mu.Lock()
	o.payloadFn = payloadFn
	o.mu.Unlock()

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go o.monitor.Run(monitorCtx, func(dimension string) {
		o.handleCriticalResourceAlert(ctx, dimension)
	})

	for iter := 1; iter <= o.cfg.Iterations; iter++ {
		if o.isCancelled() {
			_ = o.sm.transition(StateCancelled)
			o.publish(ctx, eventbus.TypeWorkflowFailed, map[string]any{"reason": "cancelled"})
			return o.sm.current(), nil
		}
		for o.isPaused() {
			select {
			case <-ctx.Done():
				return o.sm.current(), ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}

		execCtx := newExecutionContext(o.cfg.WorkflowID, o.cfg.ExperimentID, iter)
		o.mu.Lock()
		o.currentExecCtx = execCtx
		o.mu.Unlock()
		if err := o.runIteration(ctx, execCtx); err != nil {
			_ = o.sm.transition(StateFailed)
			o.publish(ctx, eventbus.TypeWorkflowFailed, map[string]any{"reason": err.Error(), "iteration": iter})
			return o.sm.current(), err
		}

		if iter%o.cfg.CheckpointInterval == 0 && payloadFn != nil && o.checkpoints != nil {
			if err := o.checkpoint(ctx, execCtx, payloadFn); err != nil {
				return o.sm.current(), err
			}
		}
	}

	_ = o.sm.transition(StateCompleted)
	o.publish(ctx, eventbus.TypeWorkflowCompleted, nil)
	return o.sm.current(), nil
}

func (o *Orchestrator) runIteration(ctx context.Context, execCtx *ExecutionContext) error {
	done := make(map[string]bool, len(o.resolved))
	for len(done) < len(o.resolved) {
		ready := readySet(o.resolved, o.byID, done)
		if len(ready) == 0 {
			return fmt.Errorf("workflow deadlock: no ready steps but %d/%d remain", len(o.resolved)-len(done), len(o.resolved))
		}

		batches := o.dispatchBatches(ready)
		for _, batch := range batches {
			for o.isPaused() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(100 * time.Millisecond):
				}
			}
			if err := o.runBatch(ctx, execCtx, batch); err != nil {
				return err
			}
			for _, id := range batch {
				done[id] = true
			}
		}
	}
	return nil
}

// dispatchBatches groups the ready set into concurrent batches according
// to cfg.ExecutionStrategy: sequential runs one step at a time regardless
// of parallel_group; parallel/adaptive/priority honor parallel_group, and
// priority first stable-sorts the ready set by descending Priority so that
// higher-priority steps are grouped and dispatched first.
func (o *Orchestrator) dispatchBatches(ready []string) [][]string {
	if o.cfg.ExecutionStrategy == StrategySequential {
		var batches [][]string
		for _, id := range ready {
			batches = append(batches, []string{id})
		}
		return batches
	}
	if o.cfg.ExecutionStrategy == StrategyPriority {
		ready = append([]string(nil), ready...)
		sort.SliceStable(ready, func(i, j int) bool {
			return o.byID[ready[i]].Priority > o.byID[ready[j]].Priority
		})
	}
	return groupByParallelGroup(ready, o.byID)
}

func (o *Orchestrator) runBatch(ctx context.Context, execCtx *ExecutionContext, batch []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(batch))
	for i, id := range batch {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = o.runStep(ctx, execCtx, o.byID[id])
		}(i, id)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		step := o.byID[batch[i]]
		if !step.Critical {
			continue
		}
		return fmt.Errorf("critical step %s failed: %w", step.StepID, err)
	}
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, execCtx *ExecutionContext, step WorkflowStep) error {
	o.publish(ctx, eventbus.TypeStepStarted, map[string]any{"step_id": step.StepID})

	timeout := time.Duration(step.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= step.RetryCount; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		err := runWithTimeout(stepCtx, step, execCtx)
		cancel()

		if err == nil {
			execCtx.recordResult(StepResult{StepID: step.StepID, Attempt: attempt, Critical: step.Critical})
			o.publish(ctx, eventbus.TypeStepSucceeded, map[string]any{"step_id": step.StepID, "attempt": attempt})
			metrics.RecordWorkflowStep(step.StepID, "succeeded", time.Since(start))
			return nil
		}
		lastErr = err
		if attempt < step.RetryCount {
			o.publish(ctx, eventbus.TypeStepRetrying, map[string]any{"step_id": step.StepID, "attempt": attempt, "error": err.Error()})
			delay := backoffDelay(step.RetryDelay, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	execCtx.recordResult(StepResult{StepID: step.StepID, Attempt: step.RetryCount, Err: lastErr, Critical: step.Critical})
	o.publish(ctx, eventbus.TypeStepFailed, map[string]any{"step_id": step.StepID, "error": lastErr.Error()})
	metrics.RecordWorkflowStep(step.StepID, "failed", time.Since(start))

	if !step.Critical {
		return nil
	}

	_ = o.sm.transition(StateRecovering)
	deps := recoveryDeps{checkpoints: o.checkpoints, workingDir: o.cfg.WorkingDir, lastCheckpointID: o.lastCheckpointID, execCtx: execCtx}
	if _, err := recoverStep(ctx, o.cfg.Recovery, deps, step, step.RetryCount, lastErr); err != nil {
		return err
	}
	_ = o.sm.transition(StateRunning)
	return nil
}

func runWithTimeout(ctx context.Context, step WorkflowStep, execCtx *ExecutionContext) error {
	resultCh := make(chan error, 1)
	go func() {
		resultCh <- step.Run(execCtx)
	}()
	select {
	case <-ctx.Done():
		return goerrors.Timeout(fmt.Sprintf("step %s", step.StepID))
	case err := <-resultCh:
		return err
	}
}

func backoffDelay(baseSeconds, attempt int) time.Duration {
	if baseSeconds <= 0 {
		baseSeconds = 1
	}
	delay := time.Duration(baseSeconds) * time.Second
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func (o *Orchestrator) checkpoint(ctx context.Context, execCtx *ExecutionContext, payloadFn func(*ExecutionContext) checkpoint.Payload) error {
	_ = o.sm.transition(StateCheckpointing)
	id, err := o.checkpoints.Create(ctx, fmt.Sprintf("%s-iter-%d", o.cfg.WorkflowID, execCtx.Iteration), payloadFn(execCtx), checkpoint.KindAutomatic, nil)
	if err != nil {
		_ = o.sm.transition(StateFailed)
		return err
	}
	o.mu.Lock()
	o.lastCheckpointID = id
	o.mu.Unlock()
	return o.sm.transition(StateRunning)
}

// handleCriticalResourceAlert implements spec step 6: a critical-level
// resource.alert triggers an immediate checkpoint of the in-flight
// iteration and pauses the workflow until the alert clears (Resume is the
// caller's responsibility once the resource monitor's level returns to ok).
func (o *Orchestrator) handleCriticalResourceAlert(ctx context.Context, dimension string) {
	o.Pause()

	o.mu.Lock()
	execCtx, payloadFn := o.currentExecCtx, o.payloadFn
	o.mu.Unlock()

	if o.checkpoints == nil || payloadFn == nil || execCtx == nil {
		return
	}
	id, err := o.checkpoints.Create(ctx, fmt.Sprintf("%s-resource-alert-%s", o.cfg.WorkflowID, dimension), payloadFn(execCtx), checkpoint.KindEmergency, map[string]any{
		"dimension": dimension,
		"iteration": execCtx.Iteration,
	})
	if err != nil {
		o.publish(ctx, eventbus.TypeComponentError, map[string]any{"error": err.Error(), "context": "critical_resource_alert_checkpoint"})
		return
	}
	o.mu.Lock()
	o.lastCheckpointID = id
	o.mu.Unlock()
}

func (o *Orchestrator) publish(ctx context.Context, typ eventbus.Type, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, eventbus.NewEvent(typ, "orchestrator", data))
}
