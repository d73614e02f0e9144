package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"

	"github.com/evoseal/core/internal/checkpoint"
)

// RecoveryStrategy names one of the spec's (a)-(e) recovery tactics, tried
// in order until one succeeds or all are exhausted.
type RecoveryStrategy string

const (
	RecoveryRetryBackoff       RecoveryStrategy = "retry_backoff"
	RecoveryCheckpointRollback RecoveryStrategy = "checkpoint_rollback"
	RecoveryComponentRestart   RecoveryStrategy = "component_restart"
	RecoveryStateValidation    RecoveryStrategy = "state_validation"
	RecoveryCustomAction       RecoveryStrategy = "custom_action"
)

// DefaultRecoveryOrder is the spec's (a)-(e) ordering.
func DefaultRecoveryOrder() []RecoveryStrategy {
	return []RecoveryStrategy{
		RecoveryRetryBackoff,
		RecoveryCheckpointRollback,
		RecoveryComponentRestart,
		RecoveryStateValidation,
		RecoveryCustomAction,
	}
}

// CustomRecoveryAction is an operator-registered goja script, the spec's
// strategy (e). The script runs with `step_id`, `workflow_id`, and
// `attempt` bound as globals and must evaluate to a boolean indicating
// whether it repaired the failure.
type CustomRecoveryAction struct {
	Name   string
	Script string
}

// RecoveryConfig controls strategy (a)'s backoff and which strategies run.
type RecoveryConfig struct {
	Order            []RecoveryStrategy
	MaxRetries       int
	BackoffMultiplier float64
	MaxRetryDelay    time.Duration
	// RestartAdapter, if set, is invoked by strategy (c) for the failing
	// step's component kind.
	RestartAdapter func(ctx context.Context, stepID string) error
	// CustomActions are consulted in order by strategy (e); the first
	// whose script evaluates truthy ends the recovery attempt.
	CustomActions []CustomRecoveryAction
}

// DefaultRecoveryConfig matches the spec's suggested defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Order:             DefaultRecoveryOrder(),
		MaxRetries:        3,
		BackoffMultiplier: 2.0,
		MaxRetryDelay:     30 * time.Second,
	}
}

// recoveryDeps bundles what strategies (b)/(c)/(d) need beyond RecoveryConfig.
type recoveryDeps struct {
	checkpoints     *checkpoint.Store
	workingDir      string
	lastCheckpointID string
	execCtx         *ExecutionContext
}

// recoverStep runs the configured recovery strategies in order for a failed
// step, returning the strategy that succeeded, or an error if every
// strategy was exhausted.
func recoverStep(ctx context.Context, cfg RecoveryConfig, deps recoveryDeps, step WorkflowStep, attempt int, cause error) (RecoveryStrategy, error) {
	for _, strategy := range cfg.Order {
		ok, err := attemptStrategy(ctx, strategy, cfg, deps, step, attempt, cause)
		if err != nil {
			continue
		}
		if ok {
			return strategy, nil
		}
	}
	return "", fmt.Errorf("all recovery strategies exhausted for step %s: %w", step.StepID, cause)
}

func attemptStrategy(ctx context.Context, strategy RecoveryStrategy, cfg RecoveryConfig, deps recoveryDeps, step WorkflowStep, attempt int, cause error) (bool, error) {
	switch strategy {
	case RecoveryRetryBackoff:
		return retryWithBackoff(ctx, cfg, step, attempt)
	case RecoveryCheckpointRollback:
		return checkpointRollback(ctx, deps)
	case RecoveryComponentRestart:
		return componentRestart(ctx, cfg, step)
	case RecoveryStateValidation:
		return stateValidation(deps)
	case RecoveryCustomAction:
		return runCustomActions(cfg, deps, step, attempt)
	default:
		return false, fmt.Errorf("unknown recovery strategy %q", strategy)
	}
}

// retryWithBackoff re-runs the step itself up to MaxRetries times with
// exponential backoff capped at MaxRetryDelay — strategy (a).
func retryWithBackoff(ctx context.Context, cfg RecoveryConfig, step WorkflowStep, attempt int) (bool, error) {
	var lastErr error
	for a := attempt; a < cfg.MaxRetries; a++ {
		delay := time.Duration(float64(step.RetryDelay) * math.Pow(cfg.BackoffMultiplier, float64(a)) * float64(time.Second))
		if delay > cfg.MaxRetryDelay {
			delay = cfg.MaxRetryDelay
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		execCtx := newExecutionContext("", "", 0)
		if lastErr = step.Run(execCtx); lastErr == nil {
			return true, nil
		}
	}
	return false, lastErr
}

// checkpointRollback restores the latest pre-failure checkpoint and signals
// the caller to resume from the next iteration — strategy (b).
func checkpointRollback(ctx context.Context, deps recoveryDeps) (bool, error) {
	if deps.checkpoints == nil || deps.lastCheckpointID == "" {
		return false, fmt.Errorf("no checkpoint available to roll back to")
	}
	if _, err := deps.checkpoints.Restore(ctx, deps.lastCheckpointID, deps.workingDir); err != nil {
		return false, err
	}
	return true, nil
}

// componentRestart stops and starts the failing step's adapter — strategy
// (c). Absent a registered restart function, this strategy is skipped.
func componentRestart(ctx context.Context, cfg RecoveryConfig, step WorkflowStep) (bool, error) {
	if cfg.RestartAdapter == nil {
		return false, fmt.Errorf("no restart function registered")
	}
	if err := cfg.RestartAdapter(ctx, step.StepID); err != nil {
		return false, err
	}
	return true, nil
}

// stateValidation revalidates and repairs ExecutionContext invariants —
// strategy (d). Always "succeeds" in the sense of completing the repair;
// whether the next retry actually clears the underlying failure is up to
// the caller's subsequent attempt.
func stateValidation(deps recoveryDeps) (bool, error) {
	if deps.execCtx == nil {
		return false, fmt.Errorf("no execution context to validate")
	}
	deps.execCtx.revalidate()
	return true, nil
}

// runCustomActions evaluates each registered goja script in order,
// returning true on the first that evaluates truthy — strategy (e).
func runCustomActions(cfg RecoveryConfig, deps recoveryDeps, step WorkflowStep, attempt int) (bool, error) {
	if len(cfg.CustomActions) == 0 {
		return false, fmt.Errorf("no custom recovery actions registered")
	}
	workflowID := ""
	if deps.execCtx != nil {
		workflowID = deps.execCtx.WorkflowID
	}
	for _, action := range cfg.CustomActions {
		vm := goja.New()
		_ = vm.Set("step_id", step.StepID)
		_ = vm.Set("workflow_id", workflowID)
		_ = vm.Set("attempt", attempt)
		value, err := vm.RunString(action.Script)
		if err != nil {
			continue
		}
		if value.ToBoolean() {
			return true, nil
		}
	}
	return false, fmt.Errorf("no custom recovery action repaired the failure")
}
