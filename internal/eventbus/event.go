// Package eventbus implements the in-process publish/subscribe surface that
// every other component in the orchestrator (workflow, safety kernel,
// continuous evolution service, dashboard) uses to observe and react to
// state changes, grounded on the teacher's system/core.Bus fan-out pattern
// generalized from engine-registry fan-out to priority-ordered handlers.
package eventbus

import (
	"sync"
	"time"
)

// Type identifies an event kind. The taxonomy below is the minimum set the
// orchestrator emits; callers may publish additional types freely.
type Type string

const (
	TypeWorkflowStarted   Type = "workflow.started"
	TypeWorkflowCompleted Type = "workflow.completed"
	TypeWorkflowFailed    Type = "workflow.failed"

	TypeStepStarted   Type = "step.started"
	TypeStepSucceeded Type = "step.succeeded"
	TypeStepFailed    Type = "step.failed"
	TypeStepRetrying  Type = "step.retrying"
	TypeStepTimedOut  Type = "step.timed_out"

	TypeCheckpointCreated         Type = "checkpoint.created"
	TypeCheckpointRestored        Type = "checkpoint.restored"
	TypeCheckpointCorrupt         Type = "checkpoint.corrupt"
	TypeCheckpointRestoreFallback Type = "checkpoint.restore.fallback"

	TypeRollbackInitiated          Type = "rollback.initiated"
	TypeRollbackCompleted          Type = "rollback.completed"
	TypeRollbackFailed             Type = "rollback.failed"
	TypeRollbackVerificationPassed Type = "rollback.verification_passed"
	TypeRollbackVerificationFailed Type = "rollback.verification_failed"

	TypeCascadingRollbackStarted   Type = "cascading_rollback.started"
	TypeCascadingRollbackCompleted Type = "cascading_rollback.completed"

	TypeRegressionDetected Type = "regression.detected"
	TypeRegressionCleared  Type = "regression.cleared"

	TypeResourceAlert Type = "resource.alert"

	TypeEvolutionCycleCompleted Type = "evolution_cycle.completed"
	TypeTrainingCycleCompleted  Type = "training_cycle.completed"
	TypeTrainingSkipped         Type = "training.skipped"

	TypeModelVersionDeployed    Type = "model_version.deployed"
	TypeModelVersionRolledBack  Type = "model_version.rolled_back"

	TypeDashboardMetricsUpdated Type = "dashboard.metrics_updated"

	TypeComponentError Type = "component.error"
	TypeError          Type = "error"
)

// Event is the unit of delivery on the bus. Data carries type-specific
// payloads; Context carries cross-cutting correlation ids (workflow_id,
// experiment_id, version_id) so handlers and the dashboard can group events
// without parsing Data.
type Event struct {
	Type      Type
	Source    string
	Data      map[string]any
	Context   map[string]string
	Timestamp time.Time
	Async     bool

	mu           sync.Mutex
	propagate    bool
	deliveries   []DeliveryRecord
}

// DeliveryRecord captures the outcome of delivering an event to one handler,
// including a captured panic/error so a misbehaving handler never aborts
// the publisher (spec's handler-isolation failure model).
type DeliveryRecord struct {
	HandlerID string
	Err       error
	Duration  time.Duration
}

// NewEvent creates an event ready for publishing. Propagation defaults to true.
func NewEvent(typ Type, source string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		Type:      typ,
		Source:    source,
		Data:      data,
		Context:   map[string]string{},
		Timestamp: time.Now(),
		propagate: true,
	}
}

// WithContext attaches correlation ids and returns the event for chaining.
func (e *Event) WithContext(ctx map[string]string) *Event {
	for k, v := range ctx {
		e.Context[k] = v
	}
	return e
}

// WithAsync marks the event for fire-and-forget handler dispatch.
func (e *Event) WithAsync() *Event {
	e.Async = true
	return e
}

// StopPropagation halts further handler delivery for this event. Once
// called, no further handlers for this publish are invoked.
func (e *Event) StopPropagation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.propagate = false
}

func (e *Event) shouldPropagate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.propagate
}

func (e *Event) recordDelivery(rec DeliveryRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliveries = append(e.deliveries, rec)
}

// Deliveries returns a snapshot of the per-handler delivery records.
func (e *Event) Deliveries() []DeliveryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DeliveryRecord, len(e.deliveries))
	copy(out, e.deliveries)
	return out
}
