// Package safety composes the checkpoint store, regression detector, and
// rollback manager (spec C2-C5) into the single "safe evolution step"
// contract (spec C6): given a current version and a candidate payload,
// decide whether to accept the candidate, roll back, or require manual
// review.
package safety

import (
	"context"
	"time"

	"github.com/evoseal/core/internal/checkpoint"
	"github.com/evoseal/core/internal/eventbus"
	"github.com/evoseal/core/internal/metricsstore"
	"github.com/evoseal/core/internal/regression"
	"github.com/evoseal/core/internal/rollback"
	"github.com/evoseal/core/pkg/metrics"
)

// Outcome classifies the result of executing a safe evolution step.
type Outcome string

const (
	OutcomeAccepted      Outcome = "accept"
	OutcomeRolledBack    Outcome = "rolled_back"
	OutcomeRequireManual Outcome = "require_manual"
)

// TestResult mirrors rollback.TestResult at the safety integration
// boundary so callers don't need to import the rollback package directly.
type TestResult = rollback.TestResult

// Result is the complete outcome of one safe evolution step.
type Result struct {
	Outcome        Outcome
	Regression     regression.Result
	RollbackRecord *rollback.Record
	CheckpointID   string
}

// Integration wires together the checkpoint store, metrics store,
// regression detector, and rollback manager behind one call.
type Integration struct {
	Checkpoints *checkpoint.Store
	Metrics     *metricsstore.Store
	Rollback    *rollback.Manager
	Bus         *eventbus.Bus
	Config      regression.Config
}

// New constructs an Integration from its component dependencies.
func New(checkpoints *checkpoint.Store, metrics *metricsstore.Store, rb *rollback.Manager, bus *eventbus.Bus, cfg regression.Config) *Integration {
	return &Integration{Checkpoints: checkpoints, Metrics: metrics, Rollback: rb, Bus: bus, Config: cfg}
}

// ExecuteSafeEvolutionStep runs the spec C6 algorithm:
//  1. checkpoint currentVersionID if none fresh (the caller may pass a
//     hasFreshCheckpoint hint; when false, an automatic checkpoint is made),
//  2. install the candidate payload and record its metrics,
//  3. run regression detection between current and candidate,
//  4. accept, roll back, or require manual review,
//  5. publish the corresponding events.
func (in *Integration) ExecuteSafeEvolutionStep(
	ctx context.Context,
	experimentID, currentVersionID, newVersionID, workingDir string,
	currentPayload, newPayload checkpoint.Payload,
	hasFreshCheckpoint bool,
	candidateMetrics []metricsstore.Metric,
	testResults []TestResult,
) (Result, error) {
	if !hasFreshCheckpoint {
		if _, err := in.Checkpoints.Create(ctx, currentVersionID, currentPayload, checkpoint.KindAutomatic, nil); err != nil {
			return Result{}, err
		}
	}

	checkpointID, err := in.Checkpoints.Create(ctx, newVersionID, newPayload, checkpoint.KindAutomatic, map[string]any{
		"installed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Result{}, err
	}

	baseline := in.Metrics.All(experimentID, currentVersionID)
	history := make(map[string][]float64, len(candidateMetrics))
	for _, m := range candidateMetrics {
		history[m.Name] = in.Metrics.Values(experimentID, m.Name, in.Config.TrendWindow)
	}

	for _, m := range candidateMetrics {
		_ = in.Metrics.Record(experimentID, newVersionID, m)
	}

	regResult := regression.Detect(baseline, candidateMetrics, history, in.Config)
	for _, r := range regResult.Reports {
		metrics.RecordRegressionDetection(r.MetricName, r.Severity.String())
	}
	if regResult.HasRegression && in.Bus != nil {
		in.Bus.Publish(ctx, regression.RegressionEvent(experimentID, currentVersionID, newVersionID, regResult))
	}

	testsFailed := testsHaveFailure(testResults)

	if !testsFailed && !regResult.IsCritical {
		in.publish(ctx, eventbus.TypeRegressionCleared, newVersionID)
		return Result{Outcome: OutcomeAccepted, Regression: regResult, CheckpointID: checkpointID}, nil
	}

	if testsFailed || regResult.IsCritical {
		policy := in.Rollback.Policy()
		if policy.AutoEnabled {
			rec, _, err := in.Rollback.AutoRollbackOnFailure(ctx, workingDir, currentVersionID, newVersionID, testResults, regResult.IsCritical)
			if err != nil {
				return Result{Outcome: OutcomeRequireManual, Regression: regResult, CheckpointID: checkpointID}, err
			}
			return Result{Outcome: OutcomeRolledBack, Regression: regResult, RollbackRecord: &rec, CheckpointID: checkpointID}, nil
		}
		return Result{Outcome: OutcomeRequireManual, Regression: regResult, CheckpointID: checkpointID}, nil
	}

	return Result{Outcome: OutcomeAccepted, Regression: regResult, CheckpointID: checkpointID}, nil
}

func testsHaveFailure(results []TestResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

func (in *Integration) publish(ctx context.Context, typ eventbus.Type, versionID string) {
	if in.Bus == nil {
		return
	}
	in.Bus.Publish(ctx, eventbus.NewEvent(typ, "safety_integration", map[string]any{"version_id": versionID}))
}
