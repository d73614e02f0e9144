package evolution

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoseal/core/internal/eventbus"
)

func TestDataCollectorReadyForTraining(t *testing.T) {
	d := NewDataCollector()
	for i := 0; i < 10; i++ {
		d.Append(EvolutionSample{Successful: i < 7})
	}
	assert.False(t, d.ReadyForTraining(20, 0.6))
	assert.True(t, d.ReadyForTraining(10, 0.6))
	assert.False(t, d.ReadyForTraining(10, 0.8))
}

func approxValidator(score float64) Validator {
	return func(CandidateModel, []EvolutionSample) (float64, error) { return score, nil }
}

func TestValidatePassesWhenAggregateAboveMinAndNoFloorFailed(t *testing.T) {
	set := ValidatorSet{
		CategoryFunctionalCorrectness: approxValidator(0.9),
		CategoryOutputQuality:         approxValidator(0.8),
		CategoryInstructionFollowing:  approxValidator(0.85),
		CategorySafetyAlignment:       approxValidator(0.95),
		CategoryPerformanceLatency:    approxValidator(0.7),
	}
	result, err := Validate(set, CandidateModel{Version: "v1"}, nil, DefaultCategoryFloors())
	require.NoError(t, err)
	assert.True(t, result.Passes(0.75))
}

func TestValidateFailsOnHardFloorEvenIfAggregatePasses(t *testing.T) {
	set := ValidatorSet{
		CategoryFunctionalCorrectness: approxValidator(0.95),
		CategoryOutputQuality:         approxValidator(0.95),
		CategoryInstructionFollowing:  approxValidator(0.95),
		CategorySafetyAlignment:       approxValidator(0.1), // fails hard floor
		CategoryPerformanceLatency:    approxValidator(0.95),
	}
	result, err := Validate(set, CandidateModel{Version: "v1"}, nil, DefaultCategoryFloors())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Aggregate, 0.75)
	assert.False(t, result.Passes(0.75))
}

type fakeSource struct {
	iterations []CompletedIteration
}

func (f *fakeSource) NewCompletedIterations(since int) []CompletedIteration {
	var out []CompletedIteration
	for _, it := range f.iterations {
		if it.IterationNumber > since {
			out = append(out, it)
		}
	}
	return out
}

type fakeTuner struct {
	version   string
	healthErr error
}

func (f *fakeTuner) FineTune(ctx context.Context, dataset []EvolutionSample) (CandidateModel, error) {
	return CandidateModel{Version: f.version, Endpoint: "http://model"}, nil
}

func (f *fakeTuner) HealthCheck(ctx context.Context) error { return f.healthErr }

func TestTrainingCycleDeploysWhenQualifying(t *testing.T) {
	bus := eventbus.New(eventbus.Config{})
	source := &fakeSource{}
	tuner := &fakeTuner{version: "v1"}
	validators := ValidatorSet{
		CategoryFunctionalCorrectness: approxValidator(0.9),
		CategoryOutputQuality:         approxValidator(0.9),
		CategoryInstructionFollowing:  approxValidator(0.9),
		CategorySafetyAlignment:       approxValidator(0.9),
		CategoryPerformanceLatency:    approxValidator(0.9),
	}
	cfg := DefaultConfig()
	cfg.MinSamplesForTraining = 1
	cfg.MinSuccessfulRatio = 0
	cfg.MinQualityForDeploy = 0.5

	svc := New(cfg, source, tuner, validators, bus, zerolog.New(io.Discard))
	svc.Collector().Append(EvolutionSample{Successful: true})

	svc.trainingCycle(context.Background())

	assert.True(t, svc.CurrentModel().Deployed)
	assert.Equal(t, int64(1), svc.Stats().SuccessfulImprovements)
}

func TestTrainingCycleSkippedWhenAlreadyInProgress(t *testing.T) {
	bus := eventbus.New(eventbus.Config{})
	source := &fakeSource{}
	tuner := &fakeTuner{version: "v1"}
	cfg := DefaultConfig()
	cfg.MinSamplesForTraining = 1
	cfg.MinSuccessfulRatio = 0
	svc := New(cfg, source, tuner, ValidatorSet{}, bus, zerolog.New(io.Discard))
	svc.Collector().Append(EvolutionSample{Successful: true})
	svc.training.Store(true)

	svc.trainingCycle(context.Background())
	assert.Equal(t, int64(0), svc.Stats().TrainingCyclesTriggered)
}

func TestEvolutionCycleAdvancesWatermarkAndStats(t *testing.T) {
	bus := eventbus.New(eventbus.Config{})
	source := &fakeSource{iterations: []CompletedIteration{
		{IterationNumber: 1, EvaluationScore: 0.5, Successful: true},
		{IterationNumber: 2, EvaluationScore: 0.6, Successful: false},
	}}
	svc := New(DefaultConfig(), source, &fakeTuner{}, ValidatorSet{}, bus, zerolog.New(io.Discard))

	svc.evolutionCycle(context.Background())
	assert.Equal(t, 2, svc.collector.Count())
	assert.Equal(t, int64(1), svc.Stats().EvolutionCyclesCompleted)

	svc.evolutionCycle(context.Background())
	assert.Equal(t, 2, svc.collector.Count())
}

func TestHealthLoopPublishesDegradedOnFailure(t *testing.T) {
	bus := eventbus.New(eventbus.Config{})
	tuner := &fakeTuner{healthErr: assert.AnError}
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	svc := New(cfg, &fakeSource{}, tuner, ValidatorSet{}, bus, zerolog.New(io.Discard))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	svc.healthLoop(ctx)

	assert.True(t, svc.Stats().ModelDegraded)
}

// TestTrainingGatedBySampleCount exercises spec scenario S6: below the
// sample-count gate, every tick emits training.skipped(reason=
// "insufficient_samples") and no training cycle runs; once the gate is
// crossed, exactly one training cycle runs on the next tick.
func TestTrainingGatedBySampleCount(t *testing.T) {
	bus := eventbus.New(eventbus.Config{})
	var reasons []string
	bus.Subscribe(eventbus.TypeTrainingSkipped, func(ctx context.Context, evt *eventbus.Event) error {
		reasons = append(reasons, evt.Data["reason"].(string))
		return nil
	}, 0, nil)

	source := &fakeSource{}
	tuner := &fakeTuner{version: "v1"}
	validators := ValidatorSet{
		CategoryFunctionalCorrectness: approxValidator(0.9),
		CategoryOutputQuality:         approxValidator(0.9),
		CategoryInstructionFollowing:  approxValidator(0.9),
		CategorySafetyAlignment:       approxValidator(0.9),
		CategoryPerformanceLatency:    approxValidator(0.9),
	}
	cfg := DefaultConfig()
	cfg.MinSamplesForTraining = 50
	cfg.MinSuccessfulRatio = 0
	cfg.MinQualityForDeploy = 0.5
	svc := New(cfg, source, tuner, validators, bus, zerolog.New(io.Discard))

	for i := 0; i < 49; i++ {
		svc.Collector().Append(EvolutionSample{Successful: true})
	}
	svc.trainingCycle(context.Background())
	assert.Equal(t, []string{"insufficient_samples"}, reasons)
	assert.Equal(t, int64(0), svc.Stats().TrainingCyclesTriggered)

	svc.Collector().Append(EvolutionSample{Successful: true})
	svc.trainingCycle(context.Background())
	assert.Equal(t, []string{"insufficient_samples"}, reasons)
	assert.Equal(t, int64(1), svc.Stats().TrainingCyclesTriggered)
	assert.True(t, svc.CurrentModel().Deployed)
}
