package evolution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/evoseal/core/infrastructure/cache"
	"github.com/evoseal/core/internal/eventbus"
	"github.com/evoseal/core/pkg/metrics"
)

// CompletedIteration is one workflow iteration's output, as the evolution
// monitor loop extracts it per spec step 2.
type CompletedIteration struct {
	IterationNumber int
	PromptContext   string
	GeneratedCode   string
	EvaluationScore float64
	PatternTags     []string
	Successful      bool
}

// IterationSource is implemented by whatever wraps the WorkflowOrchestrator
// (spec C8), decoupling the evolution service from the orchestrator's
// concrete type.
type IterationSource interface {
	NewCompletedIterations(sinceIteration int) []CompletedIteration
}

// ModelFineTuner invokes the external code-generation model's fine-tuning
// endpoint (HTTP or in-process), returning a candidate ready for
// validation.
type ModelFineTuner interface {
	FineTune(ctx context.Context, dataset []EvolutionSample) (CandidateModel, error)
	HealthCheck(ctx context.Context) error
}

// ModelVersion records one deployed (or rejected) fine-tuning outcome.
type ModelVersion struct {
	Version   string
	Endpoint  string
	CreatedAt time.Time
	Deployed  bool
	Aggregate float64
}

// Config controls the service's scheduling and thresholds, mirroring
// spec.md §4.9's inputs.
type Config struct {
	EvolutionInterval  time.Duration
	TrainingInterval   time.Duration
	EvolutionCron      string
	TrainingCron       string
	MinSamplesForTraining int
	MinSuccessfulRatio     float64
	MinQualityForDeploy    float64
	TrainingDatasetLimit   int
	HealthCheckInterval    time.Duration
}

// DefaultConfig shares pkg/config.EvolutionConfig's interval and
// minimum-sample defaults; its MinSuccessfulRatio (0.6) and
// MinQualityForDeploy (0.75) differ from that package's 0.8 and 0.6.
func DefaultConfig() Config {
	return Config{
		EvolutionInterval:      5 * time.Minute,
		TrainingInterval:       time.Hour,
		MinSamplesForTraining:  20,
		MinSuccessfulRatio:     0.6,
		MinQualityForDeploy:    0.75,
		TrainingDatasetLimit:   500,
		HealthCheckInterval:    time.Minute,
	}
}

// Stats are the cumulative counters spec.md §4.9 requires.
type Stats struct {
	EvolutionCyclesCompleted int64
	TrainingCyclesTriggered  int64
	SuccessfulImprovements   int64
	LastActivity             time.Time
	ModelDegraded            bool
}

// Service is the Continuous Evolution Service. Construct with New, then
// call Run in a goroutine and Stop to cancel.
type Service struct {
	cfg        Config
	source     IterationSource
	collector  *DataCollector
	tuner      ModelFineTuner
	validators ValidatorSet
	floors     []CategoryFloor
	bus        *eventbus.Bus
	audit      zerolog.Logger
	reportCache *cache.TTLCache

	mu              sync.Mutex
	stats           Stats
	currentModel    ModelVersion
	lastIterationAt int
	history         []ModelVersion

	training atomic.Bool
}

// New constructs a Service. audit is the zerolog logger used for one line
// per training cycle outcome.
func New(cfg Config, source IterationSource, tuner ModelFineTuner, validators ValidatorSet, bus *eventbus.Bus, audit zerolog.Logger) *Service {
	if cfg.EvolutionInterval <= 0 && cfg.EvolutionCron == "" {
		cfg.EvolutionInterval = DefaultConfig().EvolutionInterval
	}
	if cfg.TrainingInterval <= 0 && cfg.TrainingCron == "" {
		cfg.TrainingInterval = DefaultConfig().TrainingInterval
	}
	return &Service{
		cfg:        cfg,
		source:     source,
		collector:  NewDataCollector(),
		tuner:      tuner,
		validators: validators,
		floors:     DefaultCategoryFloors(),
		bus:        bus,
		audit:      audit,
		reportCache: newReportCache(),
	}
}

// Collector exposes the DataCollector for inspection (e.g. by the
// dashboard).
func (s *Service) Collector() *DataCollector { return s.collector }

// Stats returns a snapshot of cumulative counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// CurrentModel returns the currently deployed model version.
func (s *Service) CurrentModel() ModelVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentModel
}

// Run starts the evolution monitor, training monitor, and health loops,
// blocking until ctx is cancelled. Each loop checks ctx at its boundary
// and at every await point, and exits cleanly on cancellation (the spec's
// central-cancel-signal-drains-loops requirement).
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.runScheduled(ctx, s.cfg.EvolutionCron, s.cfg.EvolutionInterval, s.evolutionCycle) }()
	go func() { defer wg.Done(); s.runScheduled(ctx, s.cfg.TrainingCron, s.cfg.TrainingInterval, s.trainingCycle) }()
	go func() { defer wg.Done(); s.healthLoop(ctx) }()
	wg.Wait()
}

// runScheduled ticks cb on a robfig/cron/v3 schedule when cronExpr is set,
// otherwise on a plain time.Ticker at interval.
func (s *Service) runScheduled(ctx context.Context, cronExpr string, interval time.Duration, cb func(ctx context.Context)) {
	if cronExpr != "" {
		c := cron.New()
		_, err := c.AddFunc(cronExpr, func() { cb(ctx) })
		if err != nil {
			return
		}
		c.Start()
		<-ctx.Done()
		c.Stop()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cb(ctx)
		}
	}
}

// evolutionCycle implements spec step list under "Evolution monitor loop".
func (s *Service) evolutionCycle(ctx context.Context) {
	s.mu.Lock()
	since := s.lastIterationAt
	s.mu.Unlock()

	completed := s.source.NewCompletedIterations(since)
	if len(completed) == 0 {
		return
	}

	maxIter := since
	for _, it := range completed {
		s.collector.Append(EvolutionSample{
			PromptContext:   it.PromptContext,
			GeneratedCode:   it.GeneratedCode,
			EvaluationScore: it.EvaluationScore,
			PatternTags:     it.PatternTags,
			RecordedAt:      time.Now(),
			Successful:      it.Successful,
		})
		if it.IterationNumber > maxIter {
			maxIter = it.IterationNumber
		}
	}

	s.mu.Lock()
	s.lastIterationAt = maxIter
	s.stats.EvolutionCyclesCompleted++
	s.stats.LastActivity = time.Now()
	s.mu.Unlock()

	s.publish(ctx, eventbus.TypeEvolutionCycleCompleted, map[string]any{"new_samples": len(completed)})
}

// trainingCycle implements spec step list under "Training monitor loop",
// single-concurrency enforced by the atomic.Bool training flag.
func (s *Service) trainingCycle(ctx context.Context) {
	if !s.collector.ReadyForTraining(s.cfg.MinSamplesForTraining, s.cfg.MinSuccessfulRatio) {
		s.publish(ctx, eventbus.TypeTrainingSkipped, map[string]any{"reason": "insufficient_samples"})
		return
	}

	if !s.training.CompareAndSwap(false, true) {
		s.publish(ctx, eventbus.TypeTrainingSkipped, map[string]any{"reason": "training_already_in_progress"})
		return
	}
	defer s.training.Store(false)

	start := time.Now()
	s.mu.Lock()
	s.stats.TrainingCyclesTriggered++
	s.mu.Unlock()

	dataset := s.collector.RecentSamples(s.cfg.TrainingDatasetLimit)

	candidate, err := s.tuner.FineTune(ctx, dataset)
	if err != nil {
		s.audit.Error().Err(err).Msg("training cycle: fine-tune failed")
		metrics.RecordTrainingCycle("fine_tune_failed", time.Since(start))
		return
	}

	result, err := Validate(s.validators, candidate, dataset, s.floors)
	if err != nil {
		s.audit.Error().Err(err).Msg("training cycle: validation failed")
		metrics.RecordTrainingCycle("validation_failed", time.Since(start))
		return
	}

	version := ModelVersion{Version: candidate.Version, Endpoint: candidate.Endpoint, CreatedAt: time.Now(), Aggregate: result.Aggregate}

	if result.Passes(s.cfg.MinQualityForDeploy) {
		version.Deployed = true
		s.mu.Lock()
		s.currentModel = version
		s.history = append(s.history, version)
		s.stats.SuccessfulImprovements++
		s.mu.Unlock()
		s.reportCache.InvalidateAll()
		s.audit.Info().Str("version", version.Version).Float64("aggregate", result.Aggregate).Msg("training cycle: deployed new model version")
		s.publish(ctx, eventbus.TypeModelVersionDeployed, map[string]any{"version": version.Version, "aggregate": result.Aggregate})
		metrics.RecordTrainingCycle("deployed", time.Since(start))
		return
	}

	s.mu.Lock()
	s.history = append(s.history, version)
	s.mu.Unlock()
	s.reportCache.InvalidateAll()
	s.audit.Warn().Str("version", version.Version).Float64("aggregate", result.Aggregate).Strs("failed_floors", categoryNames(result.FailedFloors)).Msg("training cycle: candidate rejected, retaining current model")
	s.publish(ctx, eventbus.TypeModelVersionRolledBack, map[string]any{"version": version.Version, "aggregate": result.Aggregate})
	metrics.RecordTrainingCycle("rolled_back", time.Since(start))
}

func categoryNames(cats []ValidationCategory) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}

// healthLoop periodically checks the external model endpoint's liveness,
// flipping Stats.ModelDegraded and publishing the change on the bus.
func (s *Service) healthLoop(ctx context.Context) {
	interval := s.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.tuner.HealthCheck(ctx)
			degraded := err != nil

			s.mu.Lock()
			changed := s.stats.ModelDegraded != degraded
			s.stats.ModelDegraded = degraded
			s.mu.Unlock()

			if changed {
				s.publish(ctx, eventbus.TypeComponentError, map[string]any{"component": "model_endpoint", "degraded": degraded, "error": errString(err)})
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Service) publish(ctx context.Context, typ eventbus.Type, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, eventbus.NewEvent(typ, "evolution_service", data))
}
