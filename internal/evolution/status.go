package evolution

import (
	"context"
	"time"

	"github.com/evoseal/core/infrastructure/cache"
)

// reportCacheKey is the single entry the report cache ever holds; Report's
// cost comes from walking s.history, not from any per-caller variation.
const reportCacheKey = "report"

// Status implements dashboard.StatusProvider, returning a cheap snapshot
// safe to call on every dashboard request.
func (s *Service) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"current_model":    s.currentModel.Version,
		"model_deployed":   s.currentModel.Deployed,
		"training_running": s.training.Load(),
		"model_degraded":   s.stats.ModelDegraded,
		"last_activity":    s.stats.LastActivity,
	}
}

// Metrics implements dashboard.StatusProvider, exposing the cumulative
// counters spec.md §4.9 requires.
func (s *Service) Metrics() map[string]any {
	stats := s.Stats()
	return map[string]any{
		"evolution_cycles_completed": stats.EvolutionCyclesCompleted,
		"training_cycles_triggered":  stats.TrainingCyclesTriggered,
		"successful_improvements":    stats.SuccessfulImprovements,
		"model_degraded":             stats.ModelDegraded,
		"last_activity":              stats.LastActivity,
	}
}

// Report implements dashboard.StatusProvider. It aggregates the full model
// version history, which grows with every training cycle, so the result is
// cached for reportTTL to keep the dashboard's periodic broadcast cheap.
func (s *Service) Report() map[string]any {
	if s.reportCache != nil {
		if cached, ok := s.reportCache.Get(context.Background(), reportCacheKey); ok {
			return cached.(map[string]any)
		}
	}

	s.mu.Lock()
	history := append([]ModelVersion(nil), s.history...)
	current := s.currentModel
	s.mu.Unlock()

	deployments := 0
	rejections := 0
	var bestAggregate float64
	for _, v := range history {
		if v.Deployed {
			deployments++
			if v.Aggregate > bestAggregate {
				bestAggregate = v.Aggregate
			}
		} else {
			rejections++
		}
	}

	report := map[string]any{
		"current_version":    current.Version,
		"deployments":        deployments,
		"rejections":         rejections,
		"best_aggregate":     bestAggregate,
		"history_size":       len(history),
		"generated_at":       time.Now().UTC(),
	}

	if s.reportCache != nil {
		s.reportCache.Set(context.Background(), reportCacheKey, report)
	}
	return report
}

// reportTTL bounds how stale Report's aggregate view may be; training cycles
// run on the order of minutes so a few seconds of staleness is invisible to
// operators.
const reportTTL = 5 * time.Second

func newReportCache() *cache.TTLCache {
	return cache.NewTTLCache(reportTTL)
}
