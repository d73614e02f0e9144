// Package evolution implements the Continuous Evolution Service (spec C9):
// the outer loop that schedules evolution cycles and training cycles,
// maintains cumulative statistics, and publishes model versioning events.
// Grounded on the teacher's cooperative-goroutine-plus-context-cancellation
// pattern (system/core.LifecycleManager.Stop reverse-ordered shutdown) and
// its single-mutex-guarded shared state discipline.
package evolution

import (
	"sync"
	"time"
)

// EvolutionSample is one completed iteration's extracted training signal.
type EvolutionSample struct {
	PromptContext   string
	GeneratedCode   string
	EvaluationScore float64
	PatternTags     []string
	RecordedAt      time.Time
	Successful      bool
}

// DataCollector accumulates evolution samples for later training, guarded
// by one mutex per spec.md §4.9's ordering guarantee that evolution and
// training loops never interleave mutation of shared structures.
type DataCollector struct {
	mu      sync.Mutex
	samples []EvolutionSample
}

// NewDataCollector constructs an empty collector.
func NewDataCollector() *DataCollector {
	return &DataCollector{}
}

// Append records one evolution sample.
func (d *DataCollector) Append(s EvolutionSample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = append(d.samples, s)
}

// Count returns the number of samples collected so far.
func (d *DataCollector) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.samples)
}

// ReadyForTraining reports whether at least minSamples have been collected
// and at least minSuccessfulRatio of them are marked Successful.
func (d *DataCollector) ReadyForTraining(minSamples int, minSuccessfulRatio float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.samples) < minSamples {
		return false
	}
	successes := 0
	for _, s := range d.samples {
		if s.Successful {
			successes++
		}
	}
	ratio := float64(successes) / float64(len(d.samples))
	return ratio >= minSuccessfulRatio
}

// RecentSamples returns up to limit of the most recently collected samples,
// oldest first, for building a training dataset. limit <= 0 means all.
func (d *DataCollector) RecentSamples(limit int) []EvolutionSample {
	d.mu.Lock()
	defer d.mu.Unlock()

	samples := d.samples
	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return append([]EvolutionSample(nil), samples...)
}
