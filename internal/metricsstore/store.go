// Package metricsstore implements the append-only per-version metric
// ledger (spec C2): every Metric recorded against a version is retained
// forever, and a per-metric-name historical series lets the regression
// detector and dashboard look back across a run. Grounded on the teacher's
// map-plus-RWMutex single-writer store pattern (system/core registry).
package metricsstore

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	goerrors "github.com/evoseal/core/infrastructure/errors"
)

// seriesCacheTTL bounds how long a cached Series() read-through result may
// be served before the cache is bypassed and the in-memory ledger is
// consulted directly again.
const seriesCacheTTL = 30 * time.Second

// Kind classifies a metric's "better" direction, used by the regression
// detector to orient deltas.
type Kind string

const (
	KindPerformanceLowerBetter Kind = "performance_lower_better"
	KindQualityHigherBetter    Kind = "quality_higher_better"
	KindReliabilityLowerBetter Kind = "reliability_lower_better"
	KindNeutral                Kind = "neutral"
)

// Metric is a single immutable measurement recorded against a version.
type Metric struct {
	Name      string
	Value     float64
	Kind      Kind
	VersionID string
	Iteration int
	Step      int
	Timestamp time.Time
}

// seriesPoint is one entry in a per-metric-name historical series.
type seriesPoint struct {
	VersionID string
	Value     float64
}

// Store is the append-only metrics ledger for one orchestrator instance.
// Safe for concurrent use; writes to a given version are expected to be
// single-writer by convention (the workflow step that produced the version),
// reads are lock-free relative to each other.
type Store struct {
	mu sync.RWMutex

	// records[experimentID][versionID] -> ordered metrics for that version.
	records map[string]map[string][]Metric
	// seen[experimentID][versionID][name][step] -> guards duplicate rejection.
	seen map[string]map[string]map[string]map[int]bool
	// series[experimentID][name] -> ordered (version, value) pairs in
	// insertion order, independent of version.
	series map[string]map[string][]seriesPoint

	// cache is an optional read-through accelerator for Series on hot
	// experiments (spec.md §6 redis domain-stack entry). Nil means every
	// Series call reads the in-memory map directly, which is always
	// correct on its own.
	cache MetricsCache
}

// New constructs an empty Store with no read-through cache.
func New() *Store {
	return &Store{
		records: make(map[string]map[string][]Metric),
		seen:    make(map[string]map[string]map[string]map[int]bool),
		series:  make(map[string]map[string][]seriesPoint),
	}
}

// SetCache installs a read-through MetricsCache for Series lookups. Pass
// nil to disable caching and fall back to the in-memory map for every read.
func (s *Store) SetCache(c MetricsCache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = c
}

// Record appends metric for (experimentID, versionID). Rejects non-finite
// values and duplicate (version_id, name, step) combinations.
func (s *Store) Record(experimentID, versionID string, m Metric) error {
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return goerrors.InvalidInput(m.Name, fmt.Sprintf("value %v is not finite", m.Value))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[experimentID]; !ok {
		s.seen[experimentID] = make(map[string]map[string]map[int]bool)
	}
	if _, ok := s.seen[experimentID][versionID]; !ok {
		s.seen[experimentID][versionID] = make(map[string]map[int]bool)
	}
	if _, ok := s.seen[experimentID][versionID][m.Name]; !ok {
		s.seen[experimentID][versionID][m.Name] = make(map[int]bool)
	}
	if s.seen[experimentID][versionID][m.Name][m.Step] {
		return goerrors.AlreadyExists("metric", fmt.Sprintf("%s/%s@step%d", versionID, m.Name, m.Step))
	}
	s.seen[experimentID][versionID][m.Name][m.Step] = true

	m.VersionID = versionID
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	if _, ok := s.records[experimentID]; !ok {
		s.records[experimentID] = make(map[string][]Metric)
	}
	s.records[experimentID][versionID] = append(s.records[experimentID][versionID], m)

	if _, ok := s.series[experimentID]; !ok {
		s.series[experimentID] = make(map[string][]seriesPoint)
	}
	s.series[experimentID][m.Name] = append(s.series[experimentID][m.Name], seriesPoint{VersionID: versionID, Value: m.Value})

	if s.cache != nil {
		s.cache.Invalidate(context.Background(), seriesCacheKey(experimentID, m.Name))
	}

	return nil
}

// Get returns the most recently recorded metric with the given name for a
// version, or nil if none exists.
func (s *Store) Get(experimentID, versionID, name string) *Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Metric
	for i := range s.records[experimentID][versionID] {
		m := s.records[experimentID][versionID][i]
		if m.Name == name {
			mc := m
			found = &mc
		}
	}
	return found
}

// All returns every metric recorded for a version, in insertion order.
func (s *Store) All(experimentID, versionID string) []Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Metric(nil), s.records[experimentID][versionID]...)
	return out
}

// SeriesPoint is one (version, value) pair returned by Series.
type SeriesPoint struct {
	VersionID string
	Value     float64
}

// Series returns up to limit of the most recent (version_id, value) pairs
// recorded for a metric name within an experiment, oldest first. limit <= 0
// means unbounded. When a MetricsCache is installed, the full unlimited
// series is read through the cache and limit is applied to the cached
// result, so the cache stays valid for any caller regardless of the limit
// it asks for.
func (s *Store) Series(experimentID, name string, limit int) []SeriesPoint {
	s.mu.RLock()
	cache := s.cache
	s.mu.RUnlock()

	var full []SeriesPoint
	cacheKey := seriesCacheKey(experimentID, name)
	if cache != nil {
		if cached, ok := cache.GetSeries(context.Background(), cacheKey); ok {
			full = cached
		}
	}

	if full == nil {
		s.mu.RLock()
		points := s.series[experimentID][name]
		full = make([]SeriesPoint, len(points))
		for i, p := range points {
			full[i] = SeriesPoint{VersionID: p.VersionID, Value: p.Value}
		}
		s.mu.RUnlock()

		if cache != nil {
			cache.SetSeries(context.Background(), cacheKey, full, seriesCacheTTL)
		}
	}

	if limit > 0 && len(full) > limit {
		return append([]SeriesPoint(nil), full[len(full)-limit:]...)
	}
	return append([]SeriesPoint(nil), full...)
}

// Values is a convenience accessor returning only the numeric values of
// Series, the shape the regression detector's statistics helpers consume.
func (s *Store) Values(experimentID, name string, limit int) []float64 {
	points := s.Series(experimentID, name, limit)
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Value
	}
	return out
}
