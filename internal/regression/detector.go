// Package regression implements the statistical regression detector (spec
// C4): a pure function of two versions' metrics plus historical series that
// classifies per-metric severity, statistical significance, trend, and
// anomalies. No side effects beyond the event the caller chooses to publish
// when a regression is found.
package regression

import (
	"math"

	"github.com/evoseal/core/internal/eventbus"
	"github.com/evoseal/core/internal/metricsstore"
)

// Severity classifies how bad a regression is.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

func (s Severity) atLeast(other Severity) bool { return s >= other }

// Significance reports whether a metric's new value falls outside the
// historical confidence interval.
type Significance string

const (
	SignificanceNotSignificant Significance = "not_significant"
	SignificanceSignificant    Significance = "significant"
)

// TrendStrength classifies |r| from the linear regression over recent
// history.
type TrendStrength string

const (
	TrendNone     TrendStrength = "none"
	TrendWeak     TrendStrength = "weak"
	TrendModerate TrendStrength = "moderate"
	TrendStrong   TrendStrength = "strong"
)

// Trend summarizes the linear fit over the last trend_window values.
type Trend struct {
	Slope    float64
	R        float64
	RSquared float64
	Strength TrendStrength
}

// AnomalyStatus reports whether the candidate value was flagged anomalous
// by any enabled detector.
type AnomalyStatus string

const (
	AnomalyNone    AnomalyStatus = "none"
	AnomalyWarning AnomalyStatus = "warning"
	AnomalyCritical AnomalyStatus = "critical"
)

// Thresholds is a {warn, critical} relative-delta pair for one metric.
type Thresholds struct {
	WarnDelta     float64
	CriticalDelta float64
}

// DefaultThresholds returns the spec's default 5%/10% relative thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{WarnDelta: 0.05, CriticalDelta: 0.10}
}

// Config controls detector behavior.
type Config struct {
	// MetricThresholds overrides DefaultThresholds() per metric name.
	MetricThresholds map[string]Thresholds
	// MinSamples is the minimum historical sample count before
	// significance/trend/anomaly analysis runs. Default 3.
	MinSamples int
	// ConfidenceLevel for the significance confidence interval. Default 0.95.
	ConfidenceLevel float64
	// TrendWindow is how many recent historical values feed the trend fit.
	// Default 10.
	TrendWindow int
	// ZScoreThreshold for the z-score anomaly detector. Default 2.0.
	ZScoreThreshold float64
	// PatternSensitivity is the relative swing fraction that flags a
	// pattern-change anomaly. Default 0.5 (50% swing vs. recent mean).
	PatternSensitivity float64
	Epsilon            float64
}

// DefaultConfig returns spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		MinSamples:         3,
		ConfidenceLevel:    0.95,
		TrendWindow:        10,
		ZScoreThreshold:    2.0,
		PatternSensitivity: 0.5,
		Epsilon:            1e-9,
	}
}

func (c Config) thresholdsFor(name string) Thresholds {
	if t, ok := c.MetricThresholds[name]; ok {
		return t
	}
	return DefaultThresholds()
}

// Report is the per-metric outcome of comparing baseline to candidate.
type Report struct {
	MetricName          string
	OldValue            float64
	NewValue            float64
	Delta               float64
	DeltaPct            float64
	Severity            Severity
	Significance        Significance
	Anomaly             AnomalyStatus
	Trend               Trend
	HistoricalPercentile float64
}

// Result is the outcome of Detect across every metric common to both
// versions.
type Result struct {
	Reports       []Report
	HasRegression bool
	IsCritical    bool
}

// Detect compares baseline and candidate metric sets, consulting history
// (recent values per metric name, oldest first, not including candidate)
// for significance/trend/anomaly analysis.
func Detect(baseline, candidate []metricsstore.Metric, history map[string][]float64, cfg Config) Result {
	if cfg.MinSamples == 0 {
		cfg = DefaultConfig()
	}

	baseByName := make(map[string]metricsstore.Metric, len(baseline))
	for _, m := range baseline {
		baseByName[m.Name] = m
	}

	var result Result
	for _, cand := range candidate {
		old, ok := baseByName[cand.Name]
		if !ok {
			continue
		}

		report := compareOne(old, cand, history[cand.Name], cfg)
		result.Reports = append(result.Reports, report)
		if report.Severity > SeverityNone {
			result.HasRegression = true
		}
		if report.Severity == SeverityCritical {
			result.IsCritical = true
		}
	}

	return result
}

func compareOne(old, cand metricsstore.Metric, hist []float64, cfg Config) Report {
	delta := cand.Value - old.Value
	denom := math.Max(math.Abs(old.Value), cfg.Epsilon)
	deltaPct := delta / denom

	oriented := orient(deltaPct, old.Kind)
	thresholds := cfg.thresholdsFor(cand.Name)
	severity := classifySeverity(oriented, thresholds)

	report := Report{
		MetricName: cand.Name,
		OldValue:   old.Value,
		NewValue:   cand.Value,
		Delta:      delta,
		DeltaPct:   deltaPct,
		Severity:   severity,
	}

	if len(hist) < cfg.MinSamples {
		report.Significance = SignificanceNotSignificant
		report.Anomaly = AnomalyNone
		return report
	}

	low, high := confidenceInterval(hist, cfg.ConfidenceLevel)
	significant := cand.Value < low || cand.Value > high
	if significant {
		report.Significance = SignificanceSignificant
	} else {
		report.Significance = SignificanceNotSignificant
	}

	window := hist
	if len(window) > cfg.TrendWindow {
		window = window[len(window)-cfg.TrendWindow:]
	}
	slope, r, r2 := linearRegression(append(window, cand.Value))
	report.Trend = Trend{Slope: slope, R: r, RSquared: r2, Strength: classifyTrendStrength(r)}

	report.Anomaly = classifyAnomaly(cand.Value, hist, cfg)
	report.HistoricalPercentile = percentileRank(cand.Value, hist)

	report.Severity = promoteSeverity(report.Severity, report.Anomaly, significant && isRegressionDirection(oriented))

	return report
}

// orient maps a raw relative delta to a "badness" score where positive
// values always indicate regression, according to the metric's kind: for
// quality_higher_better a negative delta is bad; for *_lower_better a
// positive delta is bad; neutral metrics never trigger severity.
func orient(deltaPct float64, kind metricsstore.Kind) float64 {
	switch kind {
	case metricsstore.KindQualityHigherBetter:
		return -deltaPct
	case metricsstore.KindPerformanceLowerBetter, metricsstore.KindReliabilityLowerBetter:
		return deltaPct
	default:
		return 0
	}
}

func isRegressionDirection(oriented float64) bool { return oriented > 0 }

func classifySeverity(oriented float64, t Thresholds) Severity {
	switch {
	case oriented >= t.CriticalDelta:
		return SeverityCritical
	case oriented >= t.WarnDelta:
		return SeverityMedium
	case oriented > 0:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// promoteSeverity upgrades severity when an anomaly or statistical
// significance strengthens the case for a regression, per spec step 6: a
// critical anomaly floors severity at critical; a statistically
// significant regression upgrades low->medium and medium->high.
func promoteSeverity(sev Severity, anomaly AnomalyStatus, significantRegression bool) Severity {
	if anomaly == AnomalyCritical && sev < SeverityCritical {
		sev = SeverityCritical
	}
	if significantRegression {
		switch sev {
		case SeverityLow:
			sev = SeverityMedium
		case SeverityMedium:
			sev = SeverityHigh
		}
	}
	return sev
}

func classifyTrendStrength(r float64) TrendStrength {
	abs := math.Abs(r)
	switch {
	case abs >= 0.7:
		return TrendStrong
	case abs >= 0.4:
		return TrendModerate
	case abs >= 0.2:
		return TrendWeak
	default:
		return TrendNone
	}
}

func classifyAnomaly(value float64, hist []float64, cfg Config) AnomalyStatus {
	z := math.Abs(zScore(value, hist))
	lower, upper := iqrBounds(hist)
	outsideIQR := value < lower || value > upper

	swing := 0.0
	if m := mean(hist); m != 0 {
		swing = math.Abs(value-m) / math.Abs(m)
	}
	patternChange := swing > cfg.PatternSensitivity

	switch {
	case z >= cfg.ZScoreThreshold*1.5 || (outsideIQR && patternChange):
		return AnomalyCritical
	case z >= cfg.ZScoreThreshold || outsideIQR || patternChange:
		return AnomalyWarning
	default:
		return AnomalyNone
	}
}

// RegressionEvent builds the eventbus payload for a detected regression,
// ready for the caller (safety integration) to publish.
func RegressionEvent(experimentID, baselineVersionID, candidateVersionID string, result Result) *eventbus.Event {
	reports := make([]map[string]any, 0, len(result.Reports))
	for _, r := range result.Reports {
		reports = append(reports, map[string]any{
			"metric":       r.MetricName,
			"old_value":    r.OldValue,
			"new_value":    r.NewValue,
			"delta_pct":    r.DeltaPct,
			"severity":     r.Severity.String(),
			"significance": string(r.Significance),
			"anomaly":      string(r.Anomaly),
		})
	}
	return eventbus.NewEvent(eventbus.TypeRegressionDetected, "regression_detector", map[string]any{
		"experiment_id": experimentID,
		"baseline":      baselineVersionID,
		"candidate":     candidateVersionID,
		"is_critical":   result.IsCritical,
		"reports":       reports,
	})
}
