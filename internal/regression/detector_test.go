package regression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoseal/core/internal/metricsstore"
)

func TestCriticalRegressionQualityMetric(t *testing.T) {
	baseline := []metricsstore.Metric{{Name: "success_rate", Value: 0.80, Kind: metricsstore.KindQualityHigherBetter}}
	candidate := []metricsstore.Metric{{Name: "success_rate", Value: 0.65, Kind: metricsstore.KindQualityHigherBetter}}

	result := Detect(baseline, candidate, nil, DefaultConfig())
	require.Len(t, result.Reports, 1)
	assert.Equal(t, SeverityCritical, result.Reports[0].Severity)
	assert.True(t, result.HasRegression)
	assert.True(t, result.IsCritical)
}

func TestHappyPathNoRegression(t *testing.T) {
	baseline := []metricsstore.Metric{{Name: "success_rate", Value: 0.80, Kind: metricsstore.KindQualityHigherBetter}}
	candidate := []metricsstore.Metric{{Name: "success_rate", Value: 0.85, Kind: metricsstore.KindQualityHigherBetter}}

	result := Detect(baseline, candidate, nil, DefaultConfig())
	require.Len(t, result.Reports, 1)
	assert.Equal(t, SeverityNone, result.Reports[0].Severity)
	assert.False(t, result.HasRegression)
}

func TestPerformanceLowerBetterOrientation(t *testing.T) {
	baseline := []metricsstore.Metric{{Name: "latency_ms", Value: 100, Kind: metricsstore.KindPerformanceLowerBetter}}
	// Latency going up is bad for a lower-better metric.
	candidate := []metricsstore.Metric{{Name: "latency_ms", Value: 120, Kind: metricsstore.KindPerformanceLowerBetter}}

	result := Detect(baseline, candidate, nil, DefaultConfig())
	require.Len(t, result.Reports, 1)
	assert.GreaterOrEqual(t, result.Reports[0].Severity, SeverityMedium)
}

func TestSignificanceUpgradesSeverity(t *testing.T) {
	baseline := []metricsstore.Metric{{Name: "success_rate", Value: 0.80, Kind: metricsstore.KindQualityHigherBetter}}
	candidate := []metricsstore.Metric{{Name: "success_rate", Value: 0.77, Kind: metricsstore.KindQualityHigherBetter}}
	history := []float64{0.80, 0.805, 0.795, 0.80, 0.81, 0.798}

	result := Detect(baseline, candidate, map[string][]float64{"success_rate": history}, DefaultConfig())
	require.Len(t, result.Reports, 1)
	assert.Equal(t, SignificanceSignificant, result.Reports[0].Significance)
	assert.GreaterOrEqual(t, result.Reports[0].Severity, SeverityMedium)
}

func TestNeutralMetricNeverRegresses(t *testing.T) {
	baseline := []metricsstore.Metric{{Name: "iteration_count", Value: 5, Kind: metricsstore.KindNeutral}}
	candidate := []metricsstore.Metric{{Name: "iteration_count", Value: 500, Kind: metricsstore.KindNeutral}}

	result := Detect(baseline, candidate, nil, DefaultConfig())
	require.Len(t, result.Reports, 1)
	assert.Equal(t, SeverityNone, result.Reports[0].Severity)
}

func TestMetricOnlyInOneVersionIsSkipped(t *testing.T) {
	baseline := []metricsstore.Metric{{Name: "a", Value: 1, Kind: metricsstore.KindNeutral}}
	candidate := []metricsstore.Metric{{Name: "b", Value: 2, Kind: metricsstore.KindNeutral}}

	result := Detect(baseline, candidate, nil, DefaultConfig())
	assert.Empty(t, result.Reports)
	assert.False(t, result.HasRegression)
}
