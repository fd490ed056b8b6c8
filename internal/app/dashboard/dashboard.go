// Package dashboard aggregates a time window of readings, predictions, and
// anomalies into the monitoring dashboard view, including the weighted
// network health score.
package dashboard

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hydrotwin/hydrotwin/internal/domain"
	"github.com/hydrotwin/hydrotwin/internal/infra/metrics"
)

// Health score weights and normalization slopes. Anomaly rate dominates,
// then pressure tracking, demand tracking, and sensor coverage.
const (
	weightAnomaly  = 0.4
	weightPressure = 0.3
	weightDemand   = 0.2
	weightCoverage = 0.1

	slopeAnomaly  = 2.0
	slopePressure = 5.0
	slopeDemand   = 3.33
)

// Aggregator computes dashboard metrics. It is a read-only view over the
// store; it owns no background task.
type Aggregator struct {
	store domain.Store
	clock domain.Clock
}

// New creates a dashboard aggregator.
func New(store domain.Store) *Aggregator {
	return &Aggregator{store: store, clock: domain.SystemClock{}}
}

// SetClock substitutes the time source; used by tests.
func (a *Aggregator) SetClock(c domain.Clock) { a.clock = c }

// Metrics aggregates the window [now-windowMinutes, now] for a network.
func (a *Aggregator) Metrics(ctx context.Context, networkID uuid.UUID, windowMinutes float64) (*domain.DashboardMetrics, error) {
	to := a.clock.Now()
	from := to.Add(-time.Duration(windowMinutes * float64(time.Minute)))

	// The reading window here is inclusive on both ends, so the query
	// lower bound sits one step below `from`.
	readings, err := a.store.QueryReadings(ctx, networkID, from.Add(-time.Nanosecond), to)
	if err != nil {
		return nil, err
	}
	expected, err := a.store.QueryExpectedValues(ctx, networkID, from, to)
	if err != nil {
		return nil, err
	}
	anomalies, err := a.store.QueryAnomalies(ctx, networkID, domain.AnomalyFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}
	items, err := a.store.QueryNetworkItems(ctx, networkID)
	if err != nil {
		return nil, err
	}

	m := compute(readings, expected, anomalies.Anomalies, len(items))
	m.WindowMinutes = windowMinutes
	m.From = from
	m.To = to

	metrics.NetworkHealthScore.Set(m.HealthScore)
	return m, nil
}

// compute is the pure aggregation over one window of data.
func compute(readings []domain.Reading, expected []domain.ExpectedValue, anomalies []domain.Anomaly, totalItems int) *domain.DashboardMetrics {
	m := &domain.DashboardMetrics{
		TotalReadings:       len(readings),
		TotalSensors:        totalItems,
		AnomalyCount:        len(anomalies),
		AnomaliesBySeverity: map[domain.Severity]int{},
	}

	// Demand: total flow, observed vs predicted.
	var pressureSum, pressureCount float64
	activeLocations := map[string]bool{}
	actualLevels := map[string]float64{}
	for _, r := range readings {
		activeLocations[r.LocationID] = true
		switch r.SensorKind {
		case domain.SensorFlow:
			m.TotalDemandSCADA += r.Value
		case domain.SensorPressure:
			pressureSum += r.Value
			pressureCount++
		case domain.SensorLevel:
			actualLevels[r.LocationID] = r.Value
		}
	}
	if pressureCount > 0 {
		m.AvgPressureSCADA = pressureSum / pressureCount
	}

	var expPressureSum, expPressureCount float64
	expectedLevels := map[string]float64{}
	for _, ev := range expected {
		switch ev.SensorKind {
		case domain.SensorFlow:
			m.TotalDemandExpected += ev.Value
		case domain.SensorPressure:
			expPressureSum += ev.Value
			expPressureCount++
		case domain.SensorLevel:
			expectedLevels[ev.LocationID] = ev.Value
		}
	}
	if expPressureCount > 0 {
		m.AvgPressureExpected = expPressureSum / expPressureCount
	}

	if m.TotalDemandExpected > 0 {
		m.DemandDeviationPct = (m.TotalDemandSCADA - m.TotalDemandExpected) / m.TotalDemandExpected * 100
	}
	if m.AvgPressureExpected > 0 {
		m.PressureDeviationPct = (m.AvgPressureSCADA - m.AvgPressureExpected) / m.AvgPressureExpected * 100
	}

	// Coverage: distinct reporting locations over the item inventory.
	m.ActiveSensors = len(activeLocations)
	if totalItems > 0 {
		m.SensorCoveragePct = float64(m.ActiveSensors) / float64(totalItems) * 100
	}

	if len(readings) > 0 {
		m.AnomalyRatePct = float64(len(anomalies)) / float64(len(readings)) * 100
	}
	for _, a := range anomalies {
		m.AnomaliesBySeverity[a.Severity]++
	}

	// Tank levels: union of observed and predicted tanks in the window.
	tankIDs := map[string]bool{}
	for id := range actualLevels {
		tankIDs[id] = true
	}
	for id := range expectedLevels {
		tankIDs[id] = true
	}
	for id := range tankIDs {
		tl := domain.TankLevel{TankID: id}
		if v, ok := actualLevels[id]; ok {
			tl.Actual = ptr(v)
		}
		if v, ok := expectedLevels[id]; ok {
			tl.Expected = ptr(v)
		}
		if tl.Actual != nil && tl.Expected != nil && *tl.Expected > 0 {
			tl.DeviationPercent = (*tl.Actual - *tl.Expected) / *tl.Expected * 100
		}
		m.TankLevels = append(m.TankLevels, tl)
	}

	// Weighted health score.
	m.AnomalyScore = clamp(100-slopeAnomaly*m.AnomalyRatePct, 0, 100)
	m.PressureScore = clamp(100-slopePressure*abs(m.PressureDeviationPct), 0, 100)
	m.DemandScore = clamp(100-slopeDemand*abs(m.DemandDeviationPct), 0, 100)
	m.CoverageScore = m.SensorCoveragePct

	m.HealthScore = clamp(
		weightAnomaly*m.AnomalyScore+
			weightPressure*m.PressureScore+
			weightDemand*m.DemandScore+
			weightCoverage*m.CoverageScore,
		0, 100)
	m.HealthStatus = healthBand(m.HealthScore)
	return m
}

func healthBand(score float64) domain.HealthStatus {
	switch {
	case score >= 80:
		return domain.HealthExcellent
	case score >= 60:
		return domain.HealthGood
	case score >= 40:
		return domain.HealthFair
	default:
		return domain.HealthPoor
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func ptr(v float64) *float64 { return &v }
