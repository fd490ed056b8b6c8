// Package monitor compares observed SCADA telemetry against the hydraulic
// model's predictions and emits anomalies, expected values, and tank-level
// feedback. The service owns its own hydraulic engine and runs as a single
// background loop, completely separate from the simulator: the two share
// only the store.
//
// Each cycle re-queries readings above a sliding low-watermark, re-solves
// the model, classifies deviations, and advances the watermark. A reading
// inserted after the watermark has passed its timestamp is silently missed;
// that bounded-staleness trade-off is accepted for heavy delay tails.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hydrotwin/hydrotwin/internal/domain"
	"github.com/hydrotwin/hydrotwin/internal/infra/engine"
	"github.com/hydrotwin/hydrotwin/internal/infra/metrics"
)

// zeroExpected is the magnitude below which deviation switches from
// relative to absolute, to avoid dividing by a near-zero prediction.
const zeroExpected = 1e-4

// ─── Configuration ──────────────────────────────────────────────────────────

// Config holds the monitor's per-run options.
type Config struct {
	MonitoringIntervalMinutes float64 `json:"monitoring_interval_minutes"`
	TimeWindowMinutes         float64 `json:"time_window_minutes"`

	PressureThresholdPercent float64 `json:"pressure_threshold_percent"`
	FlowThresholdPercent     float64 `json:"flow_threshold_percent"`
	LevelThresholdPercent    float64 `json:"tank_level_threshold_percent"`

	// EnableTankFeedback overrides the model's tank levels with observed
	// levels, reducing prediction drift.
	EnableTankFeedback bool `json:"enable_tank_feedback"`
}

// DefaultConfig returns the stock monitoring parameters.
func DefaultConfig() Config {
	return Config{
		MonitoringIntervalMinutes: 1.0,
		TimeWindowMinutes:         5.0,
		PressureThresholdPercent:  10.0,
		FlowThresholdPercent:      15.0,
		LevelThresholdPercent:     5.0,
		EnableTankFeedback:        true,
	}
}

// Validate checks all option ranges.
func (c Config) Validate() error {
	switch {
	case c.MonitoringIntervalMinutes < 0.1 || c.MonitoringIntervalMinutes > 1440:
		return fmt.Errorf("%w: monitoring_interval_minutes %v outside [0.1, 1440]", domain.ErrInvalidConfig, c.MonitoringIntervalMinutes)
	case c.TimeWindowMinutes < 0.1 || c.TimeWindowMinutes > 60:
		return fmt.Errorf("%w: time_window_minutes %v outside [0.1, 60]", domain.ErrInvalidConfig, c.TimeWindowMinutes)
	case !validThreshold(c.PressureThresholdPercent) || !validThreshold(c.FlowThresholdPercent) || !validThreshold(c.LevelThresholdPercent):
		return fmt.Errorf("%w: thresholds must be within [0, 100]", domain.ErrInvalidConfig)
	}
	return nil
}

func validThreshold(p float64) bool { return p >= 0 && p <= 100 }

func (c Config) interval() time.Duration {
	return time.Duration(c.MonitoringIntervalMinutes * float64(time.Minute))
}

func (c Config) window() time.Duration {
	return time.Duration(c.TimeWindowMinutes * float64(time.Minute))
}

// thresholdFor returns the deviation threshold for a sensor kind.
func (c Config) thresholdFor(kind domain.SensorKind) float64 {
	switch kind {
	case domain.SensorFlow:
		return c.FlowThresholdPercent
	case domain.SensorLevel:
		return c.LevelThresholdPercent
	default:
		return c.PressureThresholdPercent
	}
}

// ─── Service ────────────────────────────────────────────────────────────────

// Service is the monitoring loop. One instance runs per process; Start
// enforces the singleton.
type Service struct {
	store   domain.Store
	backend engine.Backend
	clock   domain.Clock

	mu     sync.Mutex
	cfg    Config
	status domain.MonitorStatus
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the background task after Start.
	eng       engine.Engine
	items     []domain.NetworkItem
	watermark time.Time
}

// New creates a stopped monitor.
func New(store domain.Store, backend engine.Backend) *Service {
	return &Service{
		store:   store,
		backend: backend,
		clock:   domain.SystemClock{},
		status:  domain.MonitorStatus{State: domain.StateStopped},
	}
}

// SetClock substitutes the time source; used by tests.
func (s *Service) SetClock(c domain.Clock) { s.clock = c }

// Start verifies the network, loads the hydraulic engine from the stored
// definition, performs the initial solve, and launches the monitoring loop.
func (s *Service) Start(ctx context.Context, networkID uuid.UUID, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State == domain.StateRunning || s.status.State == domain.StateStarting {
		return domain.ErrAlreadyRunning
	}

	// The watermark survives stop/start for the same network so no reading
	// is compared twice across restarts. Switching networks resets it.
	if s.status.NetworkID != networkID {
		s.watermark = time.Time{}
	}

	s.status = domain.MonitorStatus{State: domain.StateStarting, NetworkID: networkID}

	network, err := s.store.GetNetwork(ctx, networkID)
	if err != nil {
		s.status.State = domain.StateStopped
		return err
	}
	if !network.HasBaseline() {
		s.status.State = domain.StateStopped
		return fmt.Errorf("%w: network %s", domain.ErrBaselineMissing, networkID)
	}

	definition, err := os.ReadFile(network.DefinitionPath)
	if err != nil {
		s.status.State = domain.StateStopped
		return fmt.Errorf("%w: read definition: %v", domain.ErrEngineLoad, err)
	}
	eng, err := s.backend.Load(definition)
	if err != nil {
		s.status.State = domain.StateStopped
		return err
	}

	// Initial solve establishes the model state for the first cycle.
	if err := eng.SolveComplete(); err != nil {
		eng.Close()
		s.status.State = domain.StateStopped
		return fmt.Errorf("initial solve: %w", err)
	}

	items, err := s.store.QueryNetworkItems(ctx, networkID)
	if err != nil {
		eng.Close()
		s.status.State = domain.StateStopped
		return fmt.Errorf("load network items: %w", err)
	}

	hour := domain.HourOfDay(s.clock.Now())
	s.eng = eng
	s.items = items
	s.cfg = cfg
	s.status.State = domain.StateRunning
	s.status.StartedAt = s.clock.Now()
	s.status.LastProcessed = s.watermark
	s.status.EPS = domain.EPSSync{Synced: true, CurrentEPSHour: hour, RealTimeHour: hour}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(loopCtx)

	log.Printf("[monitor] started for network %s (interval %.1fm, window %.1fm, feedback %v)",
		networkID, cfg.MonitoringIntervalMinutes, cfg.TimeWindowMinutes, cfg.EnableTankFeedback)
	return nil
}

// Stop cancels the monitoring loop and waits for it to exit. The loop
// closes the engine on its way out.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.status.State == domain.StateStopped {
		s.mu.Unlock()
		return domain.ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.status.State = domain.StateStopped
	s.status.EPS.Synced = false
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	log.Printf("[monitor] stopped")
	return nil
}

// Status returns a snapshot of the monitor's state.
func (s *Service) Status() domain.MonitorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Config returns the active configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ─── Monitoring Loop ────────────────────────────────────────────────────────

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	defer s.eng.Close() // closed on every exit path

	ticker := time.NewTicker(s.cfg.interval())
	defer ticker.Stop()

	for {
		if err := s.runCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.mu.Lock()
			s.status.State = domain.StateError
			s.status.Error = err.Error()
			s.mu.Unlock()
			log.Printf("[monitor] fatal: %v", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCycle performs one monitoring pass. Cycle-level failures (store blips,
// solve errors) are recorded in status and swallowed so the loop keeps
// going; only cancellation and fatal store errors propagate.
func (s *Service) runCycle(ctx context.Context) error {
	loopStart := s.clock.Now()
	cycleWall := time.Now()

	readings, err := s.recentReadings(ctx, loopStart)
	if err != nil {
		return s.cycleError("query readings", err)
	}

	if err := s.eng.SolveComplete(); err != nil {
		return s.cycleError("solve", err)
	}

	compareWall := time.Now()
	anomalies := s.compare(readings, loopStart)
	compareMillis := float64(time.Since(compareWall).Microseconds()) / 1000.0

	// Anomalies are the system of record: persist failure aborts the cycle
	// without advancing the watermark, so the readings are retried while
	// they remain inside the window.
	if err := s.store.InsertAnomalies(ctx, anomalies); err != nil {
		return s.cycleError("persist anomalies", err)
	}

	// Expected values are a lossy diagnostic: persist failure is logged
	// and the watermark still advances.
	if err := s.store.InsertExpectedValues(ctx, s.expectedValues(loopStart)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrStoreFatal) {
			return err
		}
		log.Printf("[monitor] expected values persist failed: %v", err)
	}

	if s.cfg.EnableTankFeedback {
		s.feedTankLevels(readings)
	}

	if len(readings) > 0 {
		s.watermark = readings[len(readings)-1].Timestamp
	} else {
		s.watermark = loopStart
	}

	hour := domain.HourOfDay(loopStart)
	s.mu.Lock()
	s.status.LastCheck = loopStart
	s.status.LastProcessed = s.watermark
	s.status.TotalAnomalies += int64(len(anomalies))
	s.status.EPS.CurrentEPSHour = hour
	s.status.EPS.RealTimeHour = hour
	s.status.LastCheckStats = domain.CheckStats{
		ReadingsProcessed: len(readings),
		AnomaliesFound:    len(anomalies),
		CompareMillis:     compareMillis,
	}
	s.status.Error = ""
	s.mu.Unlock()

	metrics.ReadingsProcessed.Add(float64(len(readings)))
	for _, a := range anomalies {
		metrics.AnomaliesDetected.WithLabelValues(string(a.Severity)).Inc()
	}
	metrics.MonitorCycleDuration.Observe(time.Since(cycleWall).Seconds())
	metrics.WatermarkLag.Set(loopStart.Sub(s.watermark).Seconds())

	log.Printf("[monitor] cycle: processed %d readings, found %d anomalies",
		len(readings), len(anomalies))
	return nil
}

// cycleError records a recoverable cycle failure and decides whether the
// loop must terminate.
func (s *Service) cycleError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrStoreFatal) {
		return err
	}
	log.Printf("[monitor] cycle error (%s): %v", op, err)
	s.mu.Lock()
	s.status.Error = fmt.Sprintf("cycle error: %s: %v", op, err)
	s.mu.Unlock()
	metrics.MonitorCycleErrors.Inc()
	return nil
}

// recentReadings queries readings above the watermark, bounded by the
// look-back window: (max(watermark, now-window), now], ascending.
func (s *Service) recentReadings(ctx context.Context, now time.Time) ([]domain.Reading, error) {
	after := now.Add(-s.cfg.window())
	if s.watermark.After(after) {
		after = s.watermark
	}
	return s.store.QueryReadings(ctx, s.status.NetworkID, after, now)
}

// compare classifies each reading against the solved model state.
func (s *Service) compare(readings []domain.Reading, detectedAt time.Time) []domain.Anomaly {
	pressures := s.eng.Pressures()
	flows := s.eng.Flows()
	levels := s.eng.TankInitialLevels()

	var anomalies []domain.Anomaly
	for _, r := range readings {
		var expected float64
		var known bool
		switch r.SensorKind {
		case domain.SensorPressure:
			expected, known = pressures[r.LocationID]
		case domain.SensorFlow:
			expected, known = flows[r.LocationID]
		case domain.SensorLevel:
			expected, known = levels[r.LocationID]
		}
		if !known {
			continue
		}

		deviation := deviationPercent(r.Value, expected)
		threshold := s.cfg.thresholdFor(r.SensorKind)
		if deviation <= threshold {
			continue
		}

		anomalies = append(anomalies, domain.Anomaly{
			NetworkID:        r.NetworkID,
			Timestamp:        detectedAt,
			SensorID:         r.SensorID,
			SensorKind:       r.SensorKind,
			LocationID:       r.LocationID,
			Actual:           r.Value,
			Expected:         expected,
			DeviationPercent: deviation,
			ThresholdPercent: threshold,
			Severity:         domain.ClassifySeverity(deviation, threshold),
		})
	}
	return anomalies
}

// deviationPercent is |actual-expected| / |expected| × 100, falling back to
// the absolute difference when the expectation is effectively zero.
func deviationPercent(actual, expected float64) float64 {
	diff := math.Abs(actual - expected)
	if math.Abs(expected) > zeroExpected {
		return diff / math.Abs(expected) * 100.0
	}
	return diff
}

// expectedValues captures one model prediction per network item; tanks emit
// both pressure and level.
func (s *Service) expectedValues(at time.Time) []domain.ExpectedValue {
	pressures := s.eng.Pressures()
	flows := s.eng.Flows()
	levels := s.eng.TankInitialLevels()
	hour := domain.HourOfDay(at)

	emit := func(out []domain.ExpectedValue, loc string, kind domain.SensorKind, v float64, ok bool) []domain.ExpectedValue {
		if !ok {
			return out
		}
		return append(out, domain.ExpectedValue{
			NetworkID:  s.status.NetworkID,
			Timestamp:  at,
			LocationID: loc,
			SensorKind: kind,
			Value:      v,
			EPSHour:    hour,
		})
	}

	var out []domain.ExpectedValue
	for _, it := range s.items {
		switch it.Kind {
		case domain.ItemJunction:
			v, ok := pressures[it.ItemID]
			out = emit(out, it.ItemID, domain.SensorPressure, v, ok)
		case domain.ItemPipe:
			v, ok := flows[it.ItemID]
			out = emit(out, it.ItemID, domain.SensorFlow, v, ok)
		case domain.ItemTank:
			p, ok := pressures[it.ItemID]
			out = emit(out, it.ItemID, domain.SensorPressure, p, ok)
			l, ok := levels[it.ItemID]
			out = emit(out, it.ItemID, domain.SensorLevel, l, ok)
		}
	}
	return out
}

// feedTankLevels pushes observed tank levels back into the model so the
// next solve starts from measured state. Per-tank failures are logged and
// do not abort the cycle.
func (s *Service) feedTankLevels(readings []domain.Reading) {
	for _, r := range readings {
		if r.SensorKind != domain.SensorLevel {
			continue
		}
		if err := s.eng.SetTankInitialLevel(r.LocationID, r.Value); err != nil {
			log.Printf("[monitor] tank feedback failed for %s: %v", r.LocationID, err)
		}
	}
}
