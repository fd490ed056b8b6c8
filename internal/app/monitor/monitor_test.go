package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hydrotwin/hydrotwin/internal/domain"
	"github.com/hydrotwin/hydrotwin/internal/infra/engine"
	"github.com/hydrotwin/hydrotwin/internal/storetest"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

var noon = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func testEngine() *engine.MockEngine {
	return &engine.MockEngine{
		JunctionIDs:    []string{"J1"},
		PipeIDs:        []string{"P1"},
		TankIDs:        []string{"T1"},
		PressureValues: map[string]float64{"J1": 100.0, "T1": 5.0},
		FlowValues:     map[string]float64{"P1": 20.0},
		LevelValues:    map[string]float64{"T1": 5.0},
	}
}

func seedStore(t *testing.T) (*storetest.Mem, uuid.UUID) {
	t.Helper()
	store := storetest.New()
	networkID := uuid.New()

	definition := filepath.Join(t.TempDir(), "net.inp")
	if err := os.WriteFile(definition, []byte("[JUNCTIONS]\nJ1 50 10\n[RESERVOIRS]\nR1 100\n[PIPES]\nP1 R1 J1 100 300 130\n"), 0600); err != nil {
		t.Fatal(err)
	}

	store.Networks[networkID] = domain.Network{
		ID: networkID, Name: "net.inp", DefinitionPath: definition,
		UploadedAt:         noon.Add(-time.Hour),
		BaselineComputedAt: noon.Add(-30 * time.Minute),
	}
	store.Items[networkID] = []domain.NetworkItem{
		{NetworkID: networkID, Kind: domain.ItemJunction, ItemID: "J1"},
		{NetworkID: networkID, Kind: domain.ItemPipe, ItemID: "P1"},
		{NetworkID: networkID, Kind: domain.ItemTank, ItemID: "T1"},
	}
	return store, networkID
}

// newLoaded returns a monitor wired for direct runCycle calls.
func newLoaded(t *testing.T, store *storetest.Mem, networkID uuid.UUID, eng *engine.MockEngine, clock *fixedClock) *Service {
	t.Helper()
	s := New(store, engine.NewMockBackend(eng))
	s.SetClock(clock)
	s.eng = eng
	s.items = store.Items[networkID]
	s.cfg = DefaultConfig()
	s.status.NetworkID = networkID
	s.status.State = domain.StateRunning
	return s
}

func addReading(store *storetest.Mem, networkID uuid.UUID, kind domain.SensorKind, loc string, value float64, ts time.Time) {
	store.Readings = append(store.Readings, domain.Reading{
		NetworkID:  networkID,
		SensorID:   domain.SensorID(kind, loc),
		SensorKind: kind,
		LocationID: loc,
		Value:      value,
		Timestamp:  ts,
	})
}

func TestSeverityClassification(t *testing.T) {
	// pressure threshold 10%, expected 100.
	tests := []struct {
		actual   float64
		wantAnom bool
		severity domain.Severity
	}{
		{111, true, domain.SeverityMedium},   // 11% → ratio 1.1
		{116, true, domain.SeverityHigh},     // 16% → ratio 1.6
		{121, true, domain.SeverityCritical}, // 21% → ratio 2.1
		{109, false, ""},                     // 9% → below threshold
		{110, false, ""},                     // exactly at threshold: not an anomaly
	}

	for _, tt := range tests {
		store, networkID := seedStore(t)
		clock := &fixedClock{t: noon}
		s := newLoaded(t, store, networkID, testEngine(), clock)

		addReading(store, networkID, domain.SensorPressure, "J1", tt.actual, noon.Add(-time.Minute))
		if err := s.runCycle(context.Background()); err != nil {
			t.Fatalf("runCycle: %v", err)
		}

		anomalies := store.AnomaliesSnapshot()
		if !tt.wantAnom {
			if len(anomalies) != 0 {
				t.Errorf("actual=%v: got %d anomalies, want none", tt.actual, len(anomalies))
			}
			continue
		}
		if len(anomalies) != 1 {
			t.Fatalf("actual=%v: got %d anomalies, want 1", tt.actual, len(anomalies))
		}
		a := anomalies[0]
		if a.Severity != tt.severity {
			t.Errorf("actual=%v: severity = %v, want %v", tt.actual, a.Severity, tt.severity)
		}
		if a.DeviationPercent <= a.ThresholdPercent {
			t.Errorf("anomaly with deviation %v <= threshold %v", a.DeviationPercent, a.ThresholdPercent)
		}
		if !a.Timestamp.Equal(noon) {
			t.Errorf("anomaly timestamp = %v, want detection instant %v", a.Timestamp, noon)
		}
	}
}

func TestDeviationNearZeroExpectedIsAbsolute(t *testing.T) {
	store, networkID := seedStore(t)
	clock := &fixedClock{t: noon}
	eng := testEngine()
	eng.FlowValues["P1"] = 0.0
	s := newLoaded(t, store, networkID, eng, clock)

	// Absolute deviation 20 > flow threshold 15 → anomaly.
	addReading(store, networkID, domain.SensorFlow, "P1", 20.0, noon.Add(-time.Minute))
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	anomalies := store.AnomaliesSnapshot()
	if len(anomalies) != 1 {
		t.Fatalf("got %d anomalies, want 1", len(anomalies))
	}
	if got := anomalies[0].DeviationPercent; got != 20.0 {
		t.Errorf("deviation = %v, want absolute 20.0", got)
	}
}

func TestUnknownLocationSkipped(t *testing.T) {
	store, networkID := seedStore(t)
	clock := &fixedClock{t: noon}
	s := newLoaded(t, store, networkID, testEngine(), clock)

	addReading(store, networkID, domain.SensorPressure, "GHOST", 500, noon.Add(-time.Minute))
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	if n := len(store.AnomaliesSnapshot()); n != 0 {
		t.Errorf("got %d anomalies for unknown location, want 0", n)
	}
}

func TestWatermarkAdvancesToMaxReading(t *testing.T) {
	store, networkID := seedStore(t)
	clock := &fixedClock{t: noon}
	s := newLoaded(t, store, networkID, testEngine(), clock)

	latest := noon.Add(-30 * time.Second)
	addReading(store, networkID, domain.SensorPressure, "J1", 100, noon.Add(-2*time.Minute))
	addReading(store, networkID, domain.SensorPressure, "J1", 100, latest)

	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	if !s.watermark.Equal(latest) {
		t.Errorf("watermark = %v, want %v", s.watermark, latest)
	}

	// No new readings: watermark jumps to loop start.
	clock.t = noon.Add(time.Minute)
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("second runCycle: %v", err)
	}
	if !s.watermark.Equal(clock.t) {
		t.Errorf("idle watermark = %v, want %v", s.watermark, clock.t)
	}
	if st := s.Status(); !st.LastProcessed.Equal(clock.t) {
		t.Errorf("status.LastProcessed = %v, want %v", st.LastProcessed, clock.t)
	}
}

func TestNoReadingComparedTwice(t *testing.T) {
	store, networkID := seedStore(t)
	clock := &fixedClock{t: noon}
	s := newLoaded(t, store, networkID, testEngine(), clock)

	// An anomalous reading: compared in cycle 1, must not re-fire in cycle 2.
	addReading(store, networkID, domain.SensorPressure, "J1", 150, noon.Add(-time.Minute))
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	clock.t = noon.Add(time.Minute)
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("second runCycle: %v", err)
	}

	if n := len(store.AnomaliesSnapshot()); n != 1 {
		t.Errorf("anomaly persisted %d times, want once", n)
	}
}

func TestTankFeedbackBeforeNextSolve(t *testing.T) {
	store, networkID := seedStore(t)
	clock := &fixedClock{t: noon}
	eng := testEngine()
	s := newLoaded(t, store, networkID, eng, clock)

	addReading(store, networkID, domain.SensorLevel, "T1", 7.5, noon.Add(-time.Minute))
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	if len(eng.LevelOverrides) != 1 {
		t.Fatalf("got %d tank overrides, want 1", len(eng.LevelOverrides))
	}
	ov := eng.LevelOverrides[0]
	if ov.LocationID != "T1" || ov.Level != 7.5 {
		t.Errorf("override = %+v, want T1 → 7.5", ov)
	}

	// The override happened after cycle N's solve, so it is in place before
	// cycle N+1's solve.
	solvesAtOverride := ov.SolveCalls
	clock.t = noon.Add(time.Minute)
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("second runCycle: %v", err)
	}
	if eng.SolveCalls != solvesAtOverride+1 {
		t.Errorf("SolveCalls = %d, want %d (override before next solve)",
			eng.SolveCalls, solvesAtOverride+1)
	}
}

func TestTankFeedbackDisabled(t *testing.T) {
	store, networkID := seedStore(t)
	clock := &fixedClock{t: noon}
	eng := testEngine()
	s := newLoaded(t, store, networkID, eng, clock)
	s.cfg.EnableTankFeedback = false

	addReading(store, networkID, domain.SensorLevel, "T1", 7.5, noon.Add(-time.Minute))
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	if len(eng.LevelOverrides) != 0 {
		t.Errorf("got %d overrides with feedback disabled, want 0", len(eng.LevelOverrides))
	}
}

func TestExpectedValuesPerItem(t *testing.T) {
	store, networkID := seedStore(t)
	clock := &fixedClock{t: noon}
	s := newLoaded(t, store, networkID, testEngine(), clock)

	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	// J1 pressure, P1 flow, T1 pressure + level.
	expected := store.ExpectedSnapshot()
	if len(expected) != 4 {
		t.Fatalf("got %d expected values, want 4", len(expected))
	}
	kinds := map[string]int{}
	for _, ev := range expected {
		kinds[ev.LocationID+"/"+string(ev.SensorKind)]++
		if !ev.Timestamp.Equal(noon) {
			t.Errorf("expected value timestamp = %v, want %v", ev.Timestamp, noon)
		}
		if ev.EPSHour != 12.0 {
			t.Errorf("eps_hour = %v, want 12.0", ev.EPSHour)
		}
	}
	for _, key := range []string{"J1/pressure", "P1/flow", "T1/pressure", "T1/level"} {
		if kinds[key] != 1 {
			t.Errorf("expected value for %s emitted %d times, want 1", key, kinds[key])
		}
	}
}

func TestFrozenClockEmitsIdenticalExpectedValues(t *testing.T) {
	store, networkID := seedStore(t)
	clock := &fixedClock{t: noon}
	s := newLoaded(t, store, networkID, testEngine(), clock)

	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	first := store.ExpectedSnapshot()
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("second runCycle: %v", err)
	}
	second := store.ExpectedSnapshot()[len(first):]

	if len(first) != len(second) {
		t.Fatalf("cycle sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("expected value %d differs across frozen cycles: %+v vs %+v",
				i, first[i], second[i])
		}
	}
}

func TestAnomalyPersistFailureDoesNotAdvanceWatermark(t *testing.T) {
	store, networkID := seedStore(t)
	clock := &fixedClock{t: noon}
	s := newLoaded(t, store, networkID, testEngine(), clock)

	addReading(store, networkID, domain.SensorPressure, "J1", 150, noon.Add(-time.Minute))
	store.FailInsertAnomaly = errors.New("database is locked")

	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle should recover: %v", err)
	}
	if !s.watermark.IsZero() {
		t.Errorf("watermark advanced to %v after anomaly persist failure", s.watermark)
	}
	if st := s.Status(); st.Error == "" {
		t.Error("cycle error not recorded in status")
	}

	// Recovery: the reading is still inside the window and is retried.
	store.FailInsertAnomaly = nil
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("recovery runCycle: %v", err)
	}
	if n := len(store.AnomaliesSnapshot()); n != 1 {
		t.Errorf("got %d anomalies after recovery, want 1", n)
	}
}

func TestExpectedPersistFailureStillAdvancesWatermark(t *testing.T) {
	store, networkID := seedStore(t)
	clock := &fixedClock{t: noon}
	s := newLoaded(t, store, networkID, testEngine(), clock)

	ts := noon.Add(-time.Minute)
	addReading(store, networkID, domain.SensorPressure, "J1", 100, ts)
	store.FailInsertExpected = errors.New("database is locked")

	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	if !s.watermark.Equal(ts) {
		t.Errorf("watermark = %v, want %v (expected values are lossy)", s.watermark, ts)
	}
}

func TestStartLifecycle(t *testing.T) {
	store, networkID := seedStore(t)
	ctx := context.Background()
	eng := testEngine()

	s := New(store, engine.NewMockBackend(eng))
	if err := s.Start(ctx, networkID, DefaultConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx, networkID, DefaultConfig()); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if st := s.Status(); !st.EPS.Synced {
		t.Error("EPS not marked synced after start")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !eng.Closed {
		t.Error("engine not closed after Stop")
	}
	if err := s.Stop(); !errors.Is(err, domain.ErrNotRunning) {
		t.Errorf("second Stop = %v, want ErrNotRunning", err)
	}
}

func TestRestartPreservesWatermark(t *testing.T) {
	store, networkID := seedStore(t)
	ctx := context.Background()
	eng := testEngine()

	s := New(store, engine.NewMockBackend(eng))
	if err := s.Start(ctx, networkID, DefaultConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mark := s.watermark
	if mark.IsZero() {
		t.Skip("first cycle did not complete before stop")
	}

	eng.Closed = false
	if err := s.Start(ctx, networkID, DefaultConfig()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.Stop()

	if s.Status().LastProcessed.Before(mark) {
		t.Errorf("restart rewound watermark: %v < %v", s.Status().LastProcessed, mark)
	}
}

func TestStartRejectsMissingBaseline(t *testing.T) {
	store, networkID := seedStore(t)
	n := store.Networks[networkID]
	n.BaselineComputedAt = time.Time{}
	store.Networks[networkID] = n

	s := New(store, engine.NewMockBackend(testEngine()))
	err := s.Start(context.Background(), networkID, DefaultConfig())
	if !errors.Is(err, domain.ErrBaselineMissing) {
		t.Fatalf("Start = %v, want ErrBaselineMissing", err)
	}
}

func TestStartRejectsBadEngineLoad(t *testing.T) {
	store, networkID := seedStore(t)

	backend := engine.NewMockBackend(nil)
	backend.LoadErr = domain.ErrEngineLoad
	s := New(store, backend)

	err := s.Start(context.Background(), networkID, DefaultConfig())
	if !errors.Is(err, domain.ErrEngineLoad) {
		t.Fatalf("Start = %v, want ErrEngineLoad", err)
	}
	if st := s.Status(); st.State != domain.StateStopped {
		t.Errorf("state = %v, want stopped", st.State)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"interval too small", func(c *Config) { c.MonitoringIntervalMinutes = 0.01 }, false},
		{"window too large", func(c *Config) { c.TimeWindowMinutes = 61 }, false},
		{"threshold negative", func(c *Config) { c.PressureThresholdPercent = -1 }, false},
		{"threshold above 100", func(c *Config) { c.LevelThresholdPercent = 101 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
