package simulator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hydrotwin/hydrotwin/internal/domain"
	"github.com/hydrotwin/hydrotwin/internal/infra/rng"
	"github.com/hydrotwin/hydrotwin/internal/storetest"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var noon = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

// seedStore populates a network with 3 junctions, 2 pipes, 1 tank, and
// baseline 10.0 everywhere.
func seedStore(t *testing.T) (*storetest.Mem, uuid.UUID) {
	t.Helper()
	store := storetest.New()
	networkID := uuid.New()
	store.Networks[networkID] = domain.Network{
		ID: networkID, Name: "demo.inp", DefinitionPath: "demo.inp",
		UploadedAt:         noon.Add(-time.Hour),
		BaselineComputedAt: noon.Add(-30 * time.Minute),
	}

	add := func(kind domain.ItemKind, sensor domain.SensorKind, ids ...string) {
		for _, id := range ids {
			store.Items[networkID] = append(store.Items[networkID],
				domain.NetworkItem{NetworkID: networkID, Kind: kind, ItemID: id})
			if store.Baselines[networkID] == nil {
				store.Baselines[networkID] = map[domain.BaselineKey]float64{}
			}
			store.Baselines[networkID][domain.BaselineKey{LocationID: id, SensorKind: sensor}] = 10.0
		}
	}
	add(domain.ItemJunction, domain.SensorPressure, "J1", "J2", "J3")
	add(domain.ItemPipe, domain.SensorFlow, "P1", "P2")
	add(domain.ItemTank, domain.SensorLevel, "T1")

	return store, networkID
}

// cleanConfig has no loss, no noise, and zero delay: every cycle produces
// one exact reading per item.
func cleanConfig() Config {
	cfg := DefaultConfig()
	cfg.GenerationIntervalMinutes = 1
	cfg.DataLossMean = 0
	cfg.DataLossVariance = 0
	cfg.DelayMean = 0
	cfg.DelayStd = 0
	cfg.DelayMax = 1
	cfg.PressureNoisePercent = 0
	cfg.FlowNoisePercent = 0
	cfg.LevelNoisePercent = 0
	return cfg
}

// newLoaded returns a simulator with network data loaded, ready for direct
// runCycle calls.
func newLoaded(t *testing.T, store *storetest.Mem, networkID uuid.UUID, cfg Config) *Service {
	t.Helper()
	s := New(store, rng.NewSeeded(7))
	s.SetClock(fixedClock{t: noon})
	if err := s.loadNetworkData(context.Background(), networkID); err != nil {
		t.Fatalf("loadNetworkData: %v", err)
	}
	s.cfg = cfg
	s.status.NetworkID = networkID
	return s
}

func TestCleanGenerationCycle(t *testing.T) {
	store, networkID := seedStore(t)
	s := newLoaded(t, store, networkID, cleanConfig())

	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	readings := store.ReadingsSnapshot()
	if len(readings) != 6 {
		t.Fatalf("got %d readings, want 6", len(readings))
	}
	for _, r := range readings {
		// multiplier(12.0) = 1.0, noise 0 → exactly the baseline.
		if r.Value != 10.0 {
			t.Errorf("%s value = %v, want 10.0", r.SensorID, r.Value)
		}
		if r.Timestamp.Before(noon.Add(-time.Minute)) || r.Timestamp.After(noon) {
			t.Errorf("%s timestamp %v outside [11:59, 12:00]", r.SensorID, r.Timestamp)
		}
	}

	logs := store.GenLogsSnapshot()
	if len(logs) != 1 {
		t.Fatalf("got %d generation logs, want 1", len(logs))
	}
	lg := logs[0]
	if lg.ReadingsGenerated != 6 {
		t.Errorf("ReadingsGenerated = %d, want 6", lg.ReadingsGenerated)
	}
	if lg.JunctionsSelected != 3 || lg.PipesSelected != 2 || lg.TanksSelected != 1 {
		t.Errorf("selection counts = %d/%d/%d, want 3/2/1",
			lg.JunctionsSelected, lg.PipesSelected, lg.TanksSelected)
	}
}

func TestSensorIDsAreDeterministic(t *testing.T) {
	store, networkID := seedStore(t)
	s := newLoaded(t, store, networkID, cleanConfig())

	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("second runCycle: %v", err)
	}

	ids := map[string]string{} // sensor_id → location
	for _, r := range store.ReadingsSnapshot() {
		want := string(r.SensorKind)
		switch r.SensorKind {
		case domain.SensorPressure:
			want = "PRESSURE_" + r.LocationID
		case domain.SensorFlow:
			want = "FLOW_" + r.LocationID
		case domain.SensorLevel:
			want = "LEVEL_" + r.LocationID
		}
		if r.SensorID != want {
			t.Errorf("sensor id = %q, want %q", r.SensorID, want)
		}
		if prev, ok := ids[r.SensorID]; ok && prev != r.LocationID {
			t.Errorf("sensor id %q maps to both %q and %q", r.SensorID, prev, r.LocationID)
		}
		ids[r.SensorID] = r.LocationID
	}
}

func TestDelayBoundsHold(t *testing.T) {
	store, networkID := seedStore(t)
	cfg := cleanConfig()
	cfg.DelayMean = 2.5
	cfg.DelayStd = 2.0
	cfg.DelayMax = 10.0
	s := newLoaded(t, store, networkID, cfg)

	for i := 0; i < 20; i++ {
		if err := s.runCycle(context.Background()); err != nil {
			t.Fatalf("runCycle: %v", err)
		}
	}

	for _, r := range store.ReadingsSnapshot() {
		age := noon.Sub(r.Timestamp)
		if age < 0 || age > 10*time.Minute {
			t.Fatalf("reading delay %v outside [0, 10m]", age)
		}
	}
}

func TestFixedDelayStampsPast(t *testing.T) {
	store, networkID := seedStore(t)
	cfg := cleanConfig()
	cfg.DelayMean = 5
	cfg.DelayStd = 0
	cfg.DelayMax = 10
	s := newLoaded(t, store, networkID, cfg)

	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	want := noon.Add(-5 * time.Minute)
	for _, r := range store.ReadingsSnapshot() {
		if !r.Timestamp.Equal(want) {
			t.Errorf("timestamp = %v, want %v", r.Timestamp, want)
		}
	}
}

func TestTotalLossKeepsOnePerKind(t *testing.T) {
	store, networkID := seedStore(t)
	cfg := cleanConfig()
	cfg.DataLossMean = 1.0
	cfg.DataLossVariance = 0
	s := newLoaded(t, store, networkID, cfg)

	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	lg := store.GenLogsSnapshot()[0]
	if lg.JunctionsSelected != 1 || lg.PipesSelected != 1 || lg.TanksSelected != 1 {
		t.Errorf("selection counts = %d/%d/%d, want 1/1/1 under total loss",
			lg.JunctionsSelected, lg.PipesSelected, lg.TanksSelected)
	}
	if lg.ReadingsGenerated != 3 {
		t.Errorf("ReadingsGenerated = %d, want 3", lg.ReadingsGenerated)
	}
}

func TestGenerationLogMatchesReadings(t *testing.T) {
	store, networkID := seedStore(t)
	cfg := cleanConfig()
	cfg.DataLossMean = 0.3
	cfg.DataLossVariance = 0.2
	s := newLoaded(t, store, networkID, cfg)

	for i := 0; i < 10; i++ {
		if err := s.runCycle(context.Background()); err != nil {
			t.Fatalf("runCycle: %v", err)
		}
	}

	total := 0
	for _, lg := range store.GenLogsSnapshot() {
		if lg.ReadingsGenerated != lg.JunctionsSelected+lg.PipesSelected+lg.TanksSelected {
			t.Errorf("log inconsistent: %d != %d+%d+%d", lg.ReadingsGenerated,
				lg.JunctionsSelected, lg.PipesSelected, lg.TanksSelected)
		}
		total += lg.ReadingsGenerated
	}
	if got := len(store.ReadingsSnapshot()); got != total {
		t.Errorf("stored %d readings, logs say %d", got, total)
	}
}

func TestNoiseStaysWithinBounds(t *testing.T) {
	store, networkID := seedStore(t)
	cfg := cleanConfig()
	cfg.PressureNoisePercent = 2
	cfg.FlowNoisePercent = 3
	cfg.LevelNoisePercent = 1
	s := newLoaded(t, store, networkID, cfg)

	for i := 0; i < 20; i++ {
		if err := s.runCycle(context.Background()); err != nil {
			t.Fatalf("runCycle: %v", err)
		}
	}

	bounds := map[domain.SensorKind]float64{
		domain.SensorPressure: 0.02,
		domain.SensorFlow:     0.03,
		domain.SensorLevel:    0.01,
	}
	for _, r := range store.ReadingsSnapshot() {
		// multiplier(12.0) = 1.0 so value = 10 * (1 + noise)
		lo, hi := 10*(1-bounds[r.SensorKind]), 10*(1+bounds[r.SensorKind])
		if r.Value < lo || r.Value > hi {
			t.Fatalf("%s value %v outside [%v, %v]", r.SensorID, r.Value, lo, hi)
		}
	}
}

func TestTransientStoreErrorSkipsCycle(t *testing.T) {
	store, networkID := seedStore(t)
	s := newLoaded(t, store, networkID, cleanConfig())

	store.FailInsertCycle = errors.New("database is locked")
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle with transient error should not fail the loop: %v", err)
	}
	if st := s.Status(); st.Error == "" {
		t.Error("status.Error not recorded after lost cycle")
	}

	store.FailInsertCycle = nil
	if err := s.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle after recovery: %v", err)
	}
	if st := s.Status(); st.Error != "" {
		t.Errorf("status.Error = %q after clean cycle, want empty", st.Error)
	}
	if got := len(store.ReadingsSnapshot()); got != 6 {
		t.Errorf("got %d readings, want 6 (first cycle lost)", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"interval too small", func(c *Config) { c.GenerationIntervalMinutes = 0.05 }, false},
		{"interval too large", func(c *Config) { c.GenerationIntervalMinutes = 2000 }, false},
		{"loss mean negative", func(c *Config) { c.DataLossMean = -0.1 }, false},
		{"loss mean above one", func(c *Config) { c.DataLossMean = 1.1 }, false},
		{"loss variance too large", func(c *Config) { c.DataLossVariance = 0.6 }, false},
		{"delay mean at max", func(c *Config) { c.DelayMean = 10; c.DelayMax = 10 }, false},
		{"delay mean above max", func(c *Config) { c.DelayMean = 11; c.DelayMax = 10 }, false},
		{"negative delay", func(c *Config) { c.DelayMean = -1 }, false},
		{"noise above 50", func(c *Config) { c.FlowNoisePercent = 51 }, false},
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

func TestStartLifecycle(t *testing.T) {
	store, networkID := seedStore(t)
	ctx := context.Background()

	s := New(store, rng.NewSeeded(1))
	if err := s.Start(ctx, networkID, cleanConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := s.Status(); st.State != domain.StateRunning {
		t.Errorf("state = %v, want running", st.State)
	}

	if err := s.Start(ctx, networkID, cleanConfig()); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := s.Status(); st.State != domain.StateStopped {
		t.Errorf("state after stop = %v, want stopped", st.State)
	}
	if err := s.Stop(); !errors.Is(err, domain.ErrNotRunning) {
		t.Errorf("second Stop = %v, want ErrNotRunning", err)
	}

	// start → stop → start reaches the same steady state.
	if err := s.Start(ctx, networkID, cleanConfig()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("final Stop: %v", err)
	}
}

func TestStartRejectsMissingBaseline(t *testing.T) {
	store, networkID := seedStore(t)
	n := store.Networks[networkID]
	n.BaselineComputedAt = time.Time{}
	store.Networks[networkID] = n

	s := New(store, rng.NewSeeded(1))
	err := s.Start(context.Background(), networkID, cleanConfig())
	if !errors.Is(err, domain.ErrBaselineMissing) {
		t.Fatalf("Start = %v, want ErrBaselineMissing", err)
	}
	if st := s.Status(); st.State != domain.StateStopped {
		t.Errorf("state after failed start = %v, want stopped", st.State)
	}
}

func TestStartRejectsUnknownNetwork(t *testing.T) {
	store, _ := seedStore(t)
	s := New(store, rng.NewSeeded(1))

	err := s.Start(context.Background(), uuid.New(), cleanConfig())
	if !errors.Is(err, domain.ErrNetworkNotFound) {
		t.Fatalf("Start = %v, want ErrNetworkNotFound", err)
	}
}
