// Package simulator generates synthetic SCADA telemetry for a network.
// The service runs as a single background loop: each cycle it selects a
// random subset of the network's items (sample-loss modeling), synthesizes
// one reading per selected item from its baseline, the diurnal pattern, and
// per-kind noise, stamps each reading into the past with a truncated-normal
// transmission delay, and bulk-persists the cycle atomically with its
// generation log.
//
// The simulator and the monitor are completely separate: they share only
// the store. Neither holds a reference to the other.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hydrotwin/hydrotwin/internal/app/pattern"
	"github.com/hydrotwin/hydrotwin/internal/domain"
	"github.com/hydrotwin/hydrotwin/internal/infra/metrics"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config holds the simulator's per-run options.
type Config struct {
	GenerationIntervalMinutes float64 `json:"generation_interval_minutes"`

	// DataLossMean is the expected fraction of items dropped per cycle,
	// drawn independently per item kind. DataLossVariance is the std-dev of
	// the Gaussian draw around the mean; the draw is clamped to [0, 1].
	DataLossMean     float64 `json:"data_loss_mean"`
	DataLossVariance float64 `json:"data_loss_variance"`

	// Transmission delay distribution, minutes. Sampled from a truncated
	// normal on [0, DelayMax]; DelayMean must be below DelayMax.
	DelayMean float64 `json:"delay_mean"`
	DelayStd  float64 `json:"delay_std_dev"`
	DelayMax  float64 `json:"delay_max"`

	// Per-sensor-kind noise amplitude, percent (uniform ±p%).
	PressureNoisePercent float64 `json:"pressure_noise_percent"`
	FlowNoisePercent     float64 `json:"flow_noise_percent"`
	LevelNoisePercent    float64 `json:"tank_level_noise_percent"`
}

// DefaultConfig returns the stock simulation parameters.
func DefaultConfig() Config {
	return Config{
		GenerationIntervalMinutes: 5.0,
		DataLossMean:              0.10,
		DataLossVariance:          0.05,
		DelayMean:                 2.5,
		DelayStd:                  2.0,
		DelayMax:                  10.0,
		PressureNoisePercent:      2.0,
		FlowNoisePercent:          3.0,
		LevelNoisePercent:         1.0,
	}
}

// Validate checks all option ranges.
func (c Config) Validate() error {
	switch {
	case c.GenerationIntervalMinutes < 0.1 || c.GenerationIntervalMinutes > 1440:
		return fmt.Errorf("%w: generation_interval_minutes %v outside [0.1, 1440]", domain.ErrInvalidConfig, c.GenerationIntervalMinutes)
	case c.DataLossMean < 0 || c.DataLossMean > 1:
		return fmt.Errorf("%w: data_loss_mean %v outside [0, 1]", domain.ErrInvalidConfig, c.DataLossMean)
	case c.DataLossVariance < 0 || c.DataLossVariance > 0.5:
		return fmt.Errorf("%w: data_loss_variance %v outside [0, 0.5]", domain.ErrInvalidConfig, c.DataLossVariance)
	case c.DelayMean < 0 || c.DelayStd < 0 || c.DelayMax < 0:
		return fmt.Errorf("%w: delay parameters must be non-negative", domain.ErrInvalidConfig)
	case c.DelayMean >= c.DelayMax:
		return fmt.Errorf("%w: delay_mean %v must be less than delay_max %v", domain.ErrInvalidConfig, c.DelayMean, c.DelayMax)
	case !validNoise(c.PressureNoisePercent) || !validNoise(c.FlowNoisePercent) || !validNoise(c.LevelNoisePercent):
		return fmt.Errorf("%w: noise percents must be within [0, 50]", domain.ErrInvalidConfig)
	}
	return nil
}

func validNoise(p float64) bool { return p >= 0 && p <= 50 }

func (c Config) interval() time.Duration {
	return time.Duration(c.GenerationIntervalMinutes * float64(time.Minute))
}

// noiseFor returns the noise amplitude for a sensor kind.
func (c Config) noiseFor(kind domain.SensorKind) float64 {
	switch kind {
	case domain.SensorFlow:
		return c.FlowNoisePercent
	case domain.SensorLevel:
		return c.LevelNoisePercent
	default:
		return c.PressureNoisePercent
	}
}

// ─── Service ────────────────────────────────────────────────────────────────

// generatedKind maps the item kind to the sensor kind the simulator emits
// for it. Tanks report level; tank pressure is a monitor-side derivation.
var generatedKind = map[domain.ItemKind]domain.SensorKind{
	domain.ItemJunction: domain.SensorPressure,
	domain.ItemPipe:     domain.SensorFlow,
	domain.ItemTank:     domain.SensorLevel,
}

// Service is the SCADA simulator. One instance runs per process; Start
// enforces the singleton.
type Service struct {
	store domain.Store
	rng   domain.Random
	clock domain.Clock

	mu     sync.Mutex
	cfg    Config
	status domain.SimulatorStatus
	cancel context.CancelFunc
	done   chan struct{}

	// Loaded at start; owned by the background task afterwards.
	items     map[domain.ItemKind][]string
	baselines map[domain.BaselineKey]float64
}

// New creates a stopped simulator.
func New(store domain.Store, rng domain.Random) *Service {
	return &Service{
		store: store,
		rng:   rng,
		clock: domain.SystemClock{},
		status: domain.SimulatorStatus{
			State: domain.StateStopped,
		},
	}
}

// SetClock substitutes the time source; used by tests.
func (s *Service) SetClock(c domain.Clock) { s.clock = c }

// Start validates the configuration, loads the network's baseline and item
// inventory, and launches the generation loop. Fails with ErrAlreadyRunning
// if a loop is active, ErrNetworkNotFound / ErrBaselineMissing for bad
// networks, and ErrInvalidConfig for out-of-range options.
func (s *Service) Start(ctx context.Context, networkID uuid.UUID, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State == domain.StateRunning || s.status.State == domain.StateStarting {
		return domain.ErrAlreadyRunning
	}

	s.status = domain.SimulatorStatus{State: domain.StateStarting, NetworkID: networkID}

	network, err := s.store.GetNetwork(ctx, networkID)
	if err != nil {
		s.status.State = domain.StateStopped
		return err
	}
	if !network.HasBaseline() {
		s.status.State = domain.StateStopped
		return fmt.Errorf("%w: network %s", domain.ErrBaselineMissing, networkID)
	}

	if err := s.loadNetworkData(ctx, networkID); err != nil {
		s.status.State = domain.StateStopped
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.cfg = cfg
	s.status.State = domain.StateRunning
	s.status.StartedAt = s.clock.Now()

	go s.run(loopCtx)

	log.Printf("[simulator] started for network %s (interval %.1fm, loss %.2f±%.2f)",
		networkID, cfg.GenerationIntervalMinutes, cfg.DataLossMean, cfg.DataLossVariance)
	return nil
}

// loadNetworkData reads the item inventory and baseline map. Called with
// s.mu held, before the loop exists.
func (s *Service) loadNetworkData(ctx context.Context, networkID uuid.UUID) error {
	items, err := s.store.QueryNetworkItems(ctx, networkID)
	if err != nil {
		return fmt.Errorf("load network items: %w", err)
	}
	byKind := make(map[domain.ItemKind][]string)
	for _, it := range items {
		byKind[it.Kind] = append(byKind[it.Kind], it.ItemID)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: network %s has no items", domain.ErrBaselineMissing, networkID)
	}

	baselines, err := s.store.QueryBaselines(ctx, networkID)
	if err != nil {
		return fmt.Errorf("load baselines: %w", err)
	}
	if len(baselines) == 0 {
		return fmt.Errorf("%w: network %s has no baseline values", domain.ErrBaselineMissing, networkID)
	}

	s.items = byKind
	s.baselines = baselines

	log.Printf("[simulator] loaded network data: %d junctions, %d pipes, %d tanks, %d baseline values",
		len(byKind[domain.ItemJunction]), len(byKind[domain.ItemPipe]), len(byKind[domain.ItemTank]), len(baselines))
	return nil
}

// Stop cancels the generation loop and waits for it to exit.
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
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	log.Printf("[simulator] stopped")
	return nil
}

// Status returns a snapshot of the simulator's state.
func (s *Service) Status() domain.SimulatorStatus {
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

// ─── Generation Loop ────────────────────────────────────────────────────────

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.interval())
	defer ticker.Stop()

	for {
		if err := s.runCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Unrecoverable: record and leave the loop.
			s.mu.Lock()
			s.status.State = domain.StateError
			s.status.Error = err.Error()
			s.mu.Unlock()
			log.Printf("[simulator] fatal: %v", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCycle generates and persists one cycle of readings. Transient store
// failures are recorded in status and swallowed (the cycle is lost, no
// retry); only fatal store errors and cancellation propagate.
func (s *Service) runCycle(ctx context.Context) error {
	start := s.clock.Now()
	hour := domain.HourOfDay(start)
	cycleStart := time.Now()

	selected := map[domain.ItemKind][]string{}
	for _, kind := range []domain.ItemKind{domain.ItemJunction, domain.ItemPipe, domain.ItemTank} {
		selected[kind] = s.selectItems(kind)
	}

	var readings []domain.Reading
	for _, kind := range []domain.ItemKind{domain.ItemJunction, domain.ItemPipe, domain.ItemTank} {
		sensorKind := generatedKind[kind]
		for _, itemID := range selected[kind] {
			r, ok := s.generateReading(itemID, sensorKind, hour, start)
			if !ok {
				continue // no baseline for this item (I1: drop at generation time)
			}
			readings = append(readings, r)
		}
	}

	logEntry := domain.GenerationLog{
		NetworkID:         s.status.NetworkID,
		GeneratedAt:       start,
		ReadingsGenerated: len(readings),
		JunctionsSelected: len(selected[domain.ItemJunction]),
		PipesSelected:     len(selected[domain.ItemPipe]),
		TanksSelected:     len(selected[domain.ItemTank]),
	}

	if err := s.store.InsertGenerationCycle(ctx, readings, logEntry); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrStoreFatal) {
			return err
		}
		// Transient: the cycle is lost, the loop continues.
		log.Printf("[simulator] cycle persist failed (skipping cycle): %v", err)
		s.mu.Lock()
		s.status.Error = fmt.Sprintf("cycle error: %v", err)
		s.mu.Unlock()
		metrics.SimulatorCycleErrors.Inc()
		return nil
	}

	s.mu.Lock()
	s.status.LastGeneration = start
	s.status.TotalReadings += int64(len(readings))
	s.status.LastCycle = domain.CycleStats{
		JunctionsSelected: logEntry.JunctionsSelected,
		PipesSelected:     logEntry.PipesSelected,
		TanksSelected:     logEntry.TanksSelected,
		ReadingsGenerated: logEntry.ReadingsGenerated,
	}
	s.status.Error = ""
	s.mu.Unlock()

	metrics.ReadingsGenerated.Add(float64(len(readings)))
	metrics.SimulatorCycleDuration.Observe(time.Since(cycleStart).Seconds())

	log.Printf("[simulator] generated %d readings: %d junctions, %d pipes, %d tanks",
		len(readings), logEntry.JunctionsSelected, logEntry.PipesSelected, logEntry.TanksSelected)
	return nil
}

// selectItems draws this cycle's surviving items of one kind: a Gaussian
// loss fraction around the configured mean, clamped to [0, 1], with at
// least one item kept whenever the kind is populated.
func (s *Service) selectItems(kind domain.ItemKind) []string {
	all := s.items[kind]
	if len(all) == 0 {
		return nil
	}

	loss := s.rng.Gaussian(s.cfg.DataLossMean, s.cfg.DataLossVariance)
	if loss < 0 {
		loss = 0
	}
	if loss > 1 {
		loss = 1
	}
	keep := 1.0 - loss

	n := int(float64(len(all)) * keep)
	if n < 1 {
		n = 1
	}
	return s.rng.Sample(all, n)
}

// generateReading synthesizes one reading:
// value = baseline × multiplier(hour) × (1 + noise), stamped
// delay minutes in the past.
func (s *Service) generateReading(itemID string, kind domain.SensorKind, hour float64, start time.Time) (domain.Reading, bool) {
	baseline, ok := s.baselines[domain.BaselineKey{LocationID: itemID, SensorKind: kind}]
	if !ok {
		return domain.Reading{}, false
	}

	p := s.cfg.noiseFor(kind)
	noise := s.rng.Uniform(-p/100.0, p/100.0)
	value := baseline * pattern.Multiplier(hour) * (1 + noise)

	delayMinutes := s.rng.TruncNormal(s.cfg.DelayMean, s.cfg.DelayStd, 0, s.cfg.DelayMax)

	return domain.Reading{
		NetworkID:  s.status.NetworkID,
		SensorID:   domain.SensorID(kind, itemID),
		SensorKind: kind,
		LocationID: itemID,
		Value:      value,
		Timestamp:  start.Add(-time.Duration(delayMinutes * float64(time.Minute))),
	}, true
}
