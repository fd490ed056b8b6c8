// Package baseline produces and serves per-location baseline values.
// The baseline solve runs once per network: it enumerates the network's
// junctions, pipes, and tanks, runs a single complete hydraulic solve, and
// persists one baseline value per (location, applicable sensor kind).
package baseline

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/hydrotwin/hydrotwin/internal/domain"
	"github.com/hydrotwin/hydrotwin/internal/infra/engine"
)

// Registry computes and retrieves network baselines.
type Registry struct {
	store   domain.Store
	backend engine.Backend
	clock   domain.Clock
}

// Summary reports what a baseline computation produced.
type Summary struct {
	NetworkID     uuid.UUID `json:"network_id"`
	ItemCount     int       `json:"items_count"`
	BaselineCount int       `json:"baseline_count"`
}

// NewRegistry creates a baseline registry.
func NewRegistry(store domain.Store, backend engine.Backend) *Registry {
	return &Registry{store: store, backend: backend, clock: domain.SystemClock{}}
}

// SetClock substitutes the time source; used by tests.
func (r *Registry) SetClock(c domain.Clock) { r.clock = c }

// Compute runs the baseline solve for a network and persists the item
// inventory, baseline values, and the baseline_computed_at stamp in one
// transaction. A second call fails with ErrBaselineAlreadyComputed unless
// force is set; force replaces the previous inventory.
func (r *Registry) Compute(ctx context.Context, networkID uuid.UUID, force bool) (*Summary, error) {
	network, err := r.store.GetNetwork(ctx, networkID)
	if err != nil {
		return nil, err
	}
	if network.HasBaseline() && !force {
		return nil, fmt.Errorf("%w: network %s", domain.ErrBaselineAlreadyComputed, networkID)
	}

	definition, err := os.ReadFile(network.DefinitionPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read definition: %v", domain.ErrEngineLoad, err)
	}

	eng, err := r.backend.Load(definition)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	if err := eng.SolveComplete(); err != nil {
		return nil, fmt.Errorf("baseline solve: %w", err)
	}

	items, baselines := collect(networkID, eng)
	if err := r.store.InsertBaseline(ctx, networkID, items, baselines, r.clock.Now()); err != nil {
		return nil, fmt.Errorf("persist baseline: %w", err)
	}

	log.Printf("[baseline] computed for network %s: %d items, %d baseline values",
		networkID, len(items), len(baselines))

	return &Summary{NetworkID: networkID, ItemCount: len(items), BaselineCount: len(baselines)}, nil
}

// collect enumerates items and derives their baseline rows from the solved
// engine state.
func collect(networkID uuid.UUID, eng engine.Engine) ([]domain.NetworkItem, []domain.Baseline) {
	pressures := eng.Pressures()
	flows := eng.Flows()
	levels := eng.TankInitialLevels()
	elevations := eng.Elevations()

	var items []domain.NetworkItem
	var baselines []domain.Baseline

	for _, id := range eng.Junctions() {
		items = append(items, domain.NetworkItem{NetworkID: networkID, Kind: domain.ItemJunction, ItemID: id})
		if p, ok := pressures[id]; ok {
			baselines = append(baselines, domain.Baseline{
				NetworkID: networkID, LocationID: id,
				LocationKind: domain.ItemJunction, SensorKind: domain.SensorPressure, Value: p,
			})
		}
	}

	for _, id := range eng.Tanks() {
		items = append(items, domain.NetworkItem{NetworkID: networkID, Kind: domain.ItemTank, ItemID: id})
		pressure, hasPressure := pressures[id]
		if hasPressure {
			baselines = append(baselines, domain.Baseline{
				NetworkID: networkID, LocationID: id,
				LocationKind: domain.ItemTank, SensorKind: domain.SensorPressure, Value: pressure,
			})
		}

		// Level fallback chain: reported initial level, then elevation,
		// then the pressure value. The chain is part of the contract.
		level, ok := levels[id]
		if !ok {
			level, ok = elevations[id]
		}
		if !ok && hasPressure {
			level, ok = pressure, true
		}
		if ok {
			baselines = append(baselines, domain.Baseline{
				NetworkID: networkID, LocationID: id,
				LocationKind: domain.ItemTank, SensorKind: domain.SensorLevel, Value: level,
			})
		}
	}

	for _, id := range eng.Pipes() {
		items = append(items, domain.NetworkItem{NetworkID: networkID, Kind: domain.ItemPipe, ItemID: id})
		if f, ok := flows[id]; ok {
			baselines = append(baselines, domain.Baseline{
				NetworkID: networkID, LocationID: id,
				LocationKind: domain.ItemPipe, SensorKind: domain.SensorFlow, Value: f,
			})
		}
	}

	return items, baselines
}

// Baselines returns the baseline map for a network.
func (r *Registry) Baselines(ctx context.Context, networkID uuid.UUID) (map[domain.BaselineKey]float64, error) {
	return r.store.QueryBaselines(ctx, networkID)
}

// Items returns the item inventory for a network.
func (r *Registry) Items(ctx context.Context, networkID uuid.UUID) ([]domain.NetworkItem, error) {
	return r.store.QueryNetworkItems(ctx, networkID)
}
