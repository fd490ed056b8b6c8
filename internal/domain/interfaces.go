package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application services depend on them.

// Store abstracts persistent storage for networks, baselines, and the
// time-series tables. Implemented by infra/sqlite.DB; tests use an
// in-memory fake. Bulk operations accept whole batches and persist them in
// a single transaction.
type Store interface {
	// Networks
	UpsertNetwork(ctx context.Context, n Network) error
	GetNetwork(ctx context.Context, id uuid.UUID) (*Network, error)
	ListNetworks(ctx context.Context) ([]Network, error)

	// Baseline inventory. InsertBaseline writes items, baselines, and the
	// baseline_computed_at stamp atomically.
	InsertBaseline(ctx context.Context, networkID uuid.UUID, items []NetworkItem, baselines []Baseline, computedAt time.Time) error
	QueryNetworkItems(ctx context.Context, networkID uuid.UUID) ([]NetworkItem, error)
	QueryBaselines(ctx context.Context, networkID uuid.UUID) (map[BaselineKey]float64, error)

	// Time series
	InsertGenerationCycle(ctx context.Context, readings []Reading, logEntry GenerationLog) error
	QueryReadings(ctx context.Context, networkID uuid.UUID, after, until time.Time) ([]Reading, error)
	InsertAnomalies(ctx context.Context, anomalies []Anomaly) error
	InsertExpectedValues(ctx context.Context, values []ExpectedValue) error
	QueryAnomalies(ctx context.Context, networkID uuid.UUID, filter AnomalyFilter) (*AnomalyPage, error)
	QueryExpectedValues(ctx context.Context, networkID uuid.UUID, from, to time.Time) ([]ExpectedValue, error)

	// Maintenance
	DeleteReadings(ctx context.Context, networkID uuid.UUID) (int64, error)
	DeleteGenerationLogs(ctx context.Context, networkID uuid.UUID) (int64, error)
}

// Random is the seedable randomness source consumed by the simulator.
// All draws are deterministic for a fixed seed, which the tests rely on.
type Random interface {
	// Uniform returns a draw from U[lo, hi).
	Uniform(lo, hi float64) float64

	// Gaussian returns a draw from N(mean, std).
	Gaussian(mean, std float64) float64

	// TruncNormal returns a draw from N(mean, std) truncated to [lo, hi].
	TruncNormal(mean, std, lo, hi float64) float64

	// Sample returns k items drawn uniformly without replacement.
	// k > len(items) returns all items.
	Sample(items []string, k int) []string
}
