// Package storetest provides an in-memory domain.Store for tests.
// Behavior mirrors the sqlite adapter: window semantics, ordering, atomic
// baseline replacement. Error injection hooks let loop tests exercise the
// skip-cycle and terminate paths.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hydrotwin/hydrotwin/internal/domain"
)

// Mem is an in-memory Store.
type Mem struct {
	mu sync.Mutex

	Networks  map[uuid.UUID]domain.Network
	Items     map[uuid.UUID][]domain.NetworkItem
	Baselines map[uuid.UUID]map[domain.BaselineKey]float64

	Readings  []domain.Reading
	GenLogs   []domain.GenerationLog
	Anomalies []domain.Anomaly
	Expected  []domain.ExpectedValue

	// Error injection: while set, the matching operation returns the error.
	FailInsertCycle    error
	FailInsertAnomaly  error
	FailInsertExpected error
	FailQueryReadings  error
}

// New returns an empty in-memory store.
func New() *Mem {
	return &Mem{
		Networks:  make(map[uuid.UUID]domain.Network),
		Items:     make(map[uuid.UUID][]domain.NetworkItem),
		Baselines: make(map[uuid.UUID]map[domain.BaselineKey]float64),
	}
}

var _ domain.Store = (*Mem)(nil)

func (m *Mem) UpsertNetwork(_ context.Context, n domain.Network) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Networks[n.ID] = n
	return nil
}

func (m *Mem) GetNetwork(_ context.Context, id uuid.UUID) (*domain.Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.Networks[id]
	if !ok {
		return nil, domain.ErrNetworkNotFound
	}
	cp := n
	return &cp, nil
}

func (m *Mem) ListNetworks(_ context.Context) ([]domain.Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Network, 0, len(m.Networks))
	for _, n := range m.Networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	return out, nil
}

func (m *Mem) InsertBaseline(_ context.Context, networkID uuid.UUID, items []domain.NetworkItem, baselines []domain.Baseline, computedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.Networks[networkID]
	if !ok {
		return domain.ErrNetworkNotFound
	}

	m.Items[networkID] = append([]domain.NetworkItem(nil), items...)
	bl := make(map[domain.BaselineKey]float64, len(baselines))
	for _, b := range baselines {
		bl[domain.BaselineKey{LocationID: b.LocationID, SensorKind: b.SensorKind}] = b.Value
	}
	m.Baselines[networkID] = bl

	n.BaselineComputedAt = computedAt
	m.Networks[networkID] = n
	return nil
}

func (m *Mem) QueryNetworkItems(_ context.Context, networkID uuid.UUID) ([]domain.NetworkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.NetworkItem(nil), m.Items[networkID]...), nil
}

func (m *Mem) QueryBaselines(_ context.Context, networkID uuid.UUID) (map[domain.BaselineKey]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.BaselineKey]float64, len(m.Baselines[networkID]))
	for k, v := range m.Baselines[networkID] {
		out[k] = v
	}
	return out, nil
}

func (m *Mem) InsertGenerationCycle(_ context.Context, readings []domain.Reading, logEntry domain.GenerationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailInsertCycle; err != nil {
		return err
	}
	m.Readings = append(m.Readings, readings...)
	m.GenLogs = append(m.GenLogs, logEntry)
	return nil
}

func (m *Mem) QueryReadings(_ context.Context, networkID uuid.UUID, after, until time.Time) ([]domain.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailQueryReadings; err != nil {
		return nil, err
	}
	var out []domain.Reading
	for _, r := range m.Readings {
		if r.NetworkID == networkID && r.Timestamp.After(after) && !r.Timestamp.After(until) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Mem) InsertAnomalies(_ context.Context, anomalies []domain.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailInsertAnomaly; err != nil {
		return err
	}
	m.Anomalies = append(m.Anomalies, anomalies...)
	return nil
}

func (m *Mem) InsertExpectedValues(_ context.Context, values []domain.ExpectedValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailInsertExpected; err != nil {
		return err
	}
	m.Expected = append(m.Expected, values...)
	return nil
}

func (m *Mem) QueryAnomalies(_ context.Context, networkID uuid.UUID, filter domain.AnomalyFilter) (*domain.AnomalyPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []domain.Anomaly
	for _, a := range m.Anomalies {
		if a.NetworkID != networkID {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if !filter.From.IsZero() && a.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && a.Timestamp.After(filter.To) {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	limit := filter.Limit
	if limit <= 0 || limit > domain.MaxAnomalyPageSize {
		limit = domain.MaxAnomalyPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	page := &domain.AnomalyPage{Total: len(matched), Limit: limit, Offset: offset}
	if offset < len(matched) {
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Anomalies = append([]domain.Anomaly(nil), matched[offset:end]...)
	}
	return page, nil
}

func (m *Mem) QueryExpectedValues(_ context.Context, networkID uuid.UUID, from, to time.Time) ([]domain.ExpectedValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ExpectedValue
	for _, v := range m.Expected {
		if v.NetworkID == networkID && !v.Timestamp.Before(from) && !v.Timestamp.After(to) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Mem) DeleteReadings(_ context.Context, networkID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.Reading
	var removed int64
	for _, r := range m.Readings {
		if r.NetworkID == networkID {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.Readings = kept
	return removed, nil
}

func (m *Mem) DeleteGenerationLogs(_ context.Context, networkID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.GenerationLog
	var removed int64
	for _, g := range m.GenLogs {
		if g.NetworkID == networkID {
			removed++
			continue
		}
		kept = append(kept, g)
	}
	m.GenLogs = kept
	return removed, nil
}

// ReadingsSnapshot returns a copy of all stored readings.
func (m *Mem) ReadingsSnapshot() []domain.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Reading(nil), m.Readings...)
}

// AnomaliesSnapshot returns a copy of all stored anomalies.
func (m *Mem) AnomaliesSnapshot() []domain.Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Anomaly(nil), m.Anomalies...)
}

// ExpectedSnapshot returns a copy of all stored expected values.
func (m *Mem) ExpectedSnapshot() []domain.ExpectedValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ExpectedValue(nil), m.Expected...)
}

// GenLogsSnapshot returns a copy of all stored generation logs.
func (m *Mem) GenLogsSnapshot() []domain.GenerationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.GenerationLog(nil), m.GenLogs...)
}
