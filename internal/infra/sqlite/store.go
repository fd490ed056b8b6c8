package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hydrotwin/hydrotwin/internal/domain"
)

// DB implements domain.Store.
var _ domain.Store = (*DB)(nil)

// ─── Networks ───────────────────────────────────────────────────────────────

// UpsertNetwork inserts or updates a network record.
func (d *DB) UpsertNetwork(ctx context.Context, n domain.Network) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO networks (id, name, definition_path, uploaded_at, baseline_computed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			definition_path=excluded.definition_path`,
		n.ID.String(), n.Name, n.DefinitionPath,
		unixNanos(n.UploadedAt), nullableNanos(n.BaselineComputedAt),
	)
	return err
}

// GetNetwork retrieves a network by id. Returns ErrNetworkNotFound when
// absent.
func (d *DB) GetNetwork(ctx context.Context, id uuid.UUID) (*domain.Network, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, name, definition_path, uploaded_at, baseline_computed_at
		 FROM networks WHERE id = ?`, id.String(),
	)
	n, err := scanNetwork(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNetworkNotFound
	}
	return n, err
}

// ListNetworks returns all networks ordered by upload time descending.
func (d *DB) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, definition_path, uploaded_at, baseline_computed_at
		 FROM networks ORDER BY uploaded_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var networks []domain.Network
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, err
		}
		networks = append(networks, *n)
	}
	return networks, rows.Err()
}

func scanNetwork(s scanner) (*domain.Network, error) {
	var n domain.Network
	var id string
	var uploaded int64
	var baseline sql.NullInt64

	if err := s.Scan(&id, &n.Name, &n.DefinitionPath, &uploaded, &baseline); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: bad network id %q", domain.ErrStoreFatal, id)
	}
	n.ID = parsed
	n.UploadedAt = fromNanos(uploaded)
	if baseline.Valid {
		n.BaselineComputedAt = fromNanos(baseline.Int64)
	}
	return &n, nil
}

// ─── Baseline Inventory ─────────────────────────────────────────────────────

// InsertBaseline writes the network's item inventory, baseline values, and
// the baseline_computed_at stamp in a single transaction. Existing rows for
// the network are replaced, which makes an explicit recompute idempotent.
func (d *DB) InsertBaseline(ctx context.Context, networkID uuid.UUID, items []domain.NetworkItem, baselines []domain.Baseline, computedAt time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	nid := networkID.String()
	if _, err := tx.ExecContext(ctx, `DELETE FROM network_items WHERE network_id = ?`, nid); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM baseline_data WHERE network_id = ?`, nid); err != nil {
		return err
	}

	for _, it := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO network_items (network_id, item_kind, item_id) VALUES (?, ?, ?)`,
			nid, string(it.Kind), it.ItemID,
		); err != nil {
			return err
		}
	}
	for _, b := range baselines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO baseline_data (network_id, location_id, location_kind, sensor_kind, baseline_value)
			 VALUES (?, ?, ?, ?, ?)`,
			nid, b.LocationID, string(b.LocationKind), string(b.SensorKind), b.Value,
		); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE networks SET baseline_computed_at = ? WHERE id = ?`,
		unixNanos(computedAt), nid,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNetworkNotFound
	}

	return tx.Commit()
}

// QueryNetworkItems returns the item inventory for a network.
func (d *DB) QueryNetworkItems(ctx context.Context, networkID uuid.UUID) ([]domain.NetworkItem, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT network_id, item_kind, item_id FROM network_items
		 WHERE network_id = ? ORDER BY item_kind, item_id`,
		networkID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.NetworkItem
	for rows.Next() {
		var it domain.NetworkItem
		var nid, kind string
		if err := rows.Scan(&nid, &kind, &it.ItemID); err != nil {
			return nil, err
		}
		it.NetworkID = networkID
		it.Kind = domain.ItemKind(kind)
		items = append(items, it)
	}
	return items, rows.Err()
}

// QueryBaselines returns the baseline map for a network.
func (d *DB) QueryBaselines(ctx context.Context, networkID uuid.UUID) (map[domain.BaselineKey]float64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT location_id, sensor_kind, baseline_value FROM baseline_data
		 WHERE network_id = ?`,
		networkID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.BaselineKey]float64)
	for rows.Next() {
		var loc, kind string
		var v float64
		if err := rows.Scan(&loc, &kind, &v); err != nil {
			return nil, err
		}
		out[domain.BaselineKey{LocationID: loc, SensorKind: domain.SensorKind(kind)}] = v
	}
	return out, rows.Err()
}

// ─── Time Series ────────────────────────────────────────────────────────────

// InsertGenerationCycle persists one simulator cycle: all readings plus the
// matching generation log row, atomically. Partial cycles are never
// observable.
func (d *DB) InsertGenerationCycle(ctx context.Context, readings []domain.Reading, logEntry domain.GenerationLog) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO scada_readings (network_id, timestamp, sensor_id, sensor_kind, value, location_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx,
			r.NetworkID.String(), unixNanos(r.Timestamp), r.SensorID,
			string(r.SensorKind), r.Value, r.LocationID,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scada_generation_logs
		 (network_id, generated_at, readings_generated, junctions_selected, pipes_selected, tanks_selected)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		logEntry.NetworkID.String(), unixNanos(logEntry.GeneratedAt),
		logEntry.ReadingsGenerated, logEntry.JunctionsSelected,
		logEntry.PipesSelected, logEntry.TanksSelected,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// QueryReadings returns readings with after < timestamp <= until, ordered by
// timestamp ascending.
func (d *DB) QueryReadings(ctx context.Context, networkID uuid.UUID, after, until time.Time) ([]domain.Reading, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT timestamp, sensor_id, sensor_kind, value, location_id
		 FROM scada_readings
		 WHERE network_id = ? AND timestamp > ? AND timestamp <= ?
		 ORDER BY timestamp ASC`,
		networkID.String(), unixNanos(after), unixNanos(until),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []domain.Reading
	for rows.Next() {
		var r domain.Reading
		var ts int64
		var kind string
		if err := rows.Scan(&ts, &r.SensorID, &kind, &r.Value, &r.LocationID); err != nil {
			return nil, err
		}
		r.NetworkID = networkID
		r.Timestamp = fromNanos(ts)
		r.SensorKind = domain.SensorKind(kind)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// InsertAnomalies bulk-inserts anomalies in one transaction.
func (d *DB) InsertAnomalies(ctx context.Context, anomalies []domain.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO anomalies
		 (network_id, timestamp, sensor_id, sensor_kind, location_id,
		  actual_value, expected_value, deviation_percent, threshold_percent, severity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range anomalies {
		if _, err := stmt.ExecContext(ctx,
			a.NetworkID.String(), unixNanos(a.Timestamp), a.SensorID,
			string(a.SensorKind), a.LocationID, a.Actual, a.Expected,
			a.DeviationPercent, a.ThresholdPercent, string(a.Severity),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertExpectedValues bulk-inserts expected values in one transaction.
func (d *DB) InsertExpectedValues(ctx context.Context, values []domain.ExpectedValue) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO expected_values
		 (network_id, timestamp, location_id, sensor_kind, expected_value, eps_hour)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range values {
		if _, err := stmt.ExecContext(ctx,
			v.NetworkID.String(), unixNanos(v.Timestamp), v.LocationID,
			string(v.SensorKind), v.Value, v.EPSHour,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryAnomalies returns one page of anomalies, newest first, plus the total
// match count for pagination.
func (d *DB) QueryAnomalies(ctx context.Context, networkID uuid.UUID, filter domain.AnomalyFilter) (*domain.AnomalyPage, error) {
	where := []string{"network_id = ?"}
	args := []any{networkID.String()}

	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if !filter.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, unixNanos(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, unixNanos(filter.To))
	}
	cond := strings.Join(where, " AND ")

	limit := filter.Limit
	if limit <= 0 || limit > domain.MaxAnomalyPageSize {
		limit = domain.MaxAnomalyPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomalies WHERE `+cond, args...,
	).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT timestamp, sensor_id, sensor_kind, location_id,
		        actual_value, expected_value, deviation_percent, threshold_percent, severity
		 FROM anomalies WHERE `+cond+`
		 ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &domain.AnomalyPage{Total: total, Limit: limit, Offset: offset}
	for rows.Next() {
		var a domain.Anomaly
		var ts int64
		var kind, severity string
		if err := rows.Scan(&ts, &a.SensorID, &kind, &a.LocationID,
			&a.Actual, &a.Expected, &a.DeviationPercent, &a.ThresholdPercent, &severity); err != nil {
			return nil, err
		}
		a.NetworkID = networkID
		a.Timestamp = fromNanos(ts)
		a.SensorKind = domain.SensorKind(kind)
		a.Severity = domain.Severity(severity)
		page.Anomalies = append(page.Anomalies, a)
	}
	return page, rows.Err()
}

// QueryExpectedValues returns expected values with from <= timestamp <= to.
func (d *DB) QueryExpectedValues(ctx context.Context, networkID uuid.UUID, from, to time.Time) ([]domain.ExpectedValue, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT timestamp, location_id, sensor_kind, expected_value, eps_hour
		 FROM expected_values
		 WHERE network_id = ? AND timestamp >= ? AND timestamp <= ?
		 ORDER BY timestamp ASC`,
		networkID.String(), unixNanos(from), unixNanos(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []domain.ExpectedValue
	for rows.Next() {
		var v domain.ExpectedValue
		var ts int64
		var kind string
		if err := rows.Scan(&ts, &v.LocationID, &kind, &v.Value, &v.EPSHour); err != nil {
			return nil, err
		}
		v.NetworkID = networkID
		v.Timestamp = fromNanos(ts)
		v.SensorKind = domain.SensorKind(kind)
		values = append(values, v)
	}
	return values, rows.Err()
}

// ─── Maintenance ────────────────────────────────────────────────────────────

// DeleteReadings removes all readings for a network. Returns rows deleted.
func (d *DB) DeleteReadings(ctx context.Context, networkID uuid.UUID) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM scada_readings WHERE network_id = ?`, networkID.String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteGenerationLogs removes all generation logs for a network.
func (d *DB) DeleteGenerationLogs(ctx context.Context, networkID uuid.UUID) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM scada_generation_logs WHERE network_id = ?`, networkID.String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeBefore deletes time-series rows older than cutoff across all
// networks: readings, generation logs, and expected values. Anomalies are
// the system of record and are kept. Used by the retention job.
func (d *DB) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ns := unixNanos(cutoff)
	var removed int64
	for _, q := range []string{
		`DELETE FROM scada_readings WHERE timestamp < ?`,
		`DELETE FROM scada_generation_logs WHERE generated_at < ?`,
		`DELETE FROM expected_values WHERE timestamp < ?`,
	} {
		res, err := d.db.ExecContext(ctx, q, ns)
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}
