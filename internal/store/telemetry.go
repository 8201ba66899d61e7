package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
)

// MaxRangeRows caps the number of rows returned by RangeSamples.
const MaxRangeRows = 10000

// InsertSamples commits a batch atomically. Samples for the same battery
// must already be ordered by the caller. A duplicate (battery, timestamp)
// fails the whole batch with Conflict; nothing is partially committed.
func (s *Store) InsertSamples(ctx context.Context, samples []models.TelemetrySample) error {
	const op = "store.insert_samples"
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO telemetry (battery_id, ts_ms, voltage_v, current_a, temperature_c, resistance_mohm, soc_pct, soh_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return classify(op, err)
	}
	defer stmt.Close()

	for i := range samples {
		m := &samples[i]
		if _, err := stmt.ExecContext(ctx, m.BatteryID, m.Timestamp.UnixMilli(),
			m.VoltageV, m.CurrentA, m.TemperatureC, m.ResistanceMO, m.SoCPct, m.SoHPct); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				detail := fmt.Sprintf("Duplicate sample for battery %s at %s",
					m.BatteryID, m.Timestamp.UTC().Format(time.RFC3339Nano))
				return apperrors.Wrap(apperrors.KindConflict, op, detail, err).WithEntity(m.BatteryID)
			}
			return classify(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}

	log.Debug().Int("count", len(samples)).Msg("Committed telemetry batch")
	return nil
}

// LatestSample returns the newest reading for a battery, or NotFound when
// the battery has no telemetry.
func (s *Store) LatestSample(ctx context.Context, batteryID string) (*models.TelemetrySample, error) {
	const op = "store.latest_sample"
	row := s.db.QueryRowContext(ctx, `
		SELECT battery_id, ts_ms, voltage_v, current_a, temperature_c, resistance_mohm, soc_pct, soh_pct
		FROM telemetry
		WHERE battery_id = ?
		ORDER BY ts_ms DESC
		LIMIT 1
	`, batteryID)

	sample, err := scanSample(row)
	if err != nil {
		return nil, classify(op, err)
	}
	return sample, nil
}

// RangeSamples returns samples oldest-first within [start, end],
// truncated at maxRows (clamped to MaxRangeRows).
func (s *Store) RangeSamples(ctx context.Context, batteryID string, start, end time.Time, maxRows int) ([]models.TelemetrySample, error) {
	const op = "store.range_samples"
	if maxRows <= 0 || maxRows > MaxRangeRows {
		maxRows = MaxRangeRows
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT battery_id, ts_ms, voltage_v, current_a, temperature_c, resistance_mohm, soc_pct, soh_pct
		FROM telemetry
		WHERE battery_id = ? AND ts_ms >= ? AND ts_ms <= ?
		ORDER BY ts_ms ASC
		LIMIT ?
	`, batteryID, start.UnixMilli(), end.UnixMilli(), maxRows)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var samples []models.TelemetrySample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		samples = append(samples, *sample)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return samples, nil
}

// RecentSamples returns up to maxRows newest samples for a battery,
// oldest-first. Used to rebuild evaluator windows on startup.
func (s *Store) RecentSamples(ctx context.Context, batteryID string, since time.Time, maxRows int) ([]models.TelemetrySample, error) {
	const op = "store.recent_samples"
	if maxRows <= 0 {
		maxRows = 128
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT battery_id, ts_ms, voltage_v, current_a, temperature_c, resistance_mohm, soc_pct, soh_pct
		FROM (
			SELECT * FROM telemetry
			WHERE battery_id = ? AND ts_ms >= ?
			ORDER BY ts_ms DESC
			LIMIT ?
		)
		ORDER BY ts_ms ASC
	`, batteryID, since.UnixMilli(), maxRows)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var samples []models.TelemetrySample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		samples = append(samples, *sample)
	}
	return samples, rows.Err()
}

// PruneTelemetry removes rows older than the retention cutoff. Runs
// outside the hot path.
func (s *Store) PruneTelemetry(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "store.prune_telemetry"
	res, err := s.db.ExecContext(ctx, `DELETE FROM telemetry WHERE ts_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, classify(op, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("Pruned expired telemetry")
	}
	return n, nil
}

// RunRetention prunes on a fixed cadence until the context is cancelled.
func (s *Store) RunRetention(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
			if _, err := s.PruneTelemetry(ctx, cutoff); err != nil {
				log.Error().Err(err).Msg("Telemetry retention sweep failed")
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (*models.TelemetrySample, error) {
	var m models.TelemetrySample
	var ts int64
	if err := row.Scan(&m.BatteryID, &ts, &m.VoltageV, &m.CurrentA,
		&m.TemperatureC, &m.ResistanceMO, &m.SoCPct, &m.SoHPct); err != nil {
		return nil, err
	}
	m.Timestamp = msToTime(ts)
	return &m, nil
}
