package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
)

// OpenAlert inserts a new open alert row. The partial unique index on
// (battery, kind) makes a duplicate open a Conflict; the evaluator treats
// that as a bug, not a condition to swallow.
func (s *Store) OpenAlert(ctx context.Context, a *models.Alert) error {
	const op = "store.open_alert"
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, battery_id, kind, severity, message, threshold, observed_value, triggered_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.BatteryID, a.Kind, a.Severity, a.Message, a.Threshold, a.ObservedValue, a.TriggeredAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.Wrap(apperrors.KindConflict, op,
				fmt.Sprintf("An open %s alert already exists for battery %s", a.Kind, a.BatteryID), err).WithEntity(a.BatteryID)
		}
		return classify(op, err)
	}
	return nil
}

// ResolveAlert closes an open alert. Resolving twice is a Conflict and
// leaves the row untouched.
func (s *Store) ResolveAlert(ctx context.Context, alertID string, resolvedAt time.Time) (*models.Alert, error) {
	const op = "store.resolve_alert"
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET resolved_at_ms = ? WHERE id = ? AND resolved_at_ms IS NULL
	`, resolvedAt.UnixMilli(), alertID)
	if err != nil {
		return nil, classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing from already resolved.
		if _, gerr := s.GetAlert(ctx, alertID); gerr != nil {
			return nil, gerr
		}
		return nil, apperrors.New(apperrors.KindConflict, op, "Alert has already been resolved").WithEntity(alertID)
	}
	return s.GetAlert(ctx, alertID)
}

// EscalateAlert raises the severity of an open alert in place, keeping
// the original trigger time. A resolved alert cannot be escalated.
func (s *Store) EscalateAlert(ctx context.Context, alertID string, severity models.Severity, observed float64) (*models.Alert, error) {
	const op = "store.escalate_alert"
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET severity = ?, observed_value = ? WHERE id = ? AND resolved_at_ms IS NULL
	`, severity, observed, alertID)
	if err != nil {
		return nil, classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := s.GetAlert(ctx, alertID); gerr != nil {
			return nil, gerr
		}
		return nil, apperrors.New(apperrors.KindConflict, op, "Alert has already been resolved").WithEntity(alertID)
	}
	return s.GetAlert(ctx, alertID)
}

// AcknowledgeAlert records who acknowledged the alert. Acknowledging
// twice is a Conflict; the original acknowledgement is preserved.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID, userID, note string, at time.Time) (*models.Alert, error) {
	const op = "store.acknowledge_alert"
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at_ms = ?, ack_note = ?
		WHERE id = ? AND acknowledged = 0
	`, userID, at.UnixMilli(), note, alertID)
	if err != nil {
		return nil, classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := s.GetAlert(ctx, alertID); gerr != nil {
			return nil, gerr
		}
		return nil, apperrors.New(apperrors.KindConflict, op, "Alert has already been acknowledged").WithEntity(alertID)
	}
	return s.GetAlert(ctx, alertID)
}

// GetAlert fetches one alert with its owning site resolved.
func (s *Store) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	const op = "store.get_alert"
	row := s.db.QueryRowContext(ctx, alertSelect+` WHERE a.id = ?`, alertID)
	a, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.KindNotFound, op, fmt.Sprintf("Alert %s not found", alertID)).WithEntity(alertID)
		}
		return nil, classify(op, err)
	}
	return a, nil
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	SiteID       string
	BatteryID    string
	Severity     models.Severity
	Kind         models.AlertKind
	ActiveOnly   bool
	Acknowledged *bool
	Start        *time.Time
	End          *time.Time
	Skip         int
	Limit        int
}

// ListAlerts returns alerts newest-first with the given filters.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error) {
	const op = "store.list_alerts"
	if filter.Limit <= 0 || filter.Limit > MaxListRows {
		filter.Limit = MaxListRows
	}
	if filter.Skip < 0 {
		filter.Skip = 0
	}

	var conds []string
	var args []any
	if filter.SiteID != "" {
		conds = append(conds, "sy.site_id = ?")
		args = append(args, filter.SiteID)
	}
	if filter.BatteryID != "" {
		conds = append(conds, "a.battery_id = ?")
		args = append(args, filter.BatteryID)
	}
	if filter.Severity != "" {
		conds = append(conds, "a.severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.Kind != "" {
		conds = append(conds, "a.kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.ActiveOnly {
		conds = append(conds, "a.resolved_at_ms IS NULL")
	}
	if filter.Acknowledged != nil {
		conds = append(conds, "a.acknowledged = ?")
		args = append(args, boolToInt(*filter.Acknowledged))
	}
	if filter.Start != nil {
		conds = append(conds, "a.triggered_at_ms >= ?")
		args = append(args, filter.Start.UnixMilli())
	}
	if filter.End != nil {
		conds = append(conds, "a.triggered_at_ms <= ?")
		args = append(args, filter.End.UnixMilli())
	}

	query := alertSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY a.triggered_at_ms DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// AlertStats aggregates alert counts over a trailing window.
func (s *Store) AlertStats(ctx context.Context, siteID string, days int) (*models.AlertStats, error) {
	const op = "store.alert_stats"
	if days < 1 {
		days = 1
	}
	if days > 365 {
		days = 365
	}
	since := time.Now().UTC().AddDate(0, 0, -days).UnixMilli()

	query := `
		SELECT a.kind, a.severity, a.resolved_at_ms IS NULL
		FROM alerts a
		JOIN batteries b ON b.id = a.battery_id
		JOIN strings st ON st.id = b.string_id
		JOIN systems sy ON sy.id = st.system_id
		WHERE a.triggered_at_ms >= ?
	`
	args := []any{since}
	if siteID != "" {
		query += ` AND sy.site_id = ?`
		args = append(args, siteID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	stats := &models.AlertStats{ByKind: make(map[string]int), WindowDays: days}
	for rows.Next() {
		var kind, severity string
		var open bool
		if err := rows.Scan(&kind, &severity, &open); err != nil {
			return nil, classify(op, err)
		}
		stats.Total++
		stats.ByKind[kind]++
		if open {
			stats.Open++
		}
		switch models.Severity(severity) {
		case models.SeverityCritical:
			stats.Critical++
		case models.SeverityWarning:
			stats.Warning++
		case models.SeverityInfo:
			stats.Info++
		}
	}
	return stats, rows.Err()
}

// OpenAlertsForBattery lists the open alerts for one battery.
func (s *Store) OpenAlertsForBattery(ctx context.Context, batteryID string) ([]models.Alert, error) {
	return s.ListAlerts(ctx, AlertFilter{BatteryID: batteryID, ActiveOnly: true})
}

// BatteriesWithOpenAlerts lists distinct battery ids with at least one
// open alert, used to rebuild evaluator windows on startup.
func (s *Store) BatteriesWithOpenAlerts(ctx context.Context) ([]string, error) {
	const op = "store.batteries_with_open_alerts"
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT battery_id FROM alerts WHERE resolved_at_ms IS NULL ORDER BY battery_id
	`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(op, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const alertSelect = `
	SELECT a.id, a.battery_id, COALESCE(sy.site_id, ''), a.kind, a.severity, a.message,
		a.threshold, a.observed_value, a.triggered_at_ms, a.resolved_at_ms,
		a.acknowledged, a.acknowledged_by, a.acknowledged_at_ms, a.ack_note
	FROM alerts a
	LEFT JOIN batteries b ON b.id = a.battery_id
	LEFT JOIN strings st ON st.id = b.string_id
	LEFT JOIN systems sy ON sy.id = st.system_id
`

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var triggered int64
	var resolved, ackAt sql.NullInt64
	var acked int
	if err := row.Scan(&a.ID, &a.BatteryID, &a.SiteID, &a.Kind, &a.Severity, &a.Message,
		&a.Threshold, &a.ObservedValue, &triggered, &resolved, &acked, &a.AcknowledgedBy, &ackAt, &a.AckNote); err != nil {
		return nil, err
	}
	a.TriggeredAt = msToTime(triggered)
	a.ResolvedAt = nullMsToTime(resolved)
	a.Acknowledged = acked != 0
	a.AcknowledgedAt = nullMsToTime(ackAt)
	return &a, nil
}
