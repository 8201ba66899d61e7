package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
)

// MaxListRows caps offset+limit pagination on relational list endpoints.
const MaxListRows = 1000

// CreateSite inserts a site. IDs are opaque strings of at most 50
// characters, assigned administratively.
func (s *Store) CreateSite(ctx context.Context, site *models.Site) error {
	const op = "store.create_site"
	if site.ID == "" || len(site.ID) > 50 {
		return apperrors.New(apperrors.KindValidation, op, "location_id must be a non-empty string of at most 50 characters")
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (id, name, region, latitude, longitude, temp_offset_c, humidity_offset, outages_per_year, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, site.ID, site.Name, site.Region, site.Latitude, site.Longitude,
		site.TempOffsetC, site.HumidityOffset, site.OutagesPerYear, site.CreatedAt.UnixMilli())
	return classify(op, err)
}

// GetSite fetches one site by id.
func (s *Store) GetSite(ctx context.Context, id string) (*models.Site, error) {
	const op = "store.get_site"
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, region, latitude, longitude, temp_offset_c, humidity_offset, outages_per_year, created_at_ms
		FROM sites WHERE id = ?
	`, id)

	site, err := scanSite(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.KindNotFound, op, fmt.Sprintf("Location %s not found", id)).WithEntity(id)
		}
		return nil, classify(op, err)
	}
	return site, nil
}

// ListSites returns all sites, optionally joined with lazily computed
// per-site aggregates.
func (s *Store) ListSites(ctx context.Context, withStats bool) ([]models.SiteWithStats, error) {
	const op = "store.list_sites"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, region, latitude, longitude, temp_offset_c, humidity_offset, outages_per_year, created_at_ms
		FROM sites ORDER BY id
	`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var sites []models.SiteWithStats
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		sites = append(sites, models.SiteWithStats{Site: *site})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}

	if withStats {
		for i := range sites {
			stats, err := s.siteStats(ctx, sites[i].ID)
			if err != nil {
				return nil, err
			}
			sites[i].Stats = stats
		}
	}
	return sites, nil
}

// siteStats computes the per-site aggregate in SQL on demand.
func (s *Store) siteStats(ctx context.Context, siteID string) (*models.SiteStats, error) {
	const op = "store.site_stats"
	stats := &models.SiteStats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN b.status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.soh_pct < 80 THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(t.soh_pct), 0)
		FROM batteries b
		JOIN strings st ON st.id = b.string_id
		JOIN systems sy ON sy.id = st.system_id
		LEFT JOIN (
			SELECT battery_id, soh_pct,
				ROW_NUMBER() OVER (PARTITION BY battery_id ORDER BY ts_ms DESC) AS rn
			FROM telemetry
		) t ON t.battery_id = b.id AND t.rn = 1
		WHERE sy.site_id = ?
	`, siteID).Scan(&stats.TotalBatteries, &stats.ActiveBatteries, &stats.DegradedBatteries, &stats.MeanSoH)
	if err != nil {
		return nil, classify(op, err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM alerts a
		JOIN batteries b ON b.id = a.battery_id
		JOIN strings st ON st.id = b.string_id
		JOIN systems sy ON sy.id = st.system_id
		WHERE sy.site_id = ? AND a.resolved_at_ms IS NULL
	`, siteID).Scan(&stats.OpenAlerts)
	if err != nil {
		return nil, classify(op, err)
	}
	return stats, nil
}

// CreateSystem inserts a power system under a site.
func (s *Store) CreateSystem(ctx context.Context, sys *models.System) error {
	const op = "store.create_system"
	if sys.InstalledAt.IsZero() {
		sys.InstalledAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO systems (id, site_id, kind, rated_power_w, installed_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, sys.ID, sys.SiteID, sys.Kind, sys.RatedPowerW, sys.InstalledAt.UnixMilli())
	return classify(op, err)
}

// CreateString inserts a battery string under a system.
func (s *Store) CreateString(ctx context.Context, str *models.BatteryString) error {
	const op = "store.create_string"
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strings (id, system_id, position, battery_count, nominal_voltage_v)
		VALUES (?, ?, ?, ?, ?)
	`, str.ID, str.SystemID, str.Position, str.BatteryCount, str.NominalVoltageV)
	return classify(op, err)
}

// CreateBattery inserts a battery under a string.
func (s *Store) CreateBattery(ctx context.Context, b *models.Battery) error {
	const op = "store.create_battery"
	if b.Status == "" {
		b.Status = models.BatteryActive
	}
	if b.InstalledAt.IsZero() {
		b.InstalledAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batteries (id, string_id, position, manufacturer, model, serial_number,
			nominal_voltage_v, nominal_capacity_ah, installed_at_ms, warranty_months, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.StringID, b.Position, b.Manufacturer, b.Model, b.SerialNumber,
		b.NominalVoltageV, b.NominalCapacity, b.InstalledAt.UnixMilli(), b.WarrantyMonths, b.Status)
	return classify(op, err)
}

// UpdateBatteryStatus transitions the operational status. Batteries are
// never hard-deleted.
func (s *Store) UpdateBatteryStatus(ctx context.Context, batteryID string, status models.BatteryOpStatus) error {
	const op = "store.update_battery_status"
	res, err := s.db.ExecContext(ctx, `UPDATE batteries SET status = ? WHERE id = ?`, status, batteryID)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindNotFound, op, fmt.Sprintf("Battery %s not found", batteryID)).WithEntity(batteryID)
	}
	return nil
}

// BatteryFilter narrows ListBatteries.
type BatteryFilter struct {
	SiteID string
	Skip   int
	Limit  int
}

// ListBatteries returns batteries joined with their latest sample and
// open-alert counts, paginated.
func (s *Store) ListBatteries(ctx context.Context, filter BatteryFilter) ([]models.BatteryDetail, error) {
	const op = "store.list_batteries"
	if filter.Limit <= 0 || filter.Limit > MaxListRows {
		filter.Limit = MaxListRows
	}
	if filter.Skip < 0 {
		filter.Skip = 0
	}

	query := `
		SELECT b.id, b.string_id, b.position, b.manufacturer, b.model, b.serial_number,
			b.nominal_voltage_v, b.nominal_capacity_ah, b.installed_at_ms, b.warranty_months, b.status,
			sy.site_id
		FROM batteries b
		JOIN strings st ON st.id = b.string_id
		JOIN systems sy ON sy.id = st.system_id
	`
	args := []any{}
	if filter.SiteID != "" {
		query += ` WHERE sy.site_id = ?`
		args = append(args, filter.SiteID)
	}
	query += ` ORDER BY b.id LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var details []models.BatteryDetail
	for rows.Next() {
		var d models.BatteryDetail
		var installed int64
		if err := rows.Scan(&d.ID, &d.StringID, &d.Position, &d.Manufacturer, &d.Model, &d.SerialNumber,
			&d.NominalVoltageV, &d.NominalCapacity, &installed, &d.WarrantyMonths, &d.Status, &d.SiteID); err != nil {
			return nil, classify(op, err)
		}
		d.InstalledAt = msToTime(installed)
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}

	for i := range details {
		if err := s.attachDerived(ctx, &details[i]); err != nil {
			return nil, err
		}
	}
	return details, nil
}

// GetBattery returns one battery joined with latest telemetry, derived
// status and open alert count.
func (s *Store) GetBattery(ctx context.Context, id string) (*models.BatteryDetail, error) {
	const op = "store.get_battery"
	row := s.db.QueryRowContext(ctx, `
		SELECT b.id, b.string_id, b.position, b.manufacturer, b.model, b.serial_number,
			b.nominal_voltage_v, b.nominal_capacity_ah, b.installed_at_ms, b.warranty_months, b.status,
			sy.site_id
		FROM batteries b
		JOIN strings st ON st.id = b.string_id
		JOIN systems sy ON sy.id = st.system_id
		WHERE b.id = ?
	`, id)

	var d models.BatteryDetail
	var installed int64
	if err := row.Scan(&d.ID, &d.StringID, &d.Position, &d.Manufacturer, &d.Model, &d.SerialNumber,
		&d.NominalVoltageV, &d.NominalCapacity, &installed, &d.WarrantyMonths, &d.Status, &d.SiteID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.KindNotFound, op, fmt.Sprintf("Battery %s not found", id)).WithEntity(id)
		}
		return nil, classify(op, err)
	}
	d.InstalledAt = msToTime(installed)

	if err := s.attachDerived(ctx, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// attachDerived fills latest telemetry, open alert count, and the health
// classification.
func (s *Store) attachDerived(ctx context.Context, d *models.BatteryDetail) error {
	latest, err := s.LatestSample(ctx, d.ID)
	if err != nil && apperrors.KindOf(err) != apperrors.KindNotFound {
		return err
	}
	d.Latest = latest

	var openCritical, openTotal int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN severity = 'critical' THEN 1 ELSE 0 END), 0)
		FROM alerts WHERE battery_id = ? AND resolved_at_ms IS NULL
	`, d.ID).Scan(&openTotal, &openCritical)
	if err != nil {
		return classify("store.get_battery", err)
	}
	d.OpenAlerts = openTotal
	d.HealthStatus = models.ClassifyHealth(latest, openCritical > 0, openTotal > openCritical)
	return nil
}

// SiteIDForBattery resolves the owning site of a battery.
func (s *Store) SiteIDForBattery(ctx context.Context, batteryID string) (string, error) {
	const op = "store.site_for_battery"
	var siteID string
	err := s.db.QueryRowContext(ctx, `
		SELECT sy.site_id
		FROM batteries b
		JOIN strings st ON st.id = b.string_id
		JOIN systems sy ON sy.id = st.system_id
		WHERE b.id = ?
	`, batteryID).Scan(&siteID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", apperrors.New(apperrors.KindNotFound, op, fmt.Sprintf("Battery %s not found", batteryID)).WithEntity(batteryID)
		}
		return "", classify(op, err)
	}
	return siteID, nil
}

// BatteryIDsForSite lists battery ids under a site, used by the hub to
// expand site subscriptions. An unknown site is NotFound rather than an
// empty list, so subscribing to a typo fails loudly.
func (s *Store) BatteryIDsForSite(ctx context.Context, siteID string) ([]string, error) {
	const op = "store.batteries_for_site"
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sites WHERE id = ?`, siteID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.KindNotFound, op, fmt.Sprintf("Location %s not found", siteID)).WithEntity(siteID)
		}
		return nil, classify(op, err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id
		FROM batteries b
		JOIN strings st ON st.id = b.string_id
		JOIN systems sy ON sy.id = st.system_id
		WHERE sy.site_id = ?
		ORDER BY b.id
	`, siteID)
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

func scanSite(row rowScanner) (*models.Site, error) {
	var site models.Site
	var created int64
	if err := row.Scan(&site.ID, &site.Name, &site.Region, &site.Latitude, &site.Longitude,
		&site.TempOffsetC, &site.HumidityOffset, &site.OutagesPerYear, &created); err != nil {
		return nil, err
	}
	site.CreatedAt = msToTime(created)
	return &site, nil
}
