// Package models defines the entities shared across the service: sites,
// systems, strings, batteries, telemetry samples, users, and alerts.
package models

import (
	"time"
)

// Role is the access level of a user.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEngineer Role = "engineer"
	RoleViewer   Role = "viewer"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEngineer, RoleViewer:
		return true
	}
	return false
}

// CanOperate reports whether the role may acknowledge/resolve alerts and
// subscribe to live feeds.
func (r Role) CanOperate() bool {
	return r == RoleAdmin || r == RoleEngineer
}

// SystemKind distinguishes power systems.
type SystemKind string

const (
	SystemUPS       SystemKind = "UPS"
	SystemRectifier SystemKind = "rectifier"
)

// BatteryOpStatus is the operational lifecycle status of a battery.
type BatteryOpStatus string

const (
	BatteryActive   BatteryOpStatus = "active"
	BatteryWarning  BatteryOpStatus = "warning"
	BatteryCritical BatteryOpStatus = "critical"
	BatteryReplaced BatteryOpStatus = "replaced"
	BatteryRetired  BatteryOpStatus = "retired"
)

// HealthStatus is the derived classification computed on ingest.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

// Site is a physical facility housing one or more power systems.
type Site struct {
	ID             string    `json:"location_id"`
	Name           string    `json:"name"`
	Region         string    `json:"region"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	TempOffsetC    float64   `json:"temp_offset_c"`
	HumidityOffset float64   `json:"humidity_offset"`
	OutagesPerYear float64   `json:"expected_outages_per_year"`
	CreatedAt      time.Time `json:"created_at"`
}

// SiteStats are per-site aggregates computed lazily on read.
type SiteStats struct {
	TotalBatteries    int     `json:"total_batteries"`
	ActiveBatteries   int     `json:"active_batteries"`
	DegradedBatteries int     `json:"degraded_batteries"` // SoH < 80
	MeanSoH           float64 `json:"mean_soh_pct"`
	OpenAlerts        int     `json:"open_alerts"`
}

// SiteWithStats pairs a site with its aggregates for list endpoints.
type SiteWithStats struct {
	Site
	Stats *SiteStats `json:"stats,omitempty"`
}

// System is a UPS or rectifier installed at a site.
type System struct {
	ID          string     `json:"system_id"`
	SiteID      string     `json:"location_id"`
	Kind        SystemKind `json:"kind"`
	RatedPowerW float64    `json:"rated_power_w"`
	InstalledAt time.Time  `json:"installed_at"`
}

// BatteryString is a series-wired set of batteries forming a DC bus.
type BatteryString struct {
	ID              string  `json:"string_id"`
	SystemID        string  `json:"system_id"`
	Position        int     `json:"position"`
	BatteryCount    int     `json:"battery_count"`
	NominalVoltageV float64 `json:"nominal_voltage_v"`
}

// Battery is a single VRLA monobloc within a string.
type Battery struct {
	ID              string          `json:"battery_id"`
	StringID        string          `json:"string_id"`
	Position        int             `json:"position"`
	Manufacturer    string          `json:"manufacturer"`
	Model           string          `json:"model"`
	SerialNumber    string          `json:"serial_number"`
	NominalVoltageV float64         `json:"nominal_voltage_v"`
	NominalCapacity float64         `json:"nominal_capacity_ah"`
	InstalledAt     time.Time       `json:"installed_at"`
	WarrantyMonths  int             `json:"warranty_months"`
	Status          BatteryOpStatus `json:"status"`
}

// BatteryDetail is a battery joined with its latest telemetry, derived
// health status, and open alert count.
type BatteryDetail struct {
	Battery
	SiteID       string           `json:"location_id"`
	Latest       *TelemetrySample `json:"latest_telemetry,omitempty"`
	HealthStatus HealthStatus     `json:"health_status"`
	OpenAlerts   int              `json:"active_alert_count"`
}

// TelemetrySample is a single immutable reading for one battery.
// Timestamps carry millisecond precision in UTC.
type TelemetrySample struct {
	BatteryID    string    `json:"battery_id"`
	Timestamp    time.Time `json:"timestamp"`
	VoltageV     float64   `json:"voltage_v"`
	CurrentA     float64   `json:"current_a"` // negative while discharging
	TemperatureC float64   `json:"temperature_c"`
	ResistanceMO float64   `json:"internal_resistance_mohm"`
	SoCPct       float64   `json:"soc_pct"`
	SoHPct       float64   `json:"soh_pct"`
}

// User is an operator account. The password hash is deliberately not
// serialized on any interface.
type User struct {
	ID           string    `json:"user_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AlertKind is the discrete category of a health condition.
type AlertKind string

const (
	AlertVoltageHigh     AlertKind = "voltage_high"
	AlertVoltageLow      AlertKind = "voltage_low"
	AlertTemperatureHigh AlertKind = "temperature_high"
	AlertResistanceDrift AlertKind = "resistance_drift"
	AlertSoHDegraded     AlertKind = "soh_degraded"
	AlertRULWarning      AlertKind = "rul_warning"
	AlertRULCritical     AlertKind = "rul_critical"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a health condition raised by the evaluator. At most one open
// alert exists per (battery, kind).
type Alert struct {
	ID             string     `json:"alert_id"`
	BatteryID      string     `json:"battery_id"`
	SiteID         string     `json:"location_id"`
	Kind           AlertKind  `json:"alert_type"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Threshold      float64    `json:"threshold"`
	ObservedValue  float64    `json:"observed_value"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AckNote        string     `json:"ack_note,omitempty"`
}

// Open reports whether the alert has not yet been resolved.
func (a *Alert) Open() bool {
	return a.ResolvedAt == nil
}

// Clone returns a deep copy so an alert can be shared across goroutines.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	clone := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		clone.ResolvedAt = &t
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		clone.AcknowledgedAt = &t
	}
	return &clone
}

// AlertStats are aggregated counts for the alerts dashboard.
type AlertStats struct {
	Total      int            `json:"total"`
	Open       int            `json:"open"`
	Critical   int            `json:"critical"`
	Warning    int            `json:"warning"`
	Info       int            `json:"info"`
	ByKind     map[string]int `json:"by_type"`
	WindowDays int            `json:"window_days"`
}

// TokenKind distinguishes access from refresh tokens.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// ClassifyHealth derives the health classification for a battery from its
// newest sample and open-alert severities. Rules, in precedence order:
// critical beats warning beats healthy.
func ClassifyHealth(sample *TelemetrySample, hasOpenCritical, hasOpenWarning bool) HealthStatus {
	if sample == nil {
		if hasOpenCritical {
			return StatusCritical
		}
		if hasOpenWarning {
			return StatusWarning
		}
		return StatusHealthy
	}
	if sample.SoHPct < 80 || sample.TemperatureC > 45 || hasOpenCritical {
		return StatusCritical
	}
	if sample.SoHPct < 85 || sample.TemperatureC > 40 || hasOpenWarning {
		return StatusWarning
	}
	return StatusHealthy
}
