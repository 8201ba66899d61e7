package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voltguard/voltguard/internal/auth"
	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
	"github.com/voltguard/voltguard/internal/store"
)

const defaultAdminPassword = "Admin123!"

// seedAdmin creates the bootstrap admin account the first time the
// service starts against an empty user table.
func seedAdmin(ctx context.Context, st *store.Store, password string) error {
	count, err := st.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		password = defaultAdminPassword
		log.Warn().Msg("Seeding admin user with the default password; change it immediately")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	now := time.Now().UTC()
	if err := st.CreateUser(ctx, &models.User{
		ID:           uuid.NewString(),
		Username:     "admin",
		Email:        "admin@localhost",
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}
	log.Info().Msg("Seeded admin user")
	return nil
}

// seedDemoData loads a small two-site fleet for local development.
// Telemetry is never seeded; it only enters through the ingest
// endpoint. Existing rows are left alone.
func seedDemoData(ctx context.Context, st *store.Store) error {
	now := time.Now().UTC()

	sites := []models.Site{
		{ID: "DC-CNX-01", Name: "Chiang Mai DC", Region: "apac-north", Latitude: 18.79, Longitude: 98.98, OutagesPerYear: 2.5, CreatedAt: now},
		{ID: "DC-BKK-01", Name: "Bangkok DC", Region: "apac-central", Latitude: 13.75, Longitude: 100.5, OutagesPerYear: 1.2, CreatedAt: now},
	}
	systems := []models.System{
		{ID: "SYS-1", SiteID: "DC-CNX-01", Kind: models.SystemUPS, RatedPowerW: 40000, InstalledAt: now},
		{ID: "SYS-2", SiteID: "DC-BKK-01", Kind: models.SystemRectifier, RatedPowerW: 24000, InstalledAt: now},
	}
	strings := []models.BatteryString{
		{ID: "STR-1", SystemID: "SYS-1", Position: 1, BatteryCount: 4, NominalVoltageV: 48},
		{ID: "STR-2", SystemID: "SYS-2", Position: 1, BatteryCount: 4, NominalVoltageV: 48},
	}
	batteries := []models.Battery{
		{ID: "BAT-1", StringID: "STR-1", Position: 1, Manufacturer: "NorthVolt", Model: "NV-100", SerialNumber: "SN-0001", NominalVoltageV: 12, NominalCapacity: 100, InstalledAt: now, WarrantyMonths: 60, Status: models.BatteryActive},
		{ID: "BAT-2", StringID: "STR-2", Position: 1, Manufacturer: "NorthVolt", Model: "NV-100", SerialNumber: "SN-0002", NominalVoltageV: 12, NominalCapacity: 100, InstalledAt: now, WarrantyMonths: 60, Status: models.BatteryActive},
		{ID: "BAT-3", StringID: "STR-2", Position: 2, Manufacturer: "NorthVolt", Model: "NV-100", SerialNumber: "SN-0003", NominalVoltageV: 12, NominalCapacity: 100, InstalledAt: now, WarrantyMonths: 60, Status: models.BatteryActive},
	}

	for i := range sites {
		if err := ignoreConflict(st.CreateSite(ctx, &sites[i])); err != nil {
			return fmt.Errorf("failed to seed site %s: %w", sites[i].ID, err)
		}
	}
	for i := range systems {
		if err := ignoreConflict(st.CreateSystem(ctx, &systems[i])); err != nil {
			return fmt.Errorf("failed to seed system %s: %w", systems[i].ID, err)
		}
	}
	for i := range strings {
		if err := ignoreConflict(st.CreateString(ctx, &strings[i])); err != nil {
			return fmt.Errorf("failed to seed string %s: %w", strings[i].ID, err)
		}
	}
	for i := range batteries {
		if err := ignoreConflict(st.CreateBattery(ctx, &batteries[i])); err != nil {
			return fmt.Errorf("failed to seed battery %s: %w", batteries[i].ID, err)
		}
	}

	log.Info().Int("sites", len(sites)).Int("batteries", len(batteries)).Msg("Seeded demo fleet")
	return nil
}

func ignoreConflict(err error) error {
	if err != nil && apperrors.KindOf(err) == apperrors.KindConflict {
		return nil
	}
	return err
}
