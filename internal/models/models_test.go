package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyHealth(t *testing.T) {
	sample := func(soh, temp float64) *TelemetrySample {
		return &TelemetrySample{SoHPct: soh, TemperatureC: temp}
	}

	tests := []struct {
		name         string
		sample       *TelemetrySample
		openCritical bool
		openWarning  bool
		want         HealthStatus
	}{
		{"healthy baseline", sample(95, 25), false, false, StatusHealthy},
		{"soh at healthy boundary", sample(85, 40), false, false, StatusHealthy},
		{"soh in warning band", sample(82, 25), false, false, StatusWarning},
		{"temp in warning band", sample(95, 42), false, false, StatusWarning},
		{"open warning alert", sample(95, 25), false, true, StatusWarning},
		{"soh critical", sample(79.9, 25), false, false, StatusCritical},
		{"temp critical", sample(95, 45.1), false, false, StatusCritical},
		{"open critical alert", sample(95, 25), true, false, StatusCritical},
		{"critical beats warning", sample(82, 42), true, false, StatusCritical},
		{"no sample open critical", nil, true, false, StatusCritical},
		{"no sample open warning", nil, false, true, StatusWarning},
		{"no sample no alerts", nil, false, false, StatusHealthy},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyHealth(tc.sample, tc.openCritical, tc.openWarning)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUserJSONNeverLeaksPasswordHash(t *testing.T) {
	u := User{
		ID:           "u-1",
		Username:     "admin",
		PasswordHash: "$2b$12$secretsecretsecret",
		Role:         RoleAdmin,
		Active:       true,
	}
	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.False(t, strings.Contains(string(data), "password"))
}

func TestAlertClone(t *testing.T) {
	now := time.Now()
	a := &Alert{
		ID:             "a-1",
		BatteryID:      "BAT-1",
		Kind:           AlertTemperatureHigh,
		ResolvedAt:     &now,
		AcknowledgedAt: &now,
	}
	clone := a.Clone()
	require.NotNil(t, clone)
	assert.Equal(t, a.ID, clone.ID)

	later := now.Add(time.Hour)
	*clone.ResolvedAt = later
	assert.True(t, a.ResolvedAt.Equal(now), "clone must not share pointers")
}

func TestRoleHelpers(t *testing.T) {
	assert.True(t, RoleAdmin.CanOperate())
	assert.True(t, RoleEngineer.CanOperate())
	assert.False(t, RoleViewer.CanOperate())
	assert.True(t, RoleViewer.Valid())
	assert.False(t, Role("superuser").Valid())
}

func TestAlertOpen(t *testing.T) {
	a := &Alert{}
	assert.True(t, a.Open())
	now := time.Now()
	a.ResolvedAt = &now
	assert.False(t, a.Open())
}
