package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltguard/voltguard/internal/ingest"
	"github.com/voltguard/voltguard/internal/ratelimit"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VOLTGUARD_JWT_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7600, cfg.ListenPort)
	assert.Equal(t, 730, cfg.RetentionDays)
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, float64(5), cfg.LoginRatePerMin)
	assert.Equal(t, float64(100), cfg.APIRatePerMin)
	assert.Equal(t, 45.0, cfg.TempHighC)
	assert.Equal(t, 43.0, cfg.TempClearC)
	assert.Equal(t, 1.20, cfg.ResistanceTripRatio)
	assert.Equal(t, 256, cfg.SubscriberQueueDepth)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VOLTGUARD_JWT_SECRET", testSecret)
	t.Setenv("VOLTGUARD_LISTEN_PORT", "9000")
	t.Setenv("VOLTGUARD_ACCESS_TOKEN_TTL", "15m")
	t.Setenv("VOLTGUARD_TEMP_HIGH_C", "50")
	t.Setenv("VOLTGUARD_TEMP_CLEAR_C", "48")
	t.Setenv("VOLTGUARD_SEED_DEMO", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 50.0, cfg.TempHighC)
	assert.Equal(t, 48.0, cfg.TempClearC)
	assert.True(t, cfg.SeedDemo)
}

func TestLoadIgnoresMalformedOverrides(t *testing.T) {
	t.Setenv("VOLTGUARD_JWT_SECRET", testSecret)
	t.Setenv("VOLTGUARD_LISTEN_PORT", "not-a-port")
	t.Setenv("VOLTGUARD_READ_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7600, cfg.ListenPort)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "JWT_SECRET"))
}

func TestValidateRejectsShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.JWTSecret = "short"
	require.Error(t, cfg.Validate())
}

func TestProducerBurstCoversFullBatch(t *testing.T) {
	t.Setenv("VOLTGUARD_JWT_SECRET", testSecret)
	t.Setenv("VOLTGUARD_PRODUCER_BURST", "50")

	cfg, err := Load()
	require.NoError(t, err)

	// A bucket smaller than the largest accepted batch would reject full
	// batches on every attempt, so the burst is raised to cover it.
	assert.Equal(t, ingest.MaxBatchSize, cfg.ProducerBurst)

	// With the shipped policy, a mid-size batch at a quiet moment is
	// admitted on the first try.
	limiter := ratelimit.NewRegistry(ratelimit.PerSecond(cfg.ProducerRatePerSec, cfg.ProducerBurst))
	ok, _ := limiter.AllowN("producer-1", 600)
	assert.True(t, ok)
}

func TestValidateThresholdSanity(t *testing.T) {
	cfg := Defaults()
	cfg.JWTSecret = testSecret

	cfg.VoltageLowV = cfg.VoltageHighV
	require.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.JWTSecret = testSecret
	cfg.TempClearC = cfg.TempHighC + 1
	require.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.JWTSecret = testSecret
	require.NoError(t, cfg.Validate())
}
