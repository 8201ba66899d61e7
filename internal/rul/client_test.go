package rul

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/voltguard/voltguard/internal/errors"
)

func predictorServer(t *testing.T, fail *atomic.Bool, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		require.Equal(t, "/predict", r.URL.Path)
		var req predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(Prediction{RULDays: 420, Confidence: 0.9, RiskLevel: "low"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPredictSuccess(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	srv := predictorServer(t, &fail, &calls)

	c := NewClient(Config{BaseURL: srv.URL, MaxFailures: 3, Cooldown: time.Second})
	res, err := c.Predict(context.Background(), "BAT-3", nil)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, 420.0, res.RULDays)
	assert.Equal(t, "low", res.RiskLevel)
	assert.Equal(t, "BAT-3", res.BatteryID)
}

func TestBreakerOpensAndServesCache(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	srv := predictorServer(t, &fail, &calls)

	c := NewClient(Config{BaseURL: srv.URL, MaxFailures: 3, Cooldown: time.Minute})
	ctx := context.Background()

	// Prime the cache with one good prediction.
	_, err := c.Predict(ctx, "BAT-3", nil)
	require.NoError(t, err)

	fail.Store(true)
	for i := 0; i < 3; i++ {
		res, err := c.Predict(ctx, "BAT-3", nil)
		require.NoError(t, err, "failure %d should fall back to cache", i)
		assert.True(t, res.Degraded)
		assert.Equal(t, 420.0, res.RULDays)
	}
	assert.Equal(t, "open", c.State())

	// Breaker open: no outbound attempt is made and the call is fast.
	before := calls.Load()
	start := time.Now()
	res, err := c.Predict(ctx, "BAT-3", nil)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, before, calls.Load(), "open breaker must not hit the network")
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBreakerOpenNoCacheIsDegradedError(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	fail.Store(true)
	srv := predictorServer(t, &fail, &calls)

	c := NewClient(Config{BaseURL: srv.URL, MaxFailures: 2, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Predict(ctx, "BAT-9", nil)
		require.Error(t, err)
		assert.Equal(t, apperrors.KindTransient, apperrors.KindOf(err))
	}

	_, err := c.Predict(ctx, "BAT-9", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDegraded, apperrors.KindOf(err))
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	srv := predictorServer(t, &fail, &calls)

	c := NewClient(Config{BaseURL: srv.URL, MaxFailures: 2, Cooldown: 50 * time.Millisecond})
	ctx := context.Background()

	fail.Store(true)
	c.Predict(ctx, "BAT-3", nil)
	c.Predict(ctx, "BAT-3", nil)
	require.Equal(t, "open", c.State())

	fail.Store(false)
	time.Sleep(80 * time.Millisecond)

	// The half-open probe succeeds and closes the breaker.
	res, err := c.Predict(ctx, "BAT-3", nil)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, "closed", c.State())
}

func TestMalformedResponseCountsAsFailure(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	t.Cleanup(bad.Close)

	c := NewClient(Config{BaseURL: bad.URL, MaxFailures: 3, Cooldown: time.Minute})
	_, err := c.Predict(context.Background(), "BAT-3", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindTransient, apperrors.KindOf(err))
}

func TestConnectionRefusedTripsBreaker(t *testing.T) {
	// An address that refuses connections.
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond, MaxFailures: 3, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Predict(ctx, "BAT-3", nil)
		require.Error(t, err)
	}
	assert.Equal(t, "open", c.State())
}
