package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestBurstThenDenied(t *testing.T) {
	r := NewRegistry(Policy{Rate: rate.Limit(1), Burst: 5})

	for i := 0; i < 5; i++ {
		ok, _ := r.Allow("user-1")
		require.True(t, ok, "request %d within burst must pass", i)
	}

	ok, retry := r.Allow("user-1")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, retry, time.Second)
}

func TestSubjectsIsolated(t *testing.T) {
	r := NewRegistry(Policy{Rate: rate.Limit(1), Burst: 1})

	ok, _ := r.Allow("user-1")
	require.True(t, ok)
	ok, _ = r.Allow("user-1")
	require.False(t, ok)

	// A different subject has its own bucket.
	ok, _ = r.Allow("user-2")
	assert.True(t, ok)
}

func TestSustainedUnderRateNeverDenied(t *testing.T) {
	// 1000/s refill, tiny burst: pacing below the refill rate must
	// always be admitted.
	r := NewRegistry(Policy{Rate: rate.Limit(1000), Burst: 2})

	for i := 0; i < 50; i++ {
		ok, _ := r.Allow("steady")
		require.True(t, ok, "request %d below sustained rate must pass", i)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAllowNChargesBatchSize(t *testing.T) {
	r := NewRegistry(Policy{Rate: rate.Limit(1), Burst: 10})

	ok, _ := r.AllowN("producer", 8)
	require.True(t, ok)

	// Only 2 tokens left; a batch of 5 is denied as a whole.
	ok, retry := r.AllowN("producer", 5)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))

	ok, _ = r.AllowN("producer", 2)
	assert.True(t, ok)
}

func TestAllowNAdmitsBatchUpToBurst(t *testing.T) {
	r := NewRegistry(PerSecond(10, 1000))

	// A full-burst charge drains the bucket but is admitted.
	ok, _ := r.AllowN("producer", 1000)
	require.True(t, ok)

	// The bucket refills at the sustained rate, so the denial carries a
	// retry hint that can actually be honored.
	ok, retry := r.AllowN("producer", 10)
	require.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))

	time.Sleep(1100 * time.Millisecond)
	ok, _ = r.AllowN("producer", 10)
	assert.True(t, ok)
}

func TestPerMinutePolicy(t *testing.T) {
	p := PerMinute(5)
	assert.Equal(t, 5, p.Burst)
	assert.InDelta(t, float64(5)/60.0, float64(p.Rate), 1e-9)

	p = PerMinute(0.5)
	assert.Equal(t, 1, p.Burst)
}

func TestStaleSweep(t *testing.T) {
	r := NewRegistry(Policy{Rate: rate.Limit(1), Burst: 1})
	r.staleAfter = time.Millisecond

	r.Allow("a")
	r.Allow("b")
	require.Equal(t, 2, r.Len())

	time.Sleep(5 * time.Millisecond)
	r.lastSweep = time.Now().Add(-2 * time.Minute) // force a sweep on next call
	r.Allow("c")
	assert.Equal(t, 1, r.Len())
}
