package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted []models.TelemetrySample
	alerts   map[string][]models.Alert
	failWith error
}

func (f *fakeStore) InsertSamples(_ context.Context, samples []models.TelemetrySample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	seen := make(map[string]struct{})
	for _, s := range f.inserted {
		seen[s.BatteryID+s.Timestamp.String()] = struct{}{}
	}
	for _, s := range samples {
		if _, dup := seen[s.BatteryID+s.Timestamp.String()]; dup {
			return apperrors.New(apperrors.KindConflict, "fakestore.insert",
				fmt.Sprintf("Duplicate sample for battery %s", s.BatteryID))
		}
	}
	f.inserted = append(f.inserted, samples...)
	return nil
}

func (f *fakeStore) OpenAlertsForBattery(_ context.Context, batteryID string) ([]models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alerts[batteryID], nil
}

type fakeEvaluator struct {
	mu      sync.Mutex
	samples []models.TelemetrySample
}

func (f *fakeEvaluator) Evaluate(sample models.TelemetrySample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample)
}

type fakePublisher struct {
	mu       sync.Mutex
	samples  []models.TelemetrySample
	statuses []models.HealthStatus
}

func (f *fakePublisher) PublishTelemetry(sample models.TelemetrySample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample)
}

func (f *fakePublisher) PublishStatus(_ string, status models.HealthStatus, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func newTestPipeline() (*Pipeline, *fakeStore, *fakeEvaluator, *fakePublisher) {
	st := &fakeStore{alerts: make(map[string][]models.Alert)}
	ev := &fakeEvaluator{}
	pub := &fakePublisher{}
	return NewPipeline(st, ev, pub), st, ev, pub
}

func goodSample(batteryID string, at time.Time) models.TelemetrySample {
	return models.TelemetrySample{
		BatteryID:    batteryID,
		Timestamp:    at,
		VoltageV:     13.2,
		CurrentA:     -4.1,
		TemperatureC: 25,
		ResistanceMO: 10,
		SoCPct:       95,
		SoHPct:       97,
	}
}

func TestIngestCommitsAndFansOut(t *testing.T) {
	p, st, ev, pub := newTestPipeline()
	base := time.Now().UTC()

	batch := []models.TelemetrySample{
		goodSample("BAT-1", base),
		goodSample("BAT-1", base.Add(time.Second)),
		goodSample("BAT-1", base.Add(2*time.Second)),
	}
	n, err := p.Ingest(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, st.inserted, 3)
	assert.Len(t, ev.samples, 3)
	require.Len(t, pub.samples, 3)
	for i := 1; i < len(pub.samples); i++ {
		assert.True(t, pub.samples[i-1].Timestamp.Before(pub.samples[i].Timestamp),
			"fan-out must preserve chronological order")
	}
}

func TestGateViolationRejectsWholeBatch(t *testing.T) {
	p, st, ev, _ := newTestPipeline()
	base := time.Now().UTC()

	bad := goodSample("BAT-2", base.Add(time.Second))
	bad.TemperatureC = 81

	_, err := p.Ingest(context.Background(), []models.TelemetrySample{
		goodSample("BAT-1", base),
		bad,
		goodSample("BAT-3", base),
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	assert.Contains(t, apperrors.DetailOf(err), "BAT-2")
	assert.Contains(t, apperrors.DetailOf(err), "temperature_c")
	assert.Empty(t, st.inserted, "no partial commit")
	assert.Empty(t, ev.samples)
}

func TestBoundaryValuesAccepted(t *testing.T) {
	p, _, _, _ := newTestPipeline()
	base := time.Now().UTC()

	edge := goodSample("BAT-1", base)
	edge.VoltageV = 20
	edge.TemperatureC = -20
	edge.ResistanceMO = 0
	edge.SoCPct = 100
	edge.SoHPct = 0

	n, err := p.Ingest(context.Background(), []models.TelemetrySample{edge})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRejectsOutOfRangeFields(t *testing.T) {
	base := time.Now().UTC()
	cases := []struct {
		name   string
		mutate func(*models.TelemetrySample)
	}{
		{"voltage high", func(s *models.TelemetrySample) { s.VoltageV = 20.01 }},
		{"voltage negative", func(s *models.TelemetrySample) { s.VoltageV = -0.01 }},
		{"temperature low", func(s *models.TelemetrySample) { s.TemperatureC = -20.5 }},
		{"resistance negative", func(s *models.TelemetrySample) { s.ResistanceMO = -1 }},
		{"soc over", func(s *models.TelemetrySample) { s.SoCPct = 100.1 }},
		{"soh under", func(s *models.TelemetrySample) { s.SoHPct = -0.1 }},
		{"missing battery", func(s *models.TelemetrySample) { s.BatteryID = "" }},
		{"missing timestamp", func(s *models.TelemetrySample) { s.Timestamp = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _, _, _ := newTestPipeline()
			s := goodSample("BAT-1", base)
			tc.mutate(&s)
			_, err := p.Ingest(context.Background(), []models.TelemetrySample{s})
			require.Error(t, err)
			assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
		})
	}
}

func TestInBatchDuplicateLastWins(t *testing.T) {
	p, st, _, _ := newTestPipeline()
	base := time.Now().UTC()

	first := goodSample("BAT-1", base)
	first.VoltageV = 13.0
	second := goodSample("BAT-1", base)
	second.VoltageV = 13.5

	n, err := p.Ingest(context.Background(), []models.TelemetrySample{first, second})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, st.inserted, 1)
	assert.Equal(t, 13.5, st.inserted[0].VoltageV)
}

func TestStoreConflictPropagates(t *testing.T) {
	p, _, ev, pub := newTestPipeline()
	base := time.Now().UTC()

	_, err := p.Ingest(context.Background(), []models.TelemetrySample{goodSample("BAT-1", base)})
	require.NoError(t, err)

	_, err = p.Ingest(context.Background(), []models.TelemetrySample{goodSample("BAT-1", base)})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	assert.Len(t, ev.samples, 1, "rejected batch must not reach the evaluator")
	assert.Len(t, pub.samples, 1)
}

func TestStatusPublishedOnlyOnChange(t *testing.T) {
	p, _, _, pub := newTestPipeline()
	base := time.Now().UTC()

	healthy := goodSample("BAT-1", base)
	_, err := p.Ingest(context.Background(), []models.TelemetrySample{healthy})
	require.NoError(t, err)
	require.Len(t, pub.statuses, 1, "first classification always publishes")
	assert.Equal(t, models.StatusHealthy, pub.statuses[0])

	// Same classification again: no new status frame.
	again := goodSample("BAT-1", base.Add(time.Second))
	_, err = p.Ingest(context.Background(), []models.TelemetrySample{again})
	require.NoError(t, err)
	assert.Len(t, pub.statuses, 1)

	degraded := goodSample("BAT-1", base.Add(2*time.Second))
	degraded.SoHPct = 78
	_, err = p.Ingest(context.Background(), []models.TelemetrySample{degraded})
	require.NoError(t, err)
	require.Len(t, pub.statuses, 2)
	assert.Equal(t, models.StatusCritical, pub.statuses[1])
}

func TestEmptyAndOversizedBatches(t *testing.T) {
	p, _, _, _ := newTestPipeline()

	_, err := p.Ingest(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	base := time.Now().UTC()
	big := make([]models.TelemetrySample, MaxBatchSize+1)
	for i := range big {
		big[i] = goodSample("BAT-1", base.Add(time.Duration(i)*time.Second))
	}
	_, err = p.Ingest(context.Background(), big)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}
