package alerts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
)

func testThresholds() Thresholds {
	return Thresholds{
		VoltageHighV:         14.4,
		VoltageLowV:          10.8,
		VoltageHysteresisV:   0.2,
		TempHighC:            45,
		TempClearC:           43,
		TempCriticalC:        55,
		ResistanceTripRatio:  1.20,
		ResistanceClearRatio: 1.10,
		SoHDegradedPct:       80,
		SoHClearPct:          82,
		SoHCriticalPct:       70,
		RULWarningDays:       180,
		RULCriticalDays:      90,
	}
}

// memStore enforces the same single-open and resolve-once semantics as
// the SQLite store, in memory.
type memStore struct {
	mu      sync.Mutex
	alerts  map[string]*models.Alert
	samples map[string][]models.TelemetrySample
}

func newMemStore() *memStore {
	return &memStore{
		alerts:  make(map[string]*models.Alert),
		samples: make(map[string][]models.TelemetrySample),
	}
}

func (m *memStore) OpenAlert(_ context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.alerts {
		if existing.BatteryID == a.BatteryID && existing.Kind == a.Kind && existing.Open() {
			return apperrors.New(apperrors.KindConflict, "memstore.open_alert",
				fmt.Sprintf("An open %s alert already exists for battery %s", a.Kind, a.BatteryID))
		}
	}
	clone := a.Clone()
	m.alerts[a.ID] = clone
	return nil
}

func (m *memStore) ResolveAlert(_ context.Context, alertID string, resolvedAt time.Time) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "memstore.resolve_alert", "Alert not found")
	}
	if !a.Open() {
		return nil, apperrors.New(apperrors.KindConflict, "memstore.resolve_alert", "Alert has already been resolved")
	}
	a.ResolvedAt = &resolvedAt
	return a.Clone(), nil
}

func (m *memStore) EscalateAlert(_ context.Context, alertID string, severity models.Severity, observed float64) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "memstore.escalate_alert", "Alert not found")
	}
	a.Severity = severity
	a.ObservedValue = observed
	return a.Clone(), nil
}

func (m *memStore) OpenAlertsForBattery(_ context.Context, batteryID string) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if a.BatteryID == batteryID && a.Open() {
			out = append(out, *a.Clone())
		}
	}
	return out, nil
}

func (m *memStore) BatteriesWithOpenAlerts(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, a := range m.alerts {
		if a.Open() {
			if _, dup := seen[a.BatteryID]; !dup {
				seen[a.BatteryID] = struct{}{}
				out = append(out, a.BatteryID)
			}
		}
	}
	return out, nil
}

func (m *memStore) RecentSamples(_ context.Context, batteryID string, since time.Time, maxRows int) ([]models.TelemetrySample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TelemetrySample
	for _, s := range m.samples[batteryID] {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	if len(out) > maxRows {
		out = out[len(out)-maxRows:]
	}
	return out, nil
}

func (m *memStore) SiteIDForBattery(_ context.Context, _ string) (string, error) {
	return "DC-BKK-01", nil
}

func (m *memStore) openByKind(batteryID string, kind models.AlertKind) *models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.BatteryID == batteryID && a.Kind == kind && a.Open() {
			return a.Clone()
		}
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.Alert
}

func (r *recordingPublisher) PublishAlert(alert *models.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, alert.Clone())
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestEvaluator() (*Evaluator, *memStore, *recordingPublisher) {
	st := newMemStore()
	pub := &recordingPublisher{}
	return NewEvaluator(testThresholds(), st, pub, 2), st, pub
}

func sampleAt(batteryID string, at time.Time, mutate func(*models.TelemetrySample)) models.TelemetrySample {
	s := models.TelemetrySample{
		BatteryID:    batteryID,
		Timestamp:    at,
		VoltageV:     13.2,
		CurrentA:     -4.0,
		TemperatureC: 25,
		ResistanceMO: 10,
		SoCPct:       95,
		SoHPct:       97,
	}
	if mutate != nil {
		mutate(&s)
	}
	return s
}

func TestTemperatureOpensOnceThenClosesWithHysteresis(t *testing.T) {
	eval, st, pub := newTestEvaluator()
	ctx := context.Background()
	base := time.Now().UTC()

	eval.process(ctx, sampleAt("BAT-2", base, func(s *models.TelemetrySample) { s.TemperatureC = 46.0 }))
	eval.process(ctx, sampleAt("BAT-2", base.Add(time.Second), func(s *models.TelemetrySample) { s.TemperatureC = 46.1 }))

	open := st.openByKind("BAT-2", models.AlertTemperatureHigh)
	require.NotNil(t, open)
	assert.Equal(t, models.SeverityWarning, open.Severity)
	assert.Equal(t, 1, pub.count(), "second hot sample must not raise a second alert")

	// Below the trip point but above the clear point: stays open.
	eval.process(ctx, sampleAt("BAT-2", base.Add(2*time.Second), func(s *models.TelemetrySample) { s.TemperatureC = 44.0 }))
	require.NotNil(t, st.openByKind("BAT-2", models.AlertTemperatureHigh))

	eval.process(ctx, sampleAt("BAT-2", base.Add(3*time.Second), func(s *models.TelemetrySample) { s.TemperatureC = 42.5 }))
	assert.Nil(t, st.openByKind("BAT-2", models.AlertTemperatureHigh))
	assert.Equal(t, 2, pub.count())
	last := pub.events[len(pub.events)-1]
	assert.NotNil(t, last.ResolvedAt)
}

func TestTemperatureEscalatesToCritical(t *testing.T) {
	eval, st, _ := newTestEvaluator()
	ctx := context.Background()
	base := time.Now().UTC()

	eval.process(ctx, sampleAt("BAT-1", base, func(s *models.TelemetrySample) { s.TemperatureC = 47 }))
	eval.process(ctx, sampleAt("BAT-1", base.Add(time.Second), func(s *models.TelemetrySample) { s.TemperatureC = 56 }))

	open := st.openByKind("BAT-1", models.AlertTemperatureHigh)
	require.NotNil(t, open)
	assert.Equal(t, models.SeverityCritical, open.Severity)
	assert.Equal(t, 56.0, open.ObservedValue)
}

func TestVoltageHighRequiresConsecutiveSamples(t *testing.T) {
	eval, st, _ := newTestEvaluator()
	ctx := context.Background()
	base := time.Now().UTC()

	eval.process(ctx, sampleAt("BAT-1", base, func(s *models.TelemetrySample) { s.VoltageV = 14.5 }))
	assert.Nil(t, st.openByKind("BAT-1", models.AlertVoltageHigh), "one sample must not trip")

	// Dip back under resets the streak.
	eval.process(ctx, sampleAt("BAT-1", base.Add(time.Second), func(s *models.TelemetrySample) { s.VoltageV = 14.3 }))
	eval.process(ctx, sampleAt("BAT-1", base.Add(2*time.Second), func(s *models.TelemetrySample) { s.VoltageV = 14.5 }))
	assert.Nil(t, st.openByKind("BAT-1", models.AlertVoltageHigh))

	eval.process(ctx, sampleAt("BAT-1", base.Add(3*time.Second), func(s *models.TelemetrySample) { s.VoltageV = 14.6 }))
	require.NotNil(t, st.openByKind("BAT-1", models.AlertVoltageHigh))

	// Close needs two consecutive samples at or below 14.2.
	eval.process(ctx, sampleAt("BAT-1", base.Add(4*time.Second), func(s *models.TelemetrySample) { s.VoltageV = 14.2 }))
	require.NotNil(t, st.openByKind("BAT-1", models.AlertVoltageHigh))
	eval.process(ctx, sampleAt("BAT-1", base.Add(5*time.Second), func(s *models.TelemetrySample) { s.VoltageV = 14.1 }))
	assert.Nil(t, st.openByKind("BAT-1", models.AlertVoltageHigh))
}

func TestVoltageLowOpensAndCloses(t *testing.T) {
	eval, st, _ := newTestEvaluator()
	ctx := context.Background()
	base := time.Now().UTC()

	eval.process(ctx, sampleAt("BAT-1", base, func(s *models.TelemetrySample) { s.VoltageV = 10.7 }))
	eval.process(ctx, sampleAt("BAT-1", base.Add(time.Second), func(s *models.TelemetrySample) { s.VoltageV = 10.6 }))
	require.NotNil(t, st.openByKind("BAT-1", models.AlertVoltageLow))

	eval.process(ctx, sampleAt("BAT-1", base.Add(2*time.Second), func(s *models.TelemetrySample) { s.VoltageV = 11.0 }))
	eval.process(ctx, sampleAt("BAT-1", base.Add(3*time.Second), func(s *models.TelemetrySample) { s.VoltageV = 11.1 }))
	assert.Nil(t, st.openByKind("BAT-1", models.AlertVoltageLow))
}

func TestResistanceDriftNeedsSustainedExcursion(t *testing.T) {
	eval, st, _ := newTestEvaluator()
	ctx := context.Background()
	base := time.Now().UTC()

	// First sample sets the baseline at 10 mΩ.
	eval.process(ctx, sampleAt("BAT-1", base, nil))

	// Above 12 mΩ (baseline × 1.20) but not yet for 10 minutes.
	for i := 1; i <= 9; i++ {
		eval.process(ctx, sampleAt("BAT-1", base.Add(time.Duration(i)*time.Minute), func(s *models.TelemetrySample) {
			s.ResistanceMO = 12.5
		}))
		assert.Nil(t, st.openByKind("BAT-1", models.AlertResistanceDrift), "minute %d", i)
	}

	eval.process(ctx, sampleAt("BAT-1", base.Add(11*time.Minute), func(s *models.TelemetrySample) {
		s.ResistanceMO = 12.6
	}))
	require.NotNil(t, st.openByKind("BAT-1", models.AlertResistanceDrift))

	// Closes only once back within baseline × 1.10.
	eval.process(ctx, sampleAt("BAT-1", base.Add(12*time.Minute), func(s *models.TelemetrySample) {
		s.ResistanceMO = 11.5
	}))
	require.NotNil(t, st.openByKind("BAT-1", models.AlertResistanceDrift))
	eval.process(ctx, sampleAt("BAT-1", base.Add(13*time.Minute), func(s *models.TelemetrySample) {
		s.ResistanceMO = 10.5
	}))
	assert.Nil(t, st.openByKind("BAT-1", models.AlertResistanceDrift))
}

func TestSoHDegradedClosesAfterRecoveryHold(t *testing.T) {
	eval, st, _ := newTestEvaluator()
	ctx := context.Background()
	base := time.Now().UTC()

	eval.process(ctx, sampleAt("BAT-1", base, func(s *models.TelemetrySample) { s.SoHPct = 79 }))
	open := st.openByKind("BAT-1", models.AlertSoHDegraded)
	require.NotNil(t, open)
	assert.Equal(t, models.SeverityWarning, open.Severity)

	// Recovered above the clear threshold, but not for 24 h yet.
	eval.process(ctx, sampleAt("BAT-1", base.Add(time.Hour), func(s *models.TelemetrySample) { s.SoHPct = 83 }))
	require.NotNil(t, st.openByKind("BAT-1", models.AlertSoHDegraded))

	// A dip below the clear threshold restarts the hold.
	eval.process(ctx, sampleAt("BAT-1", base.Add(2*time.Hour), func(s *models.TelemetrySample) { s.SoHPct = 81 }))
	eval.process(ctx, sampleAt("BAT-1", base.Add(3*time.Hour), func(s *models.TelemetrySample) { s.SoHPct = 83 }))
	eval.process(ctx, sampleAt("BAT-1", base.Add(26*time.Hour), func(s *models.TelemetrySample) { s.SoHPct = 84 }))
	require.NotNil(t, st.openByKind("BAT-1", models.AlertSoHDegraded),
		"hold restarted at +3h, 23h elapsed is not enough")

	eval.process(ctx, sampleAt("BAT-1", base.Add(28*time.Hour), func(s *models.TelemetrySample) { s.SoHPct = 84 }))
	assert.Nil(t, st.openByKind("BAT-1", models.AlertSoHDegraded))
}

func TestSoHCriticalSeverity(t *testing.T) {
	eval, st, _ := newTestEvaluator()
	ctx := context.Background()

	eval.process(ctx, sampleAt("BAT-1", time.Now().UTC(), func(s *models.TelemetrySample) { s.SoHPct = 65 }))
	open := st.openByKind("BAT-1", models.AlertSoHDegraded)
	require.NotNil(t, open)
	assert.Equal(t, models.SeverityCritical, open.Severity)
}

func TestRULObservationsOpenAndClose(t *testing.T) {
	eval, st, _ := newTestEvaluator()
	ctx := context.Background()
	now := time.Now().UTC()

	eval.ObserveRUL(ctx, "BAT-3", 170, now)
	require.NotNil(t, st.openByKind("BAT-3", models.AlertRULWarning))
	assert.Nil(t, st.openByKind("BAT-3", models.AlertRULCritical))

	eval.ObserveRUL(ctx, "BAT-3", 80, now.Add(time.Minute))
	require.NotNil(t, st.openByKind("BAT-3", models.AlertRULWarning))
	crit := st.openByKind("BAT-3", models.AlertRULCritical)
	require.NotNil(t, crit)
	assert.Equal(t, models.SeverityCritical, crit.Severity)

	eval.ObserveRUL(ctx, "BAT-3", 200, now.Add(2*time.Minute))
	assert.Nil(t, st.openByKind("BAT-3", models.AlertRULWarning))
	assert.Nil(t, st.openByKind("BAT-3", models.AlertRULCritical))
}

func TestRestoreRebuildsOpenAlertState(t *testing.T) {
	st := newMemStore()
	now := time.Now().UTC()
	existing := &models.Alert{
		ID:            ulid.Make().String(),
		BatteryID:     "BAT-2",
		Kind:          models.AlertTemperatureHigh,
		Severity:      models.SeverityWarning,
		Threshold:     45,
		ObservedValue: 46.5,
		TriggeredAt:   now.Add(-time.Hour),
	}
	require.NoError(t, st.OpenAlert(context.Background(), existing))
	st.samples["BAT-2"] = []models.TelemetrySample{
		sampleAt("BAT-2", now.Add(-time.Hour), func(s *models.TelemetrySample) { s.TemperatureC = 46.5 }),
	}

	eval := NewEvaluator(testThresholds(), st, &recordingPublisher{}, 2)
	require.NoError(t, eval.Restore(context.Background()))
	assert.True(t, eval.HasOpen("BAT-2", models.AlertTemperatureHigh))

	// The restored alert closes through the normal hysteresis path.
	eval.process(context.Background(), sampleAt("BAT-2", now, func(s *models.TelemetrySample) { s.TemperatureC = 42.0 }))
	assert.Nil(t, st.openByKind("BAT-2", models.AlertTemperatureHigh))
}

func TestNotifyResolvedAllowsReopen(t *testing.T) {
	eval, st, _ := newTestEvaluator()
	ctx := context.Background()
	base := time.Now().UTC()

	eval.process(ctx, sampleAt("BAT-1", base, func(s *models.TelemetrySample) { s.TemperatureC = 46 }))
	open := st.openByKind("BAT-1", models.AlertTemperatureHigh)
	require.NotNil(t, open)

	// Operator resolves through the API; the evaluator is told.
	_, err := st.ResolveAlert(ctx, open.ID, base.Add(time.Second))
	require.NoError(t, err)
	eval.NotifyResolved("BAT-1", models.AlertTemperatureHigh)

	// A fresh hot sample reopens rather than fatally colliding.
	eval.process(ctx, sampleAt("BAT-1", base.Add(2*time.Second), func(s *models.TelemetrySample) { s.TemperatureC = 47 }))
	reopened := st.openByKind("BAT-1", models.AlertTemperatureHigh)
	require.NotNil(t, reopened)
	assert.NotEqual(t, open.ID, reopened.ID)
}

func TestWorkerPoolProcessesRoutedSamples(t *testing.T) {
	eval, st, _ := newTestEvaluator()
	eval.Start(context.Background())
	defer eval.Stop()

	base := time.Now().UTC()
	eval.Evaluate(sampleAt("BAT-7", base, func(s *models.TelemetrySample) { s.TemperatureC = 48 }))

	require.Eventually(t, func() bool {
		return st.openByKind("BAT-7", models.AlertTemperatureHigh) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestoreReplaysHysteresisState(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	openAlert := &models.Alert{
		ID:            ulid.Make().String(),
		BatteryID:     "BAT-5",
		Kind:          models.AlertVoltageHigh,
		Severity:      models.SeverityWarning,
		Threshold:     14.4,
		ObservedValue: 14.6,
		TriggeredAt:   now.Add(-10 * time.Minute),
	}
	require.NoError(t, st.OpenAlert(ctx, openAlert))

	// The last stored sample before the restart already counted one step
	// toward the two-sample close.
	st.samples["BAT-5"] = []models.TelemetrySample{
		sampleAt("BAT-5", now.Add(-10*time.Minute), func(s *models.TelemetrySample) { s.VoltageV = 14.6 }),
		sampleAt("BAT-5", now.Add(-time.Minute), func(s *models.TelemetrySample) { s.VoltageV = 14.1 }),
	}

	eval := NewEvaluator(testThresholds(), st, &recordingPublisher{}, 2)
	require.NoError(t, eval.Restore(ctx))
	require.True(t, eval.HasOpen("BAT-5", models.AlertVoltageHigh))

	// One post-restart sample completes the streak the history started.
	eval.process(ctx, sampleAt("BAT-5", now, func(s *models.TelemetrySample) { s.VoltageV = 14.0 }))
	assert.Nil(t, st.openByKind("BAT-5", models.AlertVoltageHigh))
}

func TestRestoreReplaysDriftClock(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	openAlert := &models.Alert{
		ID:          ulid.Make().String(),
		BatteryID:   "BAT-6",
		Kind:        models.AlertResistanceDrift,
		Severity:    models.SeverityWarning,
		TriggeredAt: now.Add(-30 * time.Minute),
	}
	require.NoError(t, st.OpenAlert(ctx, openAlert))
	st.samples["BAT-6"] = []models.TelemetrySample{
		sampleAt("BAT-6", now.Add(-time.Hour), nil), // baseline 10 mΩ
		sampleAt("BAT-6", now.Add(-40*time.Minute), func(s *models.TelemetrySample) { s.ResistanceMO = 12.5 }),
	}

	eval := NewEvaluator(testThresholds(), st, &recordingPublisher{}, 2)
	require.NoError(t, eval.Restore(ctx))

	// The replayed history carries the baseline, so a calm reading after
	// the restart closes against it.
	eval.process(ctx, sampleAt("BAT-6", now, func(s *models.TelemetrySample) { s.ResistanceMO = 10.4 }))
	assert.Nil(t, st.openByKind("BAT-6", models.AlertResistanceDrift))
}

func TestStateShardingFollowsRouting(t *testing.T) {
	eval, _, _ := newTestEvaluator()
	ctx := context.Background()
	base := time.Now().UTC()

	eval.process(ctx, sampleAt("BAT-1", base, nil))
	eval.process(ctx, sampleAt("BAT-2", base, nil))

	for _, id := range []string{"BAT-1", "BAT-2"} {
		sh := eval.shards[eval.route(id)]
		sh.mu.Lock()
		_, ok := sh.states[id]
		sh.mu.Unlock()
		assert.True(t, ok, "state for %s must live on its routed shard", id)
	}
}
