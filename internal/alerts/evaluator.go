// Package alerts turns telemetry into alert lifecycle events. One
// state machine per (battery, kind); samples for a given battery are
// always routed to the same worker, and state is sharded the same way,
// so workers never contend with each other on the sample path.
package alerts

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voltguard/voltguard/internal/models"
)

const (
	restoreMaxSamples = 128
	restoreMaxAge     = 24 * time.Hour

	// sustained drift must span this long before resistance_drift opens
	driftHold = 10 * time.Minute
	// SoH must stay above the clear threshold this long before
	// soh_degraded closes
	sohRecoveryHold = 24 * time.Hour

	defaultWorkers = 4
	queueDepth     = 512
)

// Thresholds are the trip/clear points for every rule. Zero values are
// not usable; callers populate from configuration.
type Thresholds struct {
	VoltageHighV         float64
	VoltageLowV          float64
	VoltageHysteresisV   float64
	TempHighC            float64
	TempClearC           float64
	TempCriticalC        float64
	ResistanceTripRatio  float64
	ResistanceClearRatio float64
	SoHDegradedPct       float64
	SoHClearPct          float64
	SoHCriticalPct       float64
	RULWarningDays       float64
	RULCriticalDays      float64
}

// AlertStore is the slice of the store the evaluator needs.
type AlertStore interface {
	OpenAlert(ctx context.Context, a *models.Alert) error
	ResolveAlert(ctx context.Context, alertID string, resolvedAt time.Time) (*models.Alert, error)
	EscalateAlert(ctx context.Context, alertID string, severity models.Severity, observed float64) (*models.Alert, error)
	OpenAlertsForBattery(ctx context.Context, batteryID string) ([]models.Alert, error)
	BatteriesWithOpenAlerts(ctx context.Context) ([]string, error)
	RecentSamples(ctx context.Context, batteryID string, since time.Time, maxRows int) ([]models.TelemetrySample, error)
	SiteIDForBattery(ctx context.Context, batteryID string) (string, error)
}

// Publisher receives alert transitions for fan-out to live subscribers.
type Publisher interface {
	PublishAlert(alert *models.Alert)
}

// Evaluator owns the per-battery rule state, sharded per worker.
type Evaluator struct {
	thresholds Thresholds
	store      AlertStore
	publisher  Publisher

	workers int
	queues  []chan models.TelemetrySample
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	// One shard per worker, addressed by the same routing hash as the
	// queues. A battery's samples always land on one shard; the shard
	// lock exists for the RUL and operator paths, which arrive from API
	// goroutines instead of the pool.
	shards []*stateShard
}

type stateShard struct {
	mu     sync.Mutex
	states map[string]*batteryState
}

func (sh *stateShard) stateFor(batteryID string) *batteryState {
	state, ok := sh.states[batteryID]
	if !ok {
		state = &batteryState{open: make(map[models.AlertKind]*models.Alert)}
		sh.states[batteryID] = state
	}
	return state
}

// batteryState is the rule bookkeeping for one battery.
type batteryState struct {
	open map[models.AlertKind]*models.Alert

	voltHighStreak      int
	voltHighClearStreak int
	voltLowStreak       int
	voltLowClearStreak  int

	// resistance baseline settles while no drift is suspected and
	// freezes once readings run hot, so the reference the trip ratio
	// compares against is pre-drift.
	resistanceBaseline float64
	driftSince         *time.Time

	sohRecoverySince *time.Time
}

// track advances streaks, the drift clock, the resistance baseline, and
// the SoH recovery clock for one sample, without opening or closing
// anything. The live path runs it before deciding transitions; Restore
// replays recent history through it so hysteresis state survives a
// restart.
func (s *batteryState) track(t Thresholds, sample models.TelemetrySample) {
	s.trackVoltage(t, sample)
	s.trackResistance(t, sample)
	s.trackSoH(t, sample)
}

func (s *batteryState) trackVoltage(t Thresholds, sample models.TelemetrySample) {
	if sample.VoltageV > t.VoltageHighV {
		s.voltHighStreak++
	} else {
		s.voltHighStreak = 0
	}
	if sample.VoltageV <= t.VoltageHighV-t.VoltageHysteresisV {
		s.voltHighClearStreak++
	} else {
		s.voltHighClearStreak = 0
	}

	if sample.VoltageV < t.VoltageLowV {
		s.voltLowStreak++
	} else {
		s.voltLowStreak = 0
	}
	if sample.VoltageV >= t.VoltageLowV+t.VoltageHysteresisV {
		s.voltLowClearStreak++
	} else {
		s.voltLowClearStreak = 0
	}
}

func (s *batteryState) trackResistance(t Thresholds, sample models.TelemetrySample) {
	if sample.ResistanceMO <= 0 {
		return
	}
	if s.resistanceBaseline == 0 {
		s.resistanceBaseline = sample.ResistanceMO
		return
	}
	switch {
	case sample.ResistanceMO > s.resistanceBaseline*t.ResistanceTripRatio:
		if s.driftSince == nil {
			since := sample.Timestamp
			s.driftSince = &since
		}
	case sample.ResistanceMO <= s.resistanceBaseline*t.ResistanceClearRatio:
		s.driftSince = nil
		// Settle the baseline toward current readings only while calm.
		s.resistanceBaseline = s.resistanceBaseline*0.9 + sample.ResistanceMO*0.1
	default:
		// Between clear and trip ratios: no drift clock, no settling.
		s.driftSince = nil
	}
}

func (s *batteryState) trackSoH(t Thresholds, sample models.TelemetrySample) {
	if sample.SoHPct >= t.SoHClearPct {
		if s.sohRecoverySince == nil {
			since := sample.Timestamp
			s.sohRecoverySince = &since
		}
	} else {
		s.sohRecoverySince = nil
	}
}

// NewEvaluator builds the evaluator with a fixed worker pool.
func NewEvaluator(thresholds Thresholds, store AlertStore, publisher Publisher, workers int) *Evaluator {
	if workers <= 0 {
		workers = defaultWorkers
	}
	e := &Evaluator{
		thresholds: thresholds,
		store:      store,
		publisher:  publisher,
		workers:    workers,
		queues:     make([]chan models.TelemetrySample, workers),
		shards:     make([]*stateShard, workers),
	}
	for i := range e.queues {
		e.queues[i] = make(chan models.TelemetrySample, queueDepth)
		e.shards[i] = &stateShard{states: make(map[string]*batteryState)}
	}
	return e
}

// Start launches the worker pool. Restore should run before the first
// Evaluate call so open-alert state is in place.
func (e *Evaluator) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, e.queues[i])
	}
}

// Stop drains the pool.
func (e *Evaluator) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Restore rebuilds state for every battery that has at least one open
// alert: the open-alert map is reloaded and recent history is replayed
// through the rule bookkeeping, so hysteresis conditions pick up where
// they left off instead of starting from scratch after a restart.
func (e *Evaluator) Restore(ctx context.Context) error {
	batteryIDs, err := e.store.BatteriesWithOpenAlerts(ctx)
	if err != nil {
		return err
	}
	for _, id := range batteryIDs {
		samples, err := e.store.RecentSamples(ctx, id, time.Now().Add(-restoreMaxAge), restoreMaxSamples)
		if err != nil {
			return err
		}
		open, err := e.store.OpenAlertsForBattery(ctx, id)
		if err != nil {
			return err
		}

		sh := e.shardFor(id)
		sh.mu.Lock()
		state := sh.stateFor(id)
		for i := range samples {
			state.track(e.thresholds, samples[i])
		}
		for i := range open {
			a := open[i]
			state.open[a.Kind] = &a
		}
		sh.mu.Unlock()

		log.Info().Str("battery", id).Int("open_alerts", len(open)).
			Int("replayed_samples", len(samples)).Msg("Restored evaluator state")
	}
	return nil
}

// Evaluate routes the sample to the battery's worker. Never blocks the
// ingest path for long: the queue is deep and processing is cheap.
func (e *Evaluator) Evaluate(sample models.TelemetrySample) {
	e.queues[e.route(sample.BatteryID)] <- sample
}

func (e *Evaluator) route(batteryID string) int {
	h := fnv.New32a()
	h.Write([]byte(batteryID))
	return int(h.Sum32()) % e.workers
}

func (e *Evaluator) shardFor(batteryID string) *stateShard {
	return e.shards[e.route(batteryID)]
}

func (e *Evaluator) worker(ctx context.Context, queue <-chan models.TelemetrySample) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-queue:
			e.process(ctx, sample)
		}
	}
}

func (e *Evaluator) process(ctx context.Context, sample models.TelemetrySample) {
	sh := e.shardFor(sample.BatteryID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	state := sh.stateFor(sample.BatteryID)

	e.evalVoltage(ctx, state, sample)
	e.evalTemperature(ctx, state, sample)
	e.evalResistance(ctx, state, sample)
	e.evalSoH(ctx, state, sample)
}
