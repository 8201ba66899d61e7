// Package ingest accepts telemetry batches, validates them against the
// physical gates, commits them atomically, and fans results out to the
// evaluator and the live feed.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/metrics"
	"github.com/voltguard/voltguard/internal/models"
)

// Physical gates: a reading outside these is rejected, never clamped.
const (
	MinVoltageV     = 0
	MaxVoltageV     = 20
	MinTemperatureC = -20
	MaxTemperatureC = 80
	MinPct          = 0
	MaxPct          = 100
)

// MaxBatchSize bounds one producer call.
const MaxBatchSize = 1000

// Store is the slice of the store the pipeline writes through.
type Store interface {
	InsertSamples(ctx context.Context, samples []models.TelemetrySample) error
	OpenAlertsForBattery(ctx context.Context, batteryID string) ([]models.Alert, error)
}

// Evaluator receives every committed sample.
type Evaluator interface {
	Evaluate(sample models.TelemetrySample)
}

// Publisher is the live-feed side of the pipeline.
type Publisher interface {
	PublishTelemetry(sample models.TelemetrySample)
	PublishStatus(batteryID string, status models.HealthStatus, sohPct float64)
}

// Pipeline validates, persists, and fans out telemetry batches.
type Pipeline struct {
	store     Store
	evaluator Evaluator
	publisher Publisher

	// lastStatus tracks the last published classification per battery
	// so battery_status_update only fires on change.
	mu         sync.Mutex
	lastStatus map[string]models.HealthStatus
}

// NewPipeline wires the ingestion path.
func NewPipeline(store Store, evaluator Evaluator, publisher Publisher) *Pipeline {
	return &Pipeline{
		store:      store,
		evaluator:  evaluator,
		publisher:  publisher,
		lastStatus: make(map[string]models.HealthStatus),
	}
}

// Ingest runs the full pipeline for one batch: gate validation (whole
// batch rejected on the first offending sample), in-batch dedupe with
// last-occurrence-wins, one store transaction, then evaluator handoff
// and hub publishes for each committed sample.
func (p *Pipeline) Ingest(ctx context.Context, batch []models.TelemetrySample) (int, error) {
	const op = "ingest.batch"

	if len(batch) == 0 {
		return 0, apperrors.New(apperrors.KindValidation, op, "Batch contains no samples")
	}
	if len(batch) > MaxBatchSize {
		metrics.RecordBatchRejected("too_large")
		return 0, apperrors.New(apperrors.KindValidation, op,
			fmt.Sprintf("Batch of %d samples exceeds the maximum of %d", len(batch), MaxBatchSize))
	}

	for i := range batch {
		if err := validateSample(&batch[i]); err != nil {
			metrics.RecordBatchRejected("gate")
			return 0, err
		}
	}

	samples := dedupe(batch)

	if err := p.store.InsertSamples(ctx, samples); err != nil {
		if apperrors.KindOf(err) == apperrors.KindConflict {
			metrics.RecordBatchRejected("duplicate")
		}
		return 0, err
	}
	metrics.RecordSamplesIngested(len(samples))

	for i := range samples {
		sample := samples[i]
		if p.evaluator != nil {
			p.evaluator.Evaluate(sample)
		}
		if p.publisher != nil {
			p.publisher.PublishTelemetry(sample)
			p.publishStatusIfChanged(ctx, sample)
		}
	}

	log.Debug().Int("samples", len(samples)).Msg("Batch committed")
	return len(samples), nil
}

// publishStatusIfChanged classifies the battery from the sample and the
// current open alerts and emits only on change.
func (p *Pipeline) publishStatusIfChanged(ctx context.Context, sample models.TelemetrySample) {
	open, err := p.store.OpenAlertsForBattery(ctx, sample.BatteryID)
	if err != nil {
		log.Error().Err(err).Str("battery", sample.BatteryID).Msg("Failed to load open alerts for status classification")
		return
	}
	var hasCritical, hasWarning bool
	for i := range open {
		switch open[i].Severity {
		case models.SeverityCritical:
			hasCritical = true
		case models.SeverityWarning:
			hasWarning = true
		}
	}

	status := models.ClassifyHealth(&sample, hasCritical, hasWarning)

	p.mu.Lock()
	prev, seen := p.lastStatus[sample.BatteryID]
	changed := !seen || prev != status
	if changed {
		p.lastStatus[sample.BatteryID] = status
	}
	p.mu.Unlock()

	if changed {
		p.publisher.PublishStatus(sample.BatteryID, status, sample.SoHPct)
	}
}

// validateSample enforces the physical gates. Boundary values are
// accepted; the error detail names the first offending sample.
func validateSample(s *models.TelemetrySample) error {
	const op = "ingest.validate"

	reject := func(field string, value float64, lo, hi float64) error {
		return apperrors.New(apperrors.KindValidation, op,
			fmt.Sprintf("Sample for battery %s at %s: %s %.3f outside [%g, %g]",
				s.BatteryID, s.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), field, value, lo, hi)).
			WithEntity(s.BatteryID)
	}

	if s.BatteryID == "" {
		return apperrors.New(apperrors.KindValidation, op, "Sample is missing battery_id")
	}
	if s.Timestamp.IsZero() {
		return apperrors.New(apperrors.KindValidation, op,
			fmt.Sprintf("Sample for battery %s is missing a timestamp", s.BatteryID)).WithEntity(s.BatteryID)
	}
	if s.VoltageV < MinVoltageV || s.VoltageV > MaxVoltageV {
		return reject("voltage_v", s.VoltageV, MinVoltageV, MaxVoltageV)
	}
	if s.TemperatureC < MinTemperatureC || s.TemperatureC > MaxTemperatureC {
		return reject("temperature_c", s.TemperatureC, MinTemperatureC, MaxTemperatureC)
	}
	if s.ResistanceMO < 0 {
		return apperrors.New(apperrors.KindValidation, op,
			fmt.Sprintf("Sample for battery %s at %s: internal_resistance_mohm %.3f must be non-negative",
				s.BatteryID, s.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), s.ResistanceMO)).
			WithEntity(s.BatteryID)
	}
	if s.SoCPct < MinPct || s.SoCPct > MaxPct {
		return reject("soc_pct", s.SoCPct, MinPct, MaxPct)
	}
	if s.SoHPct < MinPct || s.SoHPct > MaxPct {
		return reject("soh_pct", s.SoHPct, MinPct, MaxPct)
	}
	return nil
}

// dedupe collapses duplicate (battery, timestamp) pairs, keeping the
// last occurrence, and returns the batch in a stable per-battery
// chronological order.
func dedupe(batch []models.TelemetrySample) []models.TelemetrySample {
	type key struct {
		battery string
		tsMs    int64
	}
	index := make(map[key]int, len(batch))
	out := make([]models.TelemetrySample, 0, len(batch))
	for _, s := range batch {
		k := key{s.BatteryID, s.Timestamp.UnixMilli()}
		if i, dup := index[k]; dup {
			out[i] = s
			continue
		}
		index[k] = len(out)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BatteryID != out[j].BatteryID {
			return out[i].BatteryID < out[j].BatteryID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
