package alerts

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/metrics"
	"github.com/voltguard/voltguard/internal/models"
)

// open persists a new alert and announces it. A Conflict from the store
// means the single-open invariant broke somewhere; that is a bug, so it
// is logged at fatal severity and never silently absorbed.
func (e *Evaluator) open(ctx context.Context, s *batteryState, sample models.TelemetrySample,
	kind models.AlertKind, severity models.Severity, threshold, observed float64, message string) {

	siteID, err := e.store.SiteIDForBattery(ctx, sample.BatteryID)
	if err != nil {
		log.Error().Err(err).Str("battery", sample.BatteryID).Msg("Failed to resolve site for alert")
	}

	alert := &models.Alert{
		ID:            ulid.Make().String(),
		BatteryID:     sample.BatteryID,
		SiteID:        siteID,
		Kind:          kind,
		Severity:      severity,
		Message:       message,
		Threshold:     threshold,
		ObservedValue: observed,
		TriggeredAt:   sample.Timestamp,
	}

	if err := e.store.OpenAlert(ctx, alert); err != nil {
		if apperrors.KindOf(err) == apperrors.KindConflict {
			log.WithLevel(zerolog.FatalLevel).Err(err).
				Str("battery", sample.BatteryID).Str("kind", string(kind)).
				Msg("Duplicate open alert: single-open invariant violated")
			return
		}
		log.Error().Err(err).Str("battery", sample.BatteryID).Str("kind", string(kind)).
			Msg("Failed to persist alert")
		return
	}

	s.open[kind] = alert
	metrics.RecordAlertTransition(string(kind), "open")
	log.Warn().Str("battery", sample.BatteryID).Str("kind", string(kind)).
		Str("severity", string(severity)).Float64("observed", observed).
		Msg("Alert opened")

	if e.publisher != nil {
		e.publisher.PublishAlert(alert)
	}
}

func (e *Evaluator) close(ctx context.Context, s *batteryState, kind models.AlertKind, at time.Time) {
	existing := s.open[kind]
	if existing == nil {
		return
	}

	resolved, err := e.store.ResolveAlert(ctx, existing.ID, at)
	if err != nil {
		// Already resolved elsewhere (operator action): the in-memory
		// view was stale, drop it and move on.
		if apperrors.KindOf(err) == apperrors.KindConflict || apperrors.KindOf(err) == apperrors.KindNotFound {
			delete(s.open, kind)
			return
		}
		log.Error().Err(err).Str("alert", existing.ID).Msg("Failed to resolve alert")
		return
	}

	delete(s.open, kind)
	metrics.RecordAlertTransition(string(kind), "close")
	log.Info().Str("battery", resolved.BatteryID).Str("kind", string(kind)).Msg("Alert resolved")

	if e.publisher != nil {
		e.publisher.PublishAlert(resolved)
	}
}

func (e *Evaluator) escalate(ctx context.Context, s *batteryState, kind models.AlertKind, observed float64) {
	existing := s.open[kind]
	if existing == nil {
		return
	}

	escalated, err := e.store.EscalateAlert(ctx, existing.ID, models.SeverityCritical, observed)
	if err != nil {
		log.Error().Err(err).Str("alert", existing.ID).Msg("Failed to escalate alert")
		return
	}

	s.open[kind] = escalated
	metrics.RecordAlertTransition(string(kind), "escalate")
	log.Warn().Str("battery", escalated.BatteryID).Str("kind", string(kind)).
		Float64("observed", observed).Msg("Alert escalated to critical")

	if e.publisher != nil {
		e.publisher.PublishAlert(escalated)
	}
}

// NotifyResolved lets operator-driven resolutions (via the API) update
// the evaluator's in-memory view so the condition can re-open cleanly.
func (e *Evaluator) NotifyResolved(batteryID string, kind models.AlertKind) {
	sh := e.shardFor(batteryID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.states[batteryID]; ok {
		delete(s.open, kind)
		if kind == models.AlertSoHDegraded {
			s.sohRecoverySince = nil
		}
	}
}
