package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/voltguard/voltguard/internal/models"
)

func (e *Evaluator) evalVoltage(ctx context.Context, s *batteryState, sample models.TelemetrySample) {
	t := e.thresholds
	s.trackVoltage(t, sample)

	// voltage_high: two consecutive samples above the threshold open,
	// two consecutive at or below threshold minus hysteresis close.
	if s.open[models.AlertVoltageHigh] == nil && s.voltHighStreak >= 2 {
		e.open(ctx, s, sample, models.AlertVoltageHigh, models.SeverityWarning, t.VoltageHighV, sample.VoltageV,
			fmt.Sprintf("Voltage %.2f V above %.2f V on battery %s", sample.VoltageV, t.VoltageHighV, sample.BatteryID))
	} else if s.open[models.AlertVoltageHigh] != nil && s.voltHighClearStreak >= 2 {
		e.close(ctx, s, models.AlertVoltageHigh, sample.Timestamp)
	}

	if s.open[models.AlertVoltageLow] == nil && s.voltLowStreak >= 2 {
		e.open(ctx, s, sample, models.AlertVoltageLow, models.SeverityWarning, t.VoltageLowV, sample.VoltageV,
			fmt.Sprintf("Voltage %.2f V below %.2f V on battery %s", sample.VoltageV, t.VoltageLowV, sample.BatteryID))
	} else if s.open[models.AlertVoltageLow] != nil && s.voltLowClearStreak >= 2 {
		e.close(ctx, s, models.AlertVoltageLow, sample.Timestamp)
	}
}

func (e *Evaluator) evalTemperature(ctx context.Context, s *batteryState, sample models.TelemetrySample) {
	t := e.thresholds
	existing := s.open[models.AlertTemperatureHigh]

	switch {
	case existing == nil && sample.TemperatureC > t.TempHighC:
		severity := models.SeverityWarning
		if sample.TemperatureC > t.TempCriticalC {
			severity = models.SeverityCritical
		}
		e.open(ctx, s, sample, models.AlertTemperatureHigh, severity, t.TempHighC, sample.TemperatureC,
			fmt.Sprintf("Temperature %.1f °C above %.1f °C on battery %s", sample.TemperatureC, t.TempHighC, sample.BatteryID))
	case existing != nil && sample.TemperatureC <= t.TempClearC:
		e.close(ctx, s, models.AlertTemperatureHigh, sample.Timestamp)
	case existing != nil && existing.Severity == models.SeverityWarning && sample.TemperatureC > t.TempCriticalC:
		e.escalate(ctx, s, models.AlertTemperatureHigh, sample.TemperatureC)
	}
}

// evalResistance compares against a baseline that settles while
// readings are normal and freezes once a drift is suspected, so the
// trip ratio always measures against pre-drift resistance.
func (e *Evaluator) evalResistance(ctx context.Context, s *batteryState, sample models.TelemetrySample) {
	t := e.thresholds
	if sample.ResistanceMO <= 0 {
		return
	}
	first := s.resistanceBaseline == 0
	baseline := s.resistanceBaseline
	s.trackResistance(t, sample)
	if first {
		return
	}

	existing := s.open[models.AlertResistanceDrift]

	switch {
	case sample.ResistanceMO > baseline*t.ResistanceTripRatio:
		if existing == nil && sample.Timestamp.Sub(*s.driftSince) >= driftHold {
			e.open(ctx, s, sample, models.AlertResistanceDrift, models.SeverityWarning,
				baseline*t.ResistanceTripRatio, sample.ResistanceMO,
				fmt.Sprintf("Internal resistance %.2f mΩ exceeds %.0f%% of baseline %.2f mΩ on battery %s",
					sample.ResistanceMO, t.ResistanceTripRatio*100, baseline, sample.BatteryID))
		}
	case sample.ResistanceMO <= baseline*t.ResistanceClearRatio:
		if existing != nil {
			e.close(ctx, s, models.AlertResistanceDrift, sample.Timestamp)
		}
	}
}

func (e *Evaluator) evalSoH(ctx context.Context, s *batteryState, sample models.TelemetrySample) {
	t := e.thresholds
	s.trackSoH(t, sample)
	existing := s.open[models.AlertSoHDegraded]

	if existing == nil {
		if sample.SoHPct < t.SoHDegradedPct {
			severity := models.SeverityWarning
			if sample.SoHPct < t.SoHCriticalPct {
				severity = models.SeverityCritical
			}
			e.open(ctx, s, sample, models.AlertSoHDegraded, severity, t.SoHDegradedPct, sample.SoHPct,
				fmt.Sprintf("State of health %.1f%% below %.1f%% on battery %s", sample.SoHPct, t.SoHDegradedPct, sample.BatteryID))
		}
		return
	}

	if existing.Severity == models.SeverityWarning && sample.SoHPct < t.SoHCriticalPct {
		e.escalate(ctx, s, models.AlertSoHDegraded, sample.SoHPct)
	}

	// Close only after SoH has held at or above the clear threshold for
	// the full recovery window.
	if s.sohRecoverySince != nil && sample.Timestamp.Sub(*s.sohRecoverySince) >= sohRecoveryHold {
		e.close(ctx, s, models.AlertSoHDegraded, sample.Timestamp)
		s.sohRecoverySince = nil
	}
}

// ObserveRUL feeds a remaining-useful-life prediction into the alert
// state. Called from the API proxy path rather than the worker pool.
func (e *Evaluator) ObserveRUL(ctx context.Context, batteryID string, rulDays float64, at time.Time) {
	sh := e.shardFor(batteryID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s := sh.stateFor(batteryID)

	sample := models.TelemetrySample{BatteryID: batteryID, Timestamp: at}

	if s.open[models.AlertRULWarning] == nil && rulDays < e.thresholds.RULWarningDays {
		e.open(ctx, s, sample, models.AlertRULWarning, models.SeverityWarning, e.thresholds.RULWarningDays, rulDays,
			fmt.Sprintf("Predicted remaining life %.0f days below %.0f days for battery %s", rulDays, e.thresholds.RULWarningDays, batteryID))
	} else if s.open[models.AlertRULWarning] != nil && rulDays >= e.thresholds.RULWarningDays {
		e.close(ctx, s, models.AlertRULWarning, at)
	}

	if s.open[models.AlertRULCritical] == nil && rulDays < e.thresholds.RULCriticalDays {
		e.open(ctx, s, sample, models.AlertRULCritical, models.SeverityCritical, e.thresholds.RULCriticalDays, rulDays,
			fmt.Sprintf("Predicted remaining life %.0f days below critical %.0f days for battery %s", rulDays, e.thresholds.RULCriticalDays, batteryID))
	} else if s.open[models.AlertRULCritical] != nil && rulDays >= e.thresholds.RULCriticalDays {
		e.close(ctx, s, models.AlertRULCritical, at)
	}
}

// HasOpen reports whether the given kind is currently open for the
// battery, from the evaluator's in-memory view.
func (e *Evaluator) HasOpen(batteryID string, kind models.AlertKind) bool {
	sh := e.shardFor(batteryID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.states[batteryID]
	return ok && s.open[kind] != nil
}
