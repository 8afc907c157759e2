package rules

import (
	"fmt"

	"fleetalerts/internal/model"
)

const (
	LowBatterySOC      = 15.0
	CriticalBatterySOC = 5.0
	MaxTemperature     = 85.0
	MinBatteryVoltage  = 45.0
	MaxBatteryVoltage  = 85.0
)

// Rule is a fixed threshold check. Trigger reports whether the sample raises
// the alert and with which severity; Violated is the resolution-side predicate.
type Rule struct {
	Type     model.AlertType
	Trigger  func(t model.Telemetry) (model.Severity, bool)
	Violated func(t model.Telemetry) bool
	Message  func(t model.Telemetry, sev model.Severity) string
}

var Default = []Rule{
	{
		Type: model.AlertLowBattery,
		Trigger: func(t model.Telemetry) (model.Severity, bool) {
			if t.SOC != nil && *t.SOC < LowBatterySOC {
				return model.SeverityWarning, true
			}
			return "", false
		},
		Violated: batteryLow,
		Message: func(t model.Telemetry, _ model.Severity) string {
			return fmt.Sprintf("Low battery on %s: %.1f%% state of charge", t.VehicleID, *t.SOC)
		},
	},
	{
		Type: model.AlertCriticalBattery,
		Trigger: func(t model.Telemetry) (model.Severity, bool) {
			if t.SOC != nil && *t.SOC < CriticalBatterySOC {
				return model.SeverityCritical, true
			}
			return "", false
		},
		// Stays open until the pack leaves the low band, not when it climbs back over 5%.
		Violated: batteryLow,
		Message: func(t model.Telemetry, _ model.Severity) string {
			return fmt.Sprintf("Critical battery on %s: %.1f%% state of charge", t.VehicleID, *t.SOC)
		},
	},
	{
		Type: model.AlertHighTemperature,
		Trigger: func(t model.Telemetry) (model.Severity, bool) {
			if over(t.MotorTemp, MaxTemperature) {
				return model.SeverityCritical, true
			}
			if over(t.Temperature, MaxTemperature) {
				return model.SeverityWarning, true
			}
			return "", false
		},
		Violated: func(t model.Telemetry) bool {
			if t.MotorTemp == nil && t.Temperature == nil {
				return true
			}
			return over(t.MotorTemp, MaxTemperature) || over(t.Temperature, MaxTemperature)
		},
		Message: func(t model.Telemetry, sev model.Severity) string {
			if sev == model.SeverityCritical {
				return fmt.Sprintf("Motor overheating on %s: %.1f°C", t.VehicleID, *t.MotorTemp)
			}
			return fmt.Sprintf("High temperature on %s: %.1f°C", t.VehicleID, *t.Temperature)
		},
	},
	{
		Type: model.AlertAbnormalVoltage,
		Trigger: func(t model.Telemetry) (model.Severity, bool) {
			if voltageOut(t) {
				return model.SeverityWarning, true
			}
			return "", false
		},
		Violated: func(t model.Telemetry) bool {
			return t.BatteryVoltage == nil || voltageOut(t)
		},
		Message: func(t model.Telemetry, _ model.Severity) string {
			return fmt.Sprintf("Abnormal battery voltage on %s: %.1fV", t.VehicleID, *t.BatteryVoltage)
		},
	},
}

// Evaluate maps a sample to the alert candidates it raises. It has no side effects.
func Evaluate(t model.Telemetry) []model.Candidate {
	return EvaluateWith(Default, t)
}

func EvaluateWith(set []Rule, t model.Telemetry) []model.Candidate {
	var out []model.Candidate
	for _, r := range set {
		sev, ok := r.Trigger(t)
		if !ok {
			continue
		}
		out = append(out, model.Candidate{
			Type:     r.Type,
			Severity: sev,
			Message:  r.Message(t, sev),
			Data:     t.Snapshot(),
		})
	}
	return out
}

// StillViolated reports whether the sample keeps an open alert of the given
// type alive. A missing reading counts as still violated: unknown never resolves.
func StillViolated(t model.Telemetry, alertType model.AlertType) bool {
	for _, r := range Default {
		if r.Type == alertType {
			return r.Violated(t)
		}
	}
	return true
}

// Types lists the alert types of the default rule set in evaluation order.
func Types() []model.AlertType {
	out := make([]model.AlertType, 0, len(Default))
	for _, r := range Default {
		out = append(out, r.Type)
	}
	return out
}

func batteryLow(t model.Telemetry) bool {
	return t.SOC == nil || *t.SOC < LowBatterySOC
}

func voltageOut(t model.Telemetry) bool {
	if t.BatteryVoltage == nil {
		return false
	}
	v := *t.BatteryVoltage
	return v < MinBatteryVoltage || v > MaxBatteryVoltage
}

func over(v *float64, limit float64) bool {
	return v != nil && *v > limit
}
