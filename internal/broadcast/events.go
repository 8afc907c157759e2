package broadcast

import (
	"time"

	"fleetalerts/internal/model"
	"fleetalerts/internal/notify"
)

const (
	TypeStateUpdate = "alert_state_update"
	TypeSummary     = "alert_summary"
	TypeTelemetry   = "telemetry_update"
)

type AlertPayload struct {
	AlertID   string          `json:"alert_id"`
	VehicleID string          `json:"vehicle_id"`
	AlertType model.AlertType `json:"alert_type"`
	Severity  model.Severity  `json:"severity"`
	Message   string          `json:"message"`
	CreatedAt time.Time       `json:"created_at"`
}

type StateUpdate struct {
	Type          string              `json:"type"`
	Alert         AlertPayload        `json:"alert"`
	Transition    notify.Transition   `json:"transition"`
	VisualImpact  notify.VisualImpact `json:"visual_impact"`
	NewlyCritical bool                `json:"newly_critical"`
}

func NewStateUpdate(alert model.Alert, d notify.Decision) StateUpdate {
	return StateUpdate{
		Type: TypeStateUpdate,
		Alert: AlertPayload{
			AlertID:   alert.ID,
			VehicleID: alert.VehicleID,
			AlertType: alert.Type,
			Severity:  alert.Severity,
			Message:   alert.Message,
			CreatedAt: alert.CreatedAt.UTC(),
		},
		Transition:    d.Transition,
		VisualImpact:  d.Impact,
		NewlyCritical: d.NewlyCritical,
	}
}

type TypeCount struct {
	AlertType model.AlertType `json:"alert_type"`
	Count     int             `json:"count"`
}

type Summary struct {
	Type             string      `json:"type"`
	Active           int         `json:"active"`
	CriticalVehicles int         `json:"critical_vehicles"`
	WarningVehicles  int         `json:"warning_vehicles"`
	ByType           []TypeCount `json:"by_type"`
	GeneratedAt      time.Time   `json:"generated_at"`
}

// sameContent compares summaries ignoring the generation time.
func (s Summary) sameContent(o Summary) bool {
	if s.Active != o.Active || s.CriticalVehicles != o.CriticalVehicles || s.WarningVehicles != o.WarningVehicles {
		return false
	}
	if len(s.ByType) != len(o.ByType) {
		return false
	}
	for i := range s.ByType {
		if s.ByType[i] != o.ByType[i] {
			return false
		}
	}
	return true
}

type TelemetryUpdate struct {
	Type      string         `json:"type"`
	VehicleID string         `json:"vehicle_id"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}
