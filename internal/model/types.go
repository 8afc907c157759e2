package model

import "time"

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities for escalation checks. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

type AlertType string

const (
	AlertLowBattery      AlertType = "low_battery"
	AlertCriticalBattery AlertType = "critical_battery"
	AlertHighTemperature AlertType = "high_temperature"
	AlertAbnormalVoltage AlertType = "abnormal_voltage"
)

// AlertKey identifies the single active alert slot of a vehicle for one alert type.
type AlertKey struct {
	VehicleID string
	Type      AlertType
}

func (k AlertKey) String() string {
	return k.VehicleID + "|" + string(k.Type)
}

// Telemetry is one normalized sample. Readings are optional: a nil pointer
// means the vehicle did not report that sensor in this sample.
type Telemetry struct {
	VehicleID      string    `json:"vehicle_id"`
	Timestamp      time.Time `json:"timestamp"`
	SOC            *float64  `json:"soc,omitempty"`
	MotorTemp      *float64  `json:"motor_temp,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	BatteryVoltage *float64  `json:"battery_voltage,omitempty"`
	Speed          *float64  `json:"speed,omitempty"`
	Source         string    `json:"source,omitempty"`
	Raw            string    `json:"-"`
}

// Snapshot returns the readings present in the sample, keyed like the wire format.
func (t Telemetry) Snapshot() map[string]any {
	out := map[string]any{
		"vehicle_id": t.VehicleID,
		"timestamp":  t.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	put := func(name string, v *float64) {
		if v != nil {
			out[name] = *v
		}
	}
	put("soc", t.SOC)
	put("motor_temp", t.MotorTemp)
	put("temperature", t.Temperature)
	put("battery_voltage", t.BatteryVoltage)
	put("speed", t.Speed)
	return out
}

// Candidate is a potential alert produced by rule evaluation, not yet persisted.
type Candidate struct {
	Type     AlertType      `json:"alert_type"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

type Alert struct {
	ID             string         `json:"alert_id"`
	VehicleID      string         `json:"vehicle_id"`
	Type           AlertType      `json:"alert_type"`
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

func (a Alert) Key() AlertKey {
	return AlertKey{VehicleID: a.VehicleID, Type: a.Type}
}

// AlertEvent is one entry of the recent alert activity feed.
type AlertEvent struct {
	Kind      string    `json:"kind"`
	Alert     Alert     `json:"alert"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventCreated  = "created"
	EventResolved = "resolved"
)
