package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"fleetalerts/internal/config"
	"fleetalerts/internal/model"
)

// EventFields are the raw string values a parser extracted from one record.
type EventFields struct {
	Timestamp      string
	VehicleID      string
	SOC            string
	MotorTemp      string
	Temperature    string
	BatteryVoltage string
	Speed          string
	Extras         map[string]string
	Raw            string
}

func Normalize(fields EventFields, cfg *config.Config) (model.Telemetry, error) {
	vehicle := strings.TrimSpace(fields.VehicleID)
	if vehicle == "" {
		vehicle = cfg.Ingest.Parser.DefaultVehicleID
	}
	if vehicle == "" {
		return model.Telemetry{}, errors.New("missing vehicle_id")
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Telemetry{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	t := model.Telemetry{
		VehicleID: vehicle,
		Timestamp: ts,
		Source:    "log",
		Raw:       fields.Raw,
	}
	readings := []struct {
		name  string
		value string
		dst   **float64
	}{
		{"soc", fields.SOC, &t.SOC},
		{"motor_temp", fields.MotorTemp, &t.MotorTemp},
		{"temperature", fields.Temperature, &t.Temperature},
		{"battery_voltage", fields.BatteryVoltage, &t.BatteryVoltage},
		{"speed", fields.Speed, &t.Speed},
	}
	for _, r := range readings {
		v, err := ParseReading(r.value)
		if err != nil {
			return model.Telemetry{}, fmt.Errorf("parse %s: %w", r.name, err)
		}
		*r.dst = v
	}
	return t, nil
}

// ParseReading turns a sensor value into a pointer; an empty or null value
// means the reading is absent.
func ParseReading(value string) (*float64, error) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "", "null", "nil", "<nil>", "-":
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("non-finite value %q", value)
	}
	return &v, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dot := false
	for _, ch := range value {
		if ch == '.' && !dot {
			dot = true
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// parseUnix accepts seconds (optionally fractional) or 13+ digit milliseconds.
func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
