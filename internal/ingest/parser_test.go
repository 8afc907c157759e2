package ingest

import "testing"

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	line := "2024-05-01 12:00:00 EV1 soc=12.5 motor_temp=91 voltage=48"
	fields, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.VehicleID != "EV1" {
		t.Fatalf("vehicle id: %s", fields.VehicleID)
	}
	if fields.SOC != "12.5" || fields.MotorTemp != "91" || fields.BatteryVoltage != "48" {
		t.Fatalf("readings mismatch: %+v", fields)
	}
	if fields.Timestamp != "2024-05-01 12:00:00" {
		t.Fatalf("timestamp: %q", fields.Timestamp)
	}
}

func TestParsePlainKeyedVehicle(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("vehicle=EV9 soc=4")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.VehicleID != "EV9" || fields.SOC != "4" {
		t.Fatalf("kv parse mismatch: %+v", fields)
	}
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	if fields, _ := p.ParseLine("timestamp,vehicle_id,soc,temp"); fields != nil {
		t.Fatalf("expected header to return nil")
	}
	fields, err := p.ParseLine("2024-05-01T12:00:00Z,EV2,33,40.5")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.VehicleID != "EV2" || fields.SOC != "33" || fields.Temperature != "40.5" {
		t.Fatalf("csv parse mismatch: %+v", fields)
	}
}

func TestParseCSVPositional(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("1714564800,EV3,9,88,30,52,61")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.VehicleID != "EV3" || fields.MotorTemp != "88" || fields.Speed != "61" {
		t.Fatalf("positional csv mismatch: %+v", fields)
	}
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	line := `{"timestamp":1714564800,"vehicle":"EV4","readings":{"soc":14,"motor_temp":null},"battery_voltage":90.5}`
	fields, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.VehicleID != "EV4" || fields.SOC != "14" || fields.BatteryVoltage != "90.5" {
		t.Fatalf("json parse mismatch: %+v", fields)
	}
	if fields.Timestamp != "1714564800" {
		t.Fatalf("numeric timestamp: %q", fields.Timestamp)
	}
	if fields.MotorTemp != "" {
		t.Fatalf("null reading should be empty, got %q", fields.MotorTemp)
	}
}
