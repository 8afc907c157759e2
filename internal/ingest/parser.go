package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"fleetalerts/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=([^\s,]+)`)
)

var fieldAliases = map[string][]string{
	"timestamp":       {"timestamp", "time", "ts"},
	"vehicle_id":      {"vehicle_id", "vehicle", "vehicleid", "vin", "device_id"},
	"soc":             {"soc", "state_of_charge", "battery_soc", "battery_pct"},
	"motor_temp":      {"motor_temp", "motor_temperature", "motor_temp_c"},
	"temperature":     {"temperature", "temp", "battery_temp", "pack_temp"},
	"battery_voltage": {"battery_voltage", "voltage", "pack_voltage"},
	"speed":           {"speed", "speed_kmh"},
}

// csvPositional is the column order of headerless CSV records.
var csvPositional = []string{"timestamp", "vehicle_id", "soc", "motor_temp", "temperature", "battery_voltage", "speed"}

type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine accepts JSON objects, CSV records and "key=value" lines. It
// returns nil fields for blank lines and CSV headers.
func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := parseJSON(trim); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields, err := parsePlain(trim)
	if err != nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parseJSON(line string) (*normalize.EventFields, error) {
	return ParseJSONBytes([]byte(line))
}

func parsePlain(line string) (*normalize.EventFields, error) {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	ts, rest := extractTimestamp(line)

	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		fields.Extras[strings.ToLower(match[1])] = match[2]
	}
	fillFields(fields, fields.Extras)
	if fields.Timestamp == "" {
		fields.Timestamp = ts
	}
	if fields.VehicleID == "" && rest != "" {
		tokens := strings.Fields(rest)
		if len(tokens) > 0 && !strings.Contains(tokens[0], "=") {
			fields.VehicleID = tokens[0]
		}
	}
	return fields, nil
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func fillFields(fields *normalize.EventFields, kv map[string]string) {
	fields.Timestamp = firstNonEmpty(kv, fieldAliases["timestamp"]...)
	fields.VehicleID = firstNonEmpty(kv, fieldAliases["vehicle_id"]...)
	fields.SOC = firstNonEmpty(kv, fieldAliases["soc"]...)
	fields.MotorTemp = firstNonEmpty(kv, fieldAliases["motor_temp"]...)
	fields.Temperature = firstNonEmpty(kv, fieldAliases["temperature"]...)
	fields.BatteryVoltage = firstNonEmpty(kv, fieldAliases["battery_voltage"]...)
	fields.Speed = firstNonEmpty(kv, fieldAliases["speed"]...)
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// canonical maps an alias to its field name, or returns "" for unknown names.
func canonical(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	for field, aliases := range fieldAliases {
		for _, a := range aliases {
			if a == name {
				return field
			}
		}
	}
	return ""
}

// CSVParser remembers the first header it sees; later records are mapped by it.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	header := p.header
	if header == nil {
		header = csvPositional
	}
	kv := make(map[string]string, len(record))
	for i, name := range header {
		if i >= len(record) {
			break
		}
		kv[name] = strings.TrimSpace(record[i])
	}
	fields := &normalize.EventFields{Extras: kv}
	fillFields(fields, kv)
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		if canonical(v) != "" {
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
