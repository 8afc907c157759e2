package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"fleetalerts/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap reads a flat telemetry object. One level of nested objects
// (for example "readings" or "data") is flattened; top-level keys win.
func ParseJSONMap(obj map[string]interface{}) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	var nested []map[string]interface{}
	for key, val := range obj {
		if m, ok := val.(map[string]interface{}); ok {
			nested = append(nested, m)
			continue
		}
		fields.Extras[strings.ToLower(key)] = stringify(val)
	}
	for _, m := range nested {
		for key, val := range m {
			k := strings.ToLower(key)
			if _, exists := fields.Extras[k]; !exists {
				fields.Extras[k] = stringify(val)
			}
		}
	}
	fillFields(fields, fields.Extras)
	return fields
}

func stringify(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	}
	return fmt.Sprint(val)
}
