package logging

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info", "json").Info("hello", "vehicle_id", "EV1")
	if !bytes.Contains(buf.Bytes(), []byte(`"vehicle_id":"EV1"`)) {
		t.Fatalf("json output missing attr: %s", buf.String())
	}
	buf.Reset()
	newLogger(&buf, "info", "text").Info("hello", "vehicle_id", "EV1")
	if !bytes.Contains(buf.Bytes(), []byte("vehicle_id=EV1")) {
		t.Fatalf("text output missing attr: %s", buf.String())
	}
	buf.Reset()
	newLogger(&buf, "warn", "json").Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level")
	}
}
