package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{raw: "debug", want: zerolog.DebugLevel},
		{raw: " WARN ", want: zerolog.WarnLevel},
		{raw: "", want: zerolog.InfoLevel},
		{raw: "loud", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.raw); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestNewJSONComponent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Component(New(Config{Level: "info", Format: "json"}, &buf), "host")
	log.Info().Str("id", "n1").Msg("scheduled")
	log.Debug().Msg("dropped")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "host" || line["id"] != "n1" || line["message"] != "scheduled" {
		t.Fatalf("unexpected log line: %v", line)
	}
}
