package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLoggerTagsService(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "debug", "json", "dfs-api")
	log.Info().Str("chunk_id", "c1").Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %v: %s", err, buf.String())
	}
	if line["service"] != "dfs-api" || line["chunk_id"] != "c1" || line["message"] != "hello" {
		t.Fatalf("line = %v", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "WARN", "json", "x")
	log.Info().Msg("dropped")
	log.Warn().Msg("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("output = %s", buf.String())
	}

	buf.Reset()
	unknown := NewWithWriter(&buf, "nonsense", "json", "x")
	unknown.Debug().Msg("debug")
	if buf.Len() != 0 {
		t.Fatal("unknown level should default to info")
	}
}
