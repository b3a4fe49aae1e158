package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_WritesOneJSONLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewDefaultLogger(&buf, "replicator")
	l.Info(context.Background(), "fact saved", map[string]any{"fact_type": "Order", "count": 3})

	line := strings.TrimRight(buf.String(), "\n")
	if strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("expected exactly one newline, got %q", buf.String())
	}
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if ev.Service != "replicator" || ev.Msg != "fact saved" || ev.Level != LevelInfo {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, Options{Service: "x", Level: LevelWarn})
	l.Info(context.Background(), "should be dropped", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}
	l.Warn(context.Background(), "should appear", nil)
	if buf.Len() == 0 {
		t.Fatalf("expected warn to be written")
	}
}

func TestLogger_ContextEnrichmentIsAuthoritative(t *testing.T) {
	var buf bytes.Buffer
	l := NewDefaultLogger(&buf, "replicator")
	ctx := context.WithValue(context.Background(), "request_id", "req-123")
	l.Info(ctx, "hello", map[string]any{"request_id": "caller-supplied"})

	var ev Event
	if err := json.Unmarshal(bytes.TrimRight(buf.Bytes(), "\n"), &ev); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	found := false
	for _, f := range ev.Fields {
		if f.K == "request_id" {
			found = true
			if f.V != "req-123" {
				t.Fatalf("expected context request_id to win, got %q", f.V)
			}
		}
	}
	if !found {
		t.Fatalf("expected request_id field present")
	}
}
