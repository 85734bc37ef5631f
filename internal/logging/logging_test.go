package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	buf.Reset()
	return entry
}

func TestLoggerFormatsAndCarriesFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "grievanced", Level: zerolog.DebugLevel, Output: buf})

	log.With("worker", "relay-1").Warn(context.Background(), "event %d scheduled for retry #%d", 7, 2)

	entry := decodeLine(t, buf)
	if entry["message"] != "event 7 scheduled for retry #2" {
		t.Fatalf("message = %v", entry["message"])
	}
	if entry["level"] != "warn" || entry["service"] != "grievanced" || entry["worker"] != "relay-1" {
		t.Fatalf("entry = %v", entry)
	}

	log.With("component", "consumer").Debug(context.Background(), "hello")
	if entry := decodeLine(t, buf); entry["component"] != "consumer" || entry["level"] != "debug" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{Level: zerolog.WarnLevel, Output: buf})
	log.Info(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	log.Error(context.Background(), "kept")
	if buf.Len() == 0 {
		t.Fatal("error not written")
	}
}

func TestWatermillAdapter(t *testing.T) {
	buf := &bytes.Buffer{}
	adapter := New(Options{Level: zerolog.DebugLevel, Output: buf}).Watermill()

	adapter.With(watermill.LogFields{"topic": "USER:u-1"}).Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})
	entry := decodeLine(t, buf)
	if entry["component"] != "watermill" || entry["topic"] != "USER:u-1" || entry["error"] != "boom" {
		t.Fatalf("entry = %v", entry)
	}
	if entry["attempt"] != float64(2) {
		t.Fatalf("attempt = %v", entry["attempt"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		" warn ":  zerolog.WarnLevel,
		"invalid": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNopDiscards(t *testing.T) {
	Nop().Error(context.Background(), "nothing %s", "here")
}
