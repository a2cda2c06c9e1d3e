// internal/checkpoint/models_test.go
package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFormatTimestamp_RoundTrip(t *testing.T) {
	instants := []time.Time{
		time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 31, 23, 59, 59, 999999000, time.UTC),
		time.Date(1999, 6, 15, 0, 0, 1, 42000, time.UTC),
		time.Now().UTC().Truncate(time.Microsecond),
	}

	for _, instant := range instants {
		formatted := FormatTimestamp(instant)
		parsed, ok := ParseTimestamp(formatted)
		if !ok {
			t.Fatalf("ParseTimestamp(%q) failed", formatted)
		}
		if !parsed.Equal(instant) {
			t.Errorf("round trip mismatch: %v -> %q -> %v", instant, formatted, parsed)
		}
	}
}

func TestFormatTimestamp_Format(t *testing.T) {
	instant := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := FormatTimestamp(instant); got != "20240101_120000_000000" {
		t.Errorf("FormatTimestamp = %q, want 20240101_120000_000000", got)
	}
}

func TestParseTimestamp_Garbage(t *testing.T) {
	inputs := []string{
		"",
		"garbage",
		"latest",
		"20240101_120000",
		"20240101_120000_00000",
		"20240101_120000_00000x",
		"20241301_120000_000000",
		"20240101-120000_000000",
	}
	for _, input := range inputs {
		if _, ok := ParseTimestamp(input); ok {
			t.Errorf("ParseTimestamp(%q) succeeded, want failure", input)
		}
	}
}

func TestCheckpoint_StateLazyLoad(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte(`{"a": 1}`), 0644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	cp := NewCheckpoint("s", time.Now().UTC(), dir)
	state := cp.State()
	if state["a"] != float64(1) {
		t.Errorf("state[a] = %v, want 1", state["a"])
	}

	// Cached: rewriting the file must not change the loaded value.
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte(`{"a": 2}`), 0644); err != nil {
		t.Fatalf("rewrite state: %v", err)
	}
	if cp.State()["a"] != float64(1) {
		t.Error("state was reloaded without Refresh")
	}

	cp.Refresh()
	if cp.State()["a"] != float64(2) {
		t.Error("state not reloaded after Refresh")
	}
}

func TestCheckpoint_StateArrayCompat(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte(`[{"a": 1}]`), 0644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	cp := NewCheckpoint("s", time.Now().UTC(), dir)
	if cp.State()["a"] != float64(1) {
		t.Error("array-wrapped state object not accepted")
	}
}

func TestCheckpoint_StateMalformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte(`not json`), 0644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	cp := NewCheckpoint("s", time.Now().UTC(), dir)
	if state := cp.State(); len(state) != 0 {
		t.Errorf("malformed state yielded %v, want empty map", state)
	}
	if metadata := cp.Metadata(); len(metadata) != 0 {
		t.Errorf("missing metadata yielded %v, want empty map", metadata)
	}
}

func TestCheckpoint_Exists(t *testing.T) {
	dir := t.TempDir()
	cp := NewCheckpoint("s", time.Now().UTC(), dir)
	if cp.Exists() {
		t.Error("checkpoint without state.json reported as existing")
	}

	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte(`{}`), 0644); err != nil {
		t.Fatalf("write state: %v", err)
	}
	if !cp.Exists() {
		t.Error("checkpoint with state.json reported as missing")
	}

	missing := NewCheckpoint("s", time.Now().UTC(), filepath.Join(dir, "nope"))
	if missing.Exists() {
		t.Error("missing directory reported as existing")
	}
}

func TestCheckpointInfo_Display(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	info := CheckpointInfo{Session: "demo", Timestamp: ts, Path: "/tmp/demo/20240101_120000_000000"}

	display := info.Display()
	if display["session"] != "demo" {
		t.Errorf("display session = %q", display["session"])
	}
	if display["timestamp"] != "20240101_120000_000000" {
		t.Errorf("display timestamp = %q", display["timestamp"])
	}
	if display["name"] != "20240101_120000_000000" {
		t.Errorf("display name = %q", display["name"])
	}
}
