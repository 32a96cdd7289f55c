package alarm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAlarms(t *testing.T, entries []entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alarms.json")
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestNextWakeupMissingFile(t *testing.T) {
	s := NewFileService(filepath.Join(t.TempDir(), "missing.json"))
	if _, ok := s.NextWakeup(); ok {
		t.Fatalf("expected no wakeup for missing file")
	}
}

func TestNextWakeupReturnsSoonest(t *testing.T) {
	now := time.Now()
	path := writeAlarms(t, []entry{
		{ExpiryUnixMs: now.Add(time.Hour).UnixMilli(), AppID: "a", Key: "later"},
		{ExpiryUnixMs: now.Add(time.Minute).UnixMilli(), AppID: "b", Key: "soonest"},
	})
	s := NewFileService(path)
	wakeup, ok := s.NextWakeup()
	if !ok {
		t.Fatalf("expected a wakeup")
	}
	if wakeup.Key != "soonest" {
		t.Fatalf("expected soonest entry, got %s", wakeup.Key)
	}
}

func TestQueueNextWakeupTracksSuccess(t *testing.T) {
	empty := NewFileService(filepath.Join(t.TempDir(), "missing.json"))
	if empty.QueueNextWakeup() {
		t.Fatalf("expected queue to fail with no alarms")
	}
	if empty.Queued() {
		t.Fatalf("expected Queued to reflect failure")
	}

	path := writeAlarms(t, []entry{{ExpiryUnixMs: time.Now().Add(time.Minute).UnixMilli(), Key: "x"}})
	s := NewFileService(path)
	if !s.QueueNextWakeup() {
		t.Fatalf("expected queue to succeed")
	}
	if !s.Queued() {
		t.Fatalf("expected Queued to reflect success")
	}
}
