package activity

import (
	"testing"
	"time"
)

func TestAddRemoveAndActive(t *testing.T) {
	r := New()
	now := time.Unix(1000, 0)
	if err := r.Add("touch", now, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !r.AnyActive(now) {
		t.Fatalf("expected open-ended activity to be active")
	}
	if err := r.Add("touch", now, nil); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := r.Remove("touch"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.AnyActive(now) {
		t.Fatalf("expected no active activities after remove")
	}
	if err := r.Remove("touch"); err != ErrUnknown {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}

func TestDurationExpiry(t *testing.T) {
	r := New()
	now := time.Unix(1000, 0)
	dur := int64(5000)
	if err := r.Add("timed", now, &dur); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !r.AnyActive(now) {
		t.Fatalf("expected active before expiry")
	}
	later := now.Add(6 * time.Second)
	if r.AnyActive(later) {
		t.Fatalf("expected inactive after expiry")
	}
	r.RemoveExpired(later)
	if r.CountSince(now) != 0 {
		t.Fatalf("expected expired activity to be swept")
	}
}

func TestMaxRemainingMsInfiniteForOpenEnded(t *testing.T) {
	r := New()
	now := time.Unix(1000, 0)
	dur := int64(2000)
	_ = r.Add("bounded", now, &dur)
	if got := r.MaxRemainingMs(now); got != 2000 {
		t.Fatalf("expected 2000ms remaining, got %d", got)
	}
	_ = r.Add("open", now, nil)
	if got := r.MaxRemainingMs(now); got != Infinite {
		t.Fatalf("expected Infinite sentinel with an open-ended activity held, got %d", got)
	}
}

func TestFreezeThawPairing(t *testing.T) {
	r := New()
	now := time.Unix(1000, 0)
	if !r.FreezeAll(now) {
		t.Fatalf("expected freeze to succeed with no active activities")
	}
	if !r.Frozen() {
		t.Fatalf("expected registry to report frozen")
	}
	r.ThawAll()
	if r.Frozen() {
		t.Fatalf("expected registry to report thawed")
	}
}

func TestFreezeFailsWithActiveActivity(t *testing.T) {
	r := New()
	now := time.Unix(1000, 0)
	_ = r.Add("busy", now, nil)
	if r.FreezeAll(now) {
		t.Fatalf("expected freeze to fail while an activity is active")
	}
	if r.Frozen() {
		t.Fatalf("expected registry left unfrozen on failed freeze")
	}
}

func TestListActiveSince(t *testing.T) {
	r := New()
	t0 := time.Unix(1000, 0)
	t1 := t0.Add(time.Minute)
	_ = r.Add("early", t0, nil)
	_ = r.Add("late", t1, nil)
	active := r.ListActiveSince(t1)
	if len(active) != 1 || active[0].Name != "late" {
		t.Fatalf("expected only activities since t1, got %+v", active)
	}
}
