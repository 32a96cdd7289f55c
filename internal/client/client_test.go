package client

import "testing"

func TestAllApprovedEmptyRegistryIsTrue(t *testing.T) {
	r := New()
	if !r.AllApproved(SuspendRequest) {
		t.Fatalf("expected empty registry to trivially approve")
	}
}

func TestVoteFlow(t *testing.T) {
	r := New()
	r.Subscribe("a")
	r.Subscribe("b")
	if r.AllApproved(SuspendRequest) {
		t.Fatalf("expected not approved before votes arrive")
	}
	r.Ack("a", SuspendRequest)
	if r.AllApproved(SuspendRequest) {
		t.Fatalf("expected not approved with one outstanding vote")
	}
	r.Ack("b", SuspendRequest)
	if !r.AllApproved(SuspendRequest) {
		t.Fatalf("expected approved once both ack")
	}
}

func TestNackIsNotApproval(t *testing.T) {
	r := New()
	r.Subscribe("a")
	r.Nack("a", PrepareSuspend, "busy")
	if r.AllApproved(PrepareSuspend) {
		t.Fatalf("expected nack to block approval")
	}
	if !r.AnyNacked(PrepareSuspend) {
		t.Fatalf("expected AnyNacked true")
	}
}

func TestNonResponders(t *testing.T) {
	r := New()
	r.Subscribe("a")
	r.Subscribe("b")
	r.Ack("a", SuspendRequest)
	got := r.NonResponders(SuspendRequest)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected [b], got %v", got)
	}
}

func TestResetVotesClearsState(t *testing.T) {
	r := New()
	r.Subscribe("a")
	r.Nack("a", SuspendRequest, "busy")
	r.ResetVotes()
	if r.AnyNacked(SuspendRequest) {
		t.Fatalf("expected votes cleared")
	}
	if len(r.NonResponders(SuspendRequest)) != 1 {
		t.Fatalf("expected client to be unset again after reset")
	}
}

func TestUnknownClientVoteIsDropped(t *testing.T) {
	r := New()
	r.Ack("ghost", SuspendRequest)
	if len(r.NonResponders(SuspendRequest)) != 0 {
		t.Fatalf("expected no clients tracked for unknown id")
	}
}

func TestNackStreakThresholds(t *testing.T) {
	r := New()
	var crossed []int
	for i := 1; i <= 20; i++ {
		if r.BumpNackStreak() {
			crossed = append(crossed, i)
		}
	}
	want := []int{8, 16}
	if len(crossed) != len(want) {
		t.Fatalf("expected thresholds crossed at %v, got %v", want, crossed)
	}
	for i := range want {
		if crossed[i] != want[i] {
			t.Fatalf("expected thresholds crossed at %v, got %v", want, crossed)
		}
	}
}

func TestNackStreakResets(t *testing.T) {
	r := New()
	for i := 0; i < 8; i++ {
		r.BumpNackStreak()
	}
	r.ResetNackStreak()
	if r.BumpNackStreak() {
		t.Fatalf("expected counter to restart after reset")
	}
}
