package proposal

import (
	"testing"
	"time"
)

func TestObserveAndFulfillAndRespond(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	tr.Observe("prop-1", "agent-a", now)

	if err := tr.Fulfill("prop-1", "req-1", "agent-b"); err != nil {
		t.Fatalf("Fulfill error: %v", err)
	}
	p := tr.Get("prop-1")
	if p.Status != StatusFulfilled || p.FulfilledBy != "agent-b" {
		t.Fatalf("unexpected state after fulfill: %+v", p)
	}

	if err := tr.Respond("prop-1"); err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	if tr.Get("prop-1").Status != StatusResponded {
		t.Errorf("Status = %v, want %v", tr.Get("prop-1").Status, StatusResponded)
	}
}

func TestWithdraw_OnlyProposer(t *testing.T) {
	tr := NewTracker()
	tr.Observe("prop-1", "agent-a", time.Now())

	if err := tr.Withdraw("prop-1", "agent-b"); err != ErrNotProposer {
		t.Fatalf("err = %v, want ErrNotProposer", err)
	}
	if tr.Get("prop-1").Status != StatusPending {
		t.Error("status should be unchanged after a rejected withdrawal attempt")
	}

	if err := tr.Withdraw("prop-1", "agent-a"); err != nil {
		t.Fatalf("Withdraw by proposer should succeed: %v", err)
	}
	if tr.Get("prop-1").Status != StatusWithdrawn {
		t.Error("expected status withdrawn")
	}
}

func TestReject_AnyFulfillerAllowed(t *testing.T) {
	tr := NewTracker()
	tr.Observe("prop-1", "agent-a", time.Now())
	if err := tr.Reject("prop-1"); err != nil {
		t.Fatalf("Reject error: %v", err)
	}
	if tr.Get("prop-1").Status != StatusRejected {
		t.Error("expected status rejected")
	}
}

func TestFulfill_UnknownProposal(t *testing.T) {
	tr := NewTracker()
	if err := tr.Fulfill("missing", "req-1", "agent-b"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFulfill_AlreadyFulfilled(t *testing.T) {
	tr := NewTracker()
	tr.Observe("prop-1", "agent-a", time.Now())
	tr.Fulfill("prop-1", "req-1", "agent-b")
	if err := tr.Fulfill("prop-1", "req-2", "agent-c"); err == nil {
		t.Error("expected error fulfilling an already-fulfilled proposal")
	}
}

func TestPending_FiltersByAge(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	tr.Observe("prop-old", "agent-a", now.Add(-time.Hour))
	tr.Observe("prop-new", "agent-a", now)

	pending := tr.Pending(10*time.Minute, now)
	if len(pending) != 1 || pending[0].ID != "prop-old" {
		t.Fatalf("Pending = %v, want only prop-old", pending)
	}
}
