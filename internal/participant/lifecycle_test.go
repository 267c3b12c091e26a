package participant

import (
	"testing"
	"time"

	"github.com/mew-protocol/gateway/internal/config"
	"github.com/mew-protocol/gateway/internal/space"
)

func testSpace() *space.Space {
	sp := space.New(config.SpaceConfig{Name: "demo"}, 10)
	sp.Join("agent-a", nil)
	return sp
}

func TestPauseAndResume(t *testing.T) {
	sp := testSpace()
	c := NewController(sp, time.Minute)
	now := time.Now()

	if err := c.Pause("agent-a", PauseRequest{TimeoutSeconds: 60, Reason: "thinking"}, now); err != nil {
		t.Fatalf("Pause error: %v", err)
	}
	st, err := c.Status("agent-a")
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if !st.Paused {
		t.Error("expected paused status")
	}

	if err := c.Resume("agent-a"); err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	st, _ = c.Status("agent-a")
	if st.Paused {
		t.Error("expected resumed status")
	}
}

func TestPause_UnknownParticipant(t *testing.T) {
	sp := testSpace()
	c := NewController(sp, time.Minute)
	if err := c.Pause("ghost", PauseRequest{}, time.Now()); err == nil {
		t.Error("expected error pausing unknown participant")
	}
}

func TestForget_RemovesParticipant(t *testing.T) {
	sp := testSpace()
	c := NewController(sp, time.Minute)
	if err := c.Forget("agent-a"); err != nil {
		t.Fatalf("Forget error: %v", err)
	}
	if sp.Participant("agent-a") != nil {
		t.Error("expected agent-a removed from space")
	}
}

func TestClear_ResetsCountersKeepsIdentity(t *testing.T) {
	sp := testSpace()
	c := NewController(sp, time.Minute)
	c.RecordUsage("agent-a", 500, 0, time.Now())

	reply, err := c.Clear("agent-a")
	if err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if reply.Status != StatusCleared {
		t.Errorf("Clear status = %q, want %q", reply.Status, StatusCleared)
	}
	st, _ := c.Status("agent-a")
	if st.ContextTokens != 0 || st.ContextMessages != 0 {
		t.Errorf("expected counters reset, got %+v", st)
	}
	if sp.Participant("agent-a") == nil {
		t.Error("Clear should not remove the participant")
	}
}

func TestRequestStatus_ReflectsPausedAndNearLimit(t *testing.T) {
	sp := testSpace()
	c := NewController(sp, time.Minute)
	now := time.Now()

	st, err := c.RequestStatus("agent-a")
	if err != nil {
		t.Fatalf("RequestStatus error: %v", err)
	}
	if st.Status != StatusActive {
		t.Errorf("Status = %q, want %q", st.Status, StatusActive)
	}

	c.RecordUsage("agent-a", 950, 1000, now)
	st, _ = c.RequestStatus("agent-a")
	if st.Status != StatusNearLimit {
		t.Errorf("Status = %q, want %q after crossing near-limit threshold", st.Status, StatusNearLimit)
	}
}

func TestRestart_ResetsCountersAndUnpauses(t *testing.T) {
	sp := testSpace()
	c := NewController(sp, time.Minute)
	now := time.Now()
	c.Pause("agent-a", PauseRequest{}, now)
	c.RecordUsage("agent-a", 500, 0, now)

	reply, err := c.Restart("agent-a")
	if err != nil {
		t.Fatalf("Restart error: %v", err)
	}
	if reply.Status != StatusRestarted {
		t.Errorf("Restart status = %q, want %q", reply.Status, StatusRestarted)
	}
	st, _ := c.Status("agent-a")
	if st.Paused || st.ContextTokens != 0 {
		t.Errorf("expected unpaused and zeroed counters after restart, got %+v", st)
	}
}

func TestShutdown_ReportsShuttingDown(t *testing.T) {
	sp := testSpace()
	c := NewController(sp, time.Minute)
	reply, err := c.Shutdown("agent-a")
	if err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if reply.Status != StatusShuttingDown {
		t.Errorf("Shutdown status = %q, want %q", reply.Status, StatusShuttingDown)
	}
}

func TestShutdown_UnknownParticipant(t *testing.T) {
	sp := testSpace()
	c := NewController(sp, time.Minute)
	if _, err := c.Shutdown("ghost"); err == nil {
		t.Error("expected error shutting down unknown participant")
	}
}

func TestRecordUsage_NearLimitThrottled(t *testing.T) {
	sp := testSpace()
	c := NewController(sp, time.Minute)
	now := time.Now()

	near := c.RecordUsage("agent-a", 900, 1000, now)
	if !near {
		t.Fatal("expected near_limit on first crossing")
	}

	near = c.RecordUsage("agent-a", 10, 1000, now.Add(time.Second))
	if near {
		t.Error("expected near_limit suppressed within throttle window")
	}

	near = c.RecordUsage("agent-a", 10, 1000, now.Add(2*time.Minute))
	if !near {
		t.Error("expected near_limit to fire again after throttle window elapses")
	}
}

func TestRecordUsage_NoBudgetNeverNearLimit(t *testing.T) {
	sp := testSpace()
	c := NewController(sp, time.Minute)
	if c.RecordUsage("agent-a", 1_000_000, 0, time.Now()) {
		t.Error("expected no near_limit when budget is unset")
	}
}
