package routing

import (
	"testing"

	"github.com/mew-protocol/gateway/internal/audit"
	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/config"
	"github.com/mew-protocol/gateway/internal/envelope"
	"github.com/mew-protocol/gateway/internal/events"
	"github.com/mew-protocol/gateway/internal/space"
	"github.com/mew-protocol/gateway/internal/streamio"
)

// fakeOutbox is an in-memory Outbox recording every envelope sent to
// each participant, standing in for internal/wsconn's connection
// registry in router tests.
type fakeOutbox struct {
	connected map[string]bool
	sent      map[string][]*envelope.Envelope
}

func newFakeOutbox(connected ...string) *fakeOutbox {
	f := &fakeOutbox{connected: make(map[string]bool), sent: make(map[string][]*envelope.Envelope)}
	for _, id := range connected {
		f.connected[id] = true
	}
	return f
}

func (f *fakeOutbox) Send(id string, env *envelope.Envelope) error {
	f.sent[id] = append(f.sent[id], env)
	return nil
}

func (f *fakeOutbox) Connected(id string) bool { return f.connected[id] }

func newTestRouter(t *testing.T, out *fakeOutbox) (*Router, *space.Space) {
	t.Helper()
	sp := space.New(config.SpaceConfig{
		Name: "demo",
		Participants: []config.ParticipantConfig{
			{ID: "agent-a", Capabilities: []config.CapabilitySpec{{ID: "chat", Kind: "chat/*"}}},
			{ID: "agent-b", Capabilities: []config.CapabilitySpec{{ID: "chat", Kind: "chat/*"}}},
		},
	}, 10)
	sp.Join("agent-a", nil)
	sp.Join("agent-b", nil)

	codec := envelope.NewCodec("mew/v0.4", 0)
	auditLog, err := audit.NewLogger(t.TempDir(), true, true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	r := New(sp, streamio.NewManager(), codec, out, events.New(), auditLog)
	return r, sp
}

func TestRoute_BroadcastsToOthersNotSender(t *testing.T) {
	out := newFakeOutbox("agent-a", "agent-b")
	r, _ := newTestRouter(t, out)

	env := &envelope.Envelope{ID: "env-1", From: "agent-a", Kind: "chat/message"}
	recipients, err := r.Route(env)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if len(recipients) != 1 || recipients[0] != "agent-b" {
		t.Fatalf("recipients = %v, want [agent-b]", recipients)
	}
	if len(out.sent["agent-b"]) != 1 {
		t.Error("expected agent-b to receive the broadcast")
	}
	if len(out.sent["agent-a"]) != 0 {
		t.Error("sender should not receive its own broadcast")
	}
}

func TestRoute_DeniesWithoutCapability(t *testing.T) {
	out := newFakeOutbox("agent-a", "agent-b")
	r, _ := newTestRouter(t, out)

	env := &envelope.Envelope{ID: "env-1", From: "agent-a", Kind: "mcp/request"}
	_, err := r.Route(env)
	if err == nil {
		t.Fatal("expected capability denial")
	}
	if _, ok := err.(*ErrCapabilityDenied); !ok {
		t.Errorf("err = %T, want *ErrCapabilityDenied", err)
	}
	if len(out.sent["agent-a"]) != 1 {
		t.Fatal("expected a system/error reply to the sender")
	}
	if out.sent["agent-a"][0].Kind != "system/error" {
		t.Errorf("reply kind = %q, want system/error", out.sent["agent-a"][0].Kind)
	}
}

func TestRoute_TargetedDeliveryOnlyToConnectedRecipients(t *testing.T) {
	out := newFakeOutbox("agent-a", "agent-b")
	r, _ := newTestRouter(t, out)

	env := &envelope.Envelope{ID: "env-1", From: "agent-a", Kind: "chat/message", To: []string{"agent-b", "agent-ghost"}}
	recipients, err := r.Route(env)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if len(recipients) != 1 || recipients[0] != "agent-b" {
		t.Fatalf("recipients = %v, want [agent-b]", recipients)
	}
}

func TestRoute_AppendsHistory(t *testing.T) {
	out := newFakeOutbox("agent-a", "agent-b")
	r, sp := newTestRouter(t, out)

	env := &envelope.Envelope{ID: "env-1", From: "agent-a", Kind: "chat/message"}
	if _, err := r.Route(env); err != nil {
		t.Fatalf("Route error: %v", err)
	}
	hist := sp.RecentHistory(0)
	if len(hist) != 1 || hist[0].Envelope.ID != "env-1" {
		t.Fatalf("history = %v, want [env-1]", hist)
	}
}

func TestRoute_SystemOriginBypassesCapabilityCheck(t *testing.T) {
	out := newFakeOutbox("agent-a", "agent-b")
	r, _ := newTestRouter(t, out)

	env := &envelope.Envelope{ID: "env-1", From: envelope.SystemParticipant, Kind: "system/presence", To: []string{"agent-a"}}
	if _, err := r.Route(env); err != nil {
		t.Fatalf("system-origin envelope should bypass capability check, got: %v", err)
	}
}

func TestWelcome_IncludesParticipantsAndHistory(t *testing.T) {
	out := newFakeOutbox("agent-a", "agent-b")
	r, sp := newTestRouter(t, out)
	sp.AppendHistory(space.HistoryEntry{Envelope: &envelope.Envelope{ID: "past-1", Kind: "chat/message"}})

	if err := r.Welcome("agent-a", 10); err != nil {
		t.Fatalf("Welcome error: %v", err)
	}
	if len(out.sent["agent-a"]) != 1 {
		t.Fatalf("expected one welcome envelope sent, got %d", len(out.sent["agent-a"]))
	}
	if out.sent["agent-a"][0].Kind != "system/welcome" {
		t.Errorf("Kind = %q, want system/welcome", out.sent["agent-a"][0].Kind)
	}
}

func TestPresence_ExcludesSubject(t *testing.T) {
	out := newFakeOutbox("agent-a", "agent-b")
	r, _ := newTestRouter(t, out)

	r.Presence("join", "agent-a")
	if len(out.sent["agent-a"]) != 0 {
		t.Error("the joining participant should not receive its own presence event")
	}
	if len(out.sent["agent-b"]) != 1 {
		t.Error("expected agent-b to receive the presence event")
	}
}

func TestDecodePayload_MatchesCapabilityPayloadShape(t *testing.T) {
	grants := capability.CompileAll([]capability.Spec{{ID: "g", Kind: "mcp/request", Payload: map[string]any{"method": "tools/call"}}})
	target := capability.MatchTarget{Kind: "mcp/request", Payload: decodePayload([]byte(`{"method":"tools/call"}`))}
	if !capability.Decide(grants, target).Allowed {
		t.Error("expected payload-shaped grant to match decoded payload")
	}
}
