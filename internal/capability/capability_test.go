package capability

import "testing"

func TestPattern_Wildcards(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "anything/here", true},
		{"mcp/*", "mcp/request", true},
		{"mcp/*", "chat/message", false},
		{"*/error", "system/error", true},
		{"*/error", "system/warning", false},
		{"chat/message", "chat/message", true},
		{"chat/message", "chat/messages", false},
		{"mcp/*/tools", "mcp/proposal/tools", true},
		{"mcp/*/tools", "mcp/tools", false},
		{"mcp/*/tools", "mcp/proposal/other", false},
	}
	for _, c := range cases {
		p := compilePattern(c.pattern)
		if got := p.match(c.value); got != c.want {
			t.Errorf("pattern %q matching %q = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}

func TestDecide_AllowsOnPositiveMatch(t *testing.T) {
	grants := CompileAll([]Spec{{ID: "g1", Kind: "chat/*"}})
	d := Decide(grants, MatchTarget{Kind: "chat/message"})
	if !d.Allowed || d.GrantID != "g1" {
		t.Errorf("Decide = %+v, want allowed via g1", d)
	}
}

func TestDecide_DeniesWithoutMatch(t *testing.T) {
	grants := CompileAll([]Spec{{ID: "g1", Kind: "chat/*"}})
	d := Decide(grants, MatchTarget{Kind: "mcp/request"})
	if d.Allowed {
		t.Error("expected denial for non-matching kind")
	}
}

func TestDecide_NegativeOverridesPositive(t *testing.T) {
	grants := CompileAll([]Spec{
		{ID: "allow-all-mcp", Kind: "mcp/*"},
		{ID: "deny-proposals", Kind: "!mcp/proposal"},
	})
	allowed := Decide(grants, MatchTarget{Kind: "mcp/request"})
	if !allowed.Allowed {
		t.Error("mcp/request should still be allowed")
	}
	denied := Decide(grants, MatchTarget{Kind: "mcp/proposal"})
	if denied.Allowed {
		t.Error("mcp/proposal should be denied by the negative grant")
	}
	if denied.GrantID != "deny-proposals" {
		t.Errorf("GrantID = %q, want deny-proposals", denied.GrantID)
	}
}

func TestMatches_ToRestriction(t *testing.T) {
	g := Compile(Spec{ID: "dm-only", Kind: "chat/*", To: []string{"agent-b"}})

	if !g.Matches(MatchTarget{Kind: "chat/message", To: []string{"agent-b"}}) {
		t.Error("expected match when to matches the grant's to pattern")
	}
	if g.Matches(MatchTarget{Kind: "chat/message", To: []string{"agent-c"}}) {
		t.Error("expected no match for a different recipient")
	}
	if g.Matches(MatchTarget{Kind: "chat/message"}) {
		t.Error("broadcast envelope should not satisfy a to-restricted grant")
	}
}

func TestMatches_PayloadShape(t *testing.T) {
	g := Compile(Spec{
		ID:   "tool-read-only",
		Kind: "mcp/request",
		Payload: map[string]any{
			"method": "tools/call",
			"params": map[string]any{
				"name": "read_file",
			},
		},
	})

	allowed := MatchTarget{
		Kind: "mcp/request",
		Payload: map[string]any{
			"method": "tools/call",
			"params": map[string]any{
				"name": "read_file",
				"args": map[string]any{"path": "/tmp/x"},
			},
		},
	}
	if !g.Matches(allowed) {
		t.Error("expected payload shape to match")
	}

	denied := MatchTarget{
		Kind: "mcp/request",
		Payload: map[string]any{
			"method": "tools/call",
			"params": map[string]any{"name": "write_file"},
		},
	}
	if g.Matches(denied) {
		t.Error("expected payload shape mismatch to deny")
	}
}

func TestMatches_PayloadArraySubset(t *testing.T) {
	g := Compile(Spec{
		ID:   "needs-tags",
		Kind: "chat/message",
		Payload: map[string]any{
			"tags": []any{"urgent"},
		},
	})

	if !g.Matches(MatchTarget{Kind: "chat/message", Payload: map[string]any{"tags": []any{"urgent", "internal"}}}) {
		t.Error("expected subset match to succeed")
	}
	if g.Matches(MatchTarget{Kind: "chat/message", Payload: map[string]any{"tags": []any{"internal"}}}) {
		t.Error("expected subset match to fail when required tag is absent")
	}
}

func TestDescribe_RoundTripsSpecShape(t *testing.T) {
	g := Compile(Spec{ID: "deny-proposals", Kind: "!mcp/proposal", To: []string{"agent-b"}, Payload: map[string]any{"method": "*"}})
	d := g.Describe()
	if d.Kind != "!mcp/proposal" {
		t.Errorf("Kind = %q, want !mcp/proposal", d.Kind)
	}
	if len(d.To) != 1 || d.To[0] != "agent-b" {
		t.Errorf("To = %v, want [agent-b]", d.To)
	}
	if d.Payload["method"] != "*" {
		t.Errorf("Payload = %v, want method=*", d.Payload)
	}
}

func TestMatches_PayloadWildcardValue(t *testing.T) {
	g := Compile(Spec{ID: "any-method", Kind: "mcp/request", Payload: map[string]any{"method": "*"}})
	if !g.Matches(MatchTarget{Kind: "mcp/request", Payload: map[string]any{"method": "tools/call"}}) {
		t.Error("wildcard value should match any present value")
	}
	if g.Matches(MatchTarget{Kind: "mcp/request", Payload: map[string]any{}}) {
		t.Error("wildcard value should not match an absent key")
	}
}
