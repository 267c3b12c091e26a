// Package capability implements the pattern-matching authorization
// model of spec §4.2: each participant holds a list of capability
// grants, each grant matches envelopes by kind, optionally by target,
// and optionally by nested payload shape. A leading "!" on a kind
// pattern makes the grant a negative (deny) rule that overrides any
// positive match.
package capability

import (
	"fmt"
	"strings"
)

// Spec is the declarative shape of one capability grant, as read from
// YAML config or a runtime system/register payload, and the shape
// surfaced back to participants in welcome/presence payloads (spec
// §4.3, §4.7).
type Spec struct {
	ID      string         `json:"id,omitempty"`
	Kind    string         `json:"kind"`
	To      []string       `json:"to,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Grant is a compiled capability ready for fast matching.
type Grant struct {
	ID       string
	Negative bool
	kind     pattern
	to       []pattern
	payload  map[string]any
}

// pattern is a compiled glob-like matcher over a single '/'-segmented
// string: "*" matches everything, "prefix/*" matches one leading
// segment followed by anything, "*/suffix" matches anything followed
// by one trailing segment, "prefix/*/suffix" matches any string that
// starts with the leading segment and ends with the trailing one,
// whatever lies between them (e.g. "mcp/*/tools" matches both
// "mcp/x/tools" and "mcp/x/y/tools"), and a literal string matches
// exactly.
type pattern struct {
	raw    string
	any    bool
	prefix string // set when raw == "prefix/*"
	suffix string // set when raw == "*/suffix"
	mid    bool   // set when raw == "prefix/*/suffix"
}

func compilePattern(raw string) pattern {
	switch {
	case raw == "*":
		return pattern{raw: raw, any: true}
	case isMiddlePattern(raw):
		idx := strings.Index(raw, "/*/")
		return pattern{raw: raw, mid: true, prefix: raw[:idx+1], suffix: raw[idx+2:]}
	case strings.HasSuffix(raw, "/*"):
		return pattern{raw: raw, prefix: strings.TrimSuffix(raw, "*")}
	case strings.HasPrefix(raw, "*/"):
		return pattern{raw: raw, suffix: strings.TrimPrefix(raw, "*")}
	default:
		return pattern{raw: raw}
	}
}

// isMiddlePattern reports whether raw has the shape "a/*/b" — exactly
// one embedded wildcard segment with a non-empty prefix and suffix.
func isMiddlePattern(raw string) bool {
	idx := strings.Index(raw, "/*/")
	if idx <= 0 {
		return false
	}
	return idx+3 < len(raw)
}

func (p pattern) match(s string) bool {
	switch {
	case p.any:
		return true
	case p.mid:
		return strings.HasPrefix(s, p.prefix) && strings.HasSuffix(s, p.suffix) && len(s) >= len(p.prefix)+len(p.suffix)
	case p.prefix != "":
		return strings.HasPrefix(s, p.prefix)
	case p.suffix != "":
		return strings.HasSuffix(s, p.suffix)
	default:
		return p.raw == s
	}
}

// Compile builds a Grant from a Spec. Kind patterns beginning with
// "!" produce a negative grant whose stored kind pattern has the
// prefix stripped.
func Compile(s Spec) Grant {
	kindRaw := s.Kind
	negative := strings.HasPrefix(kindRaw, "!")
	if negative {
		kindRaw = kindRaw[1:]
	}
	g := Grant{
		ID:       s.ID,
		Negative: negative,
		kind:     compilePattern(kindRaw),
		payload:  s.Payload,
	}
	for _, t := range s.To {
		g.to = append(g.to, compilePattern(t))
	}
	return g
}

// CompileAll compiles a list of specs, preserving order. For Decide,
// order only picks which matching positive grant is reported; a
// matching negative grant vetoes the envelope wherever it sits in the
// list (spec §4.2's "deny wins" rule).
func CompileAll(specs []Spec) []Grant {
	grants := make([]Grant, 0, len(specs))
	for _, s := range specs {
		grants = append(grants, Compile(s))
	}
	return grants
}

// MatchTarget is the subset of an envelope a Grant needs to decide a
// match: its kind, its `to` list (nil/empty means broadcast), and its
// decoded payload (nil if the envelope carries none or the grant
// doesn't need one).
type MatchTarget struct {
	Kind    string
	To      []string
	Payload map[string]any
}

// Matches reports whether the grant applies to the given envelope
// shape, independent of polarity — callers combine this with Negative
// via Decide.
func (g Grant) Matches(t MatchTarget) bool {
	if !g.kind.match(t.Kind) {
		return false
	}
	if len(g.to) > 0 {
		if !matchesAnyTo(g.to, t.To) {
			return false
		}
	}
	if len(g.payload) > 0 {
		if !matchPayload(g.payload, t.Payload) {
			return false
		}
	}
	return true
}

// matchesAnyTo reports whether every recipient named in envelopeTo
// satisfies at least one grant `to` pattern. An envelope with no `to`
// (a broadcast) never satisfies a grant that restricts `to`.
func matchesAnyTo(grantTo []pattern, envelopeTo []string) bool {
	if len(envelopeTo) == 0 {
		return false
	}
	for _, recipient := range envelopeTo {
		ok := false
		for _, p := range grantTo {
			if p.match(recipient) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// matchPayload reports whether actual contains, at every key declared
// in want, a value matching the declared shape. Nested maps recurse;
// a slice value in want is treated as a required subset of the
// corresponding slice in actual (order-independent, spec §4.2); any
// other scalar requires an exact equal match. A wildcard string "*"
// in want matches any non-nil value at that key.
func matchPayload(want map[string]any, actual map[string]any) bool {
	if actual == nil {
		return false
	}
	for k, wv := range want {
		av, ok := actual[k]
		if !ok {
			return false
		}
		if !matchValue(wv, av) {
			return false
		}
	}
	return true
}

func matchValue(want, actual any) bool {
	if s, ok := want.(string); ok && s == "*" {
		return actual != nil
	}
	switch wv := want.(type) {
	case map[string]any:
		av, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		return matchPayload(wv, av)
	case []any:
		av, ok := actual.([]any)
		if !ok {
			return false
		}
		return sliceSubset(wv, av)
	default:
		return want == actual
	}
}

// sliceSubset reports whether every element of want appears somewhere
// in actual (order-independent subset match), recursing through
// matchValue so nested object/array wants are honored.
func sliceSubset(want, actual []any) bool {
	for _, wv := range want {
		found := false
		for _, av := range actual {
			if matchValue(wv, av) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Describe reconstructs the declarative Spec a Grant was compiled
// from, for surfacing capability sets in welcome/presence payloads
// (spec §4.3, §4.7) without exposing the compiled pattern internals.
func (g Grant) Describe() Spec {
	kind := g.kind.raw
	if g.Negative {
		kind = "!" + kind
	}
	to := make([]string, 0, len(g.to))
	for _, p := range g.to {
		to = append(to, p.raw)
	}
	return Spec{ID: g.ID, Kind: kind, To: to, Payload: g.payload}
}

// Decision is the verdict rendered by Decide, including which grant
// (if any) drove the outcome — used by the audit log (spec §4.8).
type Decision struct {
	Allowed bool
	GrantID string
	Reason  string
}

// Decide evaluates grants against target following spec §4.2: an
// envelope is allowed if at least one positive grant matches and no
// negative grant matches. Negative grants are evaluated after
// collecting the best positive match so the audit reason can name
// which rule vetoed the request.
func Decide(grants []Grant, t MatchTarget) Decision {
	var positive *Grant
	for i := range grants {
		g := &grants[i]
		if g.Negative {
			continue
		}
		if g.Matches(t) {
			positive = g
			break
		}
	}
	if positive == nil {
		return Decision{Allowed: false, Reason: "no matching capability grant"}
	}
	for i := range grants {
		g := &grants[i]
		if !g.Negative {
			continue
		}
		if g.Matches(t) {
			return Decision{Allowed: false, GrantID: g.ID, Reason: fmt.Sprintf("denied by negative capability %q", g.ID)}
		}
	}
	return Decision{Allowed: true, GrantID: positive.ID, Reason: "matched capability grant"}
}
