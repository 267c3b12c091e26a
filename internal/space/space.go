// Package space implements the Space registry of spec §4.3: an
// isolated broadcast domain holding its connected participants, their
// capability grants, a bounded envelope history ring, and the
// sub-context stack used to scope proposal/fulfillment chains.
package space

import (
	"sync"
	"time"

	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/config"
	"github.com/mew-protocol/gateway/internal/envelope"
)

// Participant is the live state the gateway tracks for one connected
// or provisioned identity within a Space.
type Participant struct {
	ID           string
	Grants       []capability.Grant
	Metadata     map[string]any
	JoinedAt     time.Time
	Paused       bool
	PausedUntil  time.Time
	PauseReason  string
	ContextStack []ContextFrame

	// ContextTokens and ContextMessages track the lifecycle counters
	// reported in participant/status envelopes (spec §4.6).
	ContextTokens   int
	ContextMessages int

	// Connected is false for provisioned-but-not-yet-joined
	// participants (a static config entry with no live socket).
	Connected bool
}

// ContextFrame is one entry of a participant's sub-context stack,
// pushed by `context: {operation: push}` and popped by `pop`/`resume`
// (spec §4.3's context operations).
type ContextFrame struct {
	CorrelationID string
	PushedAt      time.Time
}

// HistoryEntry is one envelope retained in a Space's bounded history
// ring, replayed to late joiners via system/welcome's recent history
// (spec §4.3, §4.7).
type HistoryEntry struct {
	Envelope *envelope.Envelope
	RoutedTo []string
}

// Space is one isolated broadcast domain. All mutation goes through
// the single-writer actor owned by internal/gateway; Space itself only
// holds state and does no goroutine-safety of its own beyond what its
// caller's serialization already guarantees. The mutex here exists so
// read-mostly accessors (participant lookups used by HTTP
// introspection) don't need to route through the actor.
type Space struct {
	mu sync.RWMutex

	Name     string
	AdminIDs map[string]bool
	Metadata map[string]any

	participants map[string]*Participant
	history      []HistoryEntry
	maxHistory   int

	nextStreamSeq uint64
}

// New creates an empty Space from its static configuration. Configured
// participants are registered up-front as disconnected entries so
// their capability grants exist before the first connection arrives.
func New(cfg config.SpaceConfig, maxHistory int) *Space {
	s := &Space{
		Name:         cfg.Name,
		AdminIDs:     make(map[string]bool, len(cfg.AdminIDs)),
		Metadata:     cfg.Metadata,
		participants: make(map[string]*Participant),
		maxHistory:   maxHistory,
	}
	for _, id := range cfg.AdminIDs {
		s.AdminIDs[id] = true
	}
	for _, p := range cfg.Participants {
		specs := make([]capability.Spec, 0, len(p.Capabilities))
		for _, c := range p.Capabilities {
			specs = append(specs, capability.Spec{ID: c.ID, Kind: c.Kind, To: toStrings(c.To), Payload: c.Payload})
		}
		s.participants[p.ID] = &Participant{
			ID:       p.ID,
			Grants:   capability.CompileAll(specs),
			Metadata: p.Metadata,
		}
	}
	return s
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// IsAdmin reports whether id is listed as an administrator of this space.
func (s *Space) IsAdmin(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AdminIDs[id]
}

// Join registers a participant as connected, creating it if this is
// its first appearance (a dynamically-joining agent with no static
// config entry gets no default grants — spec §4.2's default-deny).
func (s *Space) Join(id string, grants []capability.Grant) *Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		p = &Participant{ID: id}
		s.participants[id] = p
	}
	if len(grants) > 0 {
		p.Grants = grants
	}
	p.Connected = true
	p.JoinedAt = time.Now()
	return p
}

// Leave marks a participant disconnected without forgetting its
// identity or grants, so a reconnect resumes the same capability set.
func (s *Space) Leave(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[id]; ok {
		p.Connected = false
	}
}

// Forget removes a participant entirely, per the participant/forget
// lifecycle operation (spec §4.6).
func (s *Space) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, id)
}

// Participant returns the tracked state for id, or nil if unknown.
func (s *Space) Participant(id string) *Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participants[id]
}

// Participants returns a snapshot slice of all tracked participants.
func (s *Space) Participants() []*Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	return out
}

// Capabilities returns the declarative form of a participant's grants,
// for surfacing in system/welcome and system/presence payloads (spec
// §4.3, §4.7). Returns nil for an unknown participant.
func (s *Space) Capabilities(id string) []capability.Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil
	}
	out := make([]capability.Spec, 0, len(p.Grants))
	for _, g := range p.Grants {
		out = append(out, g.Describe())
	}
	return out
}

// ConnectedIDs returns the IDs of all currently connected participants.
func (s *Space) ConnectedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.participants))
	for id, p := range s.participants {
		if p.Connected {
			out = append(out, id)
		}
	}
	return out
}

// MergeGrants compiles and appends additional capability grants to a
// participant, as issued by an admin's system/register or a runtime
// capability/grant envelope (spec §4.2).
func (s *Space) MergeGrants(id string, specs []capability.Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return
	}
	p.Grants = append(p.Grants, capability.CompileAll(specs)...)
}

// RevokeGrant removes a capability grant by ID from a participant.
func (s *Space) RevokeGrant(id, grantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return
	}
	kept := p.Grants[:0]
	for _, g := range p.Grants {
		if g.ID != grantID {
			kept = append(kept, g)
		}
	}
	p.Grants = kept
}

// SetPaused sets a participant's pause state, per participant/pause
// and participant/resume (spec §4.6). An empty until means indefinite.
func (s *Space) SetPaused(id string, paused bool, until time.Time, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return
	}
	p.Paused = paused
	p.PausedUntil = until
	if paused {
		p.PauseReason = reason
	} else {
		p.PauseReason = ""
	}
}

// ExpirePauses clears the pause flag on any participant whose
// PausedUntil has passed, returning the IDs that were resumed. Called
// periodically by the gateway's heartbeat tick (spec §4.6).
func (s *Space) ExpirePauses(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var resumed []string
	for id, p := range s.participants {
		if p.Paused && !p.PausedUntil.IsZero() && now.After(p.PausedUntil) {
			p.Paused = false
			p.PauseReason = ""
			resumed = append(resumed, id)
		}
	}
	return resumed
}

// PushContext pushes a new sub-context frame onto a participant's stack.
func (s *Space) PushContext(id string, frame ContextFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[id]; ok {
		p.ContextStack = append(p.ContextStack, frame)
	}
}

// PopContext pops the top sub-context frame, returning it and whether
// the stack was non-empty.
func (s *Space) PopContext(id string) (ContextFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok || len(p.ContextStack) == 0 {
		return ContextFrame{}, false
	}
	top := p.ContextStack[len(p.ContextStack)-1]
	p.ContextStack = p.ContextStack[:len(p.ContextStack)-1]
	return top, true
}

// AppendHistory appends a routed envelope to the bounded history ring,
// evicting the oldest entry on overflow (spec §4.3, §4.7).
func (s *Space) AppendHistory(entry HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxHistory <= 0 {
		return
	}
	s.history = append(s.history, entry)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
}

// HasSeenID reports whether id matches any envelope currently retained
// in the history ring — the cheap duplicate-id guard of spec §4.1.
// Since the ring is bounded, this is a guard against near-term
// replay/resend, not a global id registry.
func (s *Space) HasSeenID(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.history {
		if h.Envelope != nil && h.Envelope.ID == id {
			return true
		}
	}
	return false
}

// RecentHistory returns up to n of the most recent history entries, in
// chronological order. n<=0 returns the full retained history.
func (s *Space) RecentHistory(n int) []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n >= len(s.history) {
		out := make([]HistoryEntry, len(s.history))
		copy(out, s.history)
		return out
	}
	out := make([]HistoryEntry, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// NextStreamID allocates the next monotonic stream identifier for this
// space, formatted as "stream-<n>" (spec §4.5).
func (s *Space) NextStreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStreamSeq++
	return streamIDFor(s.nextStreamSeq)
}

func streamIDFor(n uint64) string {
	const digits = "0123456789"
	if n == 0 {
		return "stream-0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return "stream-" + string(buf[i:])
}

// Size reports the number of tracked participants (connected or not).
func (s *Space) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}

// ConnectedCount reports the number of currently connected participants.
func (s *Space) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.participants {
		if p.Connected {
			n++
		}
	}
	return n
}
