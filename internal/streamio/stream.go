// Package streamio implements the stream manager of spec §4.5: the
// side-channel byte sequences opened alongside a space for payloads
// that don't belong in JSON envelopes (terminal output, audio,
// incremental tool results). Streams are identified by a
// gateway-assigned "stream-<n>" ID and carried as raw
// "#<id>#<bytes>" WebSocket frames once opened.
package streamio

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Stream is one open side-channel. Target is fixed at creation time
// and never changes (spec §4.5's target-immutability rule) — only the
// write-authorization set and ownership can be altered after open.
type Stream struct {
	ID          string
	Owner       string
	Target      []string // empty means broadcast to the whole space
	Direction   string   // "upload", "download", "bidirectional"
	ContentType string
	Writers     map[string]bool
	Closed      bool
	CreatedAt   time.Time

	// Metadata preserves the stream/request envelope's own metadata
	// field, surfaced again in system/welcome's active_streams entries
	// so a late joiner sees what the stream was opened for (spec §4.5).
	Metadata map[string]any
}

// AuthorizedWriters returns the stream's writer set as a sorted slice,
// for inclusion in welcome/status payloads (spec §4.5).
func (s *Stream) AuthorizedWriters() []string {
	out := make([]string, 0, len(s.Writers))
	for w := range s.Writers {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// CanWrite reports whether participantID may send data frames on this
// stream: the owner always can, plus anyone in Writers.
func (s *Stream) CanWrite(participantID string) bool {
	if s.Closed {
		return false
	}
	if participantID == s.Owner {
		return true
	}
	return s.Writers[participantID]
}

// Manager tracks the open streams of a single space. Like space.Space,
// it is mutated exclusively by the space's single-writer actor; the
// mutex exists for read-mostly access from HTTP introspection.
type Manager struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager returns an empty stream Manager.
func NewManager() *Manager {
	return &Manager{streams: make(map[string]*Stream)}
}

// Open creates and registers a new stream with the given
// gateway-assigned ID (space.Space.NextStreamID allocates it). now is
// recorded as the stream's creation time, for welcome-time visibility.
// metadata is the stream/request envelope's own metadata, preserved
// verbatim for the same reason.
func (m *Manager) Open(id, owner string, target []string, direction, contentType string, writers []string, metadata map[string]any, now time.Time) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Stream{
		ID:          id,
		Owner:       owner,
		Target:      target,
		Direction:   direction,
		ContentType: contentType,
		Writers:     make(map[string]bool, len(writers)),
		Metadata:    metadata,
		CreatedAt:   now,
	}
	for _, w := range writers {
		s.Writers[w] = true
	}
	m.streams[id] = s
	return s
}

// ErrNotFound is returned by operations referencing an unknown stream ID.
var ErrNotFound = fmt.Errorf("stream not found")

// Get returns the stream with the given ID, or nil.
func (m *Manager) Get(id string) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[id]
}

// GrantWrite adds participantID to a stream's authorized writer set.
// The owner-only rule is enforced by the caller (internal/gateway's
// stream/grant-write handling, which holds the envelope's `from`);
// GrantWrite itself does not check it.
func (m *Manager) GrantWrite(id, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return ErrNotFound
	}
	s.Writers[participantID] = true
	return nil
}

// RevokeWrite removes participantID from a stream's writer set.
func (m *Manager) RevokeWrite(id, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.Writers, participantID)
	return nil
}

// RevokeWriterEverywhere removes participantID from every open
// stream's writer set, used on disconnect (spec §4.5's auto-revoke
// policy) without requiring the caller to enumerate stream IDs.
func (m *Manager) RevokeWriterEverywhere(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.streams {
		delete(s.Writers, participantID)
	}
}

// TransferOwnership reassigns a stream's owner.
func (m *Manager) TransferOwnership(id, newOwner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return ErrNotFound
	}
	s.Owner = newOwner
	return nil
}

// Close marks a stream closed. Closed streams reject further writes
// but remain resolvable by ID so a late "stream/close" echo or a
// trailing data frame gets a clean denial rather than a not-found.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return ErrNotFound
	}
	s.Closed = true
	return nil
}

// CloseAllOwnedBy closes every non-closed stream owned by
// participantID, returning their IDs. Used on disconnect (spec §4.5).
func (m *Manager) CloseAllOwnedBy(participantID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []string
	for id, s := range m.streams {
		if s.Owner == participantID && !s.Closed {
			s.Closed = true
			closed = append(closed, id)
		}
	}
	return closed
}

// Active returns all streams that are not yet closed, for inclusion
// in system/welcome's active_streams enumeration (spec §4.7).
func (m *Manager) Active() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Stream
	for _, s := range m.streams {
		if !s.Closed {
			out = append(out, s)
		}
	}
	return out
}
