package routing

import (
	"time"

	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/envelope"
	"github.com/mew-protocol/gateway/internal/events"
	"github.com/mew-protocol/gateway/internal/space"
)

// ParticipantView is the {id, capabilities} shape spec §4.3/§4.7/§6
// require everywhere a participant identity is surfaced over the wire,
// so joiners and peers can see what a participant is allowed to do.
type ParticipantView struct {
	ID           string            `json:"id"`
	Capabilities []capability.Spec `json:"capabilities,omitempty"`
}

// WelcomePayload is the payload of the system/welcome envelope a
// newly joined participant receives before anything else (spec §4.7's
// welcome-before-presence ordering guarantee).
type WelcomePayload struct {
	You           ParticipantView   `json:"you"`
	Space         string            `json:"space"`
	Participants  []ParticipantView `json:"participants"`
	RecentHistory []HistoryEnvelope `json:"recent_history,omitempty"`
	ActiveStreams []ActiveStream    `json:"active_streams,omitempty"`
}

// HistoryEnvelope is the wire shape of one recent_history entry.
type HistoryEnvelope struct {
	Envelope *envelope.Envelope `json:"envelope"`
}

// ActiveStream is the wire shape of one active_streams entry,
// preserving everything a late joiner needs to know about a stream it
// didn't witness being opened (spec §4.5's welcome-time visibility rule).
type ActiveStream struct {
	ID                string         `json:"id"`
	Owner             string         `json:"owner"`
	Target            []string       `json:"target,omitempty"`
	Direction         string         `json:"direction"`
	AuthorizedWriters []string       `json:"authorized_writers,omitempty"`
	Created           time.Time      `json:"created"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// PresencePayload is the payload of system/presence envelopes.
type PresencePayload struct {
	Event       string          `json:"event"` // join | leave | update
	Participant ParticipantView `json:"participant"`
}

// participantView builds the {id, capabilities} shape for id.
func (r *Router) participantView(id string) ParticipantView {
	return ParticipantView{ID: id, Capabilities: r.Space.Capabilities(id)}
}

// Welcome sends the joining participant its system/welcome envelope
// directly (bypassing the capability check, since it is gateway
// self-talk) and must be called before Presence announces the join,
// per spec §4.7.
func (r *Router) Welcome(participantID string, historyN int) error {
	hist := r.Space.RecentHistory(historyN)
	recent := make([]HistoryEnvelope, 0, len(hist))
	for _, h := range hist {
		recent = append(recent, HistoryEnvelope{Envelope: h.Envelope})
	}

	active := make([]ActiveStream, 0)
	for _, s := range r.Streams.Active() {
		active = append(active, ActiveStream{
			ID:                s.ID,
			Owner:             s.Owner,
			Target:            s.Target,
			Direction:         s.Direction,
			AuthorizedWriters: s.AuthorizedWriters(),
			Created:           s.CreatedAt,
			Metadata:          s.Metadata,
		})
	}

	connected := r.Space.ConnectedIDs()
	participants := make([]ParticipantView, 0, len(connected))
	for _, id := range connected {
		participants = append(participants, r.participantView(id))
	}

	payload := WelcomePayload{
		You:           r.participantView(participantID),
		Space:         r.Space.Name,
		Participants:  participants,
		RecentHistory: recent,
		ActiveStreams: active,
	}

	env, err := r.Codec.NewSystemEnvelope("system/welcome", []string{participantID}, nil, payload)
	if err != nil {
		return err
	}
	return r.Outbox.Send(participantID, env)
}

// Presence broadcasts a system/presence envelope to everyone in the
// space except the subject of the event, and appends it to history.
func (r *Router) Presence(eventKind, participantID string) {
	env, err := r.Codec.NewSystemEnvelope("system/presence", nil, nil, PresencePayload{
		Event:       eventKind,
		Participant: r.participantView(participantID),
	})
	if err != nil {
		return
	}
	for _, id := range r.Space.ConnectedIDs() {
		if id == participantID {
			continue
		}
		r.Outbox.Send(id, env)
	}
	r.Space.AppendHistory(space.HistoryEntry{Envelope: env})

	kind := events.KindParticipantJoined
	if eventKind == "leave" {
		kind = events.KindParticipantLeft
	}
	r.Events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceSpace, Kind: kind, Data: map[string]any{
		"space": r.Space.Name, "participant_id": participantID,
	}})
}
