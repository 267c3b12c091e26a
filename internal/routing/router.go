// Package routing implements the broadcast engine of spec §4.7: for
// every inbound envelope it runs the capability check, fans the
// envelope out to its recipients (targeted or space-wide broadcast),
// appends it to the space's history ring, and emits the presence and
// system/welcome envelopes that bookend a participant's connection.
//
// A Router owns exactly one space and is driven exclusively by the
// single-writer actor in internal/gateway — it performs no locking of
// its own beyond what space.Space and streamio.Manager already do,
// since its methods are only ever called from one goroutine at a time.
package routing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mew-protocol/gateway/internal/audit"
	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/envelope"
	"github.com/mew-protocol/gateway/internal/events"
	"github.com/mew-protocol/gateway/internal/space"
	"github.com/mew-protocol/gateway/internal/streamio"
)

// Outbox is how the Router delivers an outbound envelope to a
// connected participant. internal/wsconn's connection registry
// implements this by writing to the participant's outbound queue.
type Outbox interface {
	Send(participantID string, env *envelope.Envelope) error
	Connected(participantID string) bool
}

// Router ties together one space's capability state, history ring,
// and stream manager to decide, for each envelope, who receives it.
type Router struct {
	Space   *space.Space
	Streams *streamio.Manager
	Codec   *envelope.Codec
	Outbox  Outbox
	Events  *events.Bus
	Audit   *audit.Logger
}

// New builds a Router for one space.
func New(sp *space.Space, streams *streamio.Manager, codec *envelope.Codec, out Outbox, bus *events.Bus, auditLog *audit.Logger) *Router {
	return &Router{Space: sp, Streams: streams, Codec: codec, Outbox: out, Events: bus, Audit: auditLog}
}

// Route is the main entry point: validate capability, compute the
// recipient set, deliver, append history, and audit. Returns the
// recipient list actually delivered to (for caller-side bookkeeping).
func (r *Router) Route(env *envelope.Envelope) ([]string, error) {
	r.Audit.RecordEnvelope(audit.EnvelopeRecord{Event: audit.EnvelopeReceived, Space: r.Space.Name, EnvelopeID: env.ID, From: env.From, Kind: env.Kind, To: env.To})

	if !envelope.IsSystemOrigin(env.From) {
		if err := r.authorize(env); err != nil {
			r.Audit.RecordEnvelope(audit.EnvelopeRecord{Event: audit.EnvelopeFailed, Space: r.Space.Name, EnvelopeID: env.ID, From: env.From, Kind: env.Kind, Reason: err.Error()})
			r.publishDenied(env, err.Error())
			return nil, err
		}
	}

	r.applyContextOp(env)

	recipients := r.recipientsFor(env)
	for _, id := range recipients {
		if err := r.Outbox.Send(id, env); err != nil {
			r.Audit.RecordEnvelope(audit.EnvelopeRecord{Event: audit.EnvelopeFailed, Space: r.Space.Name, EnvelopeID: env.ID, From: env.From, Kind: env.Kind, Reason: err.Error()})
		}
	}

	r.Space.AppendHistory(space.HistoryEntry{Envelope: env, RoutedTo: recipients})
	r.Audit.RecordEnvelope(audit.EnvelopeRecord{Event: audit.EnvelopeDelivered, Space: r.Space.Name, EnvelopeID: env.ID, From: env.From, Kind: env.Kind, To: env.To, RecipientCount: len(recipients)})

	r.Events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceRouter, Kind: events.KindEnvelopeRouted, Data: map[string]any{
		"space": r.Space.Name, "envelope_id": env.ID, "kind": env.Kind, "recipient_count": len(recipients),
	}})

	return recipients, nil
}

// ErrCapabilityDenied reports that the sender lacks a capability grant
// matching this envelope.
type ErrCapabilityDenied struct {
	Participant string
	Kind        string
	Reason      string
}

func (e *ErrCapabilityDenied) Error() string {
	return fmt.Sprintf("participant %q denied for kind %q: %s", e.Participant, e.Kind, e.Reason)
}

// authorize runs the capability matcher for env.From against the
// envelope's kind/to/payload shape.
func (r *Router) authorize(env *envelope.Envelope) error {
	p := r.Space.Participant(env.From)
	if p == nil {
		return &ErrCapabilityDenied{Participant: env.From, Kind: env.Kind, Reason: "unknown participant"}
	}

	target := capability.MatchTarget{Kind: env.Kind, To: env.To, Payload: decodePayload(env.Payload)}
	decision := capability.Decide(p.Grants, target)

	r.Audit.RecordCapability(audit.CapabilityRecord{
		Event: audit.CapabilityCheck, Space: r.Space.Name, Participant: env.From,
		EnvelopeID: env.ID, Kind: env.Kind, Allowed: decision.Allowed, GrantID: decision.GrantID, Reason: decision.Reason,
	})

	if !decision.Allowed {
		r.Events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceRouter, Kind: events.KindEnvelopeDenied, Data: map[string]any{
			"space": r.Space.Name, "envelope_id": env.ID, "kind": env.Kind, "participant_id": env.From, "reason": decision.Reason,
		}})
		return &ErrCapabilityDenied{Participant: env.From, Kind: env.Kind, Reason: decision.Reason}
	}
	return nil
}

// applyContextOp interprets an envelope's `context` field as a
// sub-context stack operation (spec §4.3 step 2): push opens a new
// frame scoped to the correlating request, pop/resume closes the most
// recently pushed frame. A bare topic string (ParseContextOp's ok ==
// false) carries no stack operation and is left untouched.
func (r *Router) applyContextOp(env *envelope.Envelope) {
	op, ok := env.ParseContextOp()
	if !ok {
		return
	}
	switch op.Operation {
	case "push":
		r.Space.PushContext(env.From, space.ContextFrame{CorrelationID: op.CorrelationID, PushedAt: time.Now()})
	case "pop", "resume":
		r.Space.PopContext(env.From)
	}
}

// recipientsFor computes who receives env: an explicit `to` list is
// narrowed to currently-connected participants; an empty `to` is a
// space-wide broadcast to everyone but the sender.
func (r *Router) recipientsFor(env *envelope.Envelope) []string {
	if len(env.To) > 0 {
		out := make([]string, 0, len(env.To))
		for _, id := range env.To {
			if r.Outbox.Connected(id) {
				out = append(out, id)
			}
		}
		return out
	}
	out := make([]string, 0, r.Space.Size())
	for _, id := range r.Space.ConnectedIDs() {
		if id != env.From {
			out = append(out, id)
		}
	}
	return out
}

func (r *Router) publishDenied(env *envelope.Envelope, reason string) {
	errEnv, buildErr := r.Codec.NewSystemEnvelope("system/error", []string{env.From}, []string{env.ID}, map[string]any{
		"code":    envelope.ErrUnauthorized,
		"message": reason,
	})
	if buildErr != nil {
		return
	}
	r.Outbox.Send(env.From, errEnv)
}

// decodePayload best-effort decodes an envelope's payload as a JSON
// object for capability payload matching; non-object payloads (or no
// payload) yield nil, which simply means payload-shaped grants never
// match such envelopes.
func decodePayload(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
