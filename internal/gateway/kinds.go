package gateway

import (
	"encoding/json"
	"time"

	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/envelope"
	"github.com/mew-protocol/gateway/internal/participant"
	"github.com/mew-protocol/gateway/internal/space"
	"github.com/mew-protocol/gateway/internal/wsconn"
)

// dispatchSpecialKind applies the gateway-interpreted side effects for
// envelope kinds the gateway itself understands (spec §4.2-§4.6),
// before the envelope is handed to the router for normal capability-
// checked delivery. Unknown kinds are pure pass-through: the gateway
// never needs to recognize a kind to route it.
func (g *Gateway) dispatchSpecialKind(rt *SpaceRuntime, env *envelope.Envelope) {
	switch env.Kind {
	case "system/register":
		g.applyRegister(rt, env)
	case "participant/pause":
		g.applyPause(rt, env)
	case "participant/resume":
		rt.Lifecycle.Resume(env.From)
	case "participant/forget":
		g.applyForget(rt, env)
	case "participant/clear":
		g.applyClear(rt, env)
	case "participant/request-status":
		g.applyRequestStatus(rt, env)
	case "participant/restart":
		g.applyRestart(rt, env)
	case "participant/shutdown":
		g.applyShutdown(rt, env)
	case "mcp/proposal":
		rt.Proposals.Observe(env.ID, env.From, time.Now())
	case "mcp/request":
		g.applyFulfillment(rt, env)
	case "mcp/response":
		g.applyResponse(rt, env)
	case "mcp/withdraw":
		g.applyWithdraw(rt, env)
	case "mcp/reject":
		g.applyReject(rt, env)
	case "stream/request", "stream/open":
		g.applyStreamOpen(rt, env)
	case "stream/close":
		g.applyStreamClose(rt, env)
	case "stream/grant-write":
		g.applyStreamGrant(rt, env)
	case "stream/revoke-write":
		g.applyStreamRevoke(rt, env)
	case "stream/transfer-ownership":
		g.applyStreamTransfer(rt, env)
	}
}

// replyError sends a targeted system/error envelope correlated to the
// triggering envelope, for gateway-interpreted operations whose
// failure the router's own capability-denial path never sees.
func (g *Gateway) replyError(rt *SpaceRuntime, to, correlationID, code string, extra map[string]any) {
	payload := map[string]any{"error": code}
	for k, v := range extra {
		payload[k] = v
	}
	var correlation []string
	if correlationID != "" {
		correlation = []string{correlationID}
	}
	errEnv, err := g.codec.NewSystemEnvelope("system/error", []string{to}, correlation, payload)
	if err != nil {
		return
	}
	rt.Conns.Send(to, errEnv)
}

// statusReply sends a participant/status envelope carrying payload to
// to, correlated to the triggering envelope.
func (g *Gateway) statusReply(rt *SpaceRuntime, to, correlationID string, payload participant.StatusPayload) {
	var correlation []string
	if correlationID != "" {
		correlation = []string{correlationID}
	}
	env, err := g.codec.NewSystemEnvelope("participant/status", []string{to}, correlation, payload)
	if err != nil {
		return
	}
	rt.Conns.Send(to, env)
}

type registerPayload struct {
	Capabilities []capabilityWire `json:"capabilities"`
}

type capabilityWire struct {
	ID      string         `json:"id,omitempty"`
	Kind    string         `json:"kind"`
	To      []string       `json:"to,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// applyRegister merges the capability grants a participant announces
// about itself (or an admin grants another participant) via
// system/register (spec §4.2). Only admins may register capabilities
// for someone other than themselves.
func (g *Gateway) applyRegister(rt *SpaceRuntime, env *envelope.Envelope) {
	var payload registerPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	target := env.From
	if len(env.To) == 1 && env.To[0] != env.From {
		if !rt.Space.IsAdmin(env.From) {
			return
		}
		target = env.To[0]
	}

	specs := make([]capability.Spec, 0, len(payload.Capabilities))
	for _, c := range payload.Capabilities {
		specs = append(specs, capability.Spec{ID: c.ID, Kind: c.Kind, To: c.To, Payload: c.Payload})
	}
	rt.Space.MergeGrants(target, specs)
}

type pausePayload struct {
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (g *Gateway) applyPause(rt *SpaceRuntime, env *envelope.Envelope) {
	var p pausePayload
	json.Unmarshal(env.Payload, &p)
	rt.Lifecycle.Pause(env.From, participant.PauseRequest{TimeoutSeconds: p.TimeoutSeconds, Reason: p.Reason}, time.Now())
}

type targetPayload struct {
	Target string `json:"target,omitempty"`
}

func (g *Gateway) applyForget(rt *SpaceRuntime, env *envelope.Envelope) {
	target := env.From
	var p targetPayload
	if json.Unmarshal(env.Payload, &p) == nil && p.Target != "" {
		target = p.Target
	}
	rt.Lifecycle.Forget(target)
}

func (g *Gateway) applyClear(rt *SpaceRuntime, env *envelope.Envelope) {
	target := env.From
	var p targetPayload
	if json.Unmarshal(env.Payload, &p) == nil && p.Target != "" {
		target = p.Target
	}
	reply, err := rt.Lifecycle.Clear(target)
	if err != nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrParticipantNotFound, map[string]any{"target": target})
		return
	}
	g.statusReply(rt, target, env.ID, reply)
}

// applyRequestStatus replies to participant/request-status (spec §4.6)
// with the target's current StatusPayload. Target defaults to the
// requester's own status.
func (g *Gateway) applyRequestStatus(rt *SpaceRuntime, env *envelope.Envelope) {
	target := env.From
	var p targetPayload
	if json.Unmarshal(env.Payload, &p) == nil && p.Target != "" {
		target = p.Target
	}
	reply, err := rt.Lifecycle.RequestStatus(target)
	if err != nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrParticipantNotFound, map[string]any{"target": target})
		return
	}
	g.statusReply(rt, env.From, env.ID, reply)
}

func (g *Gateway) applyRestart(rt *SpaceRuntime, env *envelope.Envelope) {
	target := env.From
	var p targetPayload
	if json.Unmarshal(env.Payload, &p) == nil && p.Target != "" {
		target = p.Target
	}
	reply, err := rt.Lifecycle.Restart(target)
	if err != nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrParticipantNotFound, map[string]any{"target": target})
		return
	}
	g.statusReply(rt, target, env.ID, reply)
}

// applyShutdown implements participant/shutdown (spec §4.6): the
// target receives its final participant/status, then the gateway
// forcibly disconnects it rather than leaving it to notice the status
// on its own.
func (g *Gateway) applyShutdown(rt *SpaceRuntime, env *envelope.Envelope) {
	target := env.From
	var p targetPayload
	if json.Unmarshal(env.Payload, &p) == nil && p.Target != "" {
		target = p.Target
	}
	reply, err := rt.Lifecycle.Shutdown(target)
	if err != nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrParticipantNotFound, map[string]any{"target": target})
		return
	}
	g.statusReply(rt, target, env.ID, reply)
	rt.Conns.Disconnect(target, wsconn.CloseNormal, "shutdown requested")
}

// applyFulfillment records an mcp/request as fulfilling the proposal
// it correlates to, if any. A request with no matching proposal in
// its correlation_id is an ordinary tool call, not a fulfillment.
func (g *Gateway) applyFulfillment(rt *SpaceRuntime, env *envelope.Envelope) {
	for _, cid := range env.CorrelationID {
		if rt.Proposals.Get(cid) != nil {
			rt.Proposals.Fulfill(cid, env.ID, env.From)
			return
		}
	}
}

func (g *Gateway) applyResponse(rt *SpaceRuntime, env *envelope.Envelope) {
	for _, cid := range env.CorrelationID {
		if rt.Proposals.Get(cid) != nil {
			rt.Proposals.Respond(cid)
			return
		}
	}
}

// applyWithdraw enforces that only the original proposer may withdraw
// a proposal, in addition to the capability check the router applies
// to this envelope afterwards (spec §4.4). A non-proposer's withdrawal
// is logged and leaves the proposal unchanged; the envelope itself is
// still routed.
func (g *Gateway) applyWithdraw(rt *SpaceRuntime, env *envelope.Envelope) {
	for _, cid := range env.CorrelationID {
		if rt.Proposals.Get(cid) == nil {
			continue
		}
		if err := rt.Proposals.Withdraw(cid, env.From); err != nil {
			g.logger.Warn("gateway: rejected withdrawal by non-proposer", "space", rt.Space.Name, "proposal", cid, "from", env.From, "error", err)
		}
		return
	}
}

func (g *Gateway) applyReject(rt *SpaceRuntime, env *envelope.Envelope) {
	for _, cid := range env.CorrelationID {
		if rt.Proposals.Get(cid) != nil {
			rt.Proposals.Reject(cid)
			return
		}
	}
}

type streamOpenPayload struct {
	Target      []string       `json:"target,omitempty"`
	Direction   string         `json:"direction,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Writers     []string       `json:"writers,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type streamOpenReply struct {
	StreamID    string         `json:"stream_id"`
	Target      []string       `json:"target,omitempty"`
	Direction   string         `json:"direction,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Writers     []string       `json:"writers,omitempty"`
}

// applyStreamOpen implements the two-envelope stream open protocol of
// spec §4.5, scenario S4: a stream/request never carries its own
// stream_id, so the gateway allocates one, validates every named
// target is a known participant, and replies with a gateway-originated
// stream/open envelope naming the assigned ID. The original
// stream/request is still routed normally afterward so observers that
// subscribed to it see the request too.
func (g *Gateway) applyStreamOpen(rt *SpaceRuntime, env *envelope.Envelope) {
	var p streamOpenPayload
	json.Unmarshal(env.Payload, &p)

	var missing []string
	for _, id := range p.Target {
		if rt.Space.Participant(id) == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		g.replyError(rt, env.From, env.ID, envelope.ErrTargetNotFound, map[string]any{"targets": missing})
		return
	}

	id := rt.Space.NextStreamID()
	rt.Streams.Open(id, env.From, p.Target, p.Direction, p.ContentType, p.Writers, p.Metadata, time.Now())

	reply := streamOpenReply{StreamID: id, Target: p.Target, Direction: p.Direction, ContentType: p.ContentType, Writers: p.Writers}
	openEnv, err := g.codec.NewSystemEnvelope("stream/open", []string{env.From}, []string{env.ID}, reply)
	if err != nil {
		return
	}
	rt.Conns.Send(env.From, openEnv)
}

type streamIDPayload struct {
	StreamID string `json:"stream_id"`
}

func (g *Gateway) applyStreamClose(rt *SpaceRuntime, env *envelope.Envelope) {
	var p streamIDPayload
	if json.Unmarshal(env.Payload, &p) != nil || p.StreamID == "" {
		return
	}
	rt.Streams.Close(p.StreamID)
}

type streamWriterPayload struct {
	StreamID string `json:"stream_id"`
	Writer   string `json:"writer"`
}

type streamWriteGrantedPayload struct {
	StreamID string   `json:"stream_id"`
	Writers  []string `json:"writers"`
}

// applyStreamGrant implements stream/grant-write (spec §4.5): only the
// stream's owner may add a writer, the named writer must be a current
// space participant, and success broadcasts stream/write-granted so
// every peer observes the new writer set (scenario S5).
func (g *Gateway) applyStreamGrant(rt *SpaceRuntime, env *envelope.Envelope) {
	var p streamWriterPayload
	if json.Unmarshal(env.Payload, &p) != nil {
		return
	}
	s := rt.Streams.Get(p.StreamID)
	if s == nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrStreamNotFound, map[string]any{"stream_id": p.StreamID})
		return
	}
	if s.Owner != env.From {
		g.replyError(rt, env.From, env.ID, envelope.ErrUnauthorized, map[string]any{"stream_id": p.StreamID})
		return
	}
	if rt.Space.Participant(p.Writer) == nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrParticipantNotFound, map[string]any{"participant_id": p.Writer})
		return
	}
	if err := rt.Streams.GrantWrite(p.StreamID, p.Writer); err != nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrStreamNotFound, map[string]any{"stream_id": p.StreamID})
		return
	}
	g.broadcastStreamEvent(rt, env, "stream/write-granted", streamWriteGrantedPayload{StreamID: p.StreamID, Writers: rt.Streams.Get(p.StreamID).AuthorizedWriters()})
}

// applyStreamRevoke implements stream/revoke-write (spec §4.5): only
// the owner may revoke, the owner's own (implicit) write access can't
// be revoked this way, and the named participant must currently be a
// member of the space.
func (g *Gateway) applyStreamRevoke(rt *SpaceRuntime, env *envelope.Envelope) {
	var p streamWriterPayload
	if json.Unmarshal(env.Payload, &p) != nil {
		return
	}
	s := rt.Streams.Get(p.StreamID)
	if s == nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrStreamNotFound, map[string]any{"stream_id": p.StreamID})
		return
	}
	if s.Owner != env.From {
		g.replyError(rt, env.From, env.ID, envelope.ErrUnauthorized, map[string]any{"stream_id": p.StreamID})
		return
	}
	if p.Writer == s.Owner {
		g.replyError(rt, env.From, env.ID, envelope.ErrOperationFailed, map[string]any{"message": "owner cannot revoke its own write access", "stream_id": p.StreamID})
		return
	}
	if rt.Space.Participant(p.Writer) == nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrParticipantNotFound, map[string]any{"participant_id": p.Writer})
		return
	}
	rt.Streams.RevokeWrite(p.StreamID, p.Writer)
}

type streamTransferPayload struct {
	StreamID string `json:"stream_id"`
	NewOwner string `json:"new_owner"`
}

type streamOwnershipTransferredPayload struct {
	StreamID string `json:"stream_id"`
	NewOwner string `json:"new_owner"`
}

// applyStreamTransfer implements stream/transfer-ownership (spec
// §4.5): only the current owner may transfer, the new owner must be a
// current space participant, and success broadcasts
// stream/ownership-transferred (scenario S5).
func (g *Gateway) applyStreamTransfer(rt *SpaceRuntime, env *envelope.Envelope) {
	var p streamTransferPayload
	if json.Unmarshal(env.Payload, &p) != nil {
		return
	}
	s := rt.Streams.Get(p.StreamID)
	if s == nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrStreamNotFound, map[string]any{"stream_id": p.StreamID})
		return
	}
	if s.Owner != env.From {
		g.replyError(rt, env.From, env.ID, envelope.ErrUnauthorized, map[string]any{"stream_id": p.StreamID})
		return
	}
	if rt.Space.Participant(p.NewOwner) == nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrParticipantNotFound, map[string]any{"participant_id": p.NewOwner})
		return
	}
	if err := rt.Streams.TransferOwnership(p.StreamID, p.NewOwner); err != nil {
		g.replyError(rt, env.From, env.ID, envelope.ErrStreamNotFound, map[string]any{"stream_id": p.StreamID})
		return
	}
	g.broadcastStreamEvent(rt, env, "stream/ownership-transferred", streamOwnershipTransferredPayload{StreamID: p.StreamID, NewOwner: p.NewOwner})
}

// broadcastStreamEvent sends a gateway-originated stream lifecycle
// acknowledgement to every connected space participant (spec §4.5,
// scenario S5), correlated to the envelope that triggered it.
func (g *Gateway) broadcastStreamEvent(rt *SpaceRuntime, trigger *envelope.Envelope, kind string, payload any) {
	env, err := g.codec.NewSystemEnvelope(kind, nil, []string{trigger.ID}, payload)
	if err != nil {
		return
	}
	for _, id := range rt.Space.ConnectedIDs() {
		rt.Conns.Send(id, env)
	}
	rt.Space.AppendHistory(space.HistoryEntry{Envelope: env})
}
