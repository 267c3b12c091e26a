// Package gateway is the top-level orchestrator: it wires the
// envelope codec, capability matcher, space registry, router, stream
// manager, proposal tracker, participant lifecycle controller,
// connection manager, and audit logger into one running server per
// spec §5's single-writer-per-space concurrency model.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mew-protocol/gateway/internal/audit"
	"github.com/mew-protocol/gateway/internal/authtoken"
	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/config"
	"github.com/mew-protocol/gateway/internal/envelope"
	"github.com/mew-protocol/gateway/internal/events"
	"github.com/mew-protocol/gateway/internal/gatewaymetrics"
	"github.com/mew-protocol/gateway/internal/metricsbridge"
	"github.com/mew-protocol/gateway/internal/participant"
	"github.com/mew-protocol/gateway/internal/proposal"
	"github.com/mew-protocol/gateway/internal/routing"
	"github.com/mew-protocol/gateway/internal/space"
	"github.com/mew-protocol/gateway/internal/streamio"
	"github.com/mew-protocol/gateway/internal/wsconn"
)

// SpaceRuntime bundles every live component scoped to one space,
// serialized behind a single actor goroutine.
type SpaceRuntime struct {
	Space       *space.Space
	Streams     *streamio.Manager
	Router      *routing.Router
	Conns       *wsconn.Manager
	Verifier    *authtoken.Verifier
	Proposals   *proposal.Tracker
	Lifecycle   *participant.Controller
	actor       *actor
}

// Gateway owns all space runtimes and the HTTP surface that accepts
// WebSocket upgrades and serves operator introspection.
type Gateway struct {
	cfg     *config.Config
	logger  *slog.Logger
	codec   *envelope.Codec
	bus     *events.Bus
	metrics *gatewaymetrics.Metrics
	audit   *audit.Logger

	mu     sync.RWMutex
	spaces map[string]*SpaceRuntime

	routedTotal uint64
	routedMu    sync.Mutex
}

// New constructs a Gateway from configuration, starting one actor per
// configured space. Call Close to stop all actors on shutdown.
func New(cfg *config.Config, logger *slog.Logger, bus *events.Bus, metrics *gatewaymetrics.Metrics, auditLog *audit.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		codec:   envelope.NewCodec(cfg.Protocol, cfg.MaxMessageSizeBytes),
		bus:     bus,
		metrics: metrics,
		audit:   auditLog,
		spaces:  make(map[string]*SpaceRuntime),
	}
	for _, sc := range cfg.Spaces {
		g.spaces[sc.Name] = g.buildSpaceRuntime(sc)
	}
	return g
}

func (g *Gateway) buildSpaceRuntime(sc config.SpaceConfig) *SpaceRuntime {
	sp := space.New(sc, g.cfg.MaxHistorySize)
	streams := streamio.NewManager()

	verifier := authtoken.NewVerifier(g.cfg.HashTokens)
	for _, p := range sc.Participants {
		if p.Token != "" {
			verifier.Register(p.ID, p.Token)
		}
	}

	policy := wsconn.PolicyEvictOld
	if g.cfg.DuplicateParticipantPolicy == "reject_new" {
		policy = wsconn.PolicyRejectNew
	}
	heartbeat := time.Duration(g.cfg.HeartbeatIntervalMS) * time.Millisecond
	conns := wsconn.NewManager(sc.Name, heartbeat, int64(g.cfg.MaxMessageSizeBytes), g.cfg.MaxClientsPerSpace, policy, verifier, g.logger)

	router := routing.New(sp, streams, g.codec, conns, g.bus, g.audit)

	rt := &SpaceRuntime{
		Space:     sp,
		Streams:   streams,
		Router:    router,
		Conns:     conns,
		Verifier:  verifier,
		Proposals: proposal.NewTracker(),
		Lifecycle: participant.NewController(sp, 60*time.Second),
		actor:     newActor(1024),
	}

	conns.OnConnect = func(id string, _ *wsconn.Conn) {
		rt.actor.enqueue(func() { g.handleJoin(rt, id) })
	}
	conns.OnDisconnect = func(id string) {
		rt.actor.enqueue(func() { g.handleLeave(rt, id) })
	}
	conns.OnEnvelope = func(id string, raw []byte) {
		rt.actor.enqueue(func() { g.handleEnvelope(rt, id, raw) })
	}
	conns.OnDataFrame = func(id string, raw []byte) {
		rt.actor.enqueue(func() { g.handleDataFrame(rt, id, raw) })
	}

	return rt
}

// SpaceRuntime returns the runtime for a configured space, or nil.
func (g *Gateway) SpaceRuntime(name string) *SpaceRuntime {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.spaces[name]
}

// ServeHTTP implements the WebSocket upgrade endpoint: GET
// /v1/ws?space=<name>&participant_id=<id>&token=<token>.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	spaceName := q.Get("space")
	participantID := q.Get("participant_id")
	token := q.Get("token")

	rt := g.SpaceRuntime(spaceName)
	if rt == nil {
		http.Error(w, "unknown space", http.StatusNotFound)
		return
	}
	if participantID == "" {
		http.Error(w, "participant_id is required", http.StatusBadRequest)
		return
	}
	if _, err := rt.Conns.Upgrade(w, r, participantID, token); err != nil {
		g.logger.Warn("gateway: upgrade failed", "space", spaceName, "participant", participantID, "error", err)
	}
}

func (g *Gateway) handleJoin(rt *SpaceRuntime, participantID string) {
	existing := rt.Space.Participant(participantID)
	var grants []capability.Grant
	if existing != nil {
		grants = existing.Grants
	}
	rt.Space.Join(participantID, grants)

	if err := rt.Router.Welcome(participantID, g.cfg.MaxHistorySize); err != nil {
		g.logger.Error("gateway: send welcome", "space", rt.Space.Name, "participant", participantID, "error", err)
	}
	rt.Router.Presence("join", participantID)

	if g.metrics != nil {
		g.metrics.ConnectedParticipants.WithLabelValues(rt.Space.Name).Set(float64(rt.Space.ConnectedCount()))
	}
}

func (g *Gateway) handleLeave(rt *SpaceRuntime, participantID string) {
	rt.Streams.RevokeWriterEverywhere(participantID)
	for _, id := range rt.Streams.CloseAllOwnedBy(participantID) {
		g.logger.Debug("gateway: closed orphaned stream on disconnect", "space", rt.Space.Name, "stream", id, "owner", participantID)
	}
	rt.Space.Leave(participantID)
	rt.Router.Presence("leave", participantID)

	if g.metrics != nil {
		g.metrics.ConnectedParticipants.WithLabelValues(rt.Space.Name).Set(float64(rt.Space.ConnectedCount()))
	}
}

func (g *Gateway) handleEnvelope(rt *SpaceRuntime, participantID string, raw []byte) {
	env, verr := g.codec.Decode(raw, participantID, rt.Space.HasSeenID)
	if verr != nil {
		g.sendError(rt, participantID, verr)
		if verr.Fatal {
			rt.Conns.Disconnect(participantID, wsconn.ClosePolicyViolation, verr.Message)
		}
		return
	}

	g.dispatchSpecialKind(rt, env)

	if _, err := rt.Router.Route(env); err != nil {
		g.logger.Debug("gateway: route denied", "space", rt.Space.Name, "kind", env.Kind, "from", env.From, "error", err)
		if g.metrics != nil {
			g.metrics.CapabilityDenials.WithLabelValues(rt.Space.Name, env.Kind).Inc()
		}
		return
	}

	if g.metrics != nil {
		g.metrics.EnvelopesRouted.WithLabelValues(rt.Space.Name, env.Kind).Inc()
	}
	g.routedMu.Lock()
	g.routedTotal++
	g.routedMu.Unlock()
}

func (g *Gateway) handleDataFrame(rt *SpaceRuntime, participantID string, raw []byte) {
	streamID, payload, err := envelope.ParseDataFrame(raw)
	if err != nil {
		return
	}
	s := rt.Streams.Get(streamID)
	if s == nil || !s.CanWrite(participantID) {
		g.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceStream, Kind: events.KindStreamFrameDropped, Data: map[string]any{
			"space": rt.Space.Name, "stream_id": streamID, "sender": participantID,
		}})
		if g.metrics != nil {
			g.metrics.StreamFramesDropped.WithLabelValues(rt.Space.Name).Inc()
		}
		return
	}

	frame := envelope.BuildDataFrame(streamID, payload)
	if len(s.Target) > 0 {
		for _, id := range s.Target {
			rt.Conns.SendDataFrame(id, frame)
		}
	} else {
		rt.Conns.Broadcast(frame, participantID)
	}
	if g.metrics != nil {
		g.metrics.StreamFramesForwarded.WithLabelValues(rt.Space.Name).Inc()
	}
}

func (g *Gateway) sendError(rt *SpaceRuntime, participantID string, verr *envelope.ValidationError) {
	errEnv, err := g.codec.NewSystemEnvelope("system/error", []string{participantID}, nil, map[string]any{
		"code": verr.Code, "message": verr.Message,
	})
	if err != nil {
		return
	}
	rt.Conns.Send(participantID, errEnv)
}

// Snapshot implements metricsbridge.StatsSource.
func (g *Gateway) Snapshot() metricsbridge.Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := metricsbridge.Stats{
		Spaces:                len(g.spaces),
		ConnectedParticipants: make(map[string]int, len(g.spaces)),
		ActiveStreams:         make(map[string]int, len(g.spaces)),
	}
	for name, rt := range g.spaces {
		stats.ConnectedParticipants[name] = rt.Space.ConnectedCount()
		stats.ActiveStreams[name] = len(rt.Streams.Active())
	}
	g.routedMu.Lock()
	stats.EnvelopesRoutedTotal = g.routedTotal
	g.routedMu.Unlock()
	return stats
}

// Heartbeat runs one housekeeping tick across every space: expiring
// timed-out pauses and broadcasting their resumption. Intended to be
// called periodically (every HeartbeatIntervalMS) by the caller's own
// ticker loop (see cmd/mew-gatewayd).
func (g *Gateway) Heartbeat(now time.Time) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, rt := range g.spaces {
		rt := rt
		rt.actor.enqueue(func() {
			for _, id := range rt.Space.ExpirePauses(now) {
				env, err := g.codec.NewSystemEnvelope("participant/status", nil, nil, statusPayloadFor(rt, id))
				if err != nil {
					continue
				}
				for _, peer := range rt.Space.ConnectedIDs() {
					rt.Conns.Send(peer, env)
				}
			}
		})
	}
}

func statusPayloadFor(rt *SpaceRuntime, id string) any {
	st, err := rt.Lifecycle.Status(id)
	if err != nil {
		return map[string]any{"participant": id}
	}
	return st
}

// Close stops every space's actor goroutine and closes the audit log.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, rt := range g.spaces {
		rt.actor.stop()
	}
	return g.audit.Close()
}
