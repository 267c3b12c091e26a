package wsconn

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mew-protocol/gateway/internal/authtoken"
	"github.com/mew-protocol/gateway/internal/envelope"
)

// DuplicatePolicy controls what happens when a participant ID that is
// already connected attempts to connect again (spec §8.1).
type DuplicatePolicy string

const (
	PolicyEvictOld  DuplicatePolicy = "evict_old"
	PolicyRejectNew DuplicatePolicy = "reject_new"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Manager is the per-space connection registry. It implements
// routing.Outbox so the router can deliver envelopes without knowing
// anything about WebSockets.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	space             string
	heartbeatInterval time.Duration
	maxMessageBytes   int64
	maxClients        int
	duplicatePolicy   DuplicatePolicy
	verifier          *authtoken.Verifier
	logger            *slog.Logger

	// OnConnect/OnDisconnect let internal/gateway hook join/leave side
	// effects (space.Join, router.Welcome/Presence, stream cleanup)
	// without Manager importing those packages and creating a cycle.
	OnConnect    func(participantID string, conn *Conn)
	OnDisconnect func(participantID string)
	OnEnvelope   func(participantID string, raw []byte)
	OnDataFrame  func(participantID string, raw []byte)
}

// NewManager builds a connection registry for one space. maxClients<=0
// means no cap (spec §6's max_clients_per_space is optional).
func NewManager(space string, heartbeatInterval time.Duration, maxMessageBytes int64, maxClients int, duplicatePolicy DuplicatePolicy, verifier *authtoken.Verifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conns:             make(map[string]*Conn),
		space:             space,
		heartbeatInterval: heartbeatInterval,
		maxMessageBytes:   maxMessageBytes,
		maxClients:        maxClients,
		duplicatePolicy:   duplicatePolicy,
		verifier:          verifier,
		logger:            logger,
	}
}

// Upgrade handles one inbound WebSocket handshake: it verifies the
// bearer token, applies the duplicate-participant policy, and starts
// the connection's read/write pumps. The participantID and token are
// expected to have already been extracted from the request (query
// params or Authorization header) by the caller.
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request, participantID, token string) (*Conn, error) {
	if err := m.verifier.Verify(participantID, token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.conns[participantID]; ok {
		if m.duplicatePolicy == PolicyRejectNew {
			m.mu.Unlock()
			http.Error(w, "participant already connected", http.StatusConflict)
			return nil, fmt.Errorf("participant %q already connected", participantID)
		}
		// evict_old: close the stale connection before the new one replaces it.
		delete(m.conns, participantID)
		go existing.forceClose(CloseNormal, "replaced by new connection")
	} else if m.maxClients > 0 && len(m.conns) >= m.maxClients {
		m.mu.Unlock()
		http.Error(w, "space at max_clients_per_space", http.StatusServiceUnavailable)
		return nil, fmt.Errorf("space %q at max_clients_per_space (%d)", m.space, m.maxClients)
	}
	m.mu.Unlock()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if m.maxMessageBytes > 0 {
		ws.SetReadLimit(m.maxMessageBytes)
	}

	conn := newConn(ws, participantID, m.space, m.heartbeatInterval, m.handleClose)

	m.mu.Lock()
	m.conns[participantID] = conn
	m.mu.Unlock()

	if m.OnConnect != nil {
		m.OnConnect(participantID, conn)
	}

	go conn.writePump(m.heartbeatInterval)
	go conn.ReadLoop(
		func(raw []byte) {
			if m.OnEnvelope != nil {
				m.OnEnvelope(participantID, raw)
			}
		},
		func(raw []byte) {
			if m.OnDataFrame != nil {
				m.OnDataFrame(participantID, raw)
			}
		},
	)

	return conn, nil
}

func (m *Manager) handleClose(c *Conn) {
	m.mu.Lock()
	if m.conns[c.ParticipantID] == c {
		delete(m.conns, c.ParticipantID)
	}
	m.mu.Unlock()

	if m.OnDisconnect != nil {
		m.OnDisconnect(c.ParticipantID)
	}
}

// Send implements routing.Outbox: encode and enqueue an envelope for
// delivery to a connected participant. A not-connected participant is
// silently skipped — the router filters a targeted `to` list through
// Connected, but broadcasts (built from the space's own connected
// list) and the gateway's direct replies call Send without that check.
func (m *Manager) Send(participantID string, env *envelope.Envelope) error {
	m.mu.RLock()
	conn, ok := m.conns[participantID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.enqueue(data)
}

// SendDataFrame delivers a raw stream data frame verbatim.
func (m *Manager) SendDataFrame(participantID string, raw []byte) error {
	m.mu.RLock()
	conn, ok := m.conns[participantID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return conn.enqueue(raw)
}

// Connected implements routing.Outbox.
func (m *Manager) Connected(participantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[participantID]
	return ok
}

// Broadcast sends raw bytes to every connected participant except
// excludeID (pass "" to exclude no one). Used for raw stream frames
// whose target is the whole space.
func (m *Manager) Broadcast(raw []byte, excludeID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, conn := range m.conns {
		if id == excludeID {
			continue
		}
		conn.enqueue(raw)
	}
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Disconnect forcibly closes a participant's connection, if any, with
// the given close code and reason (used by participant/shutdown).
func (m *Manager) Disconnect(participantID string, code int, reason string) {
	m.mu.RLock()
	conn, ok := m.conns[participantID]
	m.mu.RUnlock()
	if ok {
		conn.forceClose(code, reason)
	}
}
