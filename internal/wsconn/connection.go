// Package wsconn implements the WebSocket connection manager of spec
// §4 and §8.1: per-space connection registries, the upgrade/handshake
// flow (token verification, duplicate-participant policy), bounded
// per-connection outbound queues for backpressure, and disconnect
// cleanup (stream write revocation, owned-stream closure, presence
// leave).
package wsconn

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mew-protocol/gateway/internal/envelope"
)

// Close codes used when the gateway terminates a connection (spec §8.1).
const (
	CloseNormal            = websocket.CloseNormalClosure   // 1000
	ClosePolicyViolation   = websocket.ClosePolicyViolation  // 1008
	CloseMessageTooBig     = websocket.CloseMessageTooBig    // 1009
	CloseInternalError     = websocket.CloseInternalServerErr // 1011
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	outboundBuffer = 256
)

// Conn wraps one upgraded WebSocket with the gateway's read/write pump
// pattern: a single writer goroutine drains a buffered outbound
// channel so concurrent Route calls never race on the underlying
// socket, and a single reader goroutine feeds decoded frames to the
// space's actor.
type Conn struct {
	ParticipantID string
	Space         string

	ws       *websocket.Conn
	outbound chan []byte
	closed   chan struct{}

	onClose func(*Conn)
}

// newConn wraps an upgraded socket. onClose is invoked exactly once,
// from the write pump, after the connection is fully torn down.
func newConn(ws *websocket.Conn, participantID, space string, heartbeatInterval time.Duration, onClose func(*Conn)) *Conn {
	c := &Conn{
		ParticipantID: participantID,
		Space:         space,
		ws:            ws,
		outbound:      make(chan []byte, outboundBuffer),
		closed:        make(chan struct{}),
		onClose:       onClose,
	}
	pong := pongWait
	if heartbeatInterval > 0 && heartbeatInterval*2 > pong {
		pong = heartbeatInterval * 2
	}
	ws.SetReadDeadline(time.Now().Add(pong))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pong))
		return nil
	})
	return c
}

// enqueue places raw bytes on the connection's outbound queue.
// Non-blocking: an overflowing queue indicates a slow or stuck client,
// and per spec §8.1 the gateway disconnects rather than buffering
// unboundedly or stalling the space's single writer.
func (c *Conn) enqueue(data []byte) error {
	select {
	case c.outbound <- data:
		return nil
	case <-c.closed:
		return errClosed
	default:
		c.forceClose(ClosePolicyViolation, "outbound queue overflow")
		return errOverflow
	}
}

var errClosed = websocketErr("connection closed")
var errOverflow = websocketErr("outbound queue overflow")

type websocketErr string

func (e websocketErr) Error() string { return string(e) }

// forceClose closes the connection asynchronously with the given
// close code; safe to call from any goroutine, including the one
// that's about to enqueue onto a full channel.
func (c *Conn) forceClose(code int, reason string) {
	select {
	case <-c.closed:
		return
	default:
	}
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	close(c.closed)
	c.ws.Close()
}

// writePump drains the outbound queue to the socket and sends periodic
// pings. It owns the socket's write side exclusively; nothing else
// may call ws.WriteMessage.
func (c *Conn) writePump(heartbeatInterval time.Duration) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	defer func() {
		c.ws.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	}()

	for {
		select {
		case data, ok := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// ReadLoop blocks reading frames from the socket, dispatching each to
// handleEnvelope (a JSON envelope) or handleDataFrame (a raw
// "#id#bytes" stream frame, detected via envelope.IsDataFrame) until
// the connection closes. Runs on the caller's goroutine.
func (c *Conn) ReadLoop(handleEnvelope func(raw []byte), handleDataFrame func(raw []byte)) {
	defer c.forceClose(CloseNormal, "")
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("wsconn: unexpected close", "participant", c.ParticipantID, "error", err)
			}
			return
		}
		if envelope.IsDataFrame(raw) {
			handleDataFrame(raw)
			continue
		}
		handleEnvelope(raw)
	}
}
