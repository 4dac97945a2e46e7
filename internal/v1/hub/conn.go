package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/metrics"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second

	// compressionThreshold is the payload size above which per-message
	// deflate kicks in. Small presence events are not worth the CPU.
	compressionThreshold = 1024
)

// wsConn is the slice of *websocket.Conn the hub needs. Tests substitute a
// scripted implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	EnableWriteCompression(enable bool)
}

// connHealth is this connection's health-monitor record. Written only by the
// monitor goroutine and the client-ping handler, read by snapshots; guarded
// by Conn.mu.
type connHealth struct {
	connectedAt    time.Time
	lastPing       time.Time
	pingCount      int
	reconnectCount int
	healthy        bool
	latencyMS      int64
}

// Conn is one live client connection, websocket or long-poll. Both transports
// share the buffered send queue, which is what makes the poll-to-websocket
// upgrade seamless: the socket adopts the queue, nothing is replayed or lost.
type Conn struct {
	id     protocol.ConnID
	userID string // authenticated subject, empty for anonymous connections

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	ws        wsConn // nil while long-polling
	transport string
	lastPoll  time.Time     // long-poll only: time of the most recent drain
	polling   bool          // long-poll only: one outstanding GET at a time
	upgraded  chan struct{} // closed when the poll side is retired
	health    connHealth

	// pongCh is the rendezvous between the router (which sees the pong
	// event) and the monitor goroutine (which is waiting on it).
	pongCh chan int64

	cancelMonitor context.CancelFunc
}

func newConn(id protocol.ConnID, userID string, transport string, now time.Time) *Conn {
	return &Conn{
		id:        id,
		userID:    userID,
		send:      make(chan []byte, sendBufferSize),
		closed:    make(chan struct{}),
		transport: transport,
		lastPoll:  now,
		upgraded:  make(chan struct{}),
		pongCh:    make(chan int64, 1),
		health: connHealth{
			connectedAt: now,
			lastPing:    now,
			healthy:     true,
		},
	}
}

// trySend queues data without blocking. A full buffer drops the message: a
// slow client must never stall the room.
func (c *Conn) trySend(data []byte) bool {
	select {
	case <-c.closed:
		return false
	case c.send <- data:
		return true
	default:
		metrics.DroppedMessages.Inc()
		logging.Warn(context.Background(), "send buffer full, dropping message",
			zap.String("connection_id", string(c.id)))
		return false
	}
}

// close signals shutdown of this connection. Idempotent. The websocket itself
// is closed by writePump (after flushing) or, when no pumps run, by the
// disconnect path.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.cancelMonitor != nil {
			c.cancelMonitor()
		}
	})
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// isLive reports whether the transport is still considered attached. A poll
// connection that has not drained within pollDeadAfter is transport-dead even
// though its record still exists.
func (c *Conn) isLive(now time.Time) bool {
	if c.isClosed() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == metrics.TransportLongPoll {
		return now.Sub(c.lastPoll) <= pollDeadAfter
	}
	return true
}

func (c *Conn) transportKind() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// snapshotHealth copies the monitor record for pongs and reconnect-response.
func (c *Conn) snapshotHealth() protocol.HealthSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.HealthSnapshot{
		ConnectedAt:    c.health.connectedAt.UnixMilli(),
		LastPing:       c.health.lastPing.UnixMilli(),
		PingCount:      c.health.pingCount,
		ReconnectCount: c.health.reconnectCount,
		Healthy:        c.health.healthy,
		LatencyMS:      c.health.latencyMS,
	}
}

// adoptWebSocket retires the long-poll side and attaches a live socket,
// keeping the connection id and queued messages. Fails if the connection
// already has a socket or is closed.
func (c *Conn) adoptWebSocket(ws wsConn, now time.Time) bool {
	if c.isClosed() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return false
	}
	c.ws = ws
	c.transport = metrics.TransportWebSocket
	c.lastPoll = now
	close(c.upgraded)
	return true
}

// readPump reads envelopes off the websocket and dispatches them in arrival
// order. Runs as the connection's single reader goroutine.
func (h *Hub) readPump(c *Conn) {
	defer h.disconnect(c, protocol.ReasonLeft)

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	ws.SetReadLimit(h.maxPayloadBytes)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.route(c, data)
	}
}

// writePump owns all writes to the socket, preserving emission order. On
// close it flushes whatever is still queued, sends a close frame, and closes
// the socket, which in turn unblocks readPump.
func (h *Hub) writePump(c *Conn) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	defer func() { _ = ws.Close() }()

	for {
		select {
		case <-c.closed:
			for {
				select {
				case data := <-c.send:
					_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
					ws.EnableWriteCompression(len(data) > compressionThreshold)
					if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
					_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case data := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.EnableWriteCompression(len(data) > compressionThreshold)
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Warn(context.Background(), "websocket write failed",
					zap.String("connection_id", string(c.id)), zap.Error(err))
				h.disconnect(c, protocol.ReasonLeft)
				return
			}
		}
	}
}
