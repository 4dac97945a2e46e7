package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/metrics"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

// Long-poll fallback for clients that cannot hold a websocket. One POST
// without cid opens a connection; GETs drain queued events; POSTs with cid
// submit envelopes. A later /v1/ws?cid= request upgrades in place.
const (
	// pollWait bounds how long a drain blocks waiting for the first event.
	pollWait = 25 * time.Second

	// pollDeadAfter: a poll connection that has not drained for this long is
	// transport-dead even though its record still exists.
	pollDeadAfter = 60 * time.Second
)

func (h *Hub) lookupConn(id protocol.ConnID) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// ServePoll handles POST /v1/poll: without cid it opens a new long-poll
// connection, with cid it submits envelopes on an existing one.
func (h *Hub) ServePoll(c *gin.Context) {
	if cid := c.Query("cid"); cid != "" {
		h.servePollSubmit(c, protocol.ConnID(cid))
		return
	}

	if h.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	userID, err := h.authenticate(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn := newConn(protocol.ConnID(uuid.NewString()), userID, metrics.TransportLongPoll, h.now())
	h.register(conn)

	c.JSON(http.StatusCreated, gin.H{"connectionId": string(conn.id)})
}

// ServePollDrain handles GET /v1/poll?cid=. It blocks up to pollWait for the
// first queued event, then drains everything queued behind it and returns the
// batch as a JSON array of envelopes. One outstanding drain per connection.
func (h *Hub) ServePollDrain(c *gin.Context) {
	conn, ok := h.lookupConn(protocol.ConnID(c.Query("cid")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return
	}

	conn.mu.Lock()
	if conn.ws != nil {
		conn.mu.Unlock()
		c.JSON(http.StatusGone, gin.H{"error": "connection upgraded"})
		return
	}
	if conn.polling {
		conn.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "drain already in progress"})
		return
	}
	conn.polling = true
	conn.lastPoll = h.now()
	conn.mu.Unlock()

	defer func() {
		conn.mu.Lock()
		conn.polling = false
		conn.lastPoll = h.now()
		conn.mu.Unlock()
	}()

	envelopes := make([]json.RawMessage, 0, 8)

	wait := time.NewTimer(pollWait)
	defer wait.Stop()
	select {
	case <-conn.closed:
		c.JSON(http.StatusGone, gin.H{"error": "connection closed"})
		return
	case <-conn.upgraded:
		c.JSON(http.StatusGone, gin.H{"error": "connection upgraded"})
		return
	case <-c.Request.Context().Done():
		return
	case data := <-conn.send:
		envelopes = append(envelopes, data)
	case <-wait.C:
	}

drain:
	for {
		select {
		case data := <-conn.send:
			envelopes = append(envelopes, data)
		default:
			break drain
		}
	}

	c.JSON(http.StatusOK, envelopes)
}

// servePollSubmit routes envelopes submitted on the poll body. Accepts a
// single envelope or an array; arrival order within the body is preserved.
func (h *Hub) servePollSubmit(c *gin.Context, cid protocol.ConnID) {
	conn, ok := h.lookupConn(cid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	conn.mu.Lock()
	conn.lastPoll = h.now()
	conn.mu.Unlock()

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		c.Status(http.StatusAccepted)
		return
	}

	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed batch"})
			return
		}
		for _, frame := range batch {
			h.route(conn, frame)
		}
	} else {
		h.route(conn, trimmed)
	}

	c.Status(http.StatusAccepted)
}

// upgradePoll adopts an existing long-poll connection onto a fresh websocket.
// The connection id and the queued send buffer carry over; the poll side is
// retired.
func (h *Hub) upgradePoll(c *gin.Context, cid protocol.ConnID) {
	conn, ok := h.lookupConn(cid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed",
			zap.String("connection_id", string(cid)), zap.Error(err))
		return
	}

	if !conn.adoptWebSocket(ws, h.now()) {
		_ = ws.Close()
		return
	}

	metrics.DecConnection(metrics.TransportLongPoll)
	metrics.IncConnection(metrics.TransportWebSocket)
	h.startPumps(conn)

	logging.Info(context.Background(), "long-poll connection upgraded to websocket",
		zap.String("connection_id", string(cid)))
}
