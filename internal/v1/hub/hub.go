// Package hub is the signaling engine: it owns every live connection, the
// room and participant registries, the event router, host election, the
// adaptive health monitor, the lifecycle supervisor and the shutdown path.
//
// Concurrency model: one process-wide RWMutex guards the registries, which is
// comfortable at the supported capacity (1000 participants, 50 per room).
// Local emissions are non-blocking pushes onto per-connection buffered
// channels and therefore safe under the lock; Redis I/O never runs under it.
// A single reader goroutine per connection preserves arrival order, a single
// writer goroutine preserves emission order.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/meshconf/signaling/internal/v1/auth"
	"github.com/meshconf/signaling/internal/v1/bus"
	"github.com/meshconf/signaling/internal/v1/config"
	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/metrics"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

// TokenValidator authenticates the optional token query parameter.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Hub coordinates all rooms and connections of one process.
type Hub struct {
	mu           sync.RWMutex
	conns        map[protocol.ConnID]*Conn
	participants map[protocol.ConnID]*Participant
	sessions     map[string]set.Set[protocol.ConnID] // display name → live conn ids
	rooms        map[protocol.RoomID]*room

	validator TokenValidator // nil → connections are anonymous
	bus       *bus.Service   // nil → single-instance mode
	busWG     sync.WaitGroup

	maxPayloadBytes int64
	allowedOrigins  []string
	upgrader        websocket.Upgrader

	handlers map[protocol.Event]handlerFunc

	fatal    chan error
	draining atomic.Bool

	// now is injectable so sweep and health tests can steer the clock.
	now func() time.Time
}

// New wires a Hub from validated configuration. validator and busSvc are both
// optional.
func New(cfg *config.Config, validator TokenValidator, busSvc *bus.Service) *Hub {
	h := &Hub{
		conns:           make(map[protocol.ConnID]*Conn),
		participants:    make(map[protocol.ConnID]*Participant),
		sessions:        make(map[string]set.Set[protocol.ConnID]),
		rooms:           make(map[protocol.RoomID]*room),
		validator:       validator,
		bus:             busSvc,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		allowedOrigins:  cfg.AllowedOrigins,
		fatal:           make(chan error, 1),
		now:             time.Now,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:       h.checkOrigin,
		EnableCompression: true,
		WriteBufferPool:   &sync.Pool{},
	}
	h.handlers = h.buildDispatchTable()
	return h
}

// Fatal delivers panics recovered from engine goroutines. The process owner
// is expected to drain it and run the graceful shutdown path.
func (h *Hub) Fatal() <-chan error {
	return h.fatal
}

func (h *Hub) reportFatal(r any) {
	err := fmt.Errorf("engine panic: %v", r)
	logging.Error(context.Background(), "engine goroutine panicked", zap.Error(err), zap.Stack("stack"))
	select {
	case h.fatal <- err:
	default:
	}
}

// checkOrigin admits configured origins plus non-browser clients (no Origin
// header).
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// authenticate resolves the optional token to a user id. Absent token means
// an anonymous connection; a present token must validate when a validator is
// configured.
func (h *Hub) authenticate(token string) (string, error) {
	if token == "" || h.validator == nil {
		return "", nil
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ServeWs handles GET /v1/ws. Without cid it opens a fresh websocket
// connection; with cid it upgrades an existing long-poll connection in place.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	userID, err := h.authenticate(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if cid := c.Query("cid"); cid != "" {
		h.upgradePoll(c, protocol.ConnID(cid))
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(protocol.ConnID(uuid.NewString()), userID, metrics.TransportWebSocket, h.now())
	conn.ws = ws

	h.register(conn)
	h.startPumps(conn)
}

// register adds a fresh connection to the registry, confirms it, and starts
// its health monitor.
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	metrics.IncConnection(c.transportKind())

	now := h.now()
	h.emit(c, protocol.EventConnectionConfirmed, protocol.ConnectionConfirmedPayload{
		SocketID:      string(c.id),
		Timestamp:     now.UnixMilli(),
		ServerTime:    now.UTC().Format(time.RFC3339),
		ServerVersion: protocol.ServerVersion,
		Features:      protocol.Features,
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelMonitor = cancel
	go h.monitor(ctx, c)

	logging.Info(context.Background(), "connection established",
		zap.String("connection_id", string(c.id)),
		zap.String("transport", c.transportKind()),
		zap.Bool("authenticated", c.userID != ""))
}

func (h *Hub) startPumps(c *Conn) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.reportFatal(r)
			}
		}()
		h.writePump(c)
	}()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.reportFatal(r)
			}
		}()
		h.readPump(c)
	}()
}

// disconnect tears one connection down: registry removal, user-left with the
// given reason, host succession, then transport close. Idempotent; every
// departure path funnels through here exactly once.
func (h *Hub) disconnect(c *Conn, reason string) {
	h.mu.Lock()
	cur, ok := h.conns[c.id]
	if !ok || cur != c {
		h.mu.Unlock()
		c.close()
		return
	}
	delete(h.conns, c.id)
	removal := h.removeParticipantLocked(c.id, reason, true)
	h.mu.Unlock()

	metrics.DecConnection(c.transportKind())
	c.close()
	h.finishRemoval(removal)

	logging.Info(context.Background(), "connection closed",
		zap.String("connection_id", string(c.id)),
		zap.String("reason", reason))
}

// removalResult carries what removeParticipantLocked already emitted locally,
// so the caller can mirror it to the bus after the lock drops.
type removalResult struct {
	connID      protocol.ConnID
	roomID      protocol.RoomID
	userLeft    *protocol.UserLeftPayload
	hostChanged *protocol.HostChangedPayload
}

// removeParticipantLocked erases a joined participant: record, session index,
// room membership. Emits user-left to the remaining room members (unless
// silent), promotes a successor if the host left, and deletes the room when
// it empties. Returns nil when the connection never joined.
func (h *Hub) removeParticipantLocked(id protocol.ConnID, reason string, emitLeft bool) *removalResult {
	p, ok := h.participants[id]
	if !ok {
		return nil
	}
	delete(h.participants, id)
	h.sessionRemoveLocked(p.Name, id)

	r, ok := h.rooms[p.RoomID]
	if !ok {
		return nil
	}
	wasHost := r.hostID == id
	r.removeMember(id)
	if r.spotlightID == id {
		r.spotlightID = ""
	}

	res := &removalResult{connID: id, roomID: p.RoomID}
	if emitLeft {
		left := &protocol.UserLeftPayload{
			ParticipantID: string(id),
			UserName:      p.Name,
			Timestamp:     h.now().UnixMilli(),
			Reason:        reason,
		}
		h.emitToRoomLocked(r, protocol.EventUserLeft, left)
		res.userLeft = left
	}

	if r.isEmpty() {
		if wasHost {
			r.hostID = ""
		}
		h.deleteRoomLocked(r)
	} else {
		metrics.RoomParticipants.WithLabelValues(string(r.id)).Set(float64(r.size()))
		if wasHost {
			res.hostChanged = h.promoteFirstLocked(r, id)
		}
	}

	metrics.ParticipantRemovals.WithLabelValues(reason).Inc()
	return res
}

// finishRemoval runs the off-lock tail of a removal: presence mirror and bus
// fan-out so other pods observe the departure.
func (h *Hub) finishRemoval(res *removalResult) {
	if res == nil {
		return
	}
	h.mirrorPresence(res.roomID, res.connID, false)
	if res.userLeft != nil {
		h.publishToBus(res.roomID, protocol.EventUserLeft, res.userLeft, "")
	}
	if res.hostChanged != nil {
		h.publishToBus(res.roomID, protocol.EventHostChanged, res.hostChanged, "")
	}
}

// promoteFirstLocked elects the first remaining member in insertion order and
// emits host-changed with the full participant→isHost vector.
func (h *Hub) promoteFirstLocked(r *room, previous protocol.ConnID) *protocol.HostChangedPayload {
	var successor *Participant
	for _, id := range r.members {
		if p, ok := h.participants[id]; ok {
			successor = p
			break
		}
	}
	if successor == nil {
		r.hostID = ""
		return nil
	}

	successor.Host = true
	r.hostID = successor.ConnID

	payload := &protocol.HostChangedPayload{
		NewHostID:      string(successor.ConnID),
		NewHostName:    successor.Name,
		PreviousHostID: string(previous),
		Participants:   h.hostFlagsLocked(r),
	}
	h.emitToRoomLocked(r, protocol.EventHostChanged, payload)

	logging.Info(context.Background(), "host succession",
		zap.String("room_id", string(r.id)),
		zap.String("new_host", string(successor.ConnID)),
		zap.String("previous_host", string(previous)))
	return payload
}

// senderLocked resolves the joined participant and room for a connection.
func (h *Hub) senderLocked(c *Conn) (*Participant, *room, bool) {
	p, ok := h.participants[c.id]
	if !ok {
		return nil, nil, false
	}
	r, ok := h.rooms[p.RoomID]
	if !ok {
		return nil, nil, false
	}
	return p, r, true
}

// counts returns live totals for the supervisor log line and ping payloads.
func (h *Hub) counts() (participants, rooms, connections int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.participants), len(h.rooms), len(h.conns)
}
