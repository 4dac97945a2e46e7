package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

const (
	// shutdownSoftDeadline is how long clients get to close on their own
	// after server-shutdown before the hub severs them.
	shutdownSoftDeadline = 5 * time.Second

	// ShutdownHardDeadline is armed independently by main: if the graceful
	// path has not finished by then, the process exits 1.
	ShutdownHardDeadline = 15 * time.Second
)

// Shutdown drains the hub: new connections are refused, every live client
// receives server-shutdown with a recovery snapshot, and after the soft
// deadline the remaining connections are force-closed. Returns once every
// connection is gone and the bus subscriptions have stopped.
func (h *Hub) Shutdown(ctx context.Context) {
	h.draining.Store(true)

	participants, rooms, conns := h.counts()
	logging.Info(ctx, "hub shutdown starting",
		zap.Int("participants", participants),
		zap.Int("rooms", rooms),
		zap.Int("connections", conns))

	h.broadcast(protocol.EventServerShutdown, protocol.ServerShutdownPayload{
		Message:          "Server restarting, please reconnect shortly",
		Timestamp:        h.now().UnixMilli(),
		RecoveryData:     h.recoverySnapshot(),
		ExpectedDowntime: protocol.ExpectedDowntimeMS,
	})

	soft := time.NewTimer(shutdownSoftDeadline)
	defer soft.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-soft.C:
			break wait
		case <-poll.C:
			if _, _, remaining := h.counts(); remaining == 0 {
				break wait
			}
		}
	}

	h.closeAll()
	h.busWG.Wait()

	logging.Info(ctx, "hub drained")
}

// closeAll severs every remaining connection through the standard disconnect
// path, which tears down records, rooms and bus subscriptions.
func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.disconnect(c, protocol.ReasonLeft)
	}
}

// recoverySnapshot captures every room's membership as the best-effort hint
// published in server-shutdown. Clients re-issue join-room on reconnect; the
// hub makes no resurrection commitment.
func (h *Hub) recoverySnapshot() protocol.RecoveryData {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make(map[string]protocol.RoomSnapshot, len(h.rooms))
	for id, r := range h.rooms {
		snap := protocol.RoomSnapshot{HostID: string(r.hostID)}
		for _, p := range h.roomParticipantsLocked(r) {
			snap.Participants = append(snap.Participants, p.info())
		}
		rooms[string(id)] = snap
	}
	return protocol.RecoveryData{Rooms: rooms, Timestamp: h.now().UnixMilli()}
}
