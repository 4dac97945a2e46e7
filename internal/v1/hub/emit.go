package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

// Emission primitives. All of them reduce to non-blocking pushes onto
// per-connection buffers, so callers may hold the hub lock. Room fan-outs
// marshal the envelope once and reuse the bytes for every member.

func encodeEnvelope(event protocol.Event, payload any) ([]byte, bool) {
	msg, err := protocol.NewMessage(event, payload)
	if err != nil {
		logging.Error(context.Background(), "failed to encode event",
			zap.String("event", string(event)), zap.Error(err))
		return nil, false
	}
	data, err := msg.Encode()
	if err != nil {
		logging.Error(context.Background(), "failed to encode envelope",
			zap.String("event", string(event)), zap.Error(err))
		return nil, false
	}
	return data, true
}

// emit queues one event for one connection.
func (h *Hub) emit(c *Conn, event protocol.Event, payload any) {
	if data, ok := encodeEnvelope(event, payload); ok {
		c.trySend(data)
	}
}

// emitToPeer delivers to a connection id, falling back to the bus when the
// target lives on another pod. Unknown targets are dropped silently.
func (h *Hub) emitToPeer(roomID protocol.RoomID, from, to protocol.ConnID, event protocol.Event, payload any) {
	h.mu.RLock()
	target, ok := h.conns[to]
	h.mu.RUnlock()

	if ok {
		h.emit(target, event, payload)
		return
	}
	if h.bus != nil {
		h.publishDirectToBus(roomID, to, event, payload, from)
	}
}

// emitToRoomLocked fans out to every member. Requires the hub lock.
func (h *Hub) emitToRoomLocked(r *room, event protocol.Event, payload any) {
	h.emitToRoomExceptLocked(r, "", event, payload)
}

// emitToRoomExceptLocked fans out to every member but one. Requires the hub
// lock.
func (h *Hub) emitToRoomExceptLocked(r *room, except protocol.ConnID, event protocol.Event, payload any) {
	data, ok := encodeEnvelope(event, payload)
	if !ok {
		return
	}
	for _, id := range r.members {
		if id == except {
			continue
		}
		if c, live := h.conns[id]; live {
			c.trySend(data)
		}
	}
}

// broadcast fans out to every live connection on this pod, joined or not.
// Used by server-shutdown.
func (h *Hub) broadcast(event protocol.Event, payload any) {
	data, ok := encodeEnvelope(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.trySend(data)
	}
}

// forceClose severs a connection through the standard disconnect path, which
// emits the single user-left for the removal.
func (h *Hub) forceClose(c *Conn, reason string) {
	h.disconnect(c, reason)
}
