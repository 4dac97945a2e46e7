package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/config"
	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/metrics"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

// joinCleanup accumulates the work a join defers until the hub lock drops:
// sockets to sever and removals to mirror to the bus. Preempted predecessors
// and purged zombies are fully unregistered before the joiner is added, so
// the joiner's snapshot never contains one of them.
type joinCleanup struct {
	closers  []*Conn
	removals []*removalResult
}

func (h *Hub) flushJoinCleanup(cl *joinCleanup) {
	for _, old := range cl.closers {
		metrics.DecConnection(old.transportKind())
		old.close()
	}
	for _, res := range cl.removals {
		h.finishRemoval(res)
	}
}

// handleJoinRoom admits a connection into a room. The admission pipeline runs
// in order: server capacity, payload validation, duplicate-session preemption,
// zombie purge of the target room, lock check, room capacity. Only then is the
// participant record created and host election decided.
func (h *Hub) handleJoinRoom(c *Conn, msg protocol.Message) {
	var req protocol.JoinRoomPayload
	if err := msg.DecodePayload(&req); err != nil {
		h.emit(c, protocol.EventJoinError, protocol.JoinErrorPayload{Message: protocol.MsgInvalidJoin})
		metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		return
	}

	cl := &joinCleanup{}
	now := h.now()

	h.mu.Lock()

	if len(h.participants) >= config.MaxTotalParticipants {
		h.mu.Unlock()
		h.emit(c, protocol.EventJoinError, protocol.JoinErrorPayload{Message: protocol.MsgServerAtCapacity})
		metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		return
	}

	if err := req.Validate(); err != nil {
		h.mu.Unlock()
		h.emit(c, protocol.EventJoinError, protocol.JoinErrorPayload{Message: protocol.MsgInvalidJoin})
		metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		logging.Debug(context.Background(), "join rejected",
			zap.String("connection_id", string(c.id)), zap.Error(err))
		return
	}

	roomID := protocol.RoomID(req.RoomID)

	// Re-join on the same connection (breakout assignment, room switch):
	// leave the previous room first.
	if _, ok := h.participants[c.id]; ok {
		if res := h.removeParticipantLocked(c.id, protocol.ReasonLeft, true); res != nil {
			cl.removals = append(cl.removals, res)
		}
	}

	// Preempt every other live connection holding this display name. Their
	// rooms see user-left before the joiner exists anywhere.
	for _, id := range h.sessionConnsLocked(req.UserName, c.id) {
		if old, ok := h.conns[id]; ok {
			delete(h.conns, id)
			cl.closers = append(cl.closers, old)
		}
		if res := h.removeParticipantLocked(id, protocol.ReasonDuplicateSession, true); res != nil {
			cl.removals = append(cl.removals, res)
		}
	}

	// Purge zombies from the target room: dead transports, and leftover
	// records carrying the joining name that escaped the session index.
	if r, ok := h.rooms[roomID]; ok {
		for _, id := range append([]protocol.ConnID(nil), r.members...) {
			member, live := h.conns[id]
			p := h.participants[id]
			if live && member.isLive(now) && (p == nil || p.Name != req.UserName) {
				continue
			}
			if live {
				delete(h.conns, id)
				cl.closers = append(cl.closers, member)
			}
			if res := h.removeParticipantLocked(id, protocol.ReasonStaleConnection, true); res != nil {
				cl.removals = append(cl.removals, res)
			}
		}
	}

	// The room may have been deleted by the purge; re-read before the
	// lock and capacity checks.
	if r, ok := h.rooms[roomID]; ok {
		if r.locked && (c.userID == "" || c.userID != r.creatorID) {
			h.mu.Unlock()
			h.flushJoinCleanup(cl)
			h.emit(c, protocol.EventJoinError, protocol.JoinErrorPayload{Message: protocol.MsgRoomLocked})
			metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
			return
		}
		if r.size() >= config.MaxRoomSize {
			h.mu.Unlock()
			h.flushJoinCleanup(cl)
			h.emit(c, protocol.EventJoinError, protocol.JoinErrorPayload{Message: protocol.MsgRoomFull})
			metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
			return
		}
	}

	r := h.getOrCreateRoomLocked(roomID, c.userID)

	p := &Participant{
		ConnID:   c.id,
		UserID:   c.userID,
		Name:     req.UserName,
		RoomID:   roomID,
		JoinedAt: now,
		LastSeen: now,
		Presence: presenceOnline,
	}
	h.participants[c.id] = p
	h.sessionAddLocked(p.Name, c.id)

	var hostChanged *protocol.HostChangedPayload
	switch {
	case r.isEmpty(), h.participants[r.hostID] == nil:
		// Empty room, or a host entry pointing at no live participant.
		p.Host = true
		r.hostID = c.id
	case c.userID != "" && c.userID == r.creatorID:
		// The creator reclaims the seat from the incumbent.
		previous := r.hostID
		if incumbent, ok := h.participants[previous]; ok {
			incumbent.Host = false
		}
		p.Host = true
		r.hostID = c.id
		hostChanged = &protocol.HostChangedPayload{
			NewHostID:      string(c.id),
			NewHostName:    p.Name,
			PreviousHostID: string(previous),
		}
	}
	r.addMember(c.id)
	if hostChanged != nil {
		hostChanged.Participants = h.hostFlagsLocked(r)
	}

	h.emitToRoomExceptLocked(r, c.id, protocol.EventUserJoined, p.info())
	if hostChanged != nil {
		h.emitToRoomLocked(r, protocol.EventHostChanged, hostChanged)
	}
	if p.Host {
		h.emitToRoomLocked(r, protocol.EventHostStatusUpdate, protocol.HostStatusUpdatePayload{
			HostID:   string(c.id),
			HostName: p.Name,
		})
	}

	others := make([]protocol.ParticipantInfo, 0, r.size()-1)
	for _, q := range h.roomParticipantsLocked(r) {
		if q.ConnID != c.id {
			others = append(others, q.info())
		}
	}
	h.emit(c, protocol.EventCurrentParticipants, others)

	count := r.size()
	countPayload := protocol.ParticipantCountPayload{Count: count}
	h.emitToRoomLocked(r, protocol.EventParticipantCount, countPayload)
	metrics.RoomParticipants.WithLabelValues(string(r.id)).Set(float64(count))

	joined := p.info()
	isHost := p.Host
	h.mu.Unlock()

	h.flushJoinCleanup(cl)
	h.mirrorPresence(roomID, c.id, true)
	h.publishToBus(roomID, protocol.EventUserJoined, joined, c.id)
	h.publishToBus(roomID, protocol.EventParticipantCount, countPayload, "")
	if hostChanged != nil {
		h.publishToBus(roomID, protocol.EventHostChanged, hostChanged, "")
	}

	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
	logging.Info(context.Background(), "participant joined",
		zap.String("connection_id", string(c.id)),
		zap.String("room_id", string(roomID)),
		zap.String("user_name", req.UserName),
		zap.Bool("is_host", isHost),
		zap.Int("room_size", count))
}
