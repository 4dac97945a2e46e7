package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/metrics"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

// hostAndTargetLocked authorizes a host action: the caller must carry the
// host flag and the named target must be a participant of the same room.
// Unauthorized calls are silently ignored; the engine never leaks capability
// state to non-hosts.
func (h *Hub) hostAndTargetLocked(c *Conn, participantID string) (host, target *Participant, r *room, ok bool) {
	p, r, ok := h.senderLocked(c)
	if !ok || !p.Host {
		return nil, nil, nil, false
	}
	tp, tok := h.participants[protocol.ConnID(participantID)]
	if !tok || tp.RoomID != r.id {
		return nil, nil, nil, false
	}
	return p, tp, r, true
}

// handleHostMute toggles another participant's mute state and announces the
// result to the whole room.
func (h *Hub) handleHostMute(c *Conn, msg protocol.Message) {
	var req protocol.HostTargetPayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}

	h.mu.Lock()
	_, target, r, ok := h.hostAndTargetLocked(c, req.ParticipantID)
	if !ok {
		h.mu.Unlock()
		metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		return
	}
	target.Muted = !target.Muted
	out := protocol.ForceMutedPayload{
		ParticipantID: string(target.ConnID),
		IsMuted:       target.Muted,
	}
	h.emitToRoomLocked(r, protocol.EventParticipantForceMuted, out)
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, protocol.EventParticipantForceMuted, out, "")
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}

// handleHostToggleVideo toggles another participant's video state.
func (h *Hub) handleHostToggleVideo(c *Conn, msg protocol.Message) {
	var req protocol.HostTargetPayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}

	h.mu.Lock()
	_, target, r, ok := h.hostAndTargetLocked(c, req.ParticipantID)
	if !ok {
		h.mu.Unlock()
		metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		return
	}
	target.VideoOff = !target.VideoOff
	out := protocol.ForceVideoTogglePayload{
		ParticipantID: string(target.ConnID),
		IsVideoOff:    target.VideoOff,
	}
	h.emitToRoomLocked(r, protocol.EventParticipantForceVideoToggle, out)
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, protocol.EventParticipantForceVideoToggle, out, "")
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}

// handleHostRemove ejects a participant: force-disconnect is queued to the
// target first, then the connection is severed through the standard
// disconnect path, which emits the single user-left for the removal.
func (h *Hub) handleHostRemove(c *Conn, msg protocol.Message) {
	var req protocol.HostTargetPayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}

	h.mu.Lock()
	_, target, _, ok := h.hostAndTargetLocked(c, req.ParticipantID)
	if !ok {
		h.mu.Unlock()
		metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		return
	}
	targetConn := h.conns[target.ConnID]
	if targetConn != nil {
		h.emit(targetConn, protocol.EventForceDisconnect, protocol.ForceDisconnectPayload{
			Reason:  protocol.ReasonRemovedByHost,
			Message: "You have been removed from the meeting by the host",
		})
	}
	h.mu.Unlock()

	if targetConn != nil {
		h.forceClose(targetConn, protocol.ReasonRemovedByHost)
	}
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
	logging.Info(context.Background(), "participant removed by host",
		zap.String("connection_id", string(c.id)),
		zap.String("target_id", req.ParticipantID))
}

// handleHostTransfer hands the host seat to another participant of the same
// room, demoting the caller, and broadcasts the full host vector.
func (h *Hub) handleHostTransfer(c *Conn, msg protocol.Message) {
	var req protocol.HostTransferPayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}

	h.mu.Lock()
	caller, target, r, ok := h.hostAndTargetLocked(c, req.NewHostID)
	if !ok || target.ConnID == caller.ConnID {
		h.mu.Unlock()
		metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		return
	}

	caller.Host = false
	target.Host = true
	r.hostID = target.ConnID

	out := &protocol.HostChangedPayload{
		NewHostID:      string(target.ConnID),
		NewHostName:    target.Name,
		PreviousHostID: string(caller.ConnID),
		Participants:   h.hostFlagsLocked(r),
	}
	h.emitToRoomLocked(r, protocol.EventHostChanged, out)
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, protocol.EventHostChanged, out, "")
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
	logging.Info(context.Background(), "host transferred",
		zap.String("room_id", string(roomID)),
		zap.String("previous_host", string(c.id)),
		zap.String("new_host", req.NewHostID))
}

// handleHostSpotlight pins one participant for every client in the room.
func (h *Hub) handleHostSpotlight(c *Conn, msg protocol.Message) {
	var req protocol.SpotlightPayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}

	h.mu.Lock()
	_, target, r, ok := h.hostAndTargetLocked(c, req.ParticipantID)
	if !ok {
		h.mu.Unlock()
		metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		return
	}
	r.spotlightID = target.ConnID
	out := protocol.SpotlightPayload{ParticipantID: string(target.ConnID)}
	h.emitToRoomLocked(r, protocol.EventParticipantSpotlighted, out)
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, protocol.EventParticipantSpotlighted, out, "")
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}

// handleHostRemoveSpotlight clears the room's spotlight.
func (h *Hub) handleHostRemoveSpotlight(c *Conn, msg protocol.Message) {
	h.mu.Lock()
	p, r, ok := h.senderLocked(c)
	if !ok || !p.Host {
		h.mu.Unlock()
		if ok {
			metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		}
		return
	}
	out := protocol.SpotlightPayload{ParticipantID: string(r.spotlightID)}
	r.spotlightID = ""
	h.emitToRoomLocked(r, protocol.EventSpotlightRemoved, out)
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, protocol.EventSpotlightRemoved, out, "")
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}

// handleStartBreakoutRooms announces the breakout layout to the parent room,
// then tells each listed participant which breakout room to join. The hub
// does not move anyone; clients re-issue join-room toward their assignment.
func (h *Hub) handleStartBreakoutRooms(c *Conn, msg protocol.Message) {
	var req protocol.StartBreakoutRoomsPayload
	if err := msg.DecodePayload(&req); err != nil || len(req.Rooms) == 0 {
		return
	}

	h.mu.Lock()
	p, r, ok := h.senderLocked(c)
	if !ok || !p.Host {
		h.mu.Unlock()
		if ok {
			metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		}
		return
	}

	created := protocol.BreakoutRoomsCreatedPayload{Rooms: req.Rooms}
	startedOut := protocol.BreakoutRoomsStartedPayload{Duration: req.Duration}
	h.emitToRoomLocked(r, protocol.EventBreakoutRoomsCreated, created)
	h.emitToRoomLocked(r, protocol.EventBreakoutRoomsStarted, startedOut)

	for _, assignment := range req.Rooms {
		for _, pid := range assignment.ParticipantIDs {
			id := protocol.ConnID(pid)
			if !r.contains(id) {
				continue
			}
			if cc, live := h.conns[id]; live {
				h.emit(cc, protocol.EventAssignedToBreakoutRoom, protocol.AssignedToBreakoutRoomPayload{
					RoomID: assignment.RoomID,
				})
			}
		}
	}
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, protocol.EventBreakoutRoomsCreated, created, "")
	h.publishToBus(roomID, protocol.EventBreakoutRoomsStarted, startedOut, "")
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
	logging.Info(context.Background(), "breakout rooms started",
		zap.String("room_id", string(roomID)),
		zap.Int("breakout_count", len(req.Rooms)),
		zap.Int("duration", req.Duration))
}

// handleEndBreakoutRooms calls everyone back to the parent room.
func (h *Hub) handleEndBreakoutRooms(c *Conn, msg protocol.Message) {
	h.mu.Lock()
	p, r, ok := h.senderLocked(c)
	if !ok || !p.Host {
		h.mu.Unlock()
		if ok {
			metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		}
		return
	}
	h.emitToRoomLocked(r, protocol.EventBreakoutRoomsEnded, protocol.BreakoutRoomsEndedPayload{
		RoomID: string(r.id),
	})
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, protocol.EventBreakoutRoomsEnded,
		protocol.BreakoutRoomsEndedPayload{RoomID: string(roomID)}, "")
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}
