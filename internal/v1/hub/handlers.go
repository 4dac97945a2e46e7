package hub

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/metrics"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

// handleSignal relays offer, answer and ice-candidate blobs. The outbound
// event keeps the inbound name; senderId is stamped server-side and the
// client-supplied one discarded. Unknown or cross-room targets drop silently.
func (h *Hub) handleSignal(c *Conn, msg protocol.Message) {
	var sig protocol.SignalPayload
	if err := msg.DecodePayload(&sig); err != nil || sig.TargetID == "" {
		return
	}
	targetID := protocol.ConnID(sig.TargetID)

	h.mu.RLock()
	p, ok := h.participants[c.id]
	var (
		roomID     protocol.RoomID
		targetConn *Conn
		localMiss  bool
	)
	if ok {
		roomID = p.RoomID
		if target, tok := h.participants[targetID]; tok {
			if target.RoomID == roomID {
				targetConn = h.conns[targetID]
			} else {
				localMiss = true // known participant, different room: never relay
			}
		}
	}
	h.mu.RUnlock()

	if !ok || localMiss {
		return
	}

	out := sig.Forward(c.id)
	if targetConn != nil {
		h.emit(targetConn, msg.Event, out)
	} else if h.bus != nil {
		// The target may live on another pod; its pod delivers or drops.
		h.publishDirectToBus(roomID, targetID, msg.Event, out, c.id)
	}

	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
	logging.Debug(context.Background(), "signal relayed",
		zap.String("event", string(msg.Event)),
		zap.String("connection_id", string(c.id)),
		zap.String("target_id", sig.TargetID))
}

// handleToggle covers user-muted, user-video-toggled and raise-hand-toggled.
// A sender may toggle itself; toggling another participant requires the host
// flag and a same-room target. The event is re-broadcast to the room except
// the sender with the resulting state.
func (h *Hub) handleToggle(c *Conn, msg protocol.Message) {
	var req protocol.TogglePayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}

	h.mu.Lock()
	p, r, ok := h.senderLocked(c)
	if !ok {
		h.mu.Unlock()
		return
	}

	target := p
	if req.ParticipantID != "" && protocol.ConnID(req.ParticipantID) != c.id {
		tp, tok := h.participants[protocol.ConnID(req.ParticipantID)]
		if !p.Host || !tok || tp.RoomID != r.id {
			h.mu.Unlock()
			metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
			return
		}
		target = tp
	}

	out := protocol.TogglePayload{ParticipantID: string(target.ConnID)}
	switch msg.Event {
	case protocol.EventUserMuted:
		v := !target.Muted
		if req.IsMuted != nil {
			v = *req.IsMuted
		}
		target.Muted = v
		out.IsMuted = &v
	case protocol.EventUserVideoToggled:
		v := !target.VideoOff
		if req.IsVideoOff != nil {
			v = *req.IsVideoOff
		}
		target.VideoOff = v
		out.IsVideoOff = &v
	case protocol.EventRaiseHandToggled:
		v := !target.RaisedHand
		if req.IsRaiseHand != nil {
			v = *req.IsRaiseHand
		}
		target.RaisedHand = v
		out.IsRaiseHand = &v
	}

	h.emitToRoomExceptLocked(r, c.id, msg.Event, out)
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, msg.Event, out, c.id)
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}

// handleReaction fans a reaction out to the whole room, sender included,
// enriched with the sender's name.
func (h *Hub) handleReaction(c *Conn, msg protocol.Message) {
	var req protocol.ReactionPayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}

	h.mu.Lock()
	p, r, ok := h.senderLocked(c)
	if !ok {
		h.mu.Unlock()
		return
	}
	out := protocol.ReactionReceivedPayload{
		ParticipantID: string(c.id),
		UserName:      p.Name,
		Reaction:      req.Reaction,
		Timestamp:     h.now().UnixMilli(),
	}
	h.emitToRoomLocked(r, protocol.EventReactionReceived, out)
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, protocol.EventReactionReceived, out, "")
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}

// handleChatMessage fans a chat message out to the whole room and appends it
// to the room's recent history ring. Chat restriction silences everyone but
// the host.
func (h *Hub) handleChatMessage(c *Conn, msg protocol.Message) {
	var req protocol.ChatMessagePayload
	if err := msg.DecodePayload(&req); err != nil || len(req.Message) == 0 {
		return
	}
	if len(req.Message) > protocol.MaxChatMessageBytes {
		return
	}

	h.mu.Lock()
	p, r, ok := h.senderLocked(c)
	if !ok || (r.chatRestricted && !p.Host) {
		h.mu.Unlock()
		if ok {
			metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		}
		return
	}
	out := protocol.ChatMessagePayload{
		ParticipantID: string(c.id),
		UserName:      p.Name,
		Message:       req.Message,
		Timestamp:     h.now().UnixMilli(),
	}
	r.appendChat(out)
	h.emitToRoomLocked(r, protocol.EventChatMessage, out)
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, protocol.EventChatMessage, out, "")
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}

// handleChatHistory returns the room's recent chat ring to the caller only.
func (h *Hub) handleChatHistory(c *Conn, msg protocol.Message) {
	h.mu.RLock()
	_, r, ok := h.senderLocked(c)
	var messages []protocol.ChatMessagePayload
	if ok {
		messages = append(messages, r.chat...)
	}
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.emit(c, protocol.EventChatHistory, protocol.ChatHistoryPayload{Messages: messages})
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}

// handleTyping broadcasts a typing indicator to the room except the sender.
func (h *Hub) handleTyping(c *Conn, msg protocol.Message) {
	var req protocol.TypingPayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}

	h.mu.RLock()
	p, r, ok := h.senderLocked(c)
	if !ok {
		h.mu.RUnlock()
		return
	}
	out := protocol.UserTypingPayload{
		ParticipantID: string(c.id),
		UserName:      p.Name,
		IsTyping:      req.IsTyping,
	}
	h.emitToRoomExceptLocked(r, c.id, protocol.EventUserTyping, out)
	roomID := r.id
	h.mu.RUnlock()

	h.publishToBus(roomID, protocol.EventUserTyping, out, c.id)
}

// handleClientPing echoes a pong carrying the connection's latest health
// snapshot. The hub-initiated probe loop lives in health.go; this path exists
// for clients that measure latency themselves.
func (h *Hub) handleClientPing(c *Conn, msg protocol.Message) {
	var req protocol.PingPayload
	_ = msg.DecodePayload(&req) // timestamp is optional

	ts := req.Timestamp
	if ts == 0 {
		ts = h.now().UnixMilli()
	}
	snap := c.snapshotHealth()
	h.emit(c, protocol.EventPong, protocol.PongPayload{Timestamp: ts, Health: &snap})
}

// handlePong hands the client's reply to this connection's monitor goroutine.
func (h *Hub) handlePong(c *Conn, msg protocol.Message) {
	var req protocol.PongPayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}
	select {
	case c.pongCh <- req.Timestamp:
	default:
	}
}

// handleReconnectRequest returns whatever the hub knows about the caller:
// the participant record if this connection has joined, and the health
// snapshot. A fresh connection gets nil userData and re-issues join-room.
func (h *Hub) handleReconnectRequest(c *Conn, msg protocol.Message) {
	h.mu.RLock()
	var userData *protocol.ParticipantInfo
	if p, ok := h.participants[c.id]; ok {
		info := p.info()
		userData = &info
	}
	h.mu.RUnlock()

	snap := c.snapshotHealth()
	h.emit(c, protocol.EventReconnectResponse, protocol.ReconnectResponsePayload{
		Success:          true,
		UserData:         userData,
		ConnectionHealth: &snap,
	})
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}

// handleClientError acknowledges a client-reported transport error with a
// recovery hint. Actual recovery is the client's reconnect.
func (h *Hub) handleClientError(c *Conn, msg protocol.Message) {
	logging.Warn(context.Background(), "client reported transport error",
		zap.String("connection_id", string(c.id)),
		zap.ByteString("detail", msg.Payload))
	h.emit(c, protocol.EventConnectionRecovery, protocol.ConnectionRecoveryPayload{
		Message:   "Connection error detected, please reconnect if issues persist",
		Timestamp: h.now().UnixMilli(),
	})
}

// handleRename changes a participant's display name. Allowed to the target
// itself and to the room's host. The new name passes the same shape rules as
// a join.
func (h *Hub) handleRename(c *Conn, msg protocol.Message) {
	var req protocol.RenameParticipantPayload
	if err := msg.DecodePayload(&req); err != nil || req.NewName == "" {
		return
	}
	if strings.Contains(req.NewName, "-") && len(req.NewName) > 10 {
		return
	}

	h.mu.Lock()
	p, r, ok := h.senderLocked(c)
	if !ok {
		h.mu.Unlock()
		return
	}

	target := p
	if req.ParticipantID != "" && protocol.ConnID(req.ParticipantID) != c.id {
		tp, tok := h.participants[protocol.ConnID(req.ParticipantID)]
		if !p.Host || !tok || tp.RoomID != r.id {
			h.mu.Unlock()
			metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
			return
		}
		target = tp
	}

	oldName := target.Name
	h.sessionRemoveLocked(oldName, target.ConnID)
	target.Name = req.NewName
	h.sessionAddLocked(req.NewName, target.ConnID)

	out := protocol.ParticipantRenamedPayload{
		ParticipantID: string(target.ConnID),
		OldName:       oldName,
		NewName:       req.NewName,
	}
	h.emitToRoomLocked(r, protocol.EventParticipantRenamed, out)
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, protocol.EventParticipantRenamed, out, "")
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}

// handleScreenShare broadcasts screen-share start/stop and drives the
// automatic spotlight: the sharer is spotlighted while sharing. Starting a
// share in a restricted room requires the host flag.
func (h *Hub) handleScreenShare(c *Conn, msg protocol.Message) {
	h.mu.Lock()
	p, r, ok := h.senderLocked(c)
	if !ok {
		h.mu.Unlock()
		return
	}
	started := msg.Event == protocol.EventScreenShareStarted
	if started && r.screenShareRestricted && !p.Host {
		h.mu.Unlock()
		metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		return
	}

	share := protocol.ScreenSharePayload{ParticipantID: string(c.id), UserName: p.Name}
	spot := protocol.SpotlightPayload{ParticipantID: string(c.id)}
	h.emitToRoomLocked(r, msg.Event, share)
	if started {
		r.spotlightID = c.id
		h.emitToRoomLocked(r, protocol.EventParticipantSpotlighted, spot)
	} else {
		if r.spotlightID == c.id {
			r.spotlightID = ""
		}
		h.emitToRoomLocked(r, protocol.EventSpotlightRemoved, spot)
	}
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, msg.Event, share, "")
	if started {
		h.publishToBus(roomID, protocol.EventParticipantSpotlighted, spot, "")
	} else {
		h.publishToBus(roomID, protocol.EventSpotlightRemoved, spot, "")
	}
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}

// handleSettingToggle flips one room-level moderation flag and broadcasts the
// resulting state. Host only.
func (h *Hub) handleSettingToggle(c *Conn, msg protocol.Message) {
	h.mu.Lock()
	p, r, ok := h.senderLocked(c)
	if !ok || !p.Host {
		h.mu.Unlock()
		if ok {
			metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
		}
		return
	}

	var (
		out     protocol.Event
		enabled bool
	)
	switch msg.Event {
	case protocol.EventToggleMeetingLock:
		r.locked = !r.locked
		enabled, out = r.locked, protocol.EventMeetingLocked
	case protocol.EventToggleWaitingRoom:
		r.waitingRoom = !r.waitingRoom
		enabled, out = r.waitingRoom, protocol.EventWaitingRoomToggled
	case protocol.EventToggleScreenShareRestriction:
		r.screenShareRestricted = !r.screenShareRestricted
		enabled, out = r.screenShareRestricted, protocol.EventScreenShareRestricted
	case protocol.EventToggleChatRestriction:
		r.chatRestricted = !r.chatRestricted
		enabled, out = r.chatRestricted, protocol.EventChatRestricted
	default:
		h.mu.Unlock()
		return
	}

	payload := protocol.RoomSettingPayload{Enabled: enabled}
	h.emitToRoomLocked(r, out, payload)
	roomID := r.id
	h.mu.Unlock()

	h.publishToBus(roomID, out, payload, "")
	metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
}
