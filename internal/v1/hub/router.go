package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/metrics"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

// Dispatch statuses recorded on the events counter.
const (
	statusSuccess  = "success"
	statusRejected = "rejected"
	statusError    = "error"
)

type handlerFunc func(c *Conn, msg protocol.Message)

// buildDispatchTable maps every inbound event to its handler. Unknown events
// fall through route and are dropped.
func (h *Hub) buildDispatchTable() map[protocol.Event]handlerFunc {
	return map[protocol.Event]handlerFunc{
		protocol.EventJoinRoom: h.handleJoinRoom,

		protocol.EventOffer:        h.handleSignal,
		protocol.EventAnswer:       h.handleSignal,
		protocol.EventICECandidate: h.handleSignal,

		protocol.EventUserMuted:        h.handleToggle,
		protocol.EventUserVideoToggled: h.handleToggle,
		protocol.EventRaiseHandToggled: h.handleToggle,

		protocol.EventReaction:    h.handleReaction,
		protocol.EventChatMessage: h.handleChatMessage,
		protocol.EventChatHistory: h.handleChatHistory,
		protocol.EventTyping:      h.handleTyping,

		protocol.EventPing:             h.handleClientPing,
		protocol.EventPong:             h.handlePong,
		protocol.EventReconnectRequest: h.handleReconnectRequest,
		protocol.EventClientError:      h.handleClientError,

		protocol.EventHostMuteParticipant:      h.handleHostMute,
		protocol.EventHostToggleVideo:          h.handleHostToggleVideo,
		protocol.EventHostRemoveParticipant:    h.handleHostRemove,
		protocol.EventHostTransfer:             h.handleHostTransfer,
		protocol.EventRenameParticipant:        h.handleRename,
		protocol.EventHostSpotlightParticipant: h.handleHostSpotlight,
		protocol.EventHostRemoveSpotlight:      h.handleHostRemoveSpotlight,

		protocol.EventStartBreakoutRooms: h.handleStartBreakoutRooms,
		protocol.EventEndBreakoutRooms:   h.handleEndBreakoutRooms,

		protocol.EventCreatePoll: h.opaqueFanOut(protocol.EventPollCreated, true),
		protocol.EventVotePoll:   h.opaqueFanOut(protocol.EventPollVote, false),
		protocol.EventEndPoll:    h.opaqueFanOut(protocol.EventPollEnded, true),

		protocol.EventWhiteboardDraw:  h.opaqueFanOut(protocol.EventWhiteboardDraw, false),
		protocol.EventWhiteboardClear: h.opaqueFanOut(protocol.EventWhiteboardClear, false),

		protocol.EventShareFile:  h.opaqueFanOut(protocol.EventFileShared, false),
		protocol.EventDeleteFile: h.opaqueFanOut(protocol.EventFileDeleted, false),

		protocol.EventAskQuestion:    h.opaqueFanOut(protocol.EventQuestionAsked, false),
		protocol.EventUpvoteQuestion: h.opaqueFanOut(protocol.EventQuestionUpvoted, false),
		protocol.EventAnswerQuestion: h.opaqueFanOut(protocol.EventQuestionAnswered, true),

		protocol.EventToggleMeetingLock:            h.handleSettingToggle,
		protocol.EventToggleWaitingRoom:            h.handleSettingToggle,
		protocol.EventToggleScreenShareRestriction: h.handleSettingToggle,
		protocol.EventToggleChatRestriction:        h.handleSettingToggle,

		protocol.EventScreenShareStarted: h.handleScreenShare,
		protocol.EventScreenShareStopped: h.handleScreenShare,
	}
}

// route decodes one inbound envelope and dispatches it. A handler panic is
// caught here: logged with the connection id, counted, and the connection
// survives.
func (h *Hub) route(c *Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		logging.Debug(context.Background(), "dropping undecodable message",
			zap.String("connection_id", string(c.id)), zap.Error(err))
		return
	}

	handler, ok := h.handlers[msg.Event]
	if !ok {
		logging.Debug(context.Background(), "dropping unknown event",
			zap.String("connection_id", string(c.id)),
			zap.String("event", string(msg.Event)))
		return
	}

	h.touchParticipant(c)

	timer := h.now()
	defer func() {
		if r := recover(); r != nil {
			metrics.EventsRouted.WithLabelValues(string(msg.Event), statusError).Inc()
			logging.Error(context.Background(), "handler panicked",
				zap.String("connection_id", string(c.id)),
				zap.String("event", string(msg.Event)),
				zap.Any("panic", r),
				zap.Stack("stack"))
			return
		}
		metrics.EventDispatchDuration.WithLabelValues(string(msg.Event)).
			Observe(h.now().Sub(timer).Seconds())
	}()

	handler(c, msg)
}

// touchParticipant refreshes the sender's last-seen timestamp.
func (h *Hub) touchParticipant(c *Conn) {
	h.mu.Lock()
	if p, ok := h.participants[c.id]; ok {
		p.LastSeen = h.now()
	}
	h.mu.Unlock()
}

// opaqueFanOut builds a handler that forwards the payload untouched to the
// sender's whole room under a new event name. hostOnly gates moderation
// surfaces (polls lifecycle, Q&A answers); unauthorized calls are silently
// ignored.
func (h *Hub) opaqueFanOut(out protocol.Event, hostOnly bool) handlerFunc {
	return func(c *Conn, msg protocol.Message) {
		h.mu.Lock()
		p, r, ok := h.senderLocked(c)
		if !ok || (hostOnly && !p.Host) {
			h.mu.Unlock()
			if ok {
				metrics.EventsRouted.WithLabelValues(string(msg.Event), statusRejected).Inc()
			}
			return
		}
		h.emitToRoomLocked(r, out, msg.Payload)
		roomID := r.id
		h.mu.Unlock()

		h.publishToBus(roomID, out, msg.Payload, "")
		metrics.EventsRouted.WithLabelValues(string(msg.Event), statusSuccess).Inc()
	}
}
