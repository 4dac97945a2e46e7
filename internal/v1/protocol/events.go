package protocol

// Event names a message on the wire. Inbound and outbound catalogs share the
// type; a handful of events (user-muted, screen-share-started, whiteboard-draw)
// appear in both directions with the same name.
type Event string

// Inbound events (client to hub).
const (
	EventJoinRoom         Event = "join-room"
	EventOffer            Event = "offer"
	EventAnswer           Event = "answer"
	EventICECandidate     Event = "ice-candidate"
	EventUserMuted        Event = "user-muted"
	EventUserVideoToggled Event = "user-video-toggled"
	EventRaiseHandToggled Event = "raise-hand-toggled"
	EventReaction         Event = "reaction"
	EventChatMessage      Event = "chat-message"
	EventChatHistory      Event = "chat-history"
	EventTyping           Event = "typing"
	EventPing             Event = "ping"
	EventPong             Event = "pong"
	EventReconnectRequest Event = "reconnect-request"
	EventClientError      Event = "error"

	EventHostMuteParticipant      Event = "host-mute-participant"
	EventHostToggleVideo          Event = "host-toggle-video"
	EventHostRemoveParticipant    Event = "host-remove-participant"
	EventHostTransfer             Event = "host-transfer"
	EventRenameParticipant        Event = "rename-participant"
	EventHostSpotlightParticipant Event = "host-spotlight-participant"
	EventHostRemoveSpotlight      Event = "host-remove-spotlight"

	EventStartBreakoutRooms Event = "start-breakout-rooms"
	EventEndBreakoutRooms   Event = "end-breakout-rooms"

	EventCreatePoll Event = "create-poll"
	EventVotePoll   Event = "vote-poll"
	EventEndPoll    Event = "end-poll"

	EventWhiteboardDraw  Event = "whiteboard-draw"
	EventWhiteboardClear Event = "whiteboard-clear"

	EventShareFile  Event = "share-file"
	EventDeleteFile Event = "delete-file"

	EventAskQuestion    Event = "ask-question"
	EventUpvoteQuestion Event = "upvote-question"
	EventAnswerQuestion Event = "answer-question"

	EventToggleMeetingLock            Event = "toggle-meeting-lock"
	EventToggleWaitingRoom            Event = "toggle-waiting-room"
	EventToggleScreenShareRestriction Event = "toggle-screen-share-restriction"
	EventToggleChatRestriction        Event = "toggle-chat-restriction"

	EventScreenShareStarted Event = "screen-share-started"
	EventScreenShareStopped Event = "screen-share-stopped"
)

// Outbound events (hub to client).
const (
	EventConnectionConfirmed Event = "connection-confirmed"
	EventUserJoined          Event = "user-joined"
	EventCurrentParticipants Event = "current-participants"
	EventParticipantCount    Event = "participant-count"
	EventUserLeft            Event = "user-left"
	EventReactionReceived    Event = "reaction-received"
	EventUserTyping          Event = "user-typing"

	EventParticipantForceMuted       Event = "participant-force-muted"
	EventParticipantForceVideoToggle Event = "participant-force-video-toggle"
	EventForceDisconnect             Event = "force-disconnect"
	EventHostChanged                 Event = "host-changed"
	EventHostStatusUpdate            Event = "host-status-update"
	EventParticipantRenamed          Event = "participant-renamed"

	EventReconnectResponse  Event = "reconnect-response"
	EventServerShutdown     Event = "server-shutdown"
	EventJoinError          Event = "join-error"
	EventConnectionRecovery Event = "connection-recovery"

	EventBreakoutRoomsCreated   Event = "breakout-rooms-created"
	EventBreakoutRoomsStarted   Event = "breakout-rooms-started"
	EventAssignedToBreakoutRoom Event = "assigned-to-breakout-room"
	EventBreakoutRoomsEnded     Event = "breakout-rooms-ended"

	EventPollCreated Event = "poll-created"
	EventPollVote    Event = "poll-vote"
	EventPollEnded   Event = "poll-ended"

	EventFileShared  Event = "file-shared"
	EventFileDeleted Event = "file-deleted"

	EventQuestionAsked    Event = "question-asked"
	EventQuestionUpvoted  Event = "question-upvoted"
	EventQuestionAnswered Event = "question-answered"

	EventMeetingLocked         Event = "meeting-locked"
	EventWaitingRoomToggled    Event = "waiting-room-toggled"
	EventScreenShareRestricted Event = "screen-share-restricted"
	EventChatRestricted        Event = "chat-restricted"

	EventParticipantSpotlighted Event = "participant-spotlighted"
	EventSpotlightRemoved       Event = "spotlight-removed"
)

// ServerVersion is advertised in connection-confirmed so clients can gate
// protocol features on the hub generation.
const ServerVersion = "2.0.0"

// Features advertised in connection-confirmed.
var Features = []string{
	"webrtc-signaling",
	"chat",
	"reactions",
	"breakout-rooms",
	"polls",
	"whiteboard",
	"file-sharing",
	"qa",
	"host-controls",
	"adaptive-health",
}
