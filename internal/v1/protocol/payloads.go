package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// --- Core identifier types ---

// ConnID uniquely identifies one live connection (one socket or one poll
// session). Participant identity is keyed by ConnID for its lifetime.
type ConnID string

// RoomID names a room.
type RoomID string

// UserID is an authenticated user identifier, when the connection carried one.
type UserID string

// Join-error messages surfaced to clients. Tests and handlers share these
// literals.
const (
	MsgServerAtCapacity = "Server at capacity"
	MsgRoomFull         = "Room is full"
	MsgRoomLocked       = "Room is locked"
	MsgInvalidJoin      = "Invalid room ID or user name"
)

// ParticipantInfo is the participant snapshot shape used by user-joined,
// current-participants, reconnect-response and shutdown recovery data.
type ParticipantInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsMuted     bool   `json:"isMuted"`
	IsVideoOff  bool   `json:"isVideoOff"`
	IsHost      bool   `json:"isHost"`
	IsRaiseHand bool   `json:"isRaiseHand"`
}

// --- Connection lifecycle payloads ---

type ConnectionConfirmedPayload struct {
	SocketID      string   `json:"socketId"`
	Timestamp     int64    `json:"timestamp"`
	ServerTime    string   `json:"serverTime"`
	ServerVersion string   `json:"serverVersion"`
	Features      []string `json:"features"`
}

type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	UserID   string `json:"userId,omitempty"`
}

// Validate applies the join admission rules: both fields present, and the
// user name must not look like a room identifier (contains '-' and is longer
// than 10 characters), which catches clients that swapped the two fields.
func (p JoinRoomPayload) Validate() error {
	if p.RoomID == "" {
		return errors.New("room ID is required")
	}
	if p.UserName == "" {
		return errors.New("user name is required")
	}
	if strings.Contains(p.UserName, "-") && len(p.UserName) > 10 {
		return errors.New("user name resembles a room ID")
	}
	return nil
}

type JoinErrorPayload struct {
	Message string `json:"message"`
}

type ParticipantCountPayload struct {
	Count int `json:"count"`
}

type UserLeftPayload struct {
	ParticipantID string `json:"participantId"`
	UserName      string `json:"userName"`
	Timestamp     int64  `json:"timestamp"`
	Reason        string `json:"reason"`
}

// Removal reasons carried by user-left.
const (
	ReasonDuplicateSession = "duplicate-session"
	ReasonStaleConnection  = "stale-connection"
	ReasonRemovedByHost    = "removed-by-host"
	ReasonLeft             = "left"
)

// --- Peer signaling ---

// SignalPayload covers offer, answer and ice-candidate. Exactly one of the
// body fields is set, matching the event name. The hub stamps SenderID from
// the authenticated connection; a client-supplied senderId is discarded.
type SignalPayload struct {
	TargetID  string          `json:"targetId,omitempty"`
	SenderID  string          `json:"senderId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Forward returns the outbound copy of p: body preserved, senderId stamped,
// targetId dropped.
func (p SignalPayload) Forward(senderID ConnID) SignalPayload {
	return SignalPayload{
		SenderID:  string(senderID),
		Offer:     p.Offer,
		Answer:    p.Answer,
		Candidate: p.Candidate,
	}
}

// --- Presence / self-state toggles ---

// TogglePayload carries user-muted, user-video-toggled and raise-hand-toggled
// in both directions. ParticipantID may be empty inbound (self); outbound it
// always names the affected participant.
type TogglePayload struct {
	ParticipantID string `json:"participantId,omitempty"`
	IsMuted       *bool  `json:"isMuted,omitempty"`
	IsVideoOff    *bool  `json:"isVideoOff,omitempty"`
	IsRaiseHand   *bool  `json:"isRaiseHand,omitempty"`
}

type ReactionPayload struct {
	Reaction json.RawMessage `json:"reaction"`
}

type ReactionReceivedPayload struct {
	ParticipantID string          `json:"participantId"`
	UserName      string          `json:"userName"`
	Reaction      json.RawMessage `json:"reaction"`
	Timestamp     int64           `json:"timestamp"`
}

type ChatMessagePayload struct {
	ParticipantID string          `json:"participantId,omitempty"`
	UserName      string          `json:"userName,omitempty"`
	Message       json.RawMessage `json:"message"`
	Timestamp     int64           `json:"timestamp,omitempty"`
}

// MaxChatMessageBytes bounds a single chat body kept in the room's recent
// history ring.
const MaxChatMessageBytes = 4096

type ChatHistoryPayload struct {
	Messages []ChatMessagePayload `json:"messages"`
}

type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

type UserTypingPayload struct {
	ParticipantID string `json:"participantId"`
	UserName      string `json:"userName"`
	IsTyping      bool   `json:"isTyping"`
}

// --- Host moderation ---

// HostTargetPayload names the participant a host action operates on.
type HostTargetPayload struct {
	ParticipantID string `json:"participantId"`
}

type ForceMutedPayload struct {
	ParticipantID string `json:"participantId"`
	IsMuted       bool   `json:"isMuted"`
}

type ForceVideoTogglePayload struct {
	ParticipantID string `json:"participantId"`
	IsVideoOff    bool   `json:"isVideoOff"`
}

type ForceDisconnectPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type HostTransferPayload struct {
	NewHostID string `json:"newHostId"`
}

type HostChangedPayload struct {
	NewHostID      string     `json:"newHostId"`
	NewHostName    string     `json:"newHostName"`
	PreviousHostID string     `json:"previousHostId,omitempty"`
	Participants   []HostFlag `json:"participants"`
}

// HostFlag is one entry of the participant→isHost vector in host-changed.
type HostFlag struct {
	ID     string `json:"id"`
	IsHost bool   `json:"isHost"`
}

type HostStatusUpdatePayload struct {
	HostID   string `json:"hostId"`
	HostName string `json:"hostName"`
}

type RenameParticipantPayload struct {
	ParticipantID string `json:"participantId,omitempty"`
	NewName       string `json:"newName"`
}

type ParticipantRenamedPayload struct {
	ParticipantID string `json:"participantId"`
	OldName       string `json:"oldName"`
	NewName       string `json:"newName"`
}

type SpotlightPayload struct {
	ParticipantID string `json:"participantId"`
}

type ScreenSharePayload struct {
	ParticipantID string `json:"participantId"`
	UserName      string `json:"userName"`
}

// RoomSettingPayload reports the post-toggle state of one room setting.
type RoomSettingPayload struct {
	Enabled bool `json:"enabled"`
}

// --- Breakout rooms ---

type BreakoutAssignment struct {
	RoomID         string   `json:"roomId"`
	ParticipantIDs []string `json:"participantIds"`
}

type StartBreakoutRoomsPayload struct {
	Rooms    []BreakoutAssignment `json:"rooms"`
	Duration int                  `json:"duration"`
}

type BreakoutRoomsCreatedPayload struct {
	Rooms []BreakoutAssignment `json:"rooms"`
}

type BreakoutRoomsStartedPayload struct {
	Duration int `json:"duration"`
}

type AssignedToBreakoutRoomPayload struct {
	RoomID string `json:"roomId"`
}

// BreakoutRoomsEndedPayload names the parent room everyone returns to.
type BreakoutRoomsEndedPayload struct {
	RoomID string `json:"roomId"`
}

// --- Health ---

// PingPayload is the hub-initiated probe. Timestamp correlates the pong.
type PingPayload struct {
	Timestamp   int64   `json:"timestamp"`
	ServerLoad  float64 `json:"serverLoad"`
	MemoryUsage float64 `json:"memoryUsage"`
}

type PongPayload struct {
	Timestamp int64           `json:"timestamp"`
	Health    *HealthSnapshot `json:"health,omitempty"`
}

// HealthSnapshot is the monitor's view of one connection, echoed on
// client-initiated pings and in reconnect-response.
type HealthSnapshot struct {
	ConnectedAt    int64 `json:"connectedAt"`
	LastPing       int64 `json:"lastPing"`
	PingCount      int   `json:"pingCount"`
	ReconnectCount int   `json:"reconnectCount"`
	Healthy        bool  `json:"healthy"`
	LatencyMS      int64 `json:"latencyMs"`
}

// --- Reconnect and shutdown ---

type ReconnectResponsePayload struct {
	Success          bool             `json:"success"`
	UserData         *ParticipantInfo `json:"userData"`
	ConnectionHealth *HealthSnapshot  `json:"connectionHealth"`
}

type ConnectionRecoveryPayload struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type ServerShutdownPayload struct {
	Message          string       `json:"message"`
	Timestamp        int64        `json:"timestamp"`
	RecoveryData     RecoveryData `json:"recoveryData"`
	ExpectedDowntime int          `json:"expectedDowntime"`
}

// ExpectedDowntimeMS is the restart window advertised in server-shutdown.
const ExpectedDowntimeMS = 30000

// RecoveryData is the best-effort state hint broadcast before shutdown.
// Clients re-issue join-room on reconnect; the hub makes no resurrection
// commitment.
type RecoveryData struct {
	Rooms     map[string]RoomSnapshot `json:"rooms"`
	Timestamp int64                   `json:"timestamp"`
}

type RoomSnapshot struct {
	Participants []ParticipantInfo `json:"participants"`
	HostID       string            `json:"hostId,omitempty"`
}
