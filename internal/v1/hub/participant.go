package hub

import (
	"time"

	"github.com/meshconf/signaling/internal/v1/protocol"
)

// Presence status values on the participant record.
const (
	presenceOnline  = "online"
	presenceOffline = "offline"
)

// Participant is the engine's record of one joined connection. All fields are
// guarded by the hub lock; handlers mutate only after verifying scope
// (self-update, host-update, or engine-internal).
type Participant struct {
	ConnID   protocol.ConnID
	UserID   string // authenticated user id, empty for anonymous joins
	Name     string
	RoomID   protocol.RoomID
	JoinedAt time.Time
	LastSeen time.Time
	Presence string

	Muted      bool
	VideoOff   bool
	Host       bool
	RaisedHand bool
}

// info renders the wire snapshot shape shared by user-joined,
// current-participants and recovery data.
func (p *Participant) info() protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		ID:          string(p.ConnID),
		Name:        p.Name,
		IsMuted:     p.Muted,
		IsVideoOff:  p.VideoOff,
		IsHost:      p.Host,
		IsRaiseHand: p.RaisedHand,
	}
}
