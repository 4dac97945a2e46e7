package hub

import (
	"context"
	"encoding/json"

	"k8s.io/utils/set"

	"github.com/meshconf/signaling/internal/v1/bus"
	"github.com/meshconf/signaling/internal/v1/metrics"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

// Recent-chat ring bounds per room.
const (
	chatRingMaxEntries = 100
	chatRingMaxBytes   = 64 << 10
)

// room is the registry record for one room: the member set for O(1) lookups
// plus an insertion-ordered slice, because host succession and snapshots must
// iterate deterministically.
type room struct {
	id        protocol.RoomID
	memberSet set.Set[protocol.ConnID]
	members   []protocol.ConnID

	hostID    protocol.ConnID // "" = no host
	creatorID string          // authenticated user id of the first joiner, "" if anonymous

	locked                bool
	waitingRoom           bool
	screenShareRestricted bool
	chatRestricted        bool

	spotlightID protocol.ConnID

	chat      []protocol.ChatMessagePayload
	chatBytes int

	cancelSub context.CancelFunc // stops the bus subscription on room delete
}

func (r *room) size() int {
	return len(r.members)
}

func (r *room) isEmpty() bool {
	return len(r.members) == 0
}

func (r *room) contains(id protocol.ConnID) bool {
	return r.memberSet.Has(id)
}

func (r *room) addMember(id protocol.ConnID) {
	if r.memberSet.Has(id) {
		return
	}
	r.memberSet.Insert(id)
	r.members = append(r.members, id)
}

func (r *room) removeMember(id protocol.ConnID) {
	if !r.memberSet.Has(id) {
		return
	}
	r.memberSet.Delete(id)
	for i, m := range r.members {
		if m == id {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
}

// appendChat adds a message to the recent ring, evicting oldest entries to
// stay within both bounds.
func (r *room) appendChat(msg protocol.ChatMessagePayload) {
	r.chat = append(r.chat, msg)
	r.chatBytes += len(msg.Message)
	for len(r.chat) > chatRingMaxEntries || r.chatBytes > chatRingMaxBytes {
		r.chatBytes -= len(r.chat[0].Message)
		r.chat = r.chat[1:]
	}
}

// --- hub-level registry operations (all require h.mu held for writing) ---

// getOrCreateRoomLocked returns the room record, creating it lazily on first
// join. The creator id is recorded from the first joiner's authenticated
// identity so a later rejoin can reclaim the host seat.
func (h *Hub) getOrCreateRoomLocked(id protocol.RoomID, creatorUserID string) *room {
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := &room{
		id:        id,
		memberSet: set.New[protocol.ConnID](),
		creatorID: creatorUserID,
	}
	h.rooms[id] = r
	metrics.ActiveRooms.Inc()

	if h.bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancelSub = cancel
		h.bus.Subscribe(ctx, string(id), &h.busWG, func(p bus.PubSubPayload) {
			h.deliverFromBus(p)
		})
	}
	return r
}

// deleteRoomLocked destroys an empty room: host, creator, settings and chat
// go with the record. A room record exists iff its member set is non-empty.
func (h *Hub) deleteRoomLocked(r *room) {
	if r.cancelSub != nil {
		r.cancelSub()
	}
	delete(h.rooms, r.id)
	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(r.id))

	if h.bus != nil {
		key := bus.MembersKey(string(r.id))
		go func() { _ = h.bus.Del(context.Background(), key) }()
	}
}

// sessionAddLocked indexes a live connection id under its display name.
func (h *Hub) sessionAddLocked(name string, id protocol.ConnID) {
	s, ok := h.sessions[name]
	if !ok {
		s = set.New[protocol.ConnID]()
		h.sessions[name] = s
	}
	s.Insert(id)
}

// sessionRemoveLocked unindexes a connection id, dropping the name entry when
// its set empties.
func (h *Hub) sessionRemoveLocked(name string, id protocol.ConnID) {
	if s, ok := h.sessions[name]; ok {
		s.Delete(id)
		if s.Len() == 0 {
			delete(h.sessions, name)
		}
	}
}

// sessionConnsLocked returns the live connection ids registered under a
// display name, excluding the given one.
func (h *Hub) sessionConnsLocked(name string, except protocol.ConnID) []protocol.ConnID {
	s, ok := h.sessions[name]
	if !ok {
		return nil
	}
	var out []protocol.ConnID
	for _, id := range s.SortedList() {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

// roomParticipantsLocked returns the participant records of a room in
// insertion order.
func (h *Hub) roomParticipantsLocked(r *room) []*Participant {
	out := make([]*Participant, 0, len(r.members))
	for _, id := range r.members {
		if p, ok := h.participants[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// hostFlagsLocked builds the participant→isHost vector broadcast in
// host-changed.
func (h *Hub) hostFlagsLocked(r *room) []protocol.HostFlag {
	out := make([]protocol.HostFlag, 0, len(r.members))
	for _, p := range h.roomParticipantsLocked(r) {
		out = append(out, protocol.HostFlag{ID: string(p.ConnID), IsHost: p.Host})
	}
	return out
}

// mirrorPresence reflects a membership change into the optional Redis
// presence set. Runs off the lock; failures degrade silently.
func (h *Hub) mirrorPresence(roomID protocol.RoomID, connID protocol.ConnID, joined bool) {
	if h.bus == nil {
		return
	}
	key := bus.MembersKey(string(roomID))
	go func() {
		ctx := context.Background()
		if joined {
			_ = h.bus.SetAdd(ctx, key, string(connID))
		} else {
			_ = h.bus.SetRem(ctx, key, string(connID))
		}
	}()
}

// deliverFromBus applies an envelope published by another pod to the local
// members of the room.
func (h *Hub) deliverFromBus(p bus.PubSubPayload) {
	msg := protocol.Message{Event: protocol.Event(p.Event), Payload: p.Payload}
	data, err := msg.Encode()
	if err != nil {
		return
	}

	if p.TargetID != "" {
		h.mu.RLock()
		c, ok := h.conns[protocol.ConnID(p.TargetID)]
		h.mu.RUnlock()
		if ok {
			c.trySend(data)
		}
		return
	}

	h.mu.RLock()
	r, ok := h.rooms[protocol.RoomID(p.RoomID)]
	var targets []*Conn
	if ok {
		for _, id := range r.members {
			if string(id) == p.SenderID {
				continue
			}
			if c, live := h.conns[id]; live {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.trySend(data)
	}
}

// publishToBus mirrors a local room emission to other pods. Synchronous so
// per-sender ordering survives the hop; the breaker bounds the damage when
// Redis is unhealthy.
func (h *Hub) publishToBus(roomID protocol.RoomID, event protocol.Event, payload any, sender protocol.ConnID) {
	if h.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = h.bus.Publish(context.Background(), string(roomID), string(event), raw, string(sender))
}

// publishDirectToBus routes a peer-directed event to whichever pod holds the
// target connection.
func (h *Hub) publishDirectToBus(roomID protocol.RoomID, target protocol.ConnID, event protocol.Event, payload any, sender protocol.ConnID) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = h.bus.PublishDirect(context.Background(), string(roomID), string(target), string(event), raw, string(sender))
}
