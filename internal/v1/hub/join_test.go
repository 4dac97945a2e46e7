package hub

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshconf/signaling/internal/v1/config"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

func TestJoin_TwoPeers(t *testing.T) {
	h := newTestHub()
	defer teardown(h)

	alice := dial(h, "")
	joinRoom(t, h, alice, "R1", "Alice")

	aliceMsgs := drainConn(t, alice)
	snapshot := mustEvent[[]protocol.ParticipantInfo](t, aliceMsgs, protocol.EventCurrentParticipants)
	assert.Empty(t, snapshot, "first joiner sees an empty room")
	count := mustEvent[protocol.ParticipantCountPayload](t, aliceMsgs, protocol.EventParticipantCount)
	assert.Equal(t, 1, count.Count)
	status := mustEvent[protocol.HostStatusUpdatePayload](t, aliceMsgs, protocol.EventHostStatusUpdate)
	assert.Equal(t, string(alice.id), status.HostID)
	assert.Equal(t, "Alice", status.HostName)

	bob := dial(h, "")
	joinRoom(t, h, bob, "R1", "Bob")

	aliceMsgs = drainConn(t, alice)
	joined := mustEvent[protocol.ParticipantInfo](t, aliceMsgs, protocol.EventUserJoined)
	assert.Equal(t, "Bob", joined.Name)
	assert.False(t, joined.IsHost)
	count = mustEvent[protocol.ParticipantCountPayload](t, aliceMsgs, protocol.EventParticipantCount)
	assert.Equal(t, 2, count.Count)

	bobMsgs := drainConn(t, bob)
	snapshot = mustEvent[[]protocol.ParticipantInfo](t, bobMsgs, protocol.EventCurrentParticipants)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "Alice", snapshot[0].Name)
	assert.True(t, snapshot[0].IsHost)
	assert.Zero(t, countEvent(bobMsgs, protocol.EventUserJoined), "joiner must not see its own user-joined")

	checkInvariants(t, h)
}

func TestJoin_DuplicateSessionPreemption(t *testing.T) {
	h := newTestHub()
	defer teardown(h)

	alice1 := dial(h, "")
	joinRoom(t, h, alice1, "R1", "Alice")
	observer := dial(h, "")
	joinRoom(t, h, observer, "R1", "Bob")
	drainConn(t, alice1)
	drainConn(t, observer)

	alice2 := dial(h, "")
	joinRoom(t, h, alice2, "R1", "Alice")

	assert.True(t, alice1.isClosed(), "preempted connection must be severed")

	obsMsgs := drainConn(t, observer)
	left := mustEvent[protocol.UserLeftPayload](t, obsMsgs, protocol.EventUserLeft)
	assert.Equal(t, protocol.ReasonDuplicateSession, left.Reason)
	assert.Equal(t, "Alice", left.UserName)
	assert.Equal(t, string(alice1.id), left.ParticipantID)
	assert.Equal(t, 1, countEvent(obsMsgs, protocol.EventUserLeft), "exactly one user-left per removal")

	// The new Alice never observes her predecessor.
	a2Msgs := drainConn(t, alice2)
	snapshot := mustEvent[[]protocol.ParticipantInfo](t, a2Msgs, protocol.EventCurrentParticipants)
	for _, p := range snapshot {
		assert.NotEqual(t, string(alice1.id), p.ID)
	}

	h.mu.RLock()
	r := h.rooms["R1"]
	require.NotNil(t, r)
	assert.Equal(t, 2, r.size())
	_, gone := h.participants[alice1.id]
	h.mu.RUnlock()
	assert.False(t, gone)

	checkInvariants(t, h)
}

func TestJoin_HostPassesToPreemptorEventually(t *testing.T) {
	// Sole host preempted by its own duplicate: the duplicate lands in an
	// empty room and takes the host seat.
	h := newTestHub()
	defer teardown(h)

	alice1 := dial(h, "")
	joinRoom(t, h, alice1, "R1", "Alice")

	alice2 := dial(h, "")
	joinRoom(t, h, alice2, "R1", "Alice")

	h.mu.RLock()
	r := h.rooms["R1"]
	require.NotNil(t, r)
	assert.Equal(t, 1, r.size())
	assert.Equal(t, alice2.id, r.hostID)
	h.mu.RUnlock()

	checkInvariants(t, h)
}

func TestJoin_ValidationErrors(t *testing.T) {
	h := newTestHub()
	defer teardown(h)

	cases := []struct {
		name    string
		payload protocol.JoinRoomPayload
	}{
		{"missing room", protocol.JoinRoomPayload{UserName: "Alice"}},
		{"missing name", protocol.JoinRoomPayload{RoomID: "R1"}},
		{"name resembles room id", protocol.JoinRoomPayload{RoomID: "R1", UserName: "room-abc-12345"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := dial(h, "")
			send(t, h, c, protocol.EventJoinRoom, tc.payload)
			msgs := drainConn(t, c)
			joinErr := mustEvent[protocol.JoinErrorPayload](t, msgs, protocol.EventJoinError)
			assert.Equal(t, protocol.MsgInvalidJoin, joinErr.Message)
			assert.False(t, c.isClosed(), "validation errors keep the connection open")
		})
	}

	h.mu.RLock()
	assert.Empty(t, h.rooms)
	h.mu.RUnlock()
}

func TestJoin_RoomFull(t *testing.T) {
	h := newTestHub()
	defer teardown(h)

	members := make([]*Conn, 0, config.MaxRoomSize)
	for i := 0; i < config.MaxRoomSize; i++ {
		c := dial(h, "")
		joinRoom(t, h, c, "R1", fmt.Sprintf("user%02d", i))
		members = append(members, c)
	}
	for _, c := range members {
		drainConn(t, c)
	}

	late := dial(h, "")
	joinRoom(t, h, late, "R1", "latecomer")

	msgs := drainConn(t, late)
	joinErr := mustEvent[protocol.JoinErrorPayload](t, msgs, protocol.EventJoinError)
	assert.Equal(t, protocol.MsgRoomFull, joinErr.Message)

	// No membership change and no broadcast to the room.
	h.mu.RLock()
	assert.Equal(t, config.MaxRoomSize, h.rooms["R1"].size())
	h.mu.RUnlock()
	for _, c := range members {
		assert.Empty(t, drainConn(t, c))
	}

	checkInvariants(t, h)
}

func TestJoin_ServerAtCapacity(t *testing.T) {
	h := newTestHub()
	defer teardown(h)

	// Seed the registry to the cap; records do not need live sockets for the
	// admission check.
	h.mu.Lock()
	for i := 0; i < config.MaxTotalParticipants; i++ {
		id := protocol.ConnID(fmt.Sprintf("ghost-%04d", i))
		h.participants[id] = &Participant{ConnID: id, Name: fmt.Sprintf("g%04d", i), RoomID: "G"}
	}
	h.mu.Unlock()

	c := dial(h, "")
	joinRoom(t, h, c, "R1", "Alice")
	msgs := drainConn(t, c)
	joinErr := mustEvent[protocol.JoinErrorPayload](t, msgs, protocol.EventJoinError)
	assert.Equal(t, protocol.MsgServerAtCapacity, joinErr.Message)

	h.mu.Lock()
	h.participants = make(map[protocol.ConnID]*Participant)
	h.mu.Unlock()
}

func TestJoin_StaleConnectionPurge(t *testing.T) {
	h := newTestHub()
	defer teardown(h)

	alice := dial(h, "")
	joinRoom(t, h, alice, "R1", "Alice")
	ghost := dial(h, "")
	joinRoom(t, h, ghost, "R1", "Ghost")
	drainConn(t, alice)

	// Kill the ghost's transport without going through disconnect: the
	// record stays but the connection is gone.
	h.mu.Lock()
	delete(h.conns, ghost.id)
	h.mu.Unlock()

	bob := dial(h, "")
	joinRoom(t, h, bob, "R1", "Bob")

	aliceMsgs := drainConn(t, alice)
	left := mustEvent[protocol.UserLeftPayload](t, aliceMsgs, protocol.EventUserLeft)
	assert.Equal(t, protocol.ReasonStaleConnection, left.Reason)
	assert.Equal(t, "Ghost", left.UserName)

	bobMsgs := drainConn(t, bob)
	snapshot := mustEvent[[]protocol.ParticipantInfo](t, bobMsgs, protocol.EventCurrentParticipants)
	require.Len(t, snapshot, 1, "snapshot must not contain the zombie")
	assert.Equal(t, "Alice", snapshot[0].Name)

	checkInvariants(t, h)
}

func TestJoin_CreatorReclaimsHost(t *testing.T) {
	h := newTestHub()
	defer teardown(h)

	creator := dial(h, "user-creator")
	joinRoom(t, h, creator, "R1", "Alice")
	bob := dial(h, "")
	joinRoom(t, h, bob, "R1", "Bob")
	h.disconnect(creator, protocol.ReasonLeft)
	drainConn(t, bob) // Bob inherited the host seat

	reclaimed := dial(h, "user-creator")
	joinRoom(t, h, reclaimed, "R1", "Alice")

	bobMsgs := drainConn(t, bob)
	changed := mustEvent[protocol.HostChangedPayload](t, bobMsgs, protocol.EventHostChanged)
	assert.Equal(t, string(reclaimed.id), changed.NewHostID)
	assert.Equal(t, string(bob.id), changed.PreviousHostID)

	h.mu.RLock()
	assert.Equal(t, reclaimed.id, h.rooms["R1"].hostID)
	assert.False(t, h.participants[bob.id].Host)
	h.mu.RUnlock()

	checkInvariants(t, h)
}

func TestJoin_SwitchRoomLeavesPrevious(t *testing.T) {
	h := newTestHub()
	defer teardown(h)

	alice := dial(h, "")
	joinRoom(t, h, alice, "R1", "Alice")
	bob := dial(h, "")
	joinRoom(t, h, bob, "R1", "Bob")
	drainConn(t, alice)

	joinRoom(t, h, bob, "R2", "Bob")

	aliceMsgs := drainConn(t, alice)
	left := mustEvent[protocol.UserLeftPayload](t, aliceMsgs, protocol.EventUserLeft)
	assert.Equal(t, string(bob.id), left.ParticipantID)

	h.mu.RLock()
	assert.Equal(t, 1, h.rooms["R1"].size())
	assert.Equal(t, 1, h.rooms["R2"].size())
	assert.Equal(t, bob.id, h.rooms["R2"].hostID)
	h.mu.RUnlock()

	checkInvariants(t, h)
}

func TestJoin_LockedRoomRejectsStrangers(t *testing.T) {
	h := newTestHub()
	defer teardown(h)

	creator := dial(h, "user-creator")
	joinRoom(t, h, creator, "R1", "Alice")
	carol := dial(h, "")
	joinRoom(t, h, carol, "R1", "Carol")
	send(t, h, creator, protocol.EventToggleMeetingLock, nil)
	drainConn(t, creator)
	drainConn(t, carol)

	stranger := dial(h, "")
	joinRoom(t, h, stranger, "R1", "Bob")
	msgs := drainConn(t, stranger)
	joinErr := mustEvent[protocol.JoinErrorPayload](t, msgs, protocol.EventJoinError)
	assert.Equal(t, protocol.MsgRoomLocked, joinErr.Message)

	// The creator walks back in through the lock; Carol keeps it alive in
	// the meantime.
	h.disconnect(creator, protocol.ReasonLeft)
	back := dial(h, "user-creator")
	joinRoom(t, h, back, "R1", "Alice")
	_, rejected := findEvent(drainConn(t, back), protocol.EventJoinError)
	assert.False(t, rejected)

	checkInvariants(t, h)
}

func TestJoin_LastSeenTouchedOnTraffic(t *testing.T) {
	h := newTestHub()
	defer teardown(h)

	base := time.Now()
	h.now = func() time.Time { return base }

	alice := dial(h, "")
	joinRoom(t, h, alice, "R1", "Alice")

	h.now = func() time.Time { return base.Add(42 * time.Second) }
	send(t, h, alice, protocol.EventTyping, protocol.TypingPayload{IsTyping: true})

	h.mu.RLock()
	lastSeen := h.participants[alice.id].LastSeen
	h.mu.RUnlock()
	assert.Equal(t, base.Add(42*time.Second), lastSeen)
}
