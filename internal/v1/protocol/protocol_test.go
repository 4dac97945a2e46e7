package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage_WithPayload(t *testing.T) {
	msg, err := NewMessage(EventJoinError, JoinErrorPayload{Message: MsgRoomFull})
	require.NoError(t, err)

	assert.Equal(t, EventJoinError, msg.Event)
	assert.JSONEq(t, `{"message":"Room is full"}`, string(msg.Payload))
}

func TestNewMessage_NilPayload(t *testing.T) {
	msg, err := NewMessage(EventBreakoutRoomsEnded, nil)
	require.NoError(t, err)

	assert.Equal(t, EventBreakoutRoomsEnded, msg.Event)
	assert.Nil(t, msg.Payload)

	data, err := msg.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"breakout-rooms-ended"}`, string(data))
}

func TestDecode_ValidFrame(t *testing.T) {
	msg, err := Decode([]byte(`{"event":"typing","payload":{"isTyping":true}}`))
	require.NoError(t, err)

	assert.Equal(t, EventTyping, msg.Event)

	var p TypingPayload
	require.NoError(t, msg.DecodePayload(&p))
	assert.True(t, p.IsTyping)
}

func TestDecode_MissingEventName(t *testing.T) {
	_, err := Decode([]byte(`{"payload":{"isTyping":true}}`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing event name")
}

func TestDecode_MalformedFrame(t *testing.T) {
	_, err := Decode([]byte(`{"event": "typing"`))
	assert.Error(t, err)
}

func TestDecodePayload_Empty(t *testing.T) {
	msg := Message{Event: EventTyping}
	var p TypingPayload
	assert.Error(t, msg.DecodePayload(&p))
}

func TestJoinRoomValidate_Valid(t *testing.T) {
	p := JoinRoomPayload{RoomID: "room-abc-123", UserName: "Alice"}
	assert.NoError(t, p.Validate())
}

func TestJoinRoomValidate_MissingFields(t *testing.T) {
	assert.Error(t, JoinRoomPayload{UserName: "Alice"}.Validate())
	assert.Error(t, JoinRoomPayload{RoomID: "room-1"}.Validate())
}

func TestJoinRoomValidate_NameResemblesRoomID(t *testing.T) {
	// Contains '-' and longer than 10 characters: rejected.
	p := JoinRoomPayload{RoomID: "room-1", UserName: "room-abc-12345"}
	err := p.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "resembles a room ID")
}

func TestJoinRoomValidate_HeuristicBoundaries(t *testing.T) {
	// Short names with dashes pass.
	assert.NoError(t, JoinRoomPayload{RoomID: "r", UserName: "Jean-Luc"}.Validate())
	// Long names without dashes pass.
	assert.NoError(t, JoinRoomPayload{RoomID: "r", UserName: "Bartholomew Higgins"}.Validate())
	// Exactly 10 characters with a dash passes (threshold is strict).
	assert.NoError(t, JoinRoomPayload{RoomID: "r", UserName: "ab-defghij"}.Validate())
}

func TestJoinRoomDecode_NonStringFields(t *testing.T) {
	// A numeric room id must fail decoding, which the join handler surfaces
	// as an invalid-join error.
	msg, err := Decode([]byte(`{"event":"join-room","payload":{"roomId":42,"userName":"Alice"}}`))
	require.NoError(t, err)

	var p JoinRoomPayload
	assert.Error(t, msg.DecodePayload(&p))
}

func TestSignalForward_StampsSenderAndDropsTarget(t *testing.T) {
	in := SignalPayload{
		TargetID: "conn-beta",
		SenderID: "spoofed",
		Offer:    json.RawMessage(`{"sdp":"X"}`),
	}

	out := in.Forward("conn-alpha")

	assert.Equal(t, "conn-alpha", out.SenderID)
	assert.Empty(t, out.TargetID)
	assert.JSONEq(t, `{"sdp":"X"}`, string(out.Offer))

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"senderId":"conn-alpha","offer":{"sdp":"X"}}`, string(data))
}

func TestSignalForward_PreservesBodyKind(t *testing.T) {
	answer := SignalPayload{TargetID: "c2", Answer: json.RawMessage(`"A"`)}.Forward("c1")
	assert.NotNil(t, answer.Answer)
	assert.Nil(t, answer.Offer)
	assert.Nil(t, answer.Candidate)

	cand := SignalPayload{TargetID: "c2", Candidate: json.RawMessage(`{"c":1}`)}.Forward("c1")
	assert.NotNil(t, cand.Candidate)
	assert.Nil(t, cand.Offer)
}

func TestConnectionConfirmedShape(t *testing.T) {
	msg, err := NewMessage(EventConnectionConfirmed, ConnectionConfirmedPayload{
		SocketID:      "abc",
		Timestamp:     1700000000000,
		ServerTime:    "2023-11-14T22:13:20Z",
		ServerVersion: ServerVersion,
		Features:      Features,
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, "2.0.0", decoded["serverVersion"])
	assert.Contains(t, decoded["features"], "webrtc-signaling")
}

func TestRecoveryDataShape(t *testing.T) {
	p := ServerShutdownPayload{
		Message:   "Server is restarting",
		Timestamp: 1700000000000,
		RecoveryData: RecoveryData{
			Rooms: map[string]RoomSnapshot{
				"R1": {
					Participants: []ParticipantInfo{{ID: "c1", Name: "Alice", IsHost: true}},
					HostID:       "c1",
				},
			},
			Timestamp: 1700000000000,
		},
		ExpectedDowntime: ExpectedDowntimeMS,
	}

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 30000, decoded["expectedDowntime"])

	rooms := decoded["recoveryData"].(map[string]any)["rooms"].(map[string]any)
	assert.Contains(t, rooms, "R1")
}
