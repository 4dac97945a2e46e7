package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshconf/signaling/internal/v1/protocol"
)

func TestShutdown_BroadcastsRecoverySnapshot(t *testing.T) {
	h := newTestHub()
	alice, bob, _ := threePeers(t, h)

	outsider := dial(h, "")
	joinRoom(t, h, outsider, "R2", "Dave")
	drainConn(t, outsider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // skip the soft-deadline wait; clients are severed immediately
	h.Shutdown(ctx)

	for _, c := range []*Conn{alice, bob, outsider} {
		msgs := drainConn(t, c)
		down := mustEvent[protocol.ServerShutdownPayload](t, msgs, protocol.EventServerShutdown)
		assert.Equal(t, protocol.ExpectedDowntimeMS, down.ExpectedDowntime)
		assert.NotZero(t, down.Timestamp)

		require.Len(t, down.RecoveryData.Rooms, 2)
		r1 := down.RecoveryData.Rooms["R1"]
		assert.Equal(t, string(alice.id), r1.HostID)
		assert.Len(t, r1.Participants, 3)
		r2 := down.RecoveryData.Rooms["R2"]
		assert.Len(t, r2.Participants, 1)

		assert.True(t, c.isClosed())
	}

	participants, rooms, conns := h.counts()
	assert.Zero(t, participants)
	assert.Zero(t, rooms)
	assert.Zero(t, conns)
}

func TestShutdown_ReturnsOnceClientsLeave(t *testing.T) {
	h := newTestHub()
	alice, bob, carol := threePeers(t, h)

	done := make(chan struct{})
	go func() {
		h.Shutdown(context.Background())
		close(done)
	}()

	// Clients hang up on their own after seeing server-shutdown; the drain
	// loop must notice well before the soft deadline.
	go func() {
		time.Sleep(50 * time.Millisecond)
		for _, c := range []*Conn{alice, bob, carol} {
			h.disconnect(c, protocol.ReasonLeft)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return after the last client left")
	}
}

func TestShutdown_RefusesNewConnections(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newTestHub()
	defer teardown(h)

	h.draining.Store(true)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
	h.ServeWs(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/poll", nil)
	h.ServePoll(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRecoverySnapshot_EmptyHub(t *testing.T) {
	h := newTestHub()
	defer teardown(h)

	snap := h.recoverySnapshot()
	assert.Empty(t, snap.Rooms)
	assert.NotZero(t, snap.Timestamp)
}
