package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/metrics"
)

const (
	sweepInterval     = 60 * time.Second
	healthLogInterval = 30 * time.Second

	// memorySweepThresholdMB triggers an out-of-cycle sweep: leaked zombie
	// connections are the usual cause of heap growth in this process.
	memorySweepThresholdMB = 500
)

// reasonSwept labels silent supervisor removals on the removals counter. It
// never appears in a user-left payload; swept connections are assumed dead
// and get no farewell.
const reasonSwept = "swept"

// RunSupervisor ticks the stale sweep and the health log line until ctx is
// cancelled. Started once per process by main.
func (h *Hub) RunSupervisor(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.reportFatal(r)
		}
	}()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	healthLog := time.NewTicker(healthLogInterval)
	defer healthLog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			h.sweepStale()
		case <-healthLog.C:
			participants, rooms, conns := h.counts()
			heapMB := heapAllocMB()
			logging.Info(ctx, "hub health",
				zap.Int("participants", participants),
				zap.Int("rooms", rooms),
				zap.Int("connections", conns),
				zap.Float64("heap_mb", heapMB))
			if heapMB >= memorySweepThresholdMB {
				logging.Warn(ctx, "memory threshold crossed, sweeping out of cycle",
					zap.Float64("heap_mb", heapMB))
				h.sweepStale()
			}
		}
	}
}

// sweepStale silently removes every connection whose last liveness signal is
// older than staleAfter, then deletes any room left empty. No user-left is
// emitted; the sweep only catches connections the rest of the engine already
// believes dead. Host succession still runs so survivors converge.
func (h *Hub) sweepStale() {
	now := h.now()

	h.mu.Lock()
	var (
		closers  []*Conn
		removals []*removalResult
	)
	for id, c := range h.conns {
		c.mu.Lock()
		last := c.health.lastPing
		if c.transport == metrics.TransportLongPoll && c.lastPoll.After(last) {
			last = c.lastPoll
		}
		c.mu.Unlock()

		if now.Sub(last) <= staleAfter {
			continue
		}
		delete(h.conns, id)
		closers = append(closers, c)
		if res := h.removeParticipantLocked(id, reasonSwept, false); res != nil {
			removals = append(removals, res)
		}
	}
	// Safety net: a room record exists iff its member set is non-empty.
	for _, r := range h.rooms {
		if r.isEmpty() {
			h.deleteRoomLocked(r)
		}
	}
	h.mu.Unlock()

	for _, c := range closers {
		metrics.DecConnection(c.transportKind())
		c.close()
	}
	for _, res := range removals {
		h.finishRemoval(res)
	}

	if len(closers) > 0 {
		logging.Info(context.Background(), "stale sweep removed connections",
			zap.Int("removed", len(closers)))
	}
}
