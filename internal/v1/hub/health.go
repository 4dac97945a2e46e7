package hub

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/config"
	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/metrics"
	"github.com/meshconf/signaling/internal/v1/protocol"
)

// Adaptive ping schedule. The interval starts at 30s and breathes with the
// measured round trip: fast links get probed less, slow or lossy links more.
const (
	pingInitialInterval = 30 * time.Second
	pingMinInterval     = 15 * time.Second
	pingMaxInterval     = 60 * time.Second
	pongTimeout         = 15 * time.Second

	pingFastRTT = 100 * time.Millisecond
	pingSlowRTT = time.Second

	// staleAfter marks a connection dead for the supervisor sweep when no
	// ping has gone out this long (monitor wedged or connection leaked).
	staleAfter = 5 * time.Minute
)

// nextPingInterval computes the adapted interval after one probe: a timeout
// tightens by 5s, a fast pong relaxes by 5s, a slow pong tightens by 2s,
// clamped to [pingMinInterval, pingMaxInterval].
func nextPingInterval(current time.Duration, latency time.Duration, timedOut bool) time.Duration {
	switch {
	case timedOut:
		current -= 5 * time.Second
	case latency < pingFastRTT:
		current += 5 * time.Second
	case latency > pingSlowRTT:
		current -= 2 * time.Second
	}
	if current < pingMinInterval {
		current = pingMinInterval
	}
	if current > pingMaxInterval {
		current = pingMaxInterval
	}
	return current
}

// heapAllocMB reports the current heap allocation in MiB for ping payloads
// and the supervisor's health line.
func heapAllocMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}

// monitor is the per-connection health loop. It owns every write to the
// connection's health record except the client-ping echo. Cancelled through
// ctx when the connection disconnects.
func (h *Hub) monitor(ctx context.Context, c *Conn) {
	defer func() {
		if r := recover(); r != nil {
			h.reportFatal(r)
		}
	}()

	interval := pingInitialInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-timer.C:
		}

		sentAt := h.now()
		participants, _, _ := h.counts()
		h.emit(c, protocol.EventPing, protocol.PingPayload{
			Timestamp:   sentAt.UnixMilli(),
			ServerLoad:  float64(participants) / float64(config.MaxTotalParticipants),
			MemoryUsage: heapAllocMB(),
		})

		c.mu.Lock()
		c.health.lastPing = sentAt
		c.health.pingCount++
		c.mu.Unlock()

		latency, timedOut, alive := h.awaitPong(ctx, c, sentAt)
		if !alive {
			return
		}

		c.mu.Lock()
		if timedOut {
			c.health.healthy = false
			c.health.reconnectCount++
		} else {
			c.health.healthy = true
			c.health.latencyMS = latency.Milliseconds()
		}
		c.mu.Unlock()

		if timedOut {
			metrics.PingTimeouts.Inc()
			logging.Debug(ctx, "health ping timed out",
				zap.String("connection_id", string(c.id)))
		} else {
			metrics.PingRTT.Observe(latency.Seconds())
		}

		interval = nextPingInterval(interval, latency, timedOut)
		timer.Reset(interval)
	}
}

// awaitPong blocks until the pong matching sentAt arrives or the deadline
// expires. Pongs for earlier probes are discarded. alive=false means the
// connection went away while waiting.
func (h *Hub) awaitPong(ctx context.Context, c *Conn, sentAt time.Time) (latency time.Duration, timedOut, alive bool) {
	deadline := time.NewTimer(pongTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, false, false
		case <-c.closed:
			return 0, false, false
		case ts := <-c.pongCh:
			if ts != sentAt.UnixMilli() {
				continue // stale pong from a previous probe
			}
			return h.now().Sub(sentAt), false, true
		case <-deadline.C:
			return 0, true, true
		}
	}
}
