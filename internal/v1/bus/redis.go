// Package bus is the optional Redis layer for multi-pod deployments: a
// pub/sub fan-out so room events reach participants on other pods, and a
// presence mirror so operators can inspect membership outside the process.
// A nil *Service means single-instance mode; every method degrades to a no-op.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// PubSubPayload is the envelope moving room events between pods. TargetID
// narrows delivery to a single connection; empty means the whole room.
// Origin identifies the publishing pod; Subscribe filters self-echoes with it.
type PubSubPayload struct {
	RoomID   string          `json:"roomId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"` // origin connection id, applied to except-sender fan-outs
	TargetID string          `json:"targetId,omitempty"`
	Origin   string          `json:"origin"`
}

// Service handles all interaction with Redis. Calls route through a circuit
// breaker; an open breaker drops the operation instead of stalling the
// signaling path.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	origin string // this pod's identity, stamped on every publish
}

// Client returns the underlying Redis client (rate-limit store reuse).
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and verifies the connection with a ping.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logging.Warn(context.Background(), "redis circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	logging.Info(ctx, "connected to Redis", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		origin: uuid.NewString(),
	}, nil
}

// roomChannel is the pub/sub channel for one room's events.
func roomChannel(roomID string) string {
	return fmt.Sprintf("signal:room:%s", roomID)
}

// MembersKey is the presence set mirroring a room's connection ids.
func MembersKey(roomID string) string {
	return fmt.Sprintf("signal:room:%s:members", roomID)
}

// Publish fans an event out to other pods watching the room.
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload json.RawMessage, senderID string) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		msg := PubSubPayload{
			RoomID:   roomID,
			Event:    event,
			Payload:  payload,
			SenderID: senderID,
			Origin:   s.origin,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, roomChannel(roomID), data).Err()
	})

	if err != nil {
		metrics.BusPublishFailures.Inc()
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "redis circuit breaker open, dropping publish", zap.String("room_id", roomID))
			return nil // graceful degradation: drop, don't crash the caller
		}
		logging.Error(ctx, "redis publish failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}

	return nil
}

// PublishDirect fans an event out on the room channel addressed to a single
// connection. The pod holding that connection delivers it; everyone else
// ignores the envelope.
func (s *Service) PublishDirect(ctx context.Context, roomID string, targetID string, event string, payload json.RawMessage, senderID string) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		msg := PubSubPayload{
			RoomID:   roomID,
			Event:    event,
			Payload:  payload,
			SenderID: senderID,
			TargetID: targetID,
			Origin:   s.origin,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, roomChannel(roomID), data).Err()
	})

	if err != nil {
		metrics.BusPublishFailures.Inc()
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "redis circuit breaker open, dropping direct publish", zap.String("room_id", roomID))
			return nil
		}
		logging.Error(ctx, "redis direct publish failed", zap.String("room_id", roomID), zap.Error(err))
		return err
	}

	return nil
}

// Subscribe starts a background goroutine delivering messages from OTHER
// pods for one room. Envelopes published by this pod are filtered out (Redis
// pub/sub echoes to all subscribers, including the publisher). The goroutine
// exits when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return // single-instance mode
	}

	channel := roomChannel(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "subscribed to redis channel", zap.String("channel", channel))

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "redis subscription channel closed", zap.String("channel", channel))
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					logging.Error(ctx, "failed to unmarshal redis message", zap.Error(err))
					continue
				}
				if payload.Origin == s.origin {
					continue // self-echo
				}

				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity. Used by the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetAdd mirrors a membership addition into the presence set.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "redis circuit breaker open, skipping SetAdd", zap.String("key", key))
			return nil
		}
		logging.Error(ctx, "redis SetAdd failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem mirrors a membership removal.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "redis circuit breaker open, skipping SetRem", zap.String("key", key))
			return nil
		}
		logging.Error(ctx, "redis SetRem failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers returns the mirrored membership of a room. An open breaker
// returns an empty slice so callers keep working off local state.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "redis circuit breaker open, returning empty set members", zap.String("key", key))
			return nil, nil
		}
		logging.Error(ctx, "redis SetMembers failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}

// Del removes presence keys when a room is destroyed.
func (s *Service) Del(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, key).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "redis circuit breaker open, skipping Del", zap.String("key", key))
			return nil
		}
		logging.Error(ctx, "redis Del failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}
