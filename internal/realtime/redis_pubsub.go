package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/signaling"
)

const (
	signalPrefix = "signal:"
	userPrefix   = "user:"
	eventTTL     = 5 * time.Second
)

// redisPayload is a user event published to Redis for cross-instance delivery.
type redisPayload struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	At        int64           `json:"at"`
}

// RedisRelay carries signaling messages on signal:<sessionId> and safety events on
// user:<userId>. It implements signaling.Relay.
type RedisRelay struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRelay creates a Redis pub/sub relay.
func NewRedisRelay(client *redis.Client, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, logger: logger}
}

// Publish sends a signaling message to the session topic.
func (r *RedisRelay) Publish(ctx context.Context, sessionID uuid.UUID, msg signaling.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, signalPrefix+sessionID.String(), body).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe delivers every signaling message on the session topic to handler until the
// returned cancel is called. ctx bounds only the subscribe handshake.
func (r *RedisRelay) Subscribe(ctx context.Context, sessionID uuid.UUID, handler func(signaling.Message)) (cancel func(), err error) {
	return r.subscribe(ctx, signalPrefix+sessionID.String(), func(raw string) {
		var msg signaling.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			r.logger.Debug("undecodable signal", zap.String("session_id", sessionID.String()), zap.Error(err))
			return
		}
		handler(msg)
	})
}

// PublishUserEvent publishes an event to the user's channel.
func (r *RedisRelay) PublishUserEvent(userID string, sessionID uuid.UUID, event string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Event: event, SessionID: sessionString(sessionID), Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, userPrefix+userID, body).Err()
}

// SubscribeUser subscribes to a user's event channel and calls handler for each message.
// Returns a cancel function to stop the subscription.
func (r *RedisRelay) SubscribeUser(userID string, handler func(sessionID, event string, payload []byte)) (cancel func(), err error) {
	ctx, done := context.WithTimeout(context.Background(), eventTTL)
	defer done()
	return r.subscribe(ctx, userPrefix+userID, func(raw string) {
		var p redisPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return
		}
		handler(p.SessionID, p.Event, p.Data)
	})
}

func (r *RedisRelay) subscribe(ctx context.Context, channel string, fn func(raw string)) (func(), error) {
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(loopCtx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelLoop()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-loopCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
	return cancelLoop, nil
}

func sessionString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
