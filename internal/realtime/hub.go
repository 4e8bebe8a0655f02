package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// EventPublisher publishes user events for other instances.
type EventPublisher interface {
	PublishUserEvent(userID string, sessionID uuid.UUID, event string, payload []byte) error
}

// EventSubscriber subscribes to user event channels.
type EventSubscriber interface {
	SubscribeUser(userID string, handler func(sessionID, event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains user_id -> set of connections and delivers safety events to them.
// With Redis configured, events are published once and delivered by whichever instance
// holds the user's connection.
type Hub struct {
	// userID -> map[clientID]*Client
	users  map[string]map[string]*Client
	subs   map[string]func()
	mu     sync.RWMutex
	logger *zap.Logger
	pub    EventPublisher
	sub    EventSubscriber
}

// NewHub creates a new WebSocket hub. pub and sub may be nil for single-instance use.
func NewHub(logger *zap.Logger, pub EventPublisher, sub EventSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		users:  make(map[string]map[string]*Client),
		subs:   make(map[string]func()),
		logger: logger,
		pub:    pub,
		sub:    sub,
	}
}

// Register adds a client. Starts the Redis subscription for the user on their first connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[string]*Client)
		if h.sub != nil {
			userID := c.UserID
			cancel, err := h.sub.SubscribeUser(userID, func(sessionID, event string, payload []byte) {
				h.deliver(userID, sessionID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("user subscribe failed", zap.String("user_id", userID), zap.Error(err))
			} else {
				h.subs[userID] = cancel
			}
		}
	}
	h.users[c.UserID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.String("user_id", c.UserID))
}

// Unregister removes a client and closes its send channel. Cancels the Redis subscription
// when the user's last connection leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.users[c.UserID]; ok {
		if _, present := m[c.ID]; present {
			delete(m, c.ID)
			close(c.send)
		}
		if len(m) == 0 {
			delete(h.users, c.UserID)
			if cancel, ok := h.subs[c.UserID]; ok {
				cancel()
				delete(h.subs, c.UserID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.String("user_id", c.UserID))
}

// Notify sends a session event to every connection of userID, on any instance.
func (h *Hub) Notify(sessionID uuid.UUID, userID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("unencodable event", zap.String("event", event), zap.Error(err))
		return
	}
	if h.pub != nil {
		if err := h.pub.PublishUserEvent(userID, sessionID, event, data); err == nil {
			return
		}
		h.logger.Warn("user event publish failed, delivering locally", zap.String("user_id", userID), zap.String("event", event))
	}
	h.deliver(userID, sessionString(sessionID), event, data)
}

// SendToUser sends a message to the local connections of one user.
func (h *Hub) SendToUser(userID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.deliver(userID, "", event, data)
}

// Connections returns the number of local connections for a user.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) deliver(userID, sessionID, event string, data json.RawMessage) {
	msg := WSMessage{Event: event, SessionID: sessionID, Data: data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.users[userID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}
