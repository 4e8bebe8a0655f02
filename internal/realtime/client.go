package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/media"
	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/internal/session"
	"github.com/peerlink/safety/pkg/response"
	"github.com/peerlink/safety/pkg/utils"
)

// MaxMessageSize bounds one inbound message; frame snapshots dominate.
const MaxMessageSize = 2 << 20

// Client events.
const (
	EventStart         = "start"
	EventFrame         = "frame"
	EventCaptureSignal = "capture_signal"
	EventToggleMedia   = "toggle_media"
	EventEnd           = "end"
	EventError         = "error"
)

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Agent runs safety sessions for connected users. *session.Manager implements it.
type Agent interface {
	Start(ctx context.Context, userID string, sessionID uuid.UUID, device media.Device, meta session.ClientMeta) (*models.Session, error)
	CaptureSignal(userID string, method models.CaptureMethod) error
	SetMediaEnabled(userID string, audio, video bool) error
	EndSession(ctx context.Context, userID, reason string) error
	Leave(ctx context.Context, userID string) error
}

// Identity is what a validated token yields.
type Identity struct {
	UserID      string
	Fingerprint string
}

// Client is one user's WebSocket connection. It feeds frames into the user's capture
// device and forwards capture signals and session commands to the agent.
type Client struct {
	ID     string
	UserID string
	meta   session.ClientMeta
	hub    *Hub
	agent  Agent
	feed   atomic.Pointer[media.FeedDevice]
	conn   *websocket.Conn
	send   chan WSMessage
	logger *zap.Logger
}

type startPayload struct {
	SessionID string `json:"session_id"`
}

type framePayload struct {
	Image      []byte `json:"image"`
	CapturedAt int64  `json:"captured_at"`
}

type capturePayload struct {
	Method models.CaptureMethod `json:"method"`
}

type togglePayload struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type endPayload struct {
	Reason string `json:"reason"`
}

// ServeWs handles the WebSocket upgrade and runs the client loop. checkOrigin may be nil
// to accept any origin.
func ServeWs(hub *Hub, agent Agent, logger *zap.Logger, validate func(token string) (Identity, error), checkOrigin func(*http.Request) bool) gin.HandlerFunc {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			response.BadRequest(c, "token required")
			return
		}
		id, err := validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:     uuid.New().String(),
			UserID: id.UserID,
			meta:   session.ClientMeta{IPHash: utils.HashIP(c.ClientIP()), DeviceFingerprint: id.Fingerprint},
			hub:    hub,
			agent:  agent,
			conn:   conn,
			send:   make(chan WSMessage, 256),
			logger: logger.With(zap.String("user_id", id.UserID)),
		}
		client.feed.Store(media.NewFeedDevice(media.DefaultFeedBuffer))
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.agent.Leave(ctx, c.UserID); err != nil {
			c.logger.Warn("leave failed", zap.Error(err))
		}
		cancel()
		_ = c.feed.Load().Close()
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.handle(msg)
	}
}

func (c *Client) handle(msg WSMessage) {
	switch msg.Event {
	case EventStart:
		var p startPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.fail("invalid start payload")
			return
		}
		sessionID, err := uuid.Parse(p.SessionID)
		if err != nil {
			c.fail("invalid session_id")
			return
		}
		// Initialize waits on the relay; keep reading frames meanwhile.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			feed := c.feed.Load()
			if _, err := c.agent.Start(ctx, c.UserID, sessionID, feed, c.meta); err != nil {
				c.logger.Warn("session start failed", zap.String("session_id", sessionID.String()), zap.Error(err))
				// A failed start releases the device; the next start gets a fresh feed.
				if c.feed.CompareAndSwap(feed, media.NewFeedDevice(media.DefaultFeedBuffer)) {
					_ = feed.Close()
				}
				c.fail(err.Error())
			}
		}()
	case EventFrame:
		var p framePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || len(p.Image) == 0 {
			return
		}
		at := time.Now()
		if p.CapturedAt > 0 {
			at = time.UnixMilli(p.CapturedAt)
		}
		f, err := media.DecodeFrame(p.Image, at)
		if err != nil {
			c.logger.Debug("frame dropped", zap.Error(err))
			return
		}
		c.feed.Load().PushFrame(f)
	case EventCaptureSignal:
		var p capturePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return
		}
		if err := c.agent.CaptureSignal(c.UserID, p.Method); err != nil && !errors.Is(err, session.ErrNoSession) {
			c.logger.Debug("capture signal rejected", zap.String("method", string(p.Method)), zap.Error(err))
		}
	case EventToggleMedia:
		var p togglePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return
		}
		_ = c.agent.SetMediaEnabled(c.UserID, p.Audio, p.Video)
	case EventEnd:
		var p endPayload
		_ = json.Unmarshal(msg.Data, &p)
		if p.Reason == "" {
			p.Reason = session.ReasonUserEnded
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.agent.EndSession(ctx, c.UserID, p.Reason); err != nil && !errors.Is(err, session.ErrNoSession) {
			c.logger.Warn("end session failed", zap.Error(err))
		}
	default:
		// ignore
	}
}

func (c *Client) fail(message string) {
	c.hub.SendToUser(c.UserID, EventError, map[string]string{"message": message})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
