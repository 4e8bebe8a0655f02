package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/media"
	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/internal/session"
)

// ============================================================================
// Fakes
// ============================================================================

// loopback is an in-process stand-in for the Redis user channels.
type loopback struct {
	mu        sync.Mutex
	handlers  map[string]func(sessionID, event string, payload []byte)
	cancelled []string
	fail      bool
}

func newLoopback() *loopback {
	return &loopback{handlers: map[string]func(string, string, []byte){}}
}

func (l *loopback) PublishUserEvent(userID string, sessionID uuid.UUID, event string, payload []byte) error {
	l.mu.Lock()
	h, fail := l.handlers[userID], l.fail
	l.mu.Unlock()
	if fail {
		return errors.New("redis down")
	}
	if h != nil {
		h(sessionString(sessionID), event, payload)
	}
	return nil
}

func (l *loopback) SubscribeUser(userID string, handler func(sessionID, event string, payload []byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[userID] = handler
	return func() {
		l.mu.Lock()
		delete(l.handlers, userID)
		l.cancelled = append(l.cancelled, userID)
		l.mu.Unlock()
	}, nil
}

type startCall struct {
	sessionID uuid.UUID
	device    media.Device
	meta      session.ClientMeta
}

type fakeAgent struct {
	mu       sync.Mutex
	starts   []startCall
	startErr error
	captures []models.CaptureMethod
	toggles  [][2]bool
	ends     []string
	left     int
}

func (a *fakeAgent) Start(_ context.Context, _ string, sessionID uuid.UUID, device media.Device, meta session.ClientMeta) (*models.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts = append(a.starts, startCall{sessionID: sessionID, device: device, meta: meta})
	if a.startErr != nil {
		return nil, a.startErr
	}
	return &models.Session{ID: sessionID}, nil
}

func (a *fakeAgent) CaptureSignal(_ string, method models.CaptureMethod) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.captures = append(a.captures, method)
	return nil
}

func (a *fakeAgent) SetMediaEnabled(_ string, audio, video bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toggles = append(a.toggles, [2]bool{audio, video})
	return nil
}

func (a *fakeAgent) EndSession(_ context.Context, _ string, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ends = append(a.ends, reason)
	return nil
}

func (a *fakeAgent) Leave(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.left++
	return nil
}

func (a *fakeAgent) startCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.starts)
}

func newClient(hub *Hub, agent Agent, userID string) *Client {
	c := &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		hub:    hub,
		agent:  agent,
		send:   make(chan WSMessage, 16),
		logger: zap.NewNop(),
	}
	c.feed.Store(media.NewFeedDevice(media.DefaultFeedBuffer))
	return c
}

func message(t *testing.T, event string, data interface{}) WSMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return WSMessage{Event: event, Data: raw}
}

func recv(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return WSMessage{}
	}
}

// ============================================================================
// Hub
// ============================================================================

func TestHub_NotifyLocal(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	a1 := newClient(hub, &fakeAgent{}, "a")
	a2 := newClient(hub, &fakeAgent{}, "a")
	b := newClient(hub, &fakeAgent{}, "b")
	hub.Register(a1)
	hub.Register(a2)
	hub.Register(b)
	assert.Equal(t, 2, hub.Connections("a"))

	sid := uuid.New()
	hub.Notify(sid, "a", session.EventCaptureWarning, map[string]int{"attempt": 1})

	for _, c := range []*Client{a1, a2} {
		msg := recv(t, c)
		assert.Equal(t, session.EventCaptureWarning, msg.Event)
		assert.Equal(t, sid.String(), msg.SessionID)
		assert.JSONEq(t, `{"attempt":1}`, string(msg.Data))
	}
	assert.Empty(t, b.send)
}

func TestHub_NotifyThroughRelay(t *testing.T) {
	lb := newLoopback()
	hub := NewHub(nil, lb, lb)
	c := newClient(hub, &fakeAgent{}, "a")
	hub.Register(c)

	hub.Notify(uuid.New(), "a", session.EventSafetyDisconnect, map[string]string{"reason": "x"})
	msg := recv(t, c)
	assert.Equal(t, session.EventSafetyDisconnect, msg.Event)
	assert.Empty(t, c.send, "relay delivery must not also deliver locally")

	hub.Unregister(c)
	assert.Equal(t, []string{"a"}, lb.cancelled)
	assert.Equal(t, 0, hub.Connections("a"))
	_, open := <-c.send
	assert.False(t, open)
}

func TestHub_FallsBackWhenPublishFails(t *testing.T) {
	lb := newLoopback()
	lb.fail = true
	hub := NewHub(nil, lb, lb)
	c := newClient(hub, &fakeAgent{}, "a")
	hub.Register(c)

	hub.Notify(uuid.New(), "a", session.EventState, map[string]string{"state": "connected"})
	assert.Equal(t, session.EventState, recv(t, c).Event)
}

func TestHub_UnregisterKeepsOtherConnections(t *testing.T) {
	lb := newLoopback()
	hub := NewHub(nil, lb, lb)
	c1 := newClient(hub, &fakeAgent{}, "a")
	c2 := newClient(hub, &fakeAgent{}, "a")
	hub.Register(c1)
	hub.Register(c2)

	hub.Unregister(c1)
	assert.Empty(t, lb.cancelled)
	hub.Unregister(c1)
	assert.Equal(t, 1, hub.Connections("a"))
}

// ============================================================================
// Client events
// ============================================================================

func TestClient_StartUsesFeed(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	agent := &fakeAgent{}
	c := newClient(hub, agent, "a")
	c.meta = session.ClientMeta{IPHash: "h", DeviceFingerprint: "fp"}
	hub.Register(c)

	sid := uuid.New()
	c.handle(message(t, EventStart, startPayload{SessionID: sid.String()}))
	require.Eventually(t, func() bool { return agent.startCount() == 1 }, time.Second, 5*time.Millisecond)

	agent.mu.Lock()
	call := agent.starts[0]
	agent.mu.Unlock()
	assert.Equal(t, sid, call.sessionID)
	assert.Same(t, c.feed.Load(), call.device)
	assert.Equal(t, "fp", call.meta.DeviceFingerprint)
}

func TestClient_FailedStartReplacesFeed(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	agent := &fakeAgent{startErr: errors.New("no partner")}
	c := newClient(hub, agent, "a")
	hub.Register(c)
	old := c.feed.Load()

	c.handle(message(t, EventStart, startPayload{SessionID: uuid.New().String()}))
	msg := recv(t, c)
	assert.Equal(t, EventError, msg.Event)
	assert.NotSame(t, old, c.feed.Load())
	assert.ErrorIs(t, old.Open(context.Background()), media.ErrNoDevice)
}

func TestClient_InvalidStart(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	agent := &fakeAgent{}
	c := newClient(hub, agent, "a")
	hub.Register(c)

	c.handle(message(t, EventStart, startPayload{SessionID: "not-a-uuid"}))
	assert.Equal(t, EventError, recv(t, c).Event)
	assert.Equal(t, 0, agent.startCount())
}

func TestClient_FramePushedToFeed(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	c := newClient(hub, &fakeAgent{}, "a")

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 3))))
	c.handle(message(t, EventFrame, framePayload{Image: buf.Bytes(), CapturedAt: 1700000000000}))

	select {
	case f := <-c.feed.Load().Frames():
		assert.Equal(t, 4, f.Width)
		assert.Equal(t, 3, f.Height)
		assert.Equal(t, int64(1700000000000), f.CapturedAt.UnixMilli())
	default:
		t.Fatal("frame not pushed")
	}

	c.handle(message(t, EventFrame, framePayload{Image: []byte("garbage")}))
	assert.Empty(t, c.feed.Load().Frames())
}

func TestClient_Commands(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	agent := &fakeAgent{}
	c := newClient(hub, agent, "a")

	c.handle(message(t, EventCaptureSignal, capturePayload{Method: models.CaptureScreenshotKey}))
	c.handle(message(t, EventToggleMedia, togglePayload{Audio: false, Video: true}))
	c.handle(WSMessage{Event: EventEnd})
	c.handle(message(t, EventEnd, endPayload{Reason: session.ReasonNext}))
	c.handle(WSMessage{Event: "unknown"})

	assert.Equal(t, []models.CaptureMethod{models.CaptureScreenshotKey}, agent.captures)
	assert.Equal(t, [][2]bool{{false, true}}, agent.toggles)
	assert.Equal(t, []string{session.ReasonUserEnded, session.ReasonNext}, agent.ends)
}
