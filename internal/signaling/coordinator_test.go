package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerlink/safety/internal/models"
)

// ============================================================================
// Fakes
// ============================================================================

// memRelay delivers messages synchronously to every subscriber of the session.
type memRelay struct {
	mu    sync.Mutex
	subs  map[uuid.UUID]map[int]func(Message)
	next  int
	sent  []Message
	unsub atomic.Int32
}

func newMemRelay() *memRelay {
	return &memRelay{subs: map[uuid.UUID]map[int]func(Message){}}
}

func (r *memRelay) Publish(_ context.Context, sessionID uuid.UUID, msg Message) error {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	var hs []func(Message)
	for _, h := range r.subs[sessionID] {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
	return nil
}

func (r *memRelay) Subscribe(_ context.Context, sessionID uuid.UUID, h func(Message)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[sessionID] == nil {
		r.subs[sessionID] = map[int]func(Message){}
	}
	id := r.next
	r.next++
	r.subs[sessionID][id] = h
	return func() {
		r.mu.Lock()
		delete(r.subs[sessionID], id)
		r.mu.Unlock()
		r.unsub.Add(1)
	}, nil
}

func (r *memRelay) sentOfType(t MessageType) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakePeer struct {
	mu         sync.Mutex
	calls      []string
	remote     *webrtc.SessionDescription
	local      *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
	onState    func(webrtc.PeerConnectionState)
	onICE      func(*webrtc.ICECandidate)
}

func (p *fakePeer) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.record("add_track")
	return nil, nil
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.record("create_offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.record("create_answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.record("set_local")
	p.mu.Lock()
	p.local = &d
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.record("set_remote")
	p.mu.Lock()
	p.remote = &d
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.record("add_candidate")
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.record("on_track")
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.record("close")
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) fire(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(s)
}

func (p *fakePeer) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type peerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *peerFactory) new(webrtc.Configuration) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *peerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

type fakeLocal struct {
	audio, video atomic.Bool
	closed       atomic.Int32
}

func (l *fakeLocal) Tracks() []webrtc.TrackLocal        { return []webrtc.TrackLocal{nil, nil} }
func (l *fakeLocal) SetAudioEnabled(on bool)            { l.audio.Store(on) }
func (l *fakeLocal) SetVideoEnabled(on bool)            { l.video.Store(on) }
func (l *fakeLocal) LatestFrame() (*models.Frame, bool) { return nil, false }
func (l *fakeLocal) Close() error {
	l.closed.Add(1)
	return nil
}

type countingAcquirer struct {
	calls atomic.Int32
	local *fakeLocal
	err   error
	gate  chan struct{}
}

func (a *countingAcquirer) Acquire(ctx context.Context) (LocalMedia, error) {
	a.calls.Add(1)
	if a.gate != nil {
		<-a.gate
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.local, nil
}

type harness struct {
	relay  *memRelay
	peers  *peerFactory
	acq    *countingAcquirer
	coord  *Coordinator
	states chan models.ConnectionState
}

func newHarness(t *testing.T, relay *memRelay) *harness {
	t.Helper()
	h := &harness{
		relay:  relay,
		peers:  &peerFactory{},
		acq:    &countingAcquirer{local: &fakeLocal{}},
		states: make(chan models.ConnectionState, 32),
	}
	h.coord = NewCoordinator(relay, h.peers.new, h.acq, nil, nil)
	h.coord.OnStateChange(func(_ models.Session, s models.ConnectionState) { h.states <- s })
	return h
}

func (h *harness) drainStates() []models.ConnectionState {
	var out []models.ConnectionState
	for {
		select {
		case s := <-h.states:
			out = append(out, s)
		default:
			return out
		}
	}
}

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// ============================================================================
// Tests
// ============================================================================

func TestCoordinator_OfferAnswerExchange(t *testing.T) {
	relay := newMemRelay()
	sid := uuid.New()
	alice := newHarness(t, relay)
	bob := newHarness(t, relay)
	ctx := context.Background()

	require.NoError(t, bob.coord.Initialize(ctx, sid, "bob", "alice", false))
	require.NoError(t, alice.coord.Initialize(ctx, sid, "alice", "bob", true))

	offers := relay.sentOfType(TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "alice", offers[0].From)
	assert.Equal(t, "bob", offers[0].To)
	assert.Equal(t, sid.String(), offers[0].SessionID)

	bp := bob.peers.last()
	require.NotNil(t, bp.remote)
	assert.Equal(t, webrtc.SDPTypeOffer, bp.remote.Type)

	ap := alice.peers.last()
	require.NotNil(t, ap.remote)
	assert.Equal(t, webrtc.SDPTypeAnswer, ap.remote.Type)

	assert.Equal(t, []models.ConnectionState{models.StateAcquiringMedia, models.StateConnecting}, alice.drainStates())
	assert.Equal(t, models.StateConnecting, alice.coord.State())
}

func TestCoordinator_ConnectionStateCallbacks(t *testing.T) {
	h := newHarness(t, newMemRelay())
	require.NoError(t, h.coord.Initialize(context.Background(), uuid.New(), "a", "b", false))
	h.drainStates()

	p := h.peers.last()
	p.fire(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, models.StateConnected, h.coord.State())

	p.fire(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, models.StateFailed, h.coord.State())
	assert.Equal(t, []models.ConnectionState{models.StateConnected, models.StateFailed}, h.drainStates())
	assert.Equal(t, 1, len(h.peers.peers), "no automatic reconnect")
}

func TestCoordinator_BuffersEarlyCandidates(t *testing.T) {
	h := newHarness(t, newMemRelay())
	sid := uuid.New()
	ctx := context.Background()
	require.NoError(t, h.coord.Initialize(ctx, sid, "bob", "alice", false))
	p := h.peers.last()

	cand := Message{Type: TypeICECandidate, From: "alice", To: "bob", SessionID: sid.String(),
		Data: rawJSON(t, webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})}
	require.NoError(t, h.coord.HandleInboundSignal(ctx, cand))
	assert.NotContains(t, p.callLog(), "add_candidate", "held until the remote description is set")

	offer := Message{Type: TypeOffer, From: "alice", To: "bob", SessionID: sid.String(),
		Data: rawJSON(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})}
	require.NoError(t, h.coord.HandleInboundSignal(ctx, offer))

	calls := p.callLog()
	require.Contains(t, calls, "add_candidate")
	var remoteAt, candAt int
	for i, c := range calls {
		switch c {
		case "set_remote":
			remoteAt = i
		case "add_candidate":
			candAt = i
		}
	}
	assert.Less(t, remoteAt, candAt)

	// After the remote description, candidates are applied immediately.
	require.NoError(t, h.coord.HandleInboundSignal(ctx, cand))
	assert.Len(t, p.candidates, 2)
}

func TestCoordinator_IgnoresMessagesForOthers(t *testing.T) {
	h := newHarness(t, newMemRelay())
	sid := uuid.New()
	ctx := context.Background()
	require.NoError(t, h.coord.Initialize(ctx, sid, "bob", "alice", false))
	p := h.peers.last()
	before := len(p.callLog())

	offer := rawJSON(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	require.NoError(t, h.coord.HandleInboundSignal(ctx, Message{Type: TypeOffer, From: "alice", To: "carol", SessionID: sid.String(), Data: offer}))
	require.NoError(t, h.coord.HandleInboundSignal(ctx, Message{Type: TypeOffer, From: "alice", To: "bob", SessionID: uuid.NewString(), Data: offer}))
	assert.Len(t, p.callLog(), before)
}

func TestCoordinator_MalformedSignalIsNonFatal(t *testing.T) {
	h := newHarness(t, newMemRelay())
	sid := uuid.New()
	ctx := context.Background()
	require.NoError(t, h.coord.Initialize(ctx, sid, "bob", "alice", false))

	cases := []Message{
		{Type: "renegotiate", From: "alice", To: "bob", SessionID: sid.String(), Data: json.RawMessage(`{}`)},
		{Type: TypeOffer, From: "alice", To: "bob", SessionID: sid.String(), Data: json.RawMessage(`{"type":"offer"}`)},
		{Type: TypeICECandidate, From: "alice", To: "bob", SessionID: sid.String(), Data: json.RawMessage(`"nope"`)},
		{Type: TypeAnswer, From: "", To: "bob", SessionID: sid.String(), Data: json.RawMessage(`{}`)},
	}
	for _, m := range cases {
		assert.ErrorIs(t, h.coord.HandleInboundSignal(ctx, m), ErrSignaling, "type %q", m.Type)
	}
	assert.Equal(t, models.StateConnecting, h.coord.State())
}

func TestCoordinator_MediaFailure(t *testing.T) {
	h := newHarness(t, newMemRelay())
	h.acq.err = errors.New("NotAllowedError")

	err := h.coord.Initialize(context.Background(), uuid.New(), "a", "b", true)
	assert.ErrorIs(t, err, ErrMediaAcquisition)
	assert.Equal(t, models.StateClosed, h.coord.State())
	assert.Empty(t, h.peers.peers)

	h.acq.err = nil
	require.NoError(t, h.coord.Initialize(context.Background(), uuid.New(), "a", "b", true))
	assert.Equal(t, models.StateConnecting, h.coord.State())
}

func TestCoordinator_SingleInitializeInFlight(t *testing.T) {
	h := newHarness(t, newMemRelay())
	h.acq.gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- h.coord.Initialize(context.Background(), uuid.New(), "a", "b", false) }()
	require.Eventually(t, func() bool { return h.acq.calls.Load() == 1 }, time.Second, time.Millisecond)

	err := h.coord.Initialize(context.Background(), uuid.New(), "a", "c", false)
	assert.ErrorIs(t, err, ErrAlreadyInitializing)

	close(h.acq.gate)
	require.NoError(t, <-errc)
	assert.Equal(t, int32(1), h.acq.calls.Load())
}

func TestCoordinator_ClosePeerOnlyKeepsDevice(t *testing.T) {
	relay := newMemRelay()
	h := newHarness(t, relay)
	ctx := context.Background()
	first := uuid.New()
	require.NoError(t, h.coord.Initialize(ctx, first, "a", "b", false))
	p1 := h.peers.last()

	require.NoError(t, h.coord.ClosePeerOnly())
	assert.True(t, p1.closed)
	assert.Equal(t, models.StateClosed, h.coord.State())
	assert.Zero(t, h.acq.local.closed.Load())
	assert.Equal(t, int32(1), relay.unsub.Load())
	require.NotNil(t, h.coord.Session().EndedAt)

	second := uuid.New()
	require.NoError(t, h.coord.Initialize(ctx, second, "a", "c", false))
	assert.Equal(t, int32(1), h.acq.calls.Load(), "device reused")
	assert.Equal(t, second, h.coord.Session().ID)
	assert.Equal(t, "c", h.coord.Session().RemoteUserID)

	// A late callback from the old peer must not affect the new session.
	p1.fire(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, models.StateConnecting, h.coord.State())
}

func TestCoordinator_CleanupReleasesEverything(t *testing.T) {
	relay := newMemRelay()
	h := newHarness(t, relay)
	require.NoError(t, h.coord.Initialize(context.Background(), uuid.New(), "a", "b", false))

	h.coord.ToggleLocalAudio(false)
	h.coord.ToggleLocalVideo(true)
	assert.False(t, h.acq.local.audio.Load())
	assert.True(t, h.acq.local.video.Load())

	require.NoError(t, h.coord.Cleanup())
	assert.True(t, h.peers.last().closed)
	assert.Equal(t, int32(1), h.acq.local.closed.Load())
	assert.Equal(t, int32(1), relay.unsub.Load())
	assert.Nil(t, h.coord.LocalMedia())
	assert.Equal(t, models.StateClosed, h.coord.State())

	require.NoError(t, h.coord.Cleanup())
	assert.Equal(t, int32(1), h.acq.local.closed.Load())
}

func TestMessage_Validate(t *testing.T) {
	sid := uuid.New()
	m, err := NewMessage(TypeAnswer, "a", "b", sid, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	sd, err := m.Description()
	require.NoError(t, err)
	assert.Equal(t, "v=0", sd.SDP)

	m.SessionID = "not-a-uuid"
	assert.ErrorIs(t, m.Validate(), ErrSignaling)
}

func TestNewPionFactory_CreatesPeer(t *testing.T) {
	newPeer, err := NewPionFactory()
	require.NoError(t, err)
	pc, err := newPeer(webrtc.Configuration{})
	require.NoError(t, err)
	_, isPion := pc.(*webrtc.PeerConnection)
	assert.True(t, isPion)
	assert.NoError(t, pc.Close())
}
