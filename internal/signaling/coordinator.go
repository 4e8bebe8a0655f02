package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/models"
)

const publishTimeout = 5 * time.Second

// Coordinator owns one local device and at most one live peer connection at a time.
type Coordinator struct {
	relay    Relay
	newPeer  PeerFactory
	acquirer MediaAcquirer
	rtc      webrtc.Configuration
	logger   *zap.Logger

	// Now is the clock used for session timestamps.
	Now func() time.Time

	mu           sync.Mutex
	state        models.ConnectionState
	initializing bool
	session      *models.Session
	local        LocalMedia
	pc           PeerConnection
	unsubscribe  func()
	remoteSet    bool
	pending      []webrtc.ICECandidateInit

	onState func(models.Session, models.ConnectionState)
	onTrack func(*webrtc.TrackRemote)
}

// NewCoordinator creates an idle coordinator. Empty iceServers fall back to a public STUN
// server.
func NewCoordinator(relay Relay, newPeer PeerFactory, acquirer MediaAcquirer, iceServers []webrtc.ICEServer, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	return &Coordinator{
		relay:    relay,
		newPeer:  newPeer,
		acquirer: acquirer,
		rtc:      webrtc.Configuration{ICEServers: iceServers},
		logger:   logger,
		Now:      time.Now,
		state:    models.StateIdle,
	}
}

// OnStateChange registers the state callback. It is called without internal locks held.
func (c *Coordinator) OnStateChange(fn func(models.Session, models.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnRemoteTrack registers the remote track callback.
func (c *Coordinator) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Coordinator) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session, or nil before the first Initialize.
func (c *Coordinator) Session() *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// LocalMedia returns the open local device, or nil.
func (c *Coordinator) LocalMedia() LocalMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Initialize starts a new logical session with partnerID. The local device is opened on
// first use and kept across sessions. The initiator sends the offer.
func (c *Coordinator) Initialize(ctx context.Context, sessionID uuid.UUID, localUserID, partnerID string, isInitiator bool) error {
	c.mu.Lock()
	if c.initializing {
		c.mu.Unlock()
		return ErrAlreadyInitializing
	}
	switch c.state {
	case models.StateIdle, models.StateClosed, models.StateFailed:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: session %s is %s", ErrAlreadyInitializing, c.sessionIDLocked(), c.state)
	}
	c.initializing = true
	c.state = models.StateIdle
	c.session = &models.Session{ID: sessionID, LocalUserID: localUserID, RemoteUserID: partnerID, StartedAt: c.Now()}
	c.remoteSet = false
	c.pending = nil
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.initializing = false
		c.mu.Unlock()
	}()

	log := c.logger.With(zap.String("session_id", sessionID.String()), zap.String("user_id", localUserID))
	if err := c.teardownPeer(); err != nil {
		log.Warn("previous peer connection close failed", zap.Error(err))
	}
	c.setState(models.StateAcquiringMedia)

	local := c.LocalMedia()
	if local == nil {
		m, err := c.acquirer.Acquire(ctx)
		if err != nil {
			log.Warn("media acquisition failed", zap.Error(err))
			c.setState(models.StateClosed)
			return fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
		}
		c.mu.Lock()
		c.local = m
		c.mu.Unlock()
		local = m
	}

	c.setState(models.StateConnecting)
	if err := c.connect(ctx, local, isInitiator); err != nil {
		log.Warn("peer connection setup failed", zap.Error(err))
		_ = c.teardownPeer()
		c.setState(models.StateFailed)
		return err
	}
	log.Info("peer connection initialized", zap.Bool("initiator", isInitiator), zap.String("partner_id", partnerID))
	return nil
}

func (c *Coordinator) connect(ctx context.Context, local LocalMedia, isInitiator bool) error {
	pc, err := c.newPeer(c.rtc)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	c.mu.Lock()
	c.pc = pc
	sess := *c.session
	c.mu.Unlock()

	for _, t := range local.Tracks() {
		if _, err := pc.AddTrack(t); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || !c.current(pc) {
			return
		}
		c.send(TypeICECandidate, sess, cand.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !c.current(pc) {
			return
		}
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if !c.current(pc) {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.setState(models.StateConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			c.setState(models.StateFailed)
		}
	})

	unsubscribe, err := c.relay.Subscribe(ctx, sess.ID, func(msg Message) {
		if err := c.HandleInboundSignal(context.Background(), msg); err != nil {
			c.logger.Warn("inbound signal dropped", zap.String("session_id", sess.ID.String()), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrSignaling, err)
	}
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	if !isInitiator {
		return nil
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := c.publish(ctx, TypeOffer, sess, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// HandleInboundSignal applies one relay message. Messages for someone else or for another
// session are ignored. Malformed messages return ErrSignaling and change nothing.
func (c *Coordinator) HandleInboundSignal(ctx context.Context, msg Message) error {
	c.mu.Lock()
	pc := c.pc
	var sess models.Session
	if c.session != nil {
		sess = *c.session
	}
	c.mu.Unlock()
	if sess.LocalUserID == "" || msg.To != sess.LocalUserID || msg.SessionID != sess.ID.String() {
		return nil
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if pc == nil {
		return nil
	}

	switch msg.Type {
	case TypeOffer:
		sd, err := msg.Description()
		if err != nil {
			return err
		}
		if err := c.setRemote(pc, sd); err != nil {
			return err
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("%w: create answer: %v", ErrSignaling, err)
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("%w: set local description: %v", ErrSignaling, err)
		}
		return c.publish(ctx, TypeAnswer, sess, answer)
	case TypeAnswer:
		sd, err := msg.Description()
		if err != nil {
			return err
		}
		return c.setRemote(pc, sd)
	case TypeICECandidate:
		cand, err := msg.Candidate()
		if err != nil {
			return err
		}
		c.mu.Lock()
		if !c.remoteSet {
			c.pending = append(c.pending, cand)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		if err := pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("%w: add candidate: %v", ErrSignaling, err)
		}
	}
	return nil
}

// setRemote sets the remote description and flushes buffered candidates.
func (c *Coordinator) setRemote(pc PeerConnection, sd webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrSignaling, err)
	}
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			c.logger.Warn("buffered candidate rejected", zap.Error(err))
		}
	}
	return nil
}

// ToggleLocalAudio mutes or unmutes the microphone without renegotiation.
func (c *Coordinator) ToggleLocalAudio(enabled bool) {
	if l := c.LocalMedia(); l != nil {
		l.SetAudioEnabled(enabled)
	}
}

// ToggleLocalVideo mutes or unmutes the camera without renegotiation.
func (c *Coordinator) ToggleLocalVideo(enabled bool) {
	if l := c.LocalMedia(); l != nil {
		l.SetVideoEnabled(enabled)
	}
}

// ClosePeerOnly ends the current session but keeps the local device open for the next one.
func (c *Coordinator) ClosePeerOnly() error {
	err := c.teardownPeer()
	c.endSession("peer_closed")
	c.setState(models.StateClosed)
	return err
}

// Cleanup closes the peer connection, releases the relay subscription and the device. The
// device is released even when closing the peer fails.
func (c *Coordinator) Cleanup() error {
	var errs []error
	if err := c.teardownPeer(); err != nil {
		errs = append(errs, err)
	}
	if err := c.ReleaseDevice(); err != nil {
		errs = append(errs, err)
	}
	c.endSession("cleanup")
	c.setState(models.StateClosed)
	return errors.Join(errs...)
}

// ReleaseDevice stops the local tracks and closes the capture device.
func (c *Coordinator) ReleaseDevice() error {
	c.mu.Lock()
	local := c.local
	c.local = nil
	c.mu.Unlock()
	if local == nil {
		return nil
	}
	if err := local.Close(); err != nil {
		return fmt.Errorf("release device: %w", err)
	}
	return nil
}

func (c *Coordinator) teardownPeer() error {
	c.mu.Lock()
	pc, unsubscribe := c.pc, c.unsubscribe
	c.pc, c.unsubscribe = nil, nil
	c.remoteSet = false
	c.pending = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func (c *Coordinator) endSession(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.EndedAt != nil {
		return
	}
	now := c.Now()
	c.session.EndedAt = &now
	c.session.EndReason = reason
}

func (c *Coordinator) setState(next models.ConnectionState) {
	c.mu.Lock()
	if !c.state.CanTransition(next) {
		c.mu.Unlock()
		return
	}
	c.state = next
	fn := c.onState
	var sess models.Session
	if c.session != nil {
		sess = *c.session
	}
	c.mu.Unlock()

	c.logger.Debug("connection state", zap.String("session_id", sess.ID.String()), zap.String("state", string(next)))
	if fn != nil {
		fn(sess, next)
	}
}

func (c *Coordinator) current(pc PeerConnection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc == pc
}

func (c *Coordinator) sessionIDLocked() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID.String()
}

func (c *Coordinator) publish(ctx context.Context, t MessageType, sess models.Session, payload interface{}) error {
	msg, err := NewMessage(t, sess.LocalUserID, sess.RemoteUserID, sess.ID, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return c.relay.Publish(ctx, sess.ID, msg)
}

// send publishes from a pion callback, where there is no caller to return an error to.
func (c *Coordinator) send(t MessageType, sess models.Session, payload interface{}) {
	if err := c.publish(context.Background(), t, sess, payload); err != nil {
		c.logger.Warn("signal publish failed", zap.String("type", string(t)), zap.Error(err))
	}
}
