// Package session runs the safety engine around each live peer session: it drives the
// signaling coordinator, starts moderation and watermarking once the peer is connected,
// routes their verdicts into reputation events and reports, and tears everything down in
// order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/media"
	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/internal/moderation"
	"github.com/peerlink/safety/internal/perception"
	"github.com/peerlink/safety/internal/reputation"
	"github.com/peerlink/safety/internal/signaling"
	"github.com/peerlink/safety/internal/watermark"
	"github.com/peerlink/safety/pkg/queue"
)

// End reasons recorded on the sessions row.
const (
	ReasonUserEnded        = "user_ended"
	ReasonNext             = "next"
	ReasonLeft             = "left"
	ReasonSafetyDisconnect = "safety_disconnect"
	ReasonConnectionFailed = "connection_failed"
	ReasonStartFailed      = "start_failed"
	ReasonShutdown         = "shutdown"
)

// Events delivered to participants.
const (
	EventState            = "state"
	EventModerationNotice = "moderation_notice"
	EventSafetyDisconnect = "safety_disconnect"
	EventCaptureWarning   = "capture_warning"
	EventMediaError       = "media_error"
	EventPartnerFrame     = "partner_frame"
)

// DefaultEvidenceUploads is how many of the newest evidence frames are uploaded on a
// safety disconnect.
const DefaultEvidenceUploads = 5

const recordTimeout = 5 * time.Second

var (
	// ErrNoSession is returned when the user has no active session.
	ErrNoSession = errors.New("session: no active session")
	// ErrUnknownMatch is returned when the session id was not produced by matchmaking
	// or the user is not part of it.
	ErrUnknownMatch = errors.New("session: unknown match")
)

// Store persists sessions and reports. *sessionlog.Repository implements it.
type Store interface {
	LogStart(ctx context.Context, s *models.Session) error
	LogEnd(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, reason string) error
	InsertReport(ctx context.Context, rep *models.ViolationReport) error
}

// Jobs enqueues background work. *queue.Queue implements it.
type Jobs interface {
	EnqueueReputationEvent(ctx context.Context, ev interface{}) error
	EnqueueEvidenceUpload(ctx context.Context, payload queue.EvidenceUploadPayload) error
}

// Notifier delivers events to a participant. *realtime.Hub implements it.
type Notifier interface {
	Notify(sessionID uuid.UUID, userID, event string, payload interface{})
}

// Matches resolves the partner and role for a session id.
type Matches interface {
	Partner(sessionID uuid.UUID, userID string) (partnerID string, initiator bool, ok bool)
}

// ClientMeta identifies the participant's connection for watermarking.
type ClientMeta struct {
	IPHash            string
	DeviceFingerprint string
}

// Config tunes the manager.
type Config struct {
	Moderation          moderation.Config
	EscalationThreshold int
	EvidenceUploads     int
	ICEServers          []webrtc.ICEServer
}

// Deps are the collaborators of a Manager. Checkers may be empty, in which case sessions
// run without moderation.
type Deps struct {
	Relay    signaling.Relay
	NewPeer  signaling.PeerFactory
	Checkers []moderation.Checker
	Store    Store
	Jobs     Jobs
	Notifier Notifier
	Matches  Matches
}

// Manager owns one agent per connected user. An agent keeps the user's capture device
// open across consecutive sessions.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	Now    func() time.Time

	mu     sync.Mutex
	agents map[string]*agent
}

// NewManager validates cfg and creates a manager.
func NewManager(cfg Config, deps Deps, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Moderation == (moderation.Config{}) {
		cfg.Moderation = moderation.DefaultConfig()
	}
	modCfg, err := moderation.NewConfig(cfg.Moderation)
	if err != nil {
		return nil, err
	}
	cfg.Moderation = modCfg
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = watermark.DefaultEscalationThreshold
	}
	if cfg.EvidenceUploads <= 0 {
		cfg.EvidenceUploads = DefaultEvidenceUploads
	}
	if deps.Relay == nil || deps.NewPeer == nil || deps.Store == nil || deps.Jobs == nil || deps.Notifier == nil {
		return nil, errors.New("session: relay, peer factory, store, jobs and notifier are required")
	}
	if len(deps.Checkers) == 0 {
		logger.Warn("no moderation checkers loaded, sessions run unmoderated")
	}
	return &Manager{cfg: cfg, deps: deps, logger: logger, Now: time.Now, agents: make(map[string]*agent)}, nil
}

// agent is one user's coordinator plus the safety state of their current session.
type agent struct {
	userID string
	coord  *signaling.Coordinator
	meta   ClientMeta

	mu       sync.Mutex
	device   media.Device
	live     *live
	starting bool
}

// live is the safety state of one logical session.
type live struct {
	session     models.Session
	pipeline    *moderation.Pipeline
	runner      *moderation.Runner
	forensics   *watermark.Forensics
	capture     *watermark.CaptureDetector
	connectedAt time.Time
	ending      bool
}

// frameOutput is implemented by *media.Local.
type frameOutput interface {
	SetFrameHook(media.FrameHook)
	SetFrameSink(media.FrameSink)
}

// partnerFrame is a watermarked outgoing frame relayed to the partner.
type partnerFrame struct {
	From       string    `json:"from"`
	Image      []byte    `json:"image"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

// Start begins a session for userID with the partner matchmaking paired them with. A
// previous session of the same user is ended first; the capture device stays open.
func (m *Manager) Start(ctx context.Context, userID string, sessionID uuid.UUID, device media.Device, meta ClientMeta) (*models.Session, error) {
	partnerID, initiator, ok := "", false, false
	if m.deps.Matches != nil {
		partnerID, initiator, ok = m.deps.Matches.Partner(sessionID, userID)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMatch, sessionID)
	}

	a := m.agentFor(userID, meta)
	a.mu.Lock()
	if a.starting {
		a.mu.Unlock()
		return nil, signaling.ErrAlreadyInitializing
	}
	a.starting = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.starting = false
		a.mu.Unlock()
	}()

	if prev := a.current(); prev != nil {
		if err := m.end(ctx, a, prev.session.ID, ReasonNext, false); err != nil {
			m.logger.Warn("previous session end failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	a.mu.Lock()
	if a.device != device {
		old := a.device
		a.device = device
		a.mu.Unlock()
		if old != nil {
			if err := a.coord.ReleaseDevice(); err != nil {
				m.logger.Warn("release replaced device failed", zap.String("user_id", userID), zap.Error(err))
			}
		}
		a.mu.Lock()
	}
	a.live = &live{session: models.Session{ID: sessionID, LocalUserID: userID, RemoteUserID: partnerID, StartedAt: m.Now()}}
	a.mu.Unlock()

	log := m.logger.With(zap.String("session_id", sessionID.String()), zap.String("user_id", userID))
	if err := a.coord.Initialize(ctx, sessionID, userID, partnerID, initiator); err != nil {
		// Device first, and always, on a failed start.
		if relErr := a.coord.ReleaseDevice(); relErr != nil {
			log.Warn("device release after failed start", zap.Error(relErr))
		}
		a.mu.Lock()
		if a.live != nil && a.live.session.ID == sessionID {
			a.live = nil
		}
		a.mu.Unlock()
		_ = a.coord.ClosePeerOnly()
		if errors.Is(err, signaling.ErrMediaAcquisition) {
			m.deps.Notifier.Notify(sessionID, userID, EventMediaError, map[string]string{"message": err.Error()})
		}
		log.Warn("session start failed", zap.Error(err))
		return nil, err
	}

	sess := a.coord.Session()
	if sess == nil {
		return nil, ErrNoSession
	}
	a.mu.Lock()
	if a.live != nil && a.live.session.ID == sessionID {
		a.live.session = *sess
	}
	a.mu.Unlock()

	recCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.deps.Store.LogStart(recCtx, sess); err != nil {
		log.Warn("session log start failed", zap.Error(err))
	}
	log.Info("session started", zap.String("partner_id", partnerID), zap.Bool("initiator", initiator))
	return sess, nil
}

// EndSession ends the user's current session and keeps their device open for the next one.
func (m *Manager) EndSession(ctx context.Context, userID, reason string) error {
	a := m.lookup(userID)
	if a == nil {
		return ErrNoSession
	}
	lv := a.current()
	if lv == nil {
		return ErrNoSession
	}
	return m.end(ctx, a, lv.session.ID, reason, false)
}

// Leave ends any session and releases the user's device.
func (m *Manager) Leave(ctx context.Context, userID string) error {
	m.mu.Lock()
	a := m.agents[userID]
	delete(m.agents, userID)
	m.mu.Unlock()
	if a == nil {
		return nil
	}
	if lv := a.current(); lv != nil {
		return m.end(ctx, a, lv.session.ID, ReasonLeft, true)
	}
	return a.coord.Cleanup()
}

// Shutdown releases every agent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	users := make([]string, 0, len(m.agents))
	for u := range m.agents {
		users = append(users, u)
	}
	m.mu.Unlock()
	var errs []error
	for _, u := range users {
		if err := m.Leave(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
		}
	}
	return errors.Join(errs...)
}

// CaptureSignal forwards an environment capture signal to the user's current session.
func (m *Manager) CaptureSignal(userID string, method models.CaptureMethod) error {
	a := m.lookup(userID)
	if a == nil {
		return ErrNoSession
	}
	a.mu.Lock()
	var det *watermark.CaptureDetector
	if a.live != nil {
		det = a.live.capture
	}
	a.mu.Unlock()
	if det == nil {
		return ErrNoSession
	}
	if !det.Signal(method) {
		return fmt.Errorf("capture signal %q not accepted", method)
	}
	return nil
}

// SetMediaEnabled mutes or unmutes the user's outgoing tracks.
func (m *Manager) SetMediaEnabled(userID string, audio, video bool) error {
	a := m.lookup(userID)
	if a == nil {
		return ErrNoSession
	}
	a.coord.ToggleLocalAudio(audio)
	a.coord.ToggleLocalVideo(video)
	return nil
}

// Active returns the user's current session and connection state.
func (m *Manager) Active(userID string) (models.Session, models.ConnectionState, bool) {
	a := m.lookup(userID)
	if a == nil {
		return models.Session{}, models.StateIdle, false
	}
	lv := a.current()
	if lv == nil {
		return models.Session{}, a.coord.State(), false
	}
	return lv.session, a.coord.State(), true
}

// VerifyImage checks pix for a watermark stamped by a live session with sessionID.
func (m *Manager) VerifyImage(sessionID uuid.UUID, pix []byte) (decoded models.WatermarkPayload, found, matched bool) {
	m.mu.Lock()
	agents := make([]*agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()
	for _, a := range agents {
		a.mu.Lock()
		var f *watermark.Forensics
		if a.live != nil && a.live.session.ID == sessionID {
			f = a.live.forensics
		}
		a.mu.Unlock()
		if f == nil {
			continue
		}
		decoded, found, matched = f.VerifyImage(pix)
		if matched {
			return decoded, found, matched
		}
	}
	if !found {
		decoded, found = watermark.ExtractPayload(pix)
	}
	return decoded, found, false
}

func (m *Manager) lookup(userID string) *agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[userID]
}

func (m *Manager) agentFor(userID string, meta ClientMeta) *agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[userID]; ok {
		a.mu.Lock()
		a.meta = meta
		a.mu.Unlock()
		return a
	}
	a := &agent{userID: userID, meta: meta}
	acquirer := signaling.AcquirerFunc(func(ctx context.Context) (signaling.LocalMedia, error) {
		a.mu.Lock()
		dev := a.device
		a.mu.Unlock()
		l, err := media.Open(ctx, dev, nil, m.logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	})
	a.coord = signaling.NewCoordinator(m.deps.Relay, m.deps.NewPeer, acquirer, m.cfg.ICEServers, m.logger)
	a.coord.OnStateChange(func(s models.Session, state models.ConnectionState) {
		m.onState(a, s, state)
	})
	a.coord.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		m.logger.Debug("remote track", zap.String("user_id", userID), zap.String("kind", t.Kind().String()))
	})
	m.agents[userID] = a
	return a
}

func (a *agent) current() *live {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (m *Manager) onState(a *agent, s models.Session, state models.ConnectionState) {
	m.deps.Notifier.Notify(s.ID, a.userID, EventState, map[string]string{"state": string(state)})
	switch state {
	case models.StateConnected:
		m.startSafety(a, s)
	case models.StateFailed:
		// The coordinator calls back from its own goroutines; never block them on teardown.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()
			if err := m.end(ctx, a, s.ID, ReasonConnectionFailed, false); err != nil && !errors.Is(err, ErrNoSession) {
				m.logger.Warn("end failed session", zap.String("session_id", s.ID.String()), zap.Error(err))
			}
		}()
	}
}

// startSafety starts moderation, watermarking and capture detection for a connected session.
func (m *Manager) startSafety(a *agent, s models.Session) {
	local := a.coord.LocalMedia()
	if local == nil {
		return
	}
	log := m.logger.With(zap.String("session_id", s.ID.String()), zap.String("user_id", a.userID))

	a.mu.Lock()
	defer a.mu.Unlock()
	lv := a.live
	if lv == nil || lv.session.ID != s.ID || lv.ending || lv.forensics != nil {
		return
	}

	forensics, err := watermark.NewForensics(watermark.SessionInfo{
		SessionID:         s.ID.String(),
		UserID:            a.userID,
		PartnerID:         s.RemoteUserID,
		IPHash:            a.meta.IPHash,
		DeviceFingerprint: a.meta.DeviceFingerprint,
	}, watermark.DefaultPayloadHistory, m.logger)
	lv.connectedAt = m.Now()
	if err != nil {
		// Without a watermark no frame is relayed.
		log.Error("watermark start failed", zap.Error(err))
	} else {
		lv.forensics = forensics
		if out, ok := local.(frameOutput); ok {
			out.SetFrameHook(forensics.Stamp)
			out.SetFrameSink(m.relayFrame(s, a.userID))
		}
	}

	lv.capture = watermark.NewCaptureDetector(watermark.CaptureConfig{
		SessionID:           s.ID.String(),
		UserID:              a.userID,
		EscalationThreshold: m.cfg.EscalationThreshold,
	}, func(at models.CaptureAttempt) {
		m.onCaptureAttempt(s, at)
	}, func(attempts []models.CaptureAttempt) {
		m.onCaptureEscalation(s, attempts)
	}, m.logger)

	if len(m.deps.Checkers) > 0 {
		pipeline, err := moderation.NewPipeline(m.cfg.Moderation, m.deps.Checkers, m.logger)
		if err != nil {
			log.Error("moderation start failed", zap.Error(err))
		} else {
			lv.pipeline = pipeline
			lv.runner = moderation.NewRunner(pipeline, local, m.cfg.Moderation.Interval, func(res models.ModerationResult) {
				m.onModeration(a, lv, res)
			}, m.logger)
			lv.runner.Start()
		}
	}
	log.Info("safety started", zap.Bool("moderated", lv.runner != nil))
}

func (m *Manager) onModeration(a *agent, lv *live, res models.ModerationResult) {
	s := lv.session
	switch res.Action {
	case models.ActionWarn, models.ActionBlur:
		m.deps.Notifier.Notify(s.ID, a.userID, EventModerationNotice, moderationNotice{
			Action:     res.Action,
			BlurLevel:  res.BlurLevel,
			Violations: res.Violations,
		})
	case models.ActionDisconnect:
		a.mu.Lock()
		if lv.ending {
			a.mu.Unlock()
			return
		}
		lv.ending = true
		pipeline := lv.pipeline
		a.mu.Unlock()

		notice := moderationNotice{Action: res.Action, BlurLevel: res.BlurLevel, Violations: res.Violations}
		m.deps.Notifier.Notify(s.ID, a.userID, EventSafetyDisconnect, notice)
		m.deps.Notifier.Notify(s.ID, s.RemoteUserID, EventSafetyDisconnect, map[string]string{"reason": ReasonSafetyDisconnect})
		m.recordViolations(s, res, pipeline)

		// Runner.Stop waits for this callback; end from another goroutine.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()
			if err := m.end(ctx, a, s.ID, ReasonSafetyDisconnect, false); err != nil && !errors.Is(err, ErrNoSession) {
				m.logger.Warn("safety disconnect teardown failed", zap.String("session_id", s.ID.String()), zap.Error(err))
			}
		}()
	}
}

type moderationNotice struct {
	Action     models.Action      `json:"action"`
	BlurLevel  int                `json:"blur_level"`
	Violations []models.Violation `json:"violations"`
}

// end stops moderation, then watermarking, then the peer connection, then (when
// releaseDevice) the device. Ending a session that is not current returns ErrNoSession
// unless the device is to be released anyway.
func (m *Manager) end(ctx context.Context, a *agent, sessionID uuid.UUID, reason string, releaseDevice bool) error {
	a.mu.Lock()
	lv := a.live
	if lv == nil || lv.session.ID != sessionID {
		a.mu.Unlock()
		if releaseDevice {
			return a.coord.Cleanup()
		}
		return ErrNoSession
	}
	a.live = nil
	lv.ending = true
	a.mu.Unlock()

	if lv.runner != nil {
		lv.runner.Stop()
	}
	if lv.capture != nil {
		lv.capture.Stop()
	}
	if lv.forensics != nil {
		if out, ok := a.coord.LocalMedia().(frameOutput); ok {
			out.SetFrameSink(nil)
			out.SetFrameHook(nil)
		}
		lv.forensics.Stop()
	}
	var err error
	if releaseDevice {
		err = a.coord.Cleanup()
	} else {
		err = a.coord.ClosePeerOnly()
	}

	endedAt := m.Now()
	if logErr := m.deps.Store.LogEnd(ctx, sessionID, endedAt, reason); logErr != nil {
		m.logger.Warn("session log end failed", zap.String("session_id", sessionID.String()), zap.Error(logErr))
	}
	m.recordCallEnd(ctx, a.userID, lv, endedAt, reason)
	m.logger.Info("session ended",
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", a.userID),
		zap.String("reason", reason),
		zap.Duration("duration", endedAt.Sub(lv.session.StartedAt)),
	)
	return err
}

// relayFrame returns the sink that sends each stamped frame to the partner as a lossless
// PNG; lossy encodings would strip the watermark.
func (m *Manager) relayFrame(s models.Session, userID string) media.FrameSink {
	return func(f *models.Frame) error {
		img, err := perception.EncodePNG(f)
		if err != nil {
			return err
		}
		m.deps.Notifier.Notify(s.ID, s.RemoteUserID, EventPartnerFrame, partnerFrame{
			From:       userID,
			Image:      img,
			Width:      f.Width,
			Height:     f.Height,
			CapturedAt: f.CapturedAt,
		})
		return nil
	}
}

// userEnded reports whether reason means the local user chose to end the call.
func userEnded(reason string) bool {
	return reason == ReasonUserEnded || reason == ReasonNext || reason == ReasonLeft
}

// recordCallEnd enqueues a call_skipped event when the user ended a connected call before
// reputation.QuickSkipThreshold, timed on the server clock from the moment the peer
// connected. Longer calls are scored when the partner rates them.
func (m *Manager) recordCallEnd(ctx context.Context, userID string, lv *live, endedAt time.Time, reason string) {
	if lv.connectedAt.IsZero() || !userEnded(reason) {
		return
	}
	duration := endedAt.Sub(lv.connectedAt)
	if duration < 0 {
		duration = 0
	}
	if duration >= reputation.QuickSkipThreshold {
		return
	}
	ev := reputation.Event{
		Kind:            reputation.EventCallSkipped,
		UserID:          userID,
		SessionID:       lv.session.ID.String(),
		DurationSeconds: int(duration / time.Second),
	}
	if err := m.deps.Jobs.EnqueueReputationEvent(ctx, ev); err != nil {
		m.logger.Error("enqueue call skipped failed", zap.String("user_id", userID), zap.Error(err))
	}
}
