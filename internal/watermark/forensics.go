package watermark

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/models"
)

// DefaultPayloadHistory bounds the frameNumber -> payload map.
const DefaultPayloadHistory = 1000

// ErrStopped is returned by Stamp after Stop.
var ErrStopped = errors.New("watermark: forensics stopped")

// SessionInfo identifies whose frames are being stamped.
type SessionInfo struct {
	SessionID         string
	UserID            string
	PartnerID         string
	IPHash            string
	DeviceFingerprint string
}

// Forensics stamps every outgoing frame of one session and remembers the most recent
// payloads for later verification.
type Forensics struct {
	info     SessionInfo
	frames   atomic.Uint64
	payloads *lru.Cache[uint64, models.WatermarkPayload]
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewForensics creates a stamper keeping up to history payloads (<= 0 means 1,000).
func NewForensics(info SessionInfo, history int, logger *zap.Logger) (*Forensics, error) {
	if history <= 0 {
		history = DefaultPayloadHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[uint64, models.WatermarkPayload](history)
	if err != nil {
		return nil, err
	}
	return &Forensics{
		info:     info,
		payloads: cache,
		now:      time.Now,
		logger:   logger.With(zap.String("session_id", info.SessionID)),
	}, nil
}

// Stamp embeds the next payload into a copy of f. It runs synchronously on the caller's
// frame goroutine.
func (w *Forensics) Stamp(f *models.Frame) (*models.Frame, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return nil, ErrStopped
	}
	n := w.frames.Add(1)
	p := models.WatermarkPayload{
		UserID:            w.info.UserID,
		PartnerID:         w.info.PartnerID,
		SessionID:         w.info.SessionID,
		Timestamp:         w.now().UTC().Truncate(time.Millisecond),
		FrameNumber:       n,
		IPHash:            w.info.IPHash,
		DeviceFingerprint: w.info.DeviceFingerprint,
	}
	out, err := EmbedPayload(f, p)
	if err != nil {
		return nil, err
	}
	w.payloads.Add(n, p)
	return out, nil
}

// Lookup returns the payload embedded in frame n if it is still retained.
func (w *Forensics) Lookup(n uint64) (models.WatermarkPayload, bool) {
	return w.payloads.Peek(n)
}

// Retained reports how many payloads are currently kept.
func (w *Forensics) Retained() int {
	return w.payloads.Len()
}

// FramesStamped returns the number of frames stamped so far.
func (w *Forensics) FramesStamped() uint64 {
	return w.frames.Load()
}

// VerifyImage extracts a watermark from a captured image and checks it against what this
// session embedded for that frame number.
func (w *Forensics) VerifyImage(pix []byte) (decoded models.WatermarkPayload, found, matched bool) {
	decoded, found = ExtractPayload(pix)
	if !found {
		return decoded, false, false
	}
	expected, ok := w.Lookup(decoded.FrameNumber)
	if !ok {
		expected = models.WatermarkPayload{UserID: w.info.UserID, SessionID: w.info.SessionID, Timestamp: decoded.Timestamp}
	}
	matched = Verify(decoded, expected)
	w.logger.Info("watermark verified",
		zap.Uint64("frame_number", decoded.FrameNumber),
		zap.String("user_id", decoded.UserID),
		zap.Bool("matched", matched),
	)
	return decoded, true, matched
}

// Stop ends stamping. Retained payloads remain readable.
func (w *Forensics) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.logger.Debug("watermark forensics stopped", zap.Uint64("frames_stamped", w.frames.Load()))
}
