package watermark

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/models"
)

// DefaultEscalationThreshold is the attempt count that triggers escalation.
const DefaultEscalationThreshold = 3

const signalBuffer = 16

// CaptureConfig configures a CaptureDetector.
type CaptureConfig struct {
	SessionID           string
	UserID              string
	EscalationThreshold int
}

// CaptureDetector turns environment signals correlated with screen capture into
// numbered CaptureAttempts. Signals are delivered through Signal and handled on the
// detector's own goroutine in arrival order.
type CaptureDetector struct {
	cfg        CaptureConfig
	onAttempt  func(models.CaptureAttempt)
	onEscalate func([]models.CaptureAttempt)
	now        func() time.Time
	logger     *zap.Logger

	signals  chan models.CaptureMethod
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	attempts  []models.CaptureAttempt
	escalated bool
}

// NewCaptureDetector starts a detector. onAttempt fires for every attempt; onEscalate
// fires once, on the attempt that reaches the threshold. Either callback may be nil.
func NewCaptureDetector(cfg CaptureConfig, onAttempt func(models.CaptureAttempt), onEscalate func([]models.CaptureAttempt), logger *zap.Logger) *CaptureDetector {
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = DefaultEscalationThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &CaptureDetector{
		cfg:        cfg,
		onAttempt:  onAttempt,
		onEscalate: onEscalate,
		now:        time.Now,
		logger:     logger.With(zap.String("session_id", cfg.SessionID), zap.String("user_id", cfg.UserID)),
		signals:    make(chan models.CaptureMethod, signalBuffer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go d.run()
	return d
}

// Signal reports one capture-correlated event. It returns false if the detector is
// stopped, the method is unknown, or the buffer is full.
func (d *CaptureDetector) Signal(method models.CaptureMethod) bool {
	switch method {
	case models.CaptureVisibilityLost, models.CaptureScreenshotKey, models.CaptureClipboardCopy:
	default:
		return false
	}
	select {
	case <-d.stop:
		return false
	default:
	}
	select {
	case d.signals <- method:
		return true
	case <-d.stop:
		return false
	default:
		d.logger.Warn("capture signal dropped", zap.String("method", string(method)))
		return false
	}
}

// Attempts returns a copy of the attempts seen so far.
func (d *CaptureDetector) Attempts() []models.CaptureAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.CaptureAttempt, len(d.attempts))
	copy(out, d.attempts)
	return out
}

// Stop unregisters the detector. Signals queued but not yet handled are discarded and
// no callback fires after Stop returns.
func (d *CaptureDetector) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *CaptureDetector) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case method := <-d.signals:
			select {
			case <-d.stop:
				return
			default:
			}
			d.handle(method)
		}
	}
}

func (d *CaptureDetector) handle(method models.CaptureMethod) {
	d.mu.Lock()
	attempt := models.CaptureAttempt{
		SessionID:     d.cfg.SessionID,
		UserID:        d.cfg.UserID,
		Method:        method,
		Timestamp:     d.now(),
		AttemptNumber: len(d.attempts) + 1,
	}
	d.attempts = append(d.attempts, attempt)
	var escalate []models.CaptureAttempt
	if !d.escalated && attempt.AttemptNumber >= d.cfg.EscalationThreshold {
		d.escalated = true
		escalate = make([]models.CaptureAttempt, len(d.attempts))
		copy(escalate, d.attempts)
	}
	d.mu.Unlock()

	d.logger.Warn("capture attempt", zap.String("method", string(method)), zap.Int("attempt", attempt.AttemptNumber))
	if d.onAttempt != nil {
		d.onAttempt(attempt)
	}
	if escalate != nil {
		d.logger.Warn("capture attempts escalated", zap.Int("attempts", len(escalate)))
		if d.onEscalate != nil {
			d.onEscalate(escalate)
		}
	}
}
