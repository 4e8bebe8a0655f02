package moderation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/models"
)

// Analyzer is what the Runner drives; *Pipeline implements it.
type Analyzer interface {
	AnalyzeFrame(ctx context.Context, frame *models.Frame) models.ModerationResult
}

// FrameSource yields the most recent local frame, if any.
type FrameSource interface {
	LatestFrame() (*models.Frame, bool)
}

// Runner samples the frame source on a fixed interval. Ticks never overlap: a tick that
// fires while the previous one is still analyzing is skipped, not queued.
type Runner struct {
	analyzer Analyzer
	source   FrameSource
	onResult func(models.ModerationResult)
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	busy    atomic.Bool
	ticks   atomic.Uint64
	skipped atomic.Uint64
}

// NewRunner creates a runner. onResult is called from the analysis goroutine.
func NewRunner(a Analyzer, src FrameSource, interval time.Duration, onResult func(models.ModerationResult), logger *zap.Logger) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		analyzer: a,
		source:   src,
		onResult: onResult,
		interval: interval,
		logger:   logger,
	}
}

// Start begins sampling. Call Stop to release resources.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
	r.logger.Info("moderation runner started", zap.Duration("interval", r.interval))
}

// Stop halts the ticker and waits for an in-flight analysis to finish. No result is
// delivered after Stop returns.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	<-r.done
	r.wg.Wait()
	r.logger.Info("moderation runner stopped",
		zap.Uint64("ticks", r.ticks.Load()),
		zap.Uint64("skipped", r.skipped.Load()),
	)
}

// Ticks is the number of analyses started.
func (r *Runner) Ticks() uint64 { return r.ticks.Load() }

// Skipped is the number of ticks dropped because the previous analysis was still running.
func (r *Runner) Skipped() uint64 { return r.skipped.Load() }

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.busy.CompareAndSwap(false, true) {
				r.skipped.Add(1)
				continue
			}
			frame, ok := r.source.LatestFrame()
			if !ok {
				r.busy.Store(false)
				continue
			}
			r.ticks.Add(1)
			r.wg.Add(1)
			go r.analyze(ctx, frame)
		}
	}
}

func (r *Runner) analyze(ctx context.Context, frame *models.Frame) {
	defer r.wg.Done()
	defer r.busy.Store(false)
	res := r.analyzer.AnalyzeFrame(ctx, frame)
	if ctx.Err() != nil || r.onResult == nil {
		return
	}
	r.onResult(res)
}
