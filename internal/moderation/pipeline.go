package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/models"
)

var (
	// ErrNoCheckers means no model loaded; the caller runs without moderation.
	ErrNoCheckers = errors.New("moderation: no checkers available")
	// ErrAnalysisTick is logged when a tick fails as a whole. It is never returned.
	ErrAnalysisTick = errors.New("moderation: analysis tick failed")
)

var blurLevels = map[models.Severity]int{
	models.SeverityLow:      20,
	models.SeverityMedium:   40,
	models.SeverityHigh:     60,
	models.SeverityCritical: 80,
}

// BlurLevel maps the worst severity of a tick to a blur strength in [0,100].
func BlurLevel(s models.Severity) int {
	return blurLevels[s]
}

// Pipeline runs all checkers on a frame and turns their violations into an action. One
// Pipeline belongs to one session.
type Pipeline struct {
	cfg      Config
	checkers []Checker
	evidence *EvidenceRing
	logger   *zap.Logger

	// Now is the clock used to timestamp violations and prune the window.
	Now func() time.Time

	mu      sync.Mutex
	history []models.Violation
}

// NewPipeline builds a pipeline. With no checkers it returns ErrNoCheckers.
func NewPipeline(cfg Config, checkers []Checker, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(checkers) == 0 {
		return nil, ErrNoCheckers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		checkers: checkers,
		evidence: NewEvidenceRing(cfg.EvidenceFrames()),
		logger:   logger,
		Now:      time.Now,
	}, nil
}

type checkResult struct {
	outcome    models.CheckerOutcome
	violations []models.Violation
}

// AnalyzeFrame runs one tick. It never fails: a broken checker counts as unavailable and a
// broken tick yields an allow result.
func (p *Pipeline) AnalyzeFrame(ctx context.Context, frame *models.Frame) (res models.ModerationResult) {
	now := p.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("moderation tick panicked", zap.Error(fmt.Errorf("%w: %v", ErrAnalysisTick, r)))
			res = models.ModerationResult{Safe: true, Action: models.ActionAllow, AnalyzedAt: now}
		}
	}()

	results := p.runCheckers(ctx, frame)

	var (
		violations []models.Violation
		outcomes   = make([]models.CheckerOutcome, 0, len(results))
		maxSev     = models.SeverityNone
	)
	for _, r := range results {
		outcomes = append(outcomes, r.outcome)
		for _, v := range r.violations {
			v.Timestamp = now
			violations = append(violations, v)
			maxSev = models.MaxSeverity(maxSev, v.Severity)
		}
	}

	action := p.decide(now, violations, maxSev)

	res = models.ModerationResult{
		Safe:        len(violations) == 0,
		Violations:  violations,
		Action:      action,
		BlurLevel:   BlurLevel(maxSev),
		MaxSeverity: maxSev,
		Checkers:    outcomes,
		AnalyzedAt:  now,
	}
	if len(violations) > 0 && frame != nil {
		ev := frame.Clone()
		p.evidence.Push(ev)
		res.EvidenceFrame = ev
		p.logger.Info("moderation violation",
			zap.String("action", string(action)),
			zap.String("max_severity", string(maxSev)),
			zap.Int("violations", len(violations)),
		)
	}
	return res
}

// runCheckers fans out to every checker and waits for all of them.
func (p *Pipeline) runCheckers(ctx context.Context, frame *models.Frame) []checkResult {
	workers := pool.NewWithResults[checkResult]()
	for _, c := range p.checkers {
		c := c
		workers.Go(func() (out checkResult) {
			out.outcome.Checker = c.Name()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Warn("checker panicked", zap.String("checker", c.Name()), zap.Any("panic", r))
					out = checkResult{outcome: models.CheckerOutcome{
						Checker: c.Name(),
						Status:  models.CheckerUnavailable,
						Error:   fmt.Sprint(r),
					}}
				}
			}()
			vs, err := c.Check(ctx, frame)
			if err != nil {
				p.logger.Warn("checker failed", zap.String("checker", c.Name()), zap.Error(err))
				out.outcome.Status = models.CheckerUnavailable
				out.outcome.Error = err.Error()
				return out
			}
			out.violations = vs
			out.outcome.Status = models.CheckerClean
			if len(vs) > 0 {
				out.outcome.Status = models.CheckerFlagged
			}
			return out
		})
	}
	return workers.Wait()
}

// decide records this tick's violations in the rolling window and picks an action. The
// first matching rule wins.
func (p *Pipeline) decide(now time.Time, violations []models.Violation, maxSev models.Severity) models.Action {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := now.Add(-p.cfg.Window)
	kept := p.history[:0]
	for _, v := range p.history {
		if v.Timestamp.After(cutoff) {
			kept = append(kept, v)
		}
	}
	p.history = kept
	prior := len(p.history) > 0
	p.history = append(p.history, violations...)

	if len(violations) == 0 {
		return models.ActionAllow
	}
	switch {
	case maxSev == models.SeverityCritical:
		return models.ActionDisconnect
	case len(p.history) >= p.cfg.MaxViolationsPerWindow:
		return models.ActionDisconnect
	case maxSev == models.SeverityHigh:
		return models.ActionBlur
	case maxSev == models.SeverityMedium:
		if prior {
			return models.ActionBlur
		}
		return models.ActionWarn
	default:
		return models.ActionWarn
	}
}

// WindowCount returns how many violations are inside the rolling window as of the last tick.
func (p *Pipeline) WindowCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}

// Evidence returns the retained violating frames, oldest first.
func (p *Pipeline) Evidence() []*models.Frame {
	return p.evidence.Snapshot()
}

// Checkers lists the active checker names.
func (p *Pipeline) Checkers() []string {
	out := make([]string, len(p.checkers))
	for i, c := range p.checkers {
		out[i] = c.Name()
	}
	return out
}
