package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/internal/moderation"
	"github.com/peerlink/safety/internal/perception"
	"github.com/peerlink/safety/internal/reputation"
	"github.com/peerlink/safety/pkg/queue"
)

// Report sources.
const (
	SourceAI      = "ai"
	SourceUser    = "user"
	SourceCapture = "capture"
)

// recordViolations files an "ai" report for a safety disconnect, enqueues one
// reputation event per violation and uploads the newest evidence frames.
func (m *Manager) recordViolations(s models.Session, res models.ModerationResult, pipeline *moderation.Pipeline) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	log := m.logger.With(zap.String("session_id", s.ID.String()), zap.String("user_id", s.LocalUserID))

	worst := models.Violation{}
	details := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		if v.Severity.Rank() > worst.Severity.Rank() {
			worst = v
		}
		details = append(details, fmt.Sprintf("%s/%s: %s", v.Type, v.Severity, v.Detail))
	}
	rep := &models.ViolationReport{
		SessionID: s.ID.String(),
		UserID:    s.LocalUserID,
		Type:      worst.Type,
		Severity:  worst.Severity,
		Source:    SourceAI,
		Detail:    strings.Join(details, "; "),
		Confirmed: true,
	}
	if err := m.deps.Store.InsertReport(ctx, rep); err != nil {
		log.Error("insert ai report failed", zap.Error(err))
	}

	for _, v := range res.Violations {
		ev := reputation.Event{
			Kind:          reputation.EventAIViolation,
			UserID:        s.LocalUserID,
			SessionID:     s.ID.String(),
			ViolationType: v.Type,
			Severity:      v.Severity,
			Detail:        v.Detail,
		}
		if err := m.deps.Jobs.EnqueueReputationEvent(ctx, ev); err != nil {
			log.Error("enqueue ai violation failed", zap.String("type", string(v.Type)), zap.Error(err))
		}
	}

	if pipeline == nil {
		return
	}
	reportID, _ := uuid.Parse(rep.ID)
	frames := pipeline.Evidence()
	if len(frames) > m.cfg.EvidenceUploads {
		frames = frames[len(frames)-m.cfg.EvidenceUploads:]
	}
	for i, f := range frames {
		png, err := perception.EncodePNG(f)
		if err != nil {
			log.Warn("evidence frame not encodable", zap.Int("index", i), zap.Error(err))
			continue
		}
		payload := queue.EvidenceUploadPayload{
			SessionID:  s.ID,
			UserID:     s.LocalUserID,
			ReportID:   reportID,
			Index:      i,
			CapturedAt: f.CapturedAt,
			PNG:        png,
		}
		if err := m.deps.Jobs.EnqueueEvidenceUpload(ctx, payload); err != nil {
			log.Error("enqueue evidence upload failed", zap.Int("index", i), zap.Error(err))
		}
	}
}

func (m *Manager) onCaptureAttempt(s models.Session, at models.CaptureAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	ev := reputation.Event{
		Kind:          reputation.EventCaptureAttempt,
		UserID:        at.UserID,
		SessionID:     at.SessionID,
		AttemptNumber: at.AttemptNumber,
		Detail:        string(at.Method),
	}
	if err := m.deps.Jobs.EnqueueReputationEvent(ctx, ev); err != nil {
		m.logger.Error("enqueue capture attempt failed", zap.String("session_id", at.SessionID), zap.Error(err))
	}
	m.deps.Notifier.Notify(s.ID, at.UserID, EventCaptureWarning, at)
}

func (m *Manager) onCaptureEscalation(s models.Session, attempts []models.CaptureAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	methods := make([]string, 0, len(attempts))
	for _, at := range attempts {
		methods = append(methods, string(at.Method))
	}
	rep := &models.ViolationReport{
		SessionID: s.ID.String(),
		UserID:    s.LocalUserID,
		Source:    SourceCapture,
		Detail:    fmt.Sprintf("%d capture attempts: %s", len(attempts), strings.Join(methods, ", ")),
	}
	if err := m.deps.Store.InsertReport(ctx, rep); err != nil {
		m.logger.Error("insert capture report failed", zap.String("session_id", s.ID.String()), zap.Error(err))
	}
	if s.RemoteUserID != "" {
		m.deps.Notifier.Notify(s.ID, s.RemoteUserID, EventCaptureWarning, map[string]interface{}{
			"partner_attempts": len(attempts),
		})
	}
}
