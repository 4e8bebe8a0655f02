package reputation

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/middleware"
	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/pkg/response"
)

// EventQueue defers event application to the worker. *queue.Queue implements it.
type EventQueue interface {
	EnqueueReputationEvent(ctx context.Context, ev interface{}) error
}

// CallLog resolves finished sessions and records who rated them. *sessionlog.Repository
// implements it.
type CallLog interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*models.Session, error)
	ClaimRating(ctx context.Context, sessionID uuid.UUID, raterID string) (bool, error)
}

// Handler serves the reputation endpoints.
type Handler struct {
	svc    *Service
	queue  EventQueue
	calls  CallLog
	logger *zap.Logger
}

// NewHandler creates a reputation handler. With a nil queue events are applied inline.
// Without calls only moderators may submit events.
func NewHandler(svc *Service, queue EventQueue, calls CallLog, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, queue: queue, calls: calls, logger: logger}
}

// Summary is the public view of another user's record.
type Summary struct {
	UserID string          `json:"user_id"`
	Score  int             `json:"current_score"`
	Tier   models.Tier     `json:"tier"`
	Badges map[string]bool `json:"badges"`
}

// Eligibility is returned by GET /reputation/me/eligibility.
type Eligibility struct {
	Eligible bool        `json:"eligible"`
	Score    int         `json:"current_score"`
	Tier     models.Tier `json:"tier"`
	Floor    int         `json:"floor"`
}

// Me handles GET /reputation/me.
func (h *Handler) Me(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.logger.Error("reputation get failed", zap.Error(err))
		response.Internal(c, "failed to load reputation")
		return
	}
	response.OK(c, rec)
}

// Eligibility handles GET /reputation/me/eligibility.
func (h *Handler) Eligibility(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.logger.Error("reputation get failed", zap.Error(err))
		response.Internal(c, "failed to load reputation")
		return
	}
	floor := h.svc.Engine().MatchFloor
	response.OK(c, Eligibility{
		Eligible: rec.CurrentScore >= floor,
		Score:    rec.CurrentScore,
		Tier:     rec.Tier,
		Floor:    floor,
	})
}

// User handles GET /reputation/users/:user_id.
func (h *Handler) User(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		response.BadRequest(c, "user_id required")
		return
	}
	rec, err := h.svc.Get(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("reputation get failed", zap.String("user_id", userID), zap.Error(err))
		response.Internal(c, "failed to load reputation")
		return
	}
	response.OK(c, Summary{UserID: rec.UserID, Score: rec.CurrentScore, Tier: rec.Tier, Badges: rec.Badges})
}

// Submit handles POST /reputation/events. A participant may rate their partner once per
// ended session (call_completed, attributed to them, duration from the session log);
// every other event kind is moderator only. Skips are scored by the session manager.
func (h *Handler) Submit(c *gin.Context) {
	var ev Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := ev.Validate(); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	caller := middleware.UserID(c)
	switch {
	case middleware.IsModerator(c):
		if ev.FromUserID == "" {
			ev.FromUserID = caller
		}
	case ev.Kind == EventCallCompleted && h.calls != nil:
		if !h.authorizeRating(c, caller, &ev) {
			return
		}
	default:
		response.Forbidden(c, "event kind requires moderator role")
		return
	}

	if h.queue != nil {
		if err := h.queue.EnqueueReputationEvent(c.Request.Context(), ev); err != nil {
			h.logger.Error("enqueue reputation event failed", zap.String("user_id", ev.UserID), zap.Error(err))
			response.ServiceUnavailable(c, "failed to queue event")
			return
		}
		response.Accepted(c, gin.H{"queued": true})
		return
	}
	rec, err := h.svc.Apply(c.Request.Context(), ev)
	if errors.Is(err, ErrUnknownEvent) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("apply reputation event failed", zap.String("user_id", ev.UserID), zap.Error(err))
		response.Internal(c, "failed to apply event")
		return
	}
	response.OK(c, rec)
}

// authorizeRating checks that caller and ev.UserID were the two participants of the
// ended session ev.SessionID and claims caller's one rating of it. On success ev carries
// the caller as rater and the logged duration; otherwise the response is written.
func (h *Handler) authorizeRating(c *gin.Context, caller string, ev *Event) bool {
	sessionID, err := uuid.Parse(ev.SessionID)
	if err != nil {
		response.BadRequest(c, "session_id required")
		return false
	}
	if ev.UserID == caller {
		response.BadRequest(c, "user_id must be the partner")
		return false
	}
	ctx := c.Request.Context()
	sess, err := h.calls.Get(ctx, sessionID)
	if err != nil {
		h.logger.Error("session lookup failed", zap.String("session_id", ev.SessionID), zap.Error(err))
		response.Internal(c, "failed to load session")
		return false
	}
	if sess == nil {
		response.NotFound(c, "session not found")
		return false
	}
	if !(sess.LocalUserID == caller && sess.RemoteUserID == ev.UserID) &&
		!(sess.RemoteUserID == caller && sess.LocalUserID == ev.UserID) {
		response.Forbidden(c, "not a participant of this session")
		return false
	}
	if sess.EndedAt == nil {
		response.Conflict(c, "session has not ended")
		return false
	}
	claimed, err := h.calls.ClaimRating(ctx, sessionID, caller)
	if err != nil {
		h.logger.Error("claim rating failed", zap.String("session_id", ev.SessionID), zap.Error(err))
		response.Internal(c, "failed to record rating")
		return false
	}
	if !claimed {
		response.Conflict(c, "session already rated")
		return false
	}
	ev.FromUserID = caller
	ev.DurationSeconds = int(sess.Duration(*sess.EndedAt) / time.Second)
	return true
}
