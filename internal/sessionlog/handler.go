package sessionlog

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/middleware"
	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/internal/reputation"
	"github.com/peerlink/safety/pkg/response"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxDetailLength  = 1000
)

// Store is the subset of *Repository the handler uses.
type Store interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*models.Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error)
	InsertReport(ctx context.Context, rep *models.ViolationReport) error
	GetReport(ctx context.Context, reportID uuid.UUID) (*models.ViolationReport, error)
	ConfirmReport(ctx context.Context, reportID uuid.UUID) (*models.ViolationReport, error)
	ListReportsByUser(ctx context.Context, userID string) ([]models.ViolationReport, error)
}

// EventQueue enqueues reputation events. *queue.Queue implements it.
type EventQueue interface {
	EnqueueReputationEvent(ctx context.Context, ev interface{}) error
}

// Presigner issues download links for evidence. *storage.S3 implements it.
type Presigner interface {
	GeneratePresignedDownloadURL(ctx context.Context, key string) (string, error)
}

// Handler serves session history and reports.
type Handler struct {
	store   Store
	queue   EventQueue
	presign Presigner
	logger  *zap.Logger
}

// NewHandler creates a session log handler. presign may be nil when no evidence bucket is
// configured.
func NewHandler(store Store, queue EventQueue, presign Presigner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, queue: queue, presign: presign, logger: logger}
}

// FileReportRequest is the body of POST /reports.
type FileReportRequest struct {
	SessionID string               `json:"session_id" binding:"required"`
	Type      models.ViolationType `json:"type"`
	Detail    string               `json:"detail"`
}

// ListSessions handles GET /sessions?limit=.
func (h *Handler) ListSessions(c *gin.Context) {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	list, err := h.store.ListByUser(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, gin.H{"sessions": list})
}

// GetSession handles GET /sessions/:id. Only participants and moderators may read it.
func (h *Handler) GetSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get session failed", zap.String("session_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	if s == nil || !canSee(c, s) {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, s)
}

// FileReport handles POST /reports: the caller reports their partner in a session.
func (h *Handler) FileReport(c *gin.Context) {
	var req FileReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		response.BadRequest(c, "invalid session_id")
		return
	}
	if len(req.Detail) > maxDetailLength {
		req.Detail = req.Detail[:maxDetailLength]
	}
	ctx := c.Request.Context()
	caller := middleware.UserID(c)
	s, err := h.store.Get(ctx, sessionID)
	if err != nil {
		h.logger.Error("get session failed", zap.String("session_id", req.SessionID), zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	if s == nil {
		response.NotFound(c, "session not found")
		return
	}
	var reported string
	switch caller {
	case s.LocalUserID:
		reported = s.RemoteUserID
	case s.RemoteUserID:
		reported = s.LocalUserID
	default:
		response.Forbidden(c, "not a participant of this session")
		return
	}

	rep := &models.ViolationReport{
		SessionID:  sessionID.String(),
		UserID:     reported,
		ReporterID: &caller,
		Type:       req.Type,
		Source:     "user",
		Detail:     req.Detail,
	}
	if err := h.store.InsertReport(ctx, rep); err != nil {
		h.logger.Error("insert report failed", zap.String("session_id", req.SessionID), zap.Error(err))
		response.Internal(c, "failed to file report")
		return
	}
	h.enqueue(ctx, reputation.Event{
		Kind:       reputation.EventReportFiled,
		UserID:     reported,
		SessionID:  rep.SessionID,
		FromUserID: caller,
		Detail:     rep.Detail,
	})
	response.Created(c, rep)
}

// ConfirmReport handles POST /reports/:id/confirm (moderator). Confirmation is a second,
// separate deduction on top of the one applied when the report was filed.
func (h *Handler) ConfirmReport(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid report id")
		return
	}
	ctx := c.Request.Context()
	rep, err := h.store.ConfirmReport(ctx, id)
	if err != nil {
		h.logger.Error("confirm report failed", zap.String("report_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to confirm report")
		return
	}
	if rep == nil {
		response.NotFound(c, "report not found or already confirmed")
		return
	}
	from := ""
	if rep.ReporterID != nil {
		from = *rep.ReporterID
	}
	h.enqueue(ctx, reputation.Event{
		Kind:       reputation.EventReportFiled,
		UserID:     rep.UserID,
		SessionID:  rep.SessionID,
		FromUserID: from,
		Confirmed:  true,
		Detail:     rep.Detail,
	})
	h.logger.Info("report confirmed",
		zap.String("report_id", rep.ID),
		zap.String("user_id", rep.UserID),
		zap.String("moderator_id", middleware.UserID(c)),
	)
	response.OK(c, rep)
}

// MyReports handles GET /reports/me: reports filed against the caller.
func (h *Handler) MyReports(c *gin.Context) {
	h.listReports(c, middleware.UserID(c))
}

// UserReports handles GET /reports/users/:user_id (moderator).
func (h *Handler) UserReports(c *gin.Context) {
	h.listReports(c, c.Param("user_id"))
}

// Evidence handles GET /reports/:id/evidence (moderator): a short-lived download link for
// the stored evidence frame.
func (h *Handler) Evidence(c *gin.Context) {
	if h.presign == nil {
		response.ServiceUnavailable(c, "evidence storage not configured")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid report id")
		return
	}
	rep, err := h.store.GetReport(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get report failed", zap.String("report_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load report")
		return
	}
	if rep == nil || rep.EvidenceKey == nil {
		response.NotFound(c, "no evidence for report")
		return
	}
	url, err := h.presign.GeneratePresignedDownloadURL(c.Request.Context(), *rep.EvidenceKey)
	if err != nil {
		h.logger.Error("presign evidence failed", zap.String("report_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to sign evidence url")
		return
	}
	response.OK(c, gin.H{"url": url, "key": *rep.EvidenceKey})
}

func (h *Handler) listReports(c *gin.Context, userID string) {
	list, err := h.store.ListReportsByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list reports failed", zap.String("user_id", userID), zap.Error(err))
		response.Internal(c, "failed to list reports")
		return
	}
	response.OK(c, gin.H{"reports": list})
}

func (h *Handler) enqueue(ctx context.Context, ev reputation.Event) {
	if h.queue == nil {
		return
	}
	if err := h.queue.EnqueueReputationEvent(ctx, ev); err != nil {
		h.logger.Error("enqueue report event failed", zap.String("user_id", ev.UserID), zap.Error(err))
	}
}

func canSee(c *gin.Context, s *models.Session) bool {
	if middleware.IsModerator(c) {
		return true
	}
	u := middleware.UserID(c)
	return u == s.LocalUserID || u == s.RemoteUserID
}
