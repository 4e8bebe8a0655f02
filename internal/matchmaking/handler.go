package matchmaking

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/middleware"
	"github.com/peerlink/safety/pkg/response"
)

// DefaultWait is how long POST /match holds the request open.
const DefaultWait = 25 * time.Second

// MatchResponse is returned by POST /match.
type MatchResponse struct {
	Matched   bool   `json:"matched"`
	SessionID string `json:"session_id,omitempty"`
	PartnerID string `json:"partner_id,omitempty"`
	Initiator bool   `json:"initiator"`
}

// Handler serves the matchmaking endpoints.
type Handler struct {
	pool   *Pool
	wait   time.Duration
	logger *zap.Logger
}

// NewHandler creates a matchmaking handler. wait <= 0 uses DefaultWait.
func NewHandler(pool *Pool, wait time.Duration, logger *zap.Logger) *Handler {
	if wait <= 0 {
		wait = DefaultWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pool: pool, wait: wait, logger: logger}
}

// Join handles POST /match: long-polls until a partner is found or the wait elapses.
func (h *Handler) Join(c *gin.Context) {
	userID := middleware.UserID(c)
	ch, err := h.pool.Join(c.Request.Context(), userID)
	switch {
	case errors.Is(err, ErrIneligible):
		response.Forbidden(c, err.Error())
		return
	case errors.Is(err, ErrAlreadyWaiting):
		response.Conflict(c, err.Error())
		return
	case err != nil:
		h.logger.Error("match join failed", zap.String("user_id", userID), zap.Error(err))
		response.Internal(c, "failed to join matchmaking")
		return
	}

	timer := time.NewTimer(h.wait)
	defer timer.Stop()
	select {
	case m, ok := <-ch:
		h.reply(c, userID, m, ok)
	case <-timer.C:
		h.pool.Leave(userID)
		m, ok := <-ch
		h.reply(c, userID, m, ok)
	case <-c.Request.Context().Done():
		h.pool.Leave(userID)
	}
}

// Leave handles DELETE /match.
func (h *Handler) Leave(c *gin.Context) {
	h.pool.Leave(middleware.UserID(c))
	response.NoContent(c)
}

func (h *Handler) reply(c *gin.Context, userID string, m Match, ok bool) {
	if !ok {
		response.Accepted(c, MatchResponse{Matched: false})
		return
	}
	partner, initiator, _ := m.Partner(userID)
	response.OK(c, MatchResponse{
		Matched:   true,
		SessionID: m.SessionID.String(),
		PartnerID: partner,
		Initiator: initiator,
	})
}
