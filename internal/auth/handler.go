package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peerlink/safety/pkg/response"
	"github.com/peerlink/safety/pkg/utils"
)

// AnonymousRequest is the body for POST /auth/anonymous. Device attributes are hashed
// into the token and never stored raw.
type AnonymousRequest struct {
	UserAgent string `json:"user_agent"`
	Platform  string `json:"platform"`
	Screen    string `json:"screen"`
	Timezone  string `json:"timezone"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{jwt: jwt, logger: logger}
}

// Anonymous handles POST /auth/anonymous: issues a fresh anonymous identity.
func (h *Handler) Anonymous(c *gin.Context) {
	var req AnonymousRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := uuid.New().String()
	fp := utils.DeviceFingerprint(req.UserAgent, req.Platform, req.Screen, req.Timezone)
	token, err := h.jwt.Generate(userID, RoleUser, fp)
	if err != nil {
		h.logger.Error("generate token", zap.Error(err))
		response.Internal(c, "failed to generate token")
		return
	}
	response.Created(c, TokenResponse{Token: token, UserID: userID})
}
