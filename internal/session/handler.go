package session

import (
	"io"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/media"
	"github.com/peerlink/safety/internal/middleware"
	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/internal/watermark"
	"github.com/peerlink/safety/pkg/response"
)

// MaxVerifyUpload bounds the screenshot accepted by POST /watermark/verify.
const MaxVerifyUpload = 16 << 20

// Handler serves live session state and watermark verification.
type Handler struct {
	m      *Manager
	logger *zap.Logger
}

// NewHandler creates a session handler.
func NewHandler(m *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{m: m, logger: logger}
}

// ActiveResponse is returned by GET /session/active.
type ActiveResponse struct {
	Active  bool                   `json:"active"`
	State   models.ConnectionState `json:"state"`
	Session *models.Session        `json:"session,omitempty"`
}

// VerifyResponse is returned by POST /watermark/verify.
type VerifyResponse struct {
	Found   bool                     `json:"found"`
	Matched bool                     `json:"matched"`
	Payload *models.WatermarkPayload `json:"payload,omitempty"`
}

// Active handles GET /session/active.
func (h *Handler) Active(c *gin.Context) {
	s, state, ok := h.m.Active(middleware.UserID(c))
	out := ActiveResponse{Active: ok, State: state}
	if ok {
		out.Session = &s
	}
	response.OK(c, out)
}

// Verify handles POST /watermark/verify (moderator). The multipart "image" must be a
// lossless capture (PNG); session_id, when given, checks the payload against that live
// session's stamps.
func (h *Handler) Verify(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		response.BadRequest(c, "image file required")
		return
	}
	if fh.Size > MaxVerifyUpload {
		response.PayloadTooLarge(c, "image too large")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable image")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, MaxVerifyUpload))
	if err != nil {
		response.BadRequest(c, "unreadable image")
		return
	}
	frame, err := media.DecodeImageExact(data)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	var out VerifyResponse
	if raw := c.PostForm("session_id"); raw != "" {
		sessionID, err := uuid.Parse(raw)
		if err != nil {
			response.BadRequest(c, "invalid session_id")
			return
		}
		decoded, found, matched := h.m.VerifyImage(sessionID, frame.Pix)
		out.Found, out.Matched = found, matched
		if found {
			out.Payload = &decoded
		}
	} else if p, ok := watermark.ExtractPayload(frame.Pix); ok {
		out.Found = true
		out.Payload = &p
	}
	h.logger.Info("watermark verify",
		zap.String("moderator_id", middleware.UserID(c)),
		zap.Bool("found", out.Found),
		zap.Bool("matched", out.Matched),
	)
	response.OK(c, out)
}
