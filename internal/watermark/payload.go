package watermark

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/peerlink/safety/internal/models"
)

const (
	fieldSep   = "|"
	fieldCount = 7
)

// VerifyTolerance is the clock skew allowed between a decoded and an expected timestamp.
const VerifyTolerance = 5 * time.Second

// Marshal serializes a payload to its compact wire form: seven escaped fields separated
// by '|', the timestamp as unix milliseconds.
func Marshal(p models.WatermarkPayload) []byte {
	fields := []string{
		url.PathEscape(p.UserID),
		url.PathEscape(p.PartnerID),
		url.PathEscape(p.SessionID),
		strconv.FormatInt(p.Timestamp.UnixMilli(), 10),
		strconv.FormatUint(p.FrameNumber, 10),
		url.PathEscape(p.IPHash),
		url.PathEscape(p.DeviceFingerprint),
	}
	return []byte(strings.Join(fields, fieldSep))
}

// Unmarshal parses the compact form produced by Marshal.
func Unmarshal(b []byte) (models.WatermarkPayload, error) {
	parts := strings.Split(string(b), fieldSep)
	if len(parts) != fieldCount {
		return models.WatermarkPayload{}, ErrDecode
	}
	unesc := make([]string, len(parts))
	for i, s := range parts {
		v, err := url.PathUnescape(s)
		if err != nil {
			return models.WatermarkPayload{}, ErrDecode
		}
		unesc[i] = v
	}
	ms, err := strconv.ParseInt(unesc[3], 10, 64)
	if err != nil {
		return models.WatermarkPayload{}, ErrDecode
	}
	frame, err := strconv.ParseUint(unesc[4], 10, 64)
	if err != nil {
		return models.WatermarkPayload{}, ErrDecode
	}
	if unesc[0] == "" || unesc[2] == "" {
		return models.WatermarkPayload{}, ErrDecode
	}
	return models.WatermarkPayload{
		UserID:            unesc[0],
		PartnerID:         unesc[1],
		SessionID:         unesc[2],
		Timestamp:         time.UnixMilli(ms).UTC(),
		FrameNumber:       frame,
		IPHash:            unesc[5],
		DeviceFingerprint: unesc[6],
	}, nil
}

// EmbedPayload stamps a payload into a copy of the frame.
func EmbedPayload(f *models.Frame, p models.WatermarkPayload) (*models.Frame, error) {
	pix, err := Embed(f.Pix, Marshal(p))
	if err != nil {
		return nil, err
	}
	return &models.Frame{Pix: pix, Width: f.Width, Height: f.Height, CapturedAt: f.CapturedAt}, nil
}

// ExtractPayload recovers a payload from RGBA pixels. ok is false when no watermark is
// present or it cannot be parsed; it never fails otherwise.
func ExtractPayload(pix []byte) (p models.WatermarkPayload, ok bool) {
	data, err := Extract(pix)
	if err != nil {
		return models.WatermarkPayload{}, false
	}
	p, err = Unmarshal(data)
	if err != nil {
		return models.WatermarkPayload{}, false
	}
	return p, true
}

// Verify reports whether a decoded payload belongs to the expected user and session.
// Timestamps may differ by up to VerifyTolerance.
func Verify(decoded, expected models.WatermarkPayload) bool {
	if decoded.UserID != expected.UserID || decoded.SessionID != expected.SessionID {
		return false
	}
	d := decoded.Timestamp.Sub(expected.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= VerifyTolerance
}
