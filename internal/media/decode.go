package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/peerlink/safety/internal/models"
)

// MaxFrameWidth bounds decoded frames; wider images are scaled down.
const MaxFrameWidth = 640

var ErrEmptyImage = errors.New("media: empty image")

// DecodeFrame decodes a PNG, JPEG or WebP image into an RGBA frame, scaling it down to
// MaxFrameWidth when needed.
func DecodeFrame(data []byte, capturedAt time.Time) (*models.Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return FrameFromImage(img, capturedAt, MaxFrameWidth)
}

// DecodeImageExact decodes an image without scaling. Scaling would destroy LSB watermarks.
func DecodeImageExact(data []byte) (*models.Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return FrameFromImage(img, time.Time{}, 0)
}

// FrameFromImage converts img to an RGBA frame. maxWidth <= 0 disables scaling.
func FrameFromImage(img image.Image, capturedAt time.Time, maxWidth int) (*models.Frame, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrEmptyImage
	}
	w, h := b.Dx(), b.Dy()
	if maxWidth > 0 && w > maxWidth {
		h = h * maxWidth / w
		if h == 0 {
			h = 1
		}
		w = maxWidth
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}
	return &models.Frame{Pix: dst.Pix, Width: w, Height: h, CapturedAt: capturedAt}, nil
}
