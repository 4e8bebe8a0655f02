// Package perception is the client side of the vision models consumed by moderation.
// Models are opaque: they accept a frame and return labelled detections.
package perception

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/models"
)

// ErrModelLoad is returned when a model cannot be loaded at startup.
var ErrModelLoad = errors.New("perception: model load failed")

// Kind names what a model detects.
type Kind string

const (
	KindClassifier Kind = "classifier" // whole-frame class probabilities
	KindObjects    Kind = "objects"    // object detector
	KindSegmenter  Kind = "segmenter"  // body-part exposure segmentation
	KindCoverage   Kind = "coverage"   // clothing coverage per body region
)

// Detection is one labelled output of a model.
//
// Classifiers fill Label and Confidence. The segmenter additionally reports the exposed
// skin area of a body part in Area (pixels). The coverage model reports the covered
// percentage of a body region in Coverage (0..100).
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Area       float64 `json:"area,omitempty"`
	Coverage   float64 `json:"coverage,omitempty"`
}

// Model is the analyze(frame) contract.
type Model interface {
	Name() string
	Kind() Kind
	Load(ctx context.Context) error
	Analyze(ctx context.Context, frame *models.Frame) ([]Detection, error)
}

// LoadAll loads every model and returns those that loaded. Each failure is logged once and
// included in the returned error; a partial set is still usable.
func LoadAll(ctx context.Context, ms []Model, logger *zap.Logger) ([]Model, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loaded := make([]Model, 0, len(ms))
	var errs []error
	for _, m := range ms {
		if err := m.Load(ctx); err != nil {
			logger.Error("model load failed", zap.String("model", m.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
			continue
		}
		logger.Info("model loaded", zap.String("model", m.Name()), zap.String("kind", string(m.Kind())))
		loaded = append(loaded, m)
	}
	return loaded, errors.Join(errs...)
}
