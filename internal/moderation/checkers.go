package moderation

import (
	"context"
	"fmt"
	"strings"

	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/internal/perception"
)

// Checker turns one model's output into violations. Timestamps are filled in by the
// pipeline.
type Checker interface {
	Name() string
	Check(ctx context.Context, frame *models.Frame) ([]models.Violation, error)
}

// ContentChecker flags explicit content from a whole-frame classifier.
type ContentChecker struct {
	model     perception.Model
	threshold float64
}

// explicitClasses are summed into the explicit probability.
var explicitClasses = map[string]bool{"porn": true, "hentai": true}

const criticalExplicit = 0.95

func NewContentChecker(m perception.Model, threshold float64) *ContentChecker {
	return &ContentChecker{model: m, threshold: threshold}
}

func (c *ContentChecker) Name() string { return "content:" + c.model.Name() }

func (c *ContentChecker) Check(ctx context.Context, frame *models.Frame) ([]models.Violation, error) {
	dets, err := c.model.Analyze(ctx, frame)
	if err != nil {
		return nil, err
	}
	var explicit float64
	for _, d := range dets {
		if explicitClasses[strings.ToLower(d.Label)] {
			explicit += d.Confidence
		}
	}
	if explicit > 1 {
		explicit = 1
	}
	if explicit <= c.threshold {
		return nil, nil
	}
	sev := models.SeverityHigh
	if explicit >= criticalExplicit {
		sev = models.SeverityCritical
	}
	return []models.Violation{{
		Type:       models.ViolationNudity,
		Severity:   sev,
		Confidence: explicit,
		Detail:     fmt.Sprintf("explicit content %.2f", explicit),
	}}, nil
}

// objectSeverity maps detector classes to severities. Unlisted classes are ignored.
var objectSeverity = map[string]models.Severity{
	"knife":        models.SeverityHigh,
	"gun":          models.SeverityHigh,
	"pistol":       models.SeverityHigh,
	"rifle":        models.SeverityHigh,
	"firearm":      models.SeverityHigh,
	"sword":        models.SeverityHigh,
	"scissors":     models.SeverityMedium,
	"baseball bat": models.SeverityMedium,
	"axe":          models.SeverityMedium,
	"hammer":       models.SeverityMedium,
}

// ObjectChecker flags weapons from an object detector.
type ObjectChecker struct {
	model     perception.Model
	threshold float64
}

func NewObjectChecker(m perception.Model, threshold float64) *ObjectChecker {
	return &ObjectChecker{model: m, threshold: threshold}
}

func (c *ObjectChecker) Name() string { return "objects:" + c.model.Name() }

func (c *ObjectChecker) Check(ctx context.Context, frame *models.Frame) ([]models.Violation, error) {
	dets, err := c.model.Analyze(ctx, frame)
	if err != nil {
		return nil, err
	}
	var out []models.Violation
	for _, d := range dets {
		label := strings.ToLower(d.Label)
		sev, ok := objectSeverity[label]
		if !ok || d.Confidence < c.threshold {
			continue
		}
		out = append(out, models.Violation{
			Type:       models.ViolationWeapon,
			Severity:   sev,
			Confidence: d.Confidence,
			Detail:     label,
		})
	}
	return out, nil
}

// sensitiveParts count towards the exposed fraction.
var sensitiveParts = map[string]bool{
	"chest":     true,
	"breast":    true,
	"buttocks":  true,
	"genitals":  true,
	"groin":     true,
	"anus":      true,
	"nipple":    true,
	"underwear": true,
}

// ExposureChecker flags nudity from body-part exposure segmentation.
type ExposureChecker struct {
	model     perception.Model
	threshold float64
}

func NewExposureChecker(m perception.Model, threshold float64) *ExposureChecker {
	return &ExposureChecker{model: m, threshold: threshold}
}

func (c *ExposureChecker) Name() string { return "exposure:" + c.model.Name() }

func (c *ExposureChecker) Check(ctx context.Context, frame *models.Frame) ([]models.Violation, error) {
	dets, err := c.model.Analyze(ctx, frame)
	if err != nil {
		return nil, err
	}
	var total, sensitive float64
	for _, d := range dets {
		if d.Area <= 0 {
			continue
		}
		total += d.Area
		if sensitiveParts[strings.ToLower(d.Label)] {
			sensitive += d.Area
		}
	}
	if total == 0 {
		return nil, nil
	}
	frac := sensitive / total
	if frac <= c.threshold {
		return nil, nil
	}
	sev := models.SeverityHigh
	if frac >= 2*c.threshold {
		sev = models.SeverityCritical
	}
	return []models.Violation{{
		Type:       models.ViolationNudity,
		Severity:   sev,
		Confidence: frac,
		Detail:     fmt.Sprintf("sensitive exposure %.2f", frac),
	}}, nil
}

const lowDeficit = 10.0

// ModestyChecker compares clothing coverage with a cultural profile.
type ModestyChecker struct {
	model   perception.Model
	minimum ModestyThresholds
}

func NewModestyChecker(m perception.Model, minimum ModestyThresholds) *ModestyChecker {
	return &ModestyChecker{model: m, minimum: minimum}
}

func (c *ModestyChecker) Name() string { return "modesty:" + c.model.Name() }

func (c *ModestyChecker) Check(ctx context.Context, frame *models.Frame) ([]models.Violation, error) {
	dets, err := c.model.Analyze(ctx, frame)
	if err != nil {
		return nil, err
	}
	var out []models.Violation
	for _, d := range dets {
		region := strings.ToLower(d.Label)
		var floor float64
		switch region {
		case "shoulder":
			floor = c.minimum.Shoulder
		case "chest":
			floor = c.minimum.Chest
		case "knee":
			floor = c.minimum.Knee
		default:
			continue
		}
		deficit := floor - d.Coverage
		if deficit <= 0 {
			continue
		}
		sev := models.SeverityMedium
		if deficit < lowDeficit {
			sev = models.SeverityLow
		}
		out = append(out, models.Violation{
			Type:       models.ViolationModesty,
			Severity:   sev,
			Confidence: d.Confidence,
			Detail:     fmt.Sprintf("%s coverage %.0f%% below %.0f%%", region, d.Coverage, floor),
		})
	}
	return out, nil
}

// BuildCheckers wraps each loaded model in the checker for its kind. The modesty checker is
// only built when enabled.
func BuildCheckers(cfg Config, ms []perception.Model) []Checker {
	var out []Checker
	for _, m := range ms {
		switch m.Kind() {
		case perception.KindClassifier:
			out = append(out, NewContentChecker(m, cfg.NSFWThreshold))
		case perception.KindObjects:
			out = append(out, NewObjectChecker(m, cfg.ObjectThreshold))
		case perception.KindSegmenter:
			out = append(out, NewExposureChecker(m, cfg.ExposureThreshold))
		case perception.KindCoverage:
			if cfg.ModestyEnabled {
				out = append(out, NewModestyChecker(m, cfg.Modesty()))
			}
		}
	}
	return out
}
