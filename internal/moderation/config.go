// Package moderation analyzes sampled frames of the local video stream and decides what to
// do about policy violations.
package moderation

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by NewConfig for out-of-range settings.
var ErrInvalidConfig = errors.New("moderation: invalid config")

// CulturalProfile selects the minimum clothing coverage used by the modesty check.
type CulturalProfile string

const (
	ProfileRelaxed      CulturalProfile = "relaxed"
	ProfileModerate     CulturalProfile = "moderate"
	ProfileConservative CulturalProfile = "conservative"
)

// ModestyThresholds are minimum coverage percentages per body region.
type ModestyThresholds struct {
	Shoulder float64
	Chest    float64
	Knee     float64
}

var modestyProfiles = map[CulturalProfile]ModestyThresholds{
	ProfileRelaxed:      {Shoulder: 0, Chest: 50, Knee: 0},
	ProfileModerate:     {Shoulder: 20, Chest: 80, Knee: 30},
	ProfileConservative: {Shoulder: 80, Chest: 95, Knee: 80},
}

// Defaults.
const (
	DefaultInterval               = 200 * time.Millisecond
	DefaultNSFWThreshold          = 0.8
	DefaultObjectThreshold        = 0.6
	DefaultExposureThreshold      = 0.15
	DefaultMaxViolationsPerWindow = 5
	DefaultWindow                 = 10 * time.Second
	DefaultEvidenceDuration       = 30 * time.Second
)

// Config holds every moderation tunable. Build it with NewConfig and do not mutate it
// afterwards; a Pipeline keeps its own copy.
type Config struct {
	Interval               time.Duration
	NSFWThreshold          float64
	ObjectThreshold        float64
	ExposureThreshold      float64
	CulturalProfile        CulturalProfile
	ModestyEnabled         bool
	MaxViolationsPerWindow int
	Window                 time.Duration
	EvidenceDuration       time.Duration
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Interval:               DefaultInterval,
		NSFWThreshold:          DefaultNSFWThreshold,
		ObjectThreshold:        DefaultObjectThreshold,
		ExposureThreshold:      DefaultExposureThreshold,
		CulturalProfile:        ProfileModerate,
		ModestyEnabled:         true,
		MaxViolationsPerWindow: DefaultMaxViolationsPerWindow,
		Window:                 DefaultWindow,
		EvidenceDuration:       DefaultEvidenceDuration,
	}
}

// NewConfig validates c and returns it.
func NewConfig(c Config) (Config, error) {
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	case !unit(c.NSFWThreshold):
		return fmt.Errorf("%w: nsfw threshold %v not in [0,1]", ErrInvalidConfig, c.NSFWThreshold)
	case !unit(c.ObjectThreshold):
		return fmt.Errorf("%w: object threshold %v not in [0,1]", ErrInvalidConfig, c.ObjectThreshold)
	case !unit(c.ExposureThreshold):
		return fmt.Errorf("%w: exposure threshold %v not in [0,1]", ErrInvalidConfig, c.ExposureThreshold)
	case c.MaxViolationsPerWindow <= 0:
		return fmt.Errorf("%w: max violations per window must be positive", ErrInvalidConfig)
	case c.Window <= 0:
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	case c.EvidenceDuration < 0:
		return fmt.Errorf("%w: evidence duration must not be negative", ErrInvalidConfig)
	}
	if _, ok := modestyProfiles[c.CulturalProfile]; !ok {
		return fmt.Errorf("%w: unknown cultural profile %q", ErrInvalidConfig, c.CulturalProfile)
	}
	return nil
}

// Modesty returns the coverage minimums of the configured profile.
func (c Config) Modesty() ModestyThresholds {
	return modestyProfiles[c.CulturalProfile]
}

// EvidenceFrames is how many frames the evidence ring holds: EvidenceDuration at Interval.
func (c Config) EvidenceFrames() int {
	if c.Interval <= 0 {
		return 0
	}
	return int(c.EvidenceDuration / c.Interval)
}

func unit(v float64) bool { return v >= 0 && v <= 1 }
