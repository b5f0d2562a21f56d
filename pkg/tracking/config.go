package tracking

import "fmt"

const DefaultDistanceThreshold = 50
const DefaultTimeThreshold = 2.0
const DefaultMinConfidence = 0.6

// Config controls how detections are matched against a session's recent history
type Config struct {
	DistanceThreshold float32 `json:"distanceThreshold"` // Maximum distance in pixels between box centers for a repeat sighting (exclusive)
	TimeThreshold     float64 `json:"timeThreshold"`     // Maximum age in seconds of a previous sighting for it to match (inclusive)
	MinConfidence     float32 `json:"minConfidence"`     // Detections below this confidence are never tracked, and never create reports
	WindowMaxAge      float64 `json:"windowMaxAge"`      // If non-zero, window entries older than this (seconds) are evicted. Zero keeps everything.
}

func DefaultConfig() Config {
	return Config{
		DistanceThreshold: DefaultDistanceThreshold,
		TimeThreshold:     DefaultTimeThreshold,
		MinConfidence:     DefaultMinConfidence,
	}
}

func (c *Config) Validate() error {
	if c.DistanceThreshold <= 0 {
		return fmt.Errorf("tracking distanceThreshold must be positive, not %v", c.DistanceThreshold)
	}
	if c.TimeThreshold <= 0 {
		return fmt.Errorf("tracking timeThreshold must be positive, not %v", c.TimeThreshold)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("tracking minConfidence must be between 0 and 1, not %v", c.MinConfidence)
	}
	if c.WindowMaxAge < 0 {
		return fmt.Errorf("tracking windowMaxAge may not be negative")
	}
	// Evicting entries younger than TimeThreshold would change which detections match
	if c.WindowMaxAge != 0 && c.WindowMaxAge < c.TimeThreshold {
		return fmt.Errorf("tracking windowMaxAge (%v) must be zero, or at least timeThreshold (%v)", c.WindowMaxAge, c.TimeThreshold)
	}
	return nil
}
