package outage

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for configuration that must be rejected at startup
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultCellSizeMeters          = 500.0
	DefaultBufferRadiusMeters      = 120.0
	DefaultMinDevices              = 3
	DefaultWindowSeconds           = 3600
	DefaultReferenceCount          = 10
	DefaultSegments                = 12
	MinSegments                    = 6
	DefaultCoordinateDecimals      = 3
	DefaultRecentActivitySeconds   = 3600
	DefaultSimplifyToleranceMeters = 1.0
	DefaultRefreshIntervalSeconds  = 30
	DefaultPublishPrefix           = "outagemesh"
)

// Linkage selects how offline devices are grouped into clusters
type Linkage string

const (
	// LinkageSeed collects every unassigned device within the join distance
	// of a seed, seeds taken in input order.
	LinkageSeed Linkage = "seed"
	// LinkageSingle joins devices transitively (A near B, B near C).
	LinkageSingle Linkage = "single"
)

// ActivityThresholds are the minimum event counts for each activity level.
// They must satisfy 0 < Low <= Medium <= High.
type ActivityThresholds struct {
	Low    int `yaml:"low" json:"low"`
	Medium int `yaml:"medium" json:"medium"`
	High   int `yaml:"high" json:"high"`
}

// DefaultActivityThresholds returns 1-2 low, 3-5 medium, 6+ high
func DefaultActivityThresholds() ActivityThresholds {
	return ActivityThresholds{Low: 1, Medium: 3, High: 6}
}

// Classify maps an event count to an activity level
func (t ActivityThresholds) Classify(events int) ActivityLevel {
	switch {
	case events >= t.High:
		return ActivityHigh
	case events >= t.Medium:
		return ActivityMedium
	case events >= t.Low:
		return ActivityLow
	default:
		return ActivityNone
	}
}

// PipelineConfig holds the process-wide knobs of the aggregation engine.
// It is set once at startup and never mutated per run.
type PipelineConfig struct {
	CellSizeMeters          float64            `yaml:"cellSizeMeters" json:"cellSizeMeters"`
	BufferRadiusMeters      float64            `yaml:"bufferRadiusMeters" json:"bufferRadiusMeters"`
	MinDevices              int                `yaml:"minDevices" json:"minDevices"`
	WindowSeconds           int                `yaml:"windowSeconds" json:"windowSeconds"`
	ReferenceCount          int                `yaml:"referenceCount" json:"referenceCount"`
	MergeToleranceMeters    float64            `yaml:"mergeToleranceMeters" json:"mergeToleranceMeters"`
	Segments                int                `yaml:"segments" json:"segments"`
	Linkage                 Linkage            `yaml:"linkage" json:"linkage"`
	CoordinateDecimals      int                `yaml:"coordinateDecimals" json:"coordinateDecimals"`
	RecentActivitySeconds   int                `yaml:"recentActivitySeconds" json:"recentActivitySeconds"`
	SimplifyToleranceMeters float64            `yaml:"simplifyToleranceMeters" json:"simplifyToleranceMeters"`
	Activity                ActivityThresholds `yaml:"activity" json:"activity"`
}

// DefaultPipelineConfig returns a config with every field at its default
func DefaultPipelineConfig() PipelineConfig {
	pc := PipelineConfig{}
	pc.ApplyDefaults()
	return pc
}

// ApplyDefaults fills zero-valued fields. Negative values are left untouched
// so Validate can reject them.
func (pc *PipelineConfig) ApplyDefaults() {
	if pc.CellSizeMeters == 0 {
		pc.CellSizeMeters = DefaultCellSizeMeters
	}
	if pc.BufferRadiusMeters == 0 {
		pc.BufferRadiusMeters = DefaultBufferRadiusMeters
	}
	if pc.MinDevices == 0 {
		pc.MinDevices = DefaultMinDevices
	}
	if pc.WindowSeconds == 0 {
		pc.WindowSeconds = DefaultWindowSeconds
	}
	if pc.ReferenceCount == 0 {
		pc.ReferenceCount = DefaultReferenceCount
	}
	if pc.Segments == 0 {
		pc.Segments = DefaultSegments
	}
	if pc.Linkage == "" {
		pc.Linkage = LinkageSeed
	}
	if pc.CoordinateDecimals == 0 {
		pc.CoordinateDecimals = DefaultCoordinateDecimals
	}
	if pc.RecentActivitySeconds == 0 {
		pc.RecentActivitySeconds = DefaultRecentActivitySeconds
	}
	if pc.SimplifyToleranceMeters == 0 {
		pc.SimplifyToleranceMeters = DefaultSimplifyToleranceMeters
	}
	if pc.Activity == (ActivityThresholds{}) {
		pc.Activity = DefaultActivityThresholds()
	}
}

// Validate rejects configuration the pipeline cannot run with
func (pc PipelineConfig) Validate() error {
	if pc.CellSizeMeters <= 0 {
		return fmt.Errorf("%w: cellSizeMeters must be positive, got %v", ErrInvalidConfig, pc.CellSizeMeters)
	}
	if pc.BufferRadiusMeters <= 0 {
		return fmt.Errorf("%w: bufferRadiusMeters must be positive, got %v", ErrInvalidConfig, pc.BufferRadiusMeters)
	}
	if pc.MinDevices <= 0 {
		return fmt.Errorf("%w: minDevices must be positive, got %d", ErrInvalidConfig, pc.MinDevices)
	}
	if pc.WindowSeconds <= 0 {
		return fmt.Errorf("%w: windowSeconds must be positive, got %d", ErrInvalidConfig, pc.WindowSeconds)
	}
	if pc.ReferenceCount <= 0 {
		return fmt.Errorf("%w: referenceCount must be positive, got %d", ErrInvalidConfig, pc.ReferenceCount)
	}
	if pc.MergeToleranceMeters < 0 {
		return fmt.Errorf("%w: mergeToleranceMeters must not be negative, got %v", ErrInvalidConfig, pc.MergeToleranceMeters)
	}
	if pc.Segments < MinSegments {
		return fmt.Errorf("%w: segments must be at least %d, got %d", ErrInvalidConfig, MinSegments, pc.Segments)
	}
	if pc.Linkage != LinkageSeed && pc.Linkage != LinkageSingle {
		return fmt.Errorf("%w: unknown linkage %q", ErrInvalidConfig, pc.Linkage)
	}
	if pc.CoordinateDecimals < 0 || pc.CoordinateDecimals > 8 {
		return fmt.Errorf("%w: coordinateDecimals must be in [0,8], got %d", ErrInvalidConfig, pc.CoordinateDecimals)
	}
	if pc.RecentActivitySeconds <= 0 {
		return fmt.Errorf("%w: recentActivitySeconds must be positive, got %d", ErrInvalidConfig, pc.RecentActivitySeconds)
	}
	if pc.SimplifyToleranceMeters < 0 {
		return fmt.Errorf("%w: simplifyToleranceMeters must not be negative, got %v", ErrInvalidConfig, pc.SimplifyToleranceMeters)
	}
	a := pc.Activity
	if a.Low <= 0 || a.Medium < a.Low || a.High < a.Medium {
		return fmt.Errorf("%w: activity thresholds must satisfy 0 < low <= medium <= high, got %d/%d/%d",
			ErrInvalidConfig, a.Low, a.Medium, a.High)
	}
	return nil
}

// Window returns the aggregation window as a duration
func (pc PipelineConfig) Window() time.Duration {
	return time.Duration(pc.WindowSeconds) * time.Second
}

// RecentWindow returns the trailing window used for the grid activity flag
func (pc PipelineConfig) RecentWindow() time.Duration {
	return time.Duration(pc.RecentActivitySeconds) * time.Second
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	ReadingsTopic string `yaml:"readingsTopic" json:"readingsTopic"`
	EventsTopic   string `yaml:"eventsTopic" json:"eventsTopic"`
}

// Config represents the full configuration file
type Config struct {
	MQTT                   MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Pipeline               PipelineConfig `yaml:"pipeline" json:"pipeline"`
	RefreshIntervalSeconds int            `yaml:"refreshIntervalSeconds,omitempty" json:"refreshIntervalSeconds,omitempty"`
	HistoryPath            string         `yaml:"historyPath,omitempty" json:"historyPath,omitempty"`
}

// RefreshInterval returns the periodic refresh interval
func (c *Config) RefreshInterval() time.Duration {
	if c.RefreshIntervalSeconds <= 0 {
		return DefaultRefreshIntervalSeconds * time.Second
	}
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}
