package monitor

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Thresholds are breach levels for one metric. Lower trust is worse, so
// Critical must not exceed Warning.
type Thresholds struct {
	Critical float64 `mapstructure:"critical" json:"critical" validate:"gte=0,lte=1,ltefield=Warning"`
	Warning  float64 `mapstructure:"warning"  json:"warning"  validate:"gte=0,lte=1"`
}

// DeduplicationConfig suppresses repeat alerts for the same condition.
type DeduplicationConfig struct {
	Enabled       bool `mapstructure:"enabled"        json:"enabled"`
	WindowMinutes int  `mapstructure:"window_minutes" json:"window_minutes" validate:"gte=0"`
}

// AutoResolutionConfig controls the periodic auto-resolution sweep.
type AutoResolutionConfig struct {
	Enabled              bool `mapstructure:"enabled"                json:"enabled"`
	CheckIntervalMinutes int  `mapstructure:"check_interval_minutes" json:"check_interval_minutes" validate:"gte=1"`
}

// Config holds monitoring configuration.
type Config struct {
	MonitorAggregate  bool                  `mapstructure:"monitor_aggregate"  json:"monitor_aggregate"`
	MonitorDimensions bool                  `mapstructure:"monitor_dimensions" json:"monitor_dimensions"`
	Aggregate         Thresholds            `mapstructure:"aggregate"          json:"aggregate"`
	Dimensions        map[string]Thresholds `mapstructure:"dimensions"         json:"dimensions" validate:"dive,keys,required,endkeys"`
	Deduplication     DeduplicationConfig   `mapstructure:"deduplication"      json:"deduplication"`
	AutoResolution    AutoResolutionConfig  `mapstructure:"auto_resolution"    json:"auto_resolution"`
	MaxAlerts         int                   `mapstructure:"max_alerts"         json:"max_alerts" validate:"gte=1"`
}

// DefaultConfig returns the monitoring defaults: aggregate monitoring with
// critical 0.3 / warning 0.5, a one-hour dedup window and a 15 minute
// auto-resolution sweep.
func DefaultConfig() Config {
	return Config{
		MonitorAggregate:  true,
		MonitorDimensions: true,
		Aggregate:         Thresholds{Critical: 0.3, Warning: 0.5},
		Dimensions:        map[string]Thresholds{},
		Deduplication:     DeduplicationConfig{Enabled: true, WindowMinutes: 60},
		AutoResolution:    AutoResolutionConfig{Enabled: true, CheckIntervalMinutes: 15},
		MaxAlerts:         1000,
	}
}

// Validate checks the threshold ordering and every bound.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("monitor config: %s: failed %q", fe.Namespace(), fe.Tag())
	}
	return err
}
