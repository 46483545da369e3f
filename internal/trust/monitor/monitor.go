// Package monitor is the Trust Monitoring Service. It compares entity trust
// scores against critical and warning thresholds, raises deduplicated alerts
// and resolves them once the score recovers.
//
// An alert lineage moves none → raised → resolved. A resolved alert is never
// reopened; a later breach raises a new alert.
package monitor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/NexusTrustCore/internal/clock"
	"github.com/jmerrifield20/NexusTrustCore/internal/trust/metrics"
	"go.uber.org/zap"
)

// Level is an alert severity.
type Level string

const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
)

// MetricAggregate is the metric type of aggregate trust alerts. Dimension
// alerts use "dimension:<name>".
const MetricAggregate = "aggregate"

const dimensionPrefix = "dimension:"

// DimensionMetric returns the metric type for a named dimension.
func DimensionMetric(name string) string { return dimensionPrefix + name }

// Alert is a threshold breach for one entity metric.
type Alert struct {
	AlertID             string     `json:"alert_id"`
	EntityID            string     `json:"entity_id"`
	Level               Level      `json:"level"`
	MetricType          string     `json:"metric_type"`
	Value               float64    `json:"value"`
	Threshold           float64    `json:"threshold"`
	Message             string     `json:"message"`
	Timestamp           time.Time  `json:"timestamp"`
	Resolved            bool       `json:"resolved"`
	ResolutionTimestamp *time.Time `json:"resolution_timestamp,omitempty"`
}

// AlertFilter selects alerts in GetAlerts. Zero fields match all.
type AlertFilter struct {
	EntityID string
	Resolved *bool
	Level    Level
	Limit    int
}

// Stats summarises the alert store.
type Stats struct {
	Total      int           `json:"total"`
	Unresolved int           `json:"unresolved"`
	ByLevel    map[Level]int `json:"unresolved_by_level"`
}

// MetricsReader is the read side of the Trust Metrics Engine.
type MetricsReader interface {
	GetEntityMetrics(entityID string) (*metrics.EntityTrustRecord, bool)
	Entities() []string
}

// AlertRecordFunc is an optional callback invoked when an alert is raised
// (resolved=false) or resolved (resolved=true).
type AlertRecordFunc func(level Level, resolved bool)

type dedupKey struct {
	entityID   string
	level      Level
	metricType string
}

// Service is the Trust Monitoring Service. The alert list and the dedup
// cache share one lock, so a check-then-raise for a key is atomic.
type Service struct {
	mu         sync.Mutex
	alerts     []*Alert // oldest first
	byID       map[string]*Alert
	lastRaised map[dedupKey]time.Time
	reader     MetricsReader
	cfg        Config
	clock      clock.Clock
	onAlert    AlertRecordFunc
	logger     *zap.Logger
}

// New creates a Service reading trust records from reader.
func New(reader MetricsReader, cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.MaxAlerts == 0 {
		cfg.MaxAlerts = DefaultConfig().MaxAlerts
	}
	if cfg.AutoResolution.CheckIntervalMinutes == 0 {
		cfg.AutoResolution.CheckIntervalMinutes = DefaultConfig().AutoResolution.CheckIntervalMinutes
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dims := make(map[string]Thresholds, len(cfg.Dimensions))
	for k, v := range cfg.Dimensions {
		dims[k] = v
	}
	cfg.Dimensions = dims

	return &Service{
		byID:       make(map[string]*Alert),
		lastRaised: make(map[dedupKey]time.Time),
		reader:     reader,
		cfg:        cfg,
		clock:      clock.Real{},
		logger:     logger,
	}, nil
}

// SetClock replaces the time source.
func (s *Service) SetClock(c clock.Clock) {
	s.clock = clock.OrReal(c)
}

// SetAlertRecord configures the alert callback.
func (s *Service) SetAlertRecord(fn AlertRecordFunc) {
	s.onAlert = fn
}

// CheckEntityTrust evaluates the entity's aggregate and monitored dimensions
// and returns the alerts raised by this check. Unknown entities yield none.
func (s *Service) CheckEntityTrust(entityID string) []Alert {
	rec, ok := s.reader.GetEntityMetrics(entityID)
	if !ok {
		return nil
	}

	var raised []Alert
	if s.cfg.MonitorAggregate {
		if a := s.evaluate(entityID, MetricAggregate, rec.TrustScore, s.cfg.Aggregate); a != nil {
			raised = append(raised, *a)
		}
	}
	if s.cfg.MonitorDimensions {
		names := make([]string, 0, len(s.cfg.Dimensions))
		for name := range s.cfg.Dimensions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v, ok := rec.Dimensions[name]
			if !ok {
				continue
			}
			if a := s.evaluate(entityID, DimensionMetric(name), v, s.cfg.Dimensions[name]); a != nil {
				raised = append(raised, *a)
			}
		}
	}
	return raised
}

// CheckAll runs CheckEntityTrust for every entity known to the metrics engine.
func (s *Service) CheckAll() []Alert {
	var raised []Alert
	for _, id := range s.reader.Entities() {
		raised = append(raised, s.CheckEntityTrust(id)...)
	}
	return raised
}

// evaluate raises at most one alert for the metric. Critical is checked
// first; a critical breach does not also raise a warning.
func (s *Service) evaluate(entityID, metricType string, value float64, th Thresholds) *Alert {
	var level Level
	var threshold float64
	switch {
	case value < th.Critical:
		level, threshold = LevelCritical, th.Critical
	case value < th.Warning:
		level, threshold = LevelWarning, th.Warning
	default:
		return nil
	}

	s.mu.Lock()
	now := s.clock.Now().UTC()
	key := dedupKey{entityID: entityID, level: level, metricType: metricType}
	if s.cfg.Deduplication.Enabled {
		window := time.Duration(s.cfg.Deduplication.WindowMinutes) * time.Minute
		if last, ok := s.lastRaised[key]; ok && now.Sub(last) < window {
			s.mu.Unlock()
			return nil
		}
	}
	a := &Alert{
		AlertID:    uuid.NewString(),
		EntityID:   entityID,
		Level:      level,
		MetricType: metricType,
		Value:      value,
		Threshold:  threshold,
		Message:    fmt.Sprintf("%s trust for %s is %.3f, below %s threshold %.3f", metricType, entityID, value, level, threshold),
		Timestamp:  now,
	}
	if s.cfg.Deduplication.Enabled {
		s.lastRaised[key] = now
	}
	s.addAlert(a)
	out := *a
	s.mu.Unlock()

	log := s.logger.Warn
	if level == LevelCritical {
		log = s.logger.Error
	}
	log("trust alert raised",
		zap.String("alert_id", a.AlertID),
		zap.String("entity_id", entityID),
		zap.String("level", string(level)),
		zap.String("metric_type", metricType),
		zap.Float64("value", value),
		zap.Float64("threshold", threshold),
	)
	if s.onAlert != nil {
		s.onAlert(level, false)
	}
	return &out
}

// addAlert appends a, evicting the oldest alerts once MaxAlerts is reached.
// Callers hold s.mu.
func (s *Service) addAlert(a *Alert) {
	for len(s.alerts) >= s.cfg.MaxAlerts {
		oldest := s.alerts[0]
		s.alerts[0] = nil
		s.alerts = s.alerts[1:]
		delete(s.byID, oldest.AlertID)
	}
	s.alerts = append(s.alerts, a)
	s.byID[a.AlertID] = a
}

// ResolveAlert marks an alert resolved. It returns false when no such alert
// exists; resolving an already resolved alert keeps its original timestamp.
func (s *Service) ResolveAlert(alertID string) bool {
	s.mu.Lock()
	a, ok := s.byID[alertID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	changed := s.resolve(a)
	s.mu.Unlock()

	if changed {
		s.logResolved(a, "manual")
	}
	return true
}

// resolve flips a to resolved. Callers hold s.mu.
func (s *Service) resolve(a *Alert) bool {
	if a.Resolved {
		return false
	}
	now := s.clock.Now().UTC()
	a.Resolved = true
	a.ResolutionTimestamp = &now
	return true
}

func (s *Service) logResolved(a *Alert, how string) {
	s.logger.Info("trust alert resolved",
		zap.String("alert_id", a.AlertID),
		zap.String("entity_id", a.EntityID),
		zap.String("level", string(a.Level)),
		zap.String("metric_type", a.MetricType),
		zap.String("resolution", how),
	)
	if s.onAlert != nil {
		s.onAlert(a.Level, true)
	}
}

// CheckForAutoResolution resolves every open alert whose metric has recovered
// above the alert's own threshold, and returns how many were resolved. A
// warning whose metric has fallen further, below the critical threshold,
// stays open; the critical condition is raised separately by CheckEntityTrust.
func (s *Service) CheckForAutoResolution() int {
	if !s.cfg.AutoResolution.Enabled {
		return 0
	}

	s.mu.Lock()
	open := make([]*Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if !a.Resolved {
			open = append(open, a)
		}
	}
	s.mu.Unlock()

	records := make(map[string]*metrics.EntityTrustRecord)
	var resolved []*Alert
	for _, a := range open {
		rec, seen := records[a.EntityID]
		if !seen {
			rec, _ = s.reader.GetEntityMetrics(a.EntityID)
			records[a.EntityID] = rec
		}
		if rec == nil {
			continue
		}
		value, ok := currentValue(rec, a.MetricType)
		if !ok || value <= a.Threshold {
			continue
		}

		s.mu.Lock()
		changed := s.resolve(a)
		s.mu.Unlock()
		if changed {
			resolved = append(resolved, a)
		}
	}

	for _, a := range resolved {
		s.logResolved(a, "auto")
	}
	return len(resolved)
}

func currentValue(rec *metrics.EntityTrustRecord, metricType string) (float64, bool) {
	if metricType == MetricAggregate {
		return rec.TrustScore, true
	}
	name, ok := strings.CutPrefix(metricType, dimensionPrefix)
	if !ok {
		return 0, false
	}
	v, ok := rec.Dimensions[name]
	return v, ok
}

// GetAlerts returns matching alerts, newest first.
func (s *Service) GetAlerts(f AlertFilter) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Alert{}
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if f.EntityID != "" && a.EntityID != f.EntityID {
			continue
		}
		if f.Resolved != nil && a.Resolved != *f.Resolved {
			continue
		}
		if f.Level != "" && a.Level != f.Level {
			continue
		}
		out = append(out, *a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Stats returns alert counts.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Total: len(s.alerts), ByLevel: map[Level]int{LevelCritical: 0, LevelWarning: 0}}
	for _, a := range s.alerts {
		if !a.Resolved {
			st.Unresolved++
			st.ByLevel[a.Level]++
		}
	}
	return st
}

// PruneDedup drops dedup entries whose window has passed and returns how many
// were removed.
func (s *Service) PruneDedup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	window := time.Duration(s.cfg.Deduplication.WindowMinutes) * time.Minute
	n := 0
	for key, last := range s.lastRaised {
		if now.Sub(last) >= window {
			delete(s.lastRaised, key)
			n++
		}
	}
	return n
}

// Start runs the auto-resolution sweep and dedup pruning every
// CheckIntervalMinutes until quit is closed. It returns immediately when both
// auto-resolution and deduplication are disabled.
func (s *Service) Start(quit <-chan struct{}) {
	if !s.cfg.AutoResolution.Enabled && !s.cfg.Deduplication.Enabled {
		return
	}
	ticker := time.NewTicker(time.Duration(s.cfg.AutoResolution.CheckIntervalMinutes) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.CheckForAutoResolution(); n > 0 {
				s.logger.Info("auto-resolution sweep", zap.Int("resolved", n))
			}
			if n := s.PruneDedup(); n > 0 {
				s.logger.Debug("dedup entries expired", zap.Int("removed", n))
			}
		case <-quit:
			return
		}
	}
}
