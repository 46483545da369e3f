// Package metrics is the Trust Metrics Engine. It turns raw per-dimension
// observations into scores in [0,1], keeps one EntityTrustRecord per entity
// whose TrustScore is the weighted mean of its dimensions, and retains a
// bounded score history per dimension and per aggregate.
package metrics

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an entity has no trust record.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidInput is returned for malformed calculation requests.
	ErrInvalidInput = errors.New("invalid metrics input")

	// ErrInvalidConfig is returned by UpdateConfig when the merged config fails validation.
	ErrInvalidConfig = errors.New("invalid metrics config")

	// ErrUnauthorized is returned by UpdateConfig when the caller is not an administrator.
	ErrUnauthorized = errors.New("unauthorized config update")
)

// EntityTrustRecord is the current trust state of one entity.
type EntityTrustRecord struct {
	EntityID    string             `json:"entity_id"`
	TrustScore  float64            `json:"trust_score"`
	Dimensions  map[string]float64 `json:"dimensions"`
	LastUpdated time.Time          `json:"last_updated"`
}

func (r *EntityTrustRecord) clone() *EntityTrustRecord {
	out := *r
	out.Dimensions = make(map[string]float64, len(r.Dimensions))
	for k, v := range r.Dimensions {
		out.Dimensions[k] = v
	}
	return &out
}

// DimensionPoint is one entry of a dimension's score history.
type DimensionPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
}

// AggregatePoint is one entry of an entity's aggregate history.
type AggregatePoint struct {
	Timestamp  time.Time          `json:"timestamp"`
	TrustScore float64            `json:"trust_score"`
	Dimensions map[string]float64 `json:"dimensions"`
}
