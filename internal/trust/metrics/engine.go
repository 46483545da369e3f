package metrics

import (
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmerrifield20/NexusTrustCore/internal/clock"
	"go.uber.org/zap"
)

// CalculateRecordFunc is an optional callback invoked after every calculation.
type CalculateRecordFunc func(entityID string, trustScore float64)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithPlugin registers a scorer selectable as "plugin:<name>" before the
// initial configuration is compiled.
func WithPlugin(name string, s Scorer) Option {
	return func(e *Engine) { e.plugins[name] = s }
}

// compiled is an immutable view of the live configuration.
type compiled struct {
	cfg     Config
	scorers map[string]Scorer
}

type entityState struct {
	mu         sync.Mutex
	record     *EntityTrustRecord
	dimensions map[string][]DimensionPoint
	aggregate  []AggregatePoint
}

// Engine is the Trust Metrics Engine. Writes to one entity are serialised by
// that entity's lock; different entities proceed in parallel. The live
// configuration is read lock-free, so it is always current under an entity
// lock.
type Engine struct {
	mu         sync.RWMutex // guards entities and plugins; serialises config updates
	entities   map[string]*entityState
	live       atomic.Pointer[compiled]
	plugins    map[string]Scorer
	authorizer Authorizer
	clock      clock.Clock
	onCalc     CalculateRecordFunc
	logger     *zap.Logger
}

// NewEngine creates an Engine. Zero-valued history bounds take their defaults.
func NewEngine(cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.MaxDimensionHistory == 0 {
		cfg.MaxDimensionHistory = def.MaxDimensionHistory
	}
	if cfg.MaxAggregateHistory == 0 {
		cfg.MaxAggregateHistory = def.MaxAggregateHistory
	}
	cfg = cfg.clone()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	e := &Engine{
		entities: make(map[string]*entityState),
		plugins:  make(map[string]Scorer),
		clock:    clock.Real{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	scorers, err := compileScorers(cfg.Scorers, e.plugins)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	e.live.Store(&compiled{cfg: cfg, scorers: scorers})
	return e, nil
}

// RegisterPlugin makes a custom scorer selectable as "plugin:<name>" in a
// later UpdateConfig.
func (e *Engine) RegisterPlugin(name string, s Scorer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plugins[name] = s
}

// SetAuthorizer enables admin checks on UpdateConfig.
func (e *Engine) SetAuthorizer(a Authorizer) {
	e.authorizer = a
}

// SetClock replaces the time source.
func (e *Engine) SetClock(c clock.Clock) {
	e.clock = clock.OrReal(c)
}

// SetCalculateRecord configures the calculation callback.
func (e *Engine) SetCalculateRecord(fn CalculateRecordFunc) {
	e.onCalc = fn
}

func (e *Engine) entity(entityID string, create bool) *entityState {
	e.mu.RLock()
	s := e.entities[entityID]
	e.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s = e.entities[entityID]; s == nil {
		s = &entityState{dimensions: make(map[string][]DimensionPoint)}
		e.entities[entityID] = s
	}
	return s
}

// CalculateEntityMetrics scores every dimension in raw, stores the scores on
// the entity's record and recomputes its aggregate trust score.
func (e *Engine) CalculateEntityMetrics(entityID string, raw map[string]any) (*EntityTrustRecord, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	s := e.entity(entityID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.calculate(entityID, s, raw), nil
}

// UpdateEntityMetrics runs a read-modify-write against one entity under its
// lock. fn receives a copy of the current record (nil for a new entity) and
// returns the raw dimension values to calculate; an empty result leaves the
// entity untouched. changed reports whether a calculation ran.
func (e *Engine) UpdateEntityMetrics(entityID string, fn func(current *EntityTrustRecord) map[string]any) (rec *EntityTrustRecord, changed bool, err error) {
	if entityID == "" {
		return nil, false, fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	s := e.entity(entityID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *EntityTrustRecord
	if s.record != nil {
		current = s.record.clone()
	}
	raw := fn(current)
	if len(raw) == 0 {
		return current, false, nil
	}
	return e.calculate(entityID, s, raw), true, nil
}

// calculate applies raw to the entity and returns a copy of its record.
// Callers hold s.mu.
func (e *Engine) calculate(entityID string, s *entityState, raw map[string]any) *EntityTrustRecord {
	live := e.live.Load()
	now := e.clock.Now().UTC()

	if s.record == nil {
		s.record = &EntityTrustRecord{EntityID: entityID, Dimensions: make(map[string]float64)}
	}
	for dim, value := range raw {
		score := e.score(entityID, dim, value, live.scorers)
		s.record.Dimensions[dim] = score
		s.dimensions[dim] = append(s.dimensions[dim], DimensionPoint{Timestamp: now, Score: score})
	}
	s.record.TrustScore = WeightedMean(s.record.Dimensions, live.cfg.DimensionWeights)
	s.record.LastUpdated = now
	s.appendAggregate(now)
	s.prune(live.cfg, now)

	if e.onCalc != nil {
		e.onCalc(entityID, s.record.TrustScore)
	}
	e.logger.Debug("trust metrics calculated",
		zap.String("entity_id", entityID),
		zap.Float64("trust_score", s.record.TrustScore),
		zap.Int("dimensions", len(s.record.Dimensions)),
	)
	return s.record.clone()
}

// appendAggregate snapshots the record into the aggregate history. Callers
// hold s.mu.
func (s *entityState) appendAggregate(now time.Time) {
	snap := make(map[string]float64, len(s.record.Dimensions))
	for k, v := range s.record.Dimensions {
		snap[k] = v
	}
	s.aggregate = append(s.aggregate, AggregatePoint{Timestamp: now, TrustScore: s.record.TrustScore, Dimensions: snap})
}

func (e *Engine) score(entityID, dim string, value any, scorers map[string]Scorer) float64 {
	scorer, ok := scorers[dim]
	if !ok {
		scorer = defaultScorer
	}
	v, ok := scorer.Score(value)
	if !ok {
		e.logger.Warn("unrecognised dimension value, scoring 0",
			zap.String("entity_id", entityID),
			zap.String("dimension", dim),
			zap.String("value_type", fmt.Sprintf("%T", value)),
		)
		return 0
	}
	return clamp(v)
}

// WeightedMean returns Σ(w·s)/Σw over dims, where unlisted dimensions weigh 1.0.
// An empty set, or one whose weights sum to zero, yields 0.
func WeightedMean(dims map[string]float64, weights map[string]float64) float64 {
	names := make([]string, 0, len(dims))
	for d := range dims {
		names = append(names, d)
	}
	sort.Strings(names)

	var sum, total float64
	for _, d := range names {
		w, ok := weights[d]
		if !ok {
			w = 1.0
		}
		sum += w * dims[d]
		total += w
	}
	if total == 0 {
		return 0
	}
	return clamp(sum / total)
}

// prune applies the size and age bounds to the entity's histories and
// returns how many entries were dropped. Callers hold s.mu.
func (s *entityState) prune(cfg Config, now time.Time) int {
	var cutoff time.Time
	if cfg.RetentionDays > 0 {
		cutoff = now.AddDate(0, 0, -cfg.RetentionDays)
	}

	removed := 0
	for dim, h := range s.dimensions {
		start := 0
		for start < len(h) && h[start].Timestamp.Before(cutoff) {
			start++
		}
		if excess := len(h) - start - cfg.MaxDimensionHistory; excess > 0 {
			start += excess
		}
		if start > 0 {
			removed += start
			s.dimensions[dim] = append([]DimensionPoint(nil), h[start:]...)
		}
	}

	start := 0
	for start < len(s.aggregate) && s.aggregate[start].Timestamp.Before(cutoff) {
		start++
	}
	if excess := len(s.aggregate) - start - cfg.MaxAggregateHistory; excess > 0 {
		start += excess
	}
	if start > 0 {
		removed += start
		s.aggregate = append([]AggregatePoint(nil), s.aggregate[start:]...)
	}
	return removed
}

// GetEntityMetrics returns a copy of the entity's current record.
func (e *Engine) GetEntityMetrics(entityID string) (*EntityTrustRecord, bool) {
	s := e.entity(entityID, false)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return nil, false
	}
	return s.record.clone(), true
}

// GetDimensionHistory returns the dimension's history in chronological order.
// limit > 0 keeps only the most recent entries.
func (e *Engine) GetDimensionHistory(entityID, dimension string, limit int) ([]DimensionPoint, bool) {
	s := e.entity(entityID, false)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.dimensions[dimension]
	if !ok {
		return nil, false
	}
	return append([]DimensionPoint(nil), tail(len(h), limit, h)...), true
}

// GetAggregateHistory returns the entity's aggregate history in chronological
// order. limit > 0 keeps only the most recent entries.
func (e *Engine) GetAggregateHistory(entityID string, limit int) ([]AggregatePoint, bool) {
	s := e.entity(entityID, false)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return nil, false
	}
	h := tail(len(s.aggregate), limit, s.aggregate)
	out := make([]AggregatePoint, len(h))
	for i, p := range h {
		out[i] = p
		out[i].Dimensions = make(map[string]float64, len(p.Dimensions))
		for k, v := range p.Dimensions {
			out[i].Dimensions[k] = v
		}
	}
	return out, true
}

func tail[T any](n, limit int, h []T) []T {
	if limit > 0 && n > limit {
		return h[n-limit:]
	}
	return h
}

// PruneOldHistory applies the size and retention bounds to every entity and
// returns the number of history entries removed.
func (e *Engine) PruneOldHistory() int {
	now := e.clock.Now().UTC()

	removed := 0
	for _, s := range e.states() {
		s.mu.Lock()
		removed += s.prune(e.live.Load().cfg, now)
		s.mu.Unlock()
	}
	if removed > 0 {
		e.logger.Info("trust history pruned", zap.Int("removed", removed))
	}
	return removed
}

// states returns the entity states sorted by ID. Entity locks are taken only
// after e.mu is released.
func (e *Engine) states() []*entityState {
	e.mu.RLock()
	ids := make([]string, 0, len(e.entities))
	for id := range e.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*entityState, len(ids))
	for i, id := range ids {
		out[i] = e.entities[id]
	}
	e.mu.RUnlock()
	return out
}

// Entities returns the IDs of every entity with a record, sorted.
func (e *Engine) Entities() []string {
	states := e.states()
	out := make([]string, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		if s.record != nil {
			out = append(out, s.record.EntityID)
		}
		s.mu.Unlock()
	}
	return out
}

// Config returns a copy of the live configuration.
func (e *Engine) Config() Config {
	return e.live.Load().cfg.clone()
}

// UpdateConfig deep-merges patch into the live configuration. The merged
// result is validated in full before anything is committed. Keys use the
// mapstructure names of Config, e.g. {"dimension_weights": {"verification": 2}}.
func (e *Engine) UpdateConfig(patch map[string]any, authToken string) error {
	if e.authorizer != nil {
		if err := e.authorizer.Authorize(authToken); err != nil {
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
	}

	e.mu.Lock()
	prev := e.live.Load().cfg
	tree := prev.asMap()
	deepMerge(tree, patch)
	next, err := decodeConfig(tree)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := next.validate(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	scorers, err := compileScorers(next.Scorers, e.plugins)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	e.live.Store(&compiled{cfg: next, scorers: scorers})
	e.mu.Unlock()

	e.logger.Info("trust metrics config updated",
		zap.Int("weights", len(next.DimensionWeights)),
		zap.Int("scorers", len(next.Scorers)),
		zap.Int("max_dimension_history", next.MaxDimensionHistory),
		zap.Int("max_aggregate_history", next.MaxAggregateHistory),
		zap.Int("retention_days", next.RetentionDays),
	)
	if !maps.Equal(prev.DimensionWeights, next.DimensionWeights) {
		e.rescore()
	}
	return nil
}

// rescore recomputes every stored trust score under the live weights. The
// dimension scores and LastUpdated are left as they are.
func (e *Engine) rescore() {
	now := e.clock.Now().UTC()
	n := 0
	for _, s := range e.states() {
		s.mu.Lock()
		if s.record != nil {
			s.record.TrustScore = WeightedMean(s.record.Dimensions, e.live.Load().cfg.DimensionWeights)
			s.appendAggregate(now)
			s.prune(e.live.Load().cfg, now)
			n++
		}
		s.mu.Unlock()
	}
	if n > 0 {
		e.logger.Info("trust scores recomputed for new weights", zap.Int("entities", n))
	}
}
