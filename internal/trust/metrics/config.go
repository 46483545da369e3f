package metrics

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Config controls scoring, weighting and history retention.
type Config struct {
	// DimensionWeights weights each dimension in the aggregate. Unlisted dimensions weigh 1.0.
	DimensionWeights map[string]float64 `mapstructure:"dimension_weights" json:"dimension_weights" validate:"dive,keys,required,endkeys,gte=0"`

	// Scorers selects the scoring strategy per dimension: "numeric", "field:<name>"
	// or "plugin:<name>". Unlisted dimensions use the default strategy.
	Scorers map[string]string `mapstructure:"scorers" json:"scorers" validate:"dive,keys,required,endkeys,scorer"`

	MaxDimensionHistory int `mapstructure:"max_dimension_history" json:"max_dimension_history" validate:"gte=1"`
	MaxAggregateHistory int `mapstructure:"max_aggregate_history" json:"max_aggregate_history" validate:"gte=1"`

	// RetentionDays drops history entries older than this many days. 0 keeps them indefinitely.
	RetentionDays int `mapstructure:"retention_days" json:"retention_days" validate:"gte=0"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DimensionWeights:    map[string]float64{},
		Scorers:             map[string]string{},
		MaxDimensionHistory: 100,
		MaxAggregateHistory: 100,
	}
}

// Authorizer checks that a caller may change engine configuration.
type Authorizer interface {
	Authorize(token string) error
}

var configValidator = func() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("scorer", func(fl validator.FieldLevel) bool {
		return validScorerSpec(fl.Field().String())
	})
	return v
}()

func (c Config) validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag())
	}
	return err
}

func (c Config) clone() Config {
	out := c
	out.DimensionWeights = make(map[string]float64, len(c.DimensionWeights))
	for k, v := range c.DimensionWeights {
		out.DimensionWeights[k] = v
	}
	out.Scorers = make(map[string]string, len(c.Scorers))
	for k, v := range c.Scorers {
		out.Scorers[k] = v
	}
	return out
}

// asMap renders the config as the generic tree that patches are merged into.
func (c Config) asMap() map[string]any {
	weights := make(map[string]any, len(c.DimensionWeights))
	for k, v := range c.DimensionWeights {
		weights[k] = v
	}
	scorers := make(map[string]any, len(c.Scorers))
	for k, v := range c.Scorers {
		scorers[k] = v
	}
	return map[string]any{
		"dimension_weights":     weights,
		"scorers":               scorers,
		"max_dimension_history": c.MaxDimensionHistory,
		"max_aggregate_history": c.MaxAggregateHistory,
		"retention_days":        c.RetentionDays,
	}
}

// deepMerge merges patch into dst. Nested maps merge key by key; any other
// value overwrites.
func deepMerge(dst, patch map[string]any) {
	for k, pv := range patch {
		pm, pIsMap := pv.(map[string]any)
		dm, dIsMap := dst[k].(map[string]any)
		if pIsMap && dIsMap {
			deepMerge(dm, pm)
			continue
		}
		dst[k] = pv
	}
}

// decodeConfig turns a merged tree back into a Config. Unknown keys are errors.
func decodeConfig(tree map[string]any) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(tree); err != nil {
		return Config{}, err
	}
	if cfg.DimensionWeights == nil {
		cfg.DimensionWeights = map[string]float64{}
	}
	if cfg.Scorers == nil {
		cfg.Scorers = map[string]string{}
	}
	return cfg, nil
}
