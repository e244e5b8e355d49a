package types

import (
	"fmt"
	"time"
)

// Defaults applied when a CheckpointConfig field is left unset.
const (
	DefaultTemperature = 0.8
	DefaultContextDocs = 5
	DefaultMaxHistory  = 20

	MaxContextDocs = 50
	MaxHistory     = 200
)

// Checkpoint is a versioned, isolated snapshot of ingested data plus the
// behavioral configuration used when chatting against it.
type Checkpoint struct {
	Version     string           `json:"version"`
	Description string           `json:"description"`
	Config      CheckpointConfig `json:"config"`
	IsActive    bool             `json:"is_active"`
	CreatedAt   time.Time        `json:"created_at"`
}

// CheckpointConfig holds the per-checkpoint knobs. Zero values mean "use the
// default"; see Effective.
type CheckpointConfig struct {
	// PersonalityNote is appended to the system prompt.
	PersonalityNote string `json:"personality_note,omitempty" yaml:"personality_note,omitempty"`

	// TemperatureNote describes tone or energy, appended to the system prompt.
	TemperatureNote string `json:"temperature_note,omitempty" yaml:"temperature_note,omitempty"`

	// Temperature for completion calls (0 to 2). Nil means DefaultTemperature.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// ContextDocs is how many retrieved documents go into the prompt.
	ContextDocs int `json:"context_docs,omitempty" yaml:"context_docs,omitempty"`

	// MaxHistory bounds the conversation window sent with each request.
	MaxHistory int `json:"max_history,omitempty" yaml:"max_history,omitempty"`
}

// Validate rejects out-of-range values.
func (c CheckpointConfig) Validate() error {
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("%w: temperature %.2f out of range [0, 2]", ErrInvalidConfiguration, *c.Temperature)
	}
	if c.ContextDocs < 0 || c.ContextDocs > MaxContextDocs {
		return fmt.Errorf("%w: context_docs %d out of range [0, %d]", ErrInvalidConfiguration, c.ContextDocs, MaxContextDocs)
	}
	if c.MaxHistory < 0 || c.MaxHistory > MaxHistory {
		return fmt.Errorf("%w: max_history %d out of range [0, %d]", ErrInvalidConfiguration, c.MaxHistory, MaxHistory)
	}
	return nil
}

// EffectiveConfig is a CheckpointConfig with every default resolved.
type EffectiveConfig struct {
	PersonalityNote string
	TemperatureNote string
	Temperature     float64
	ContextDocs     int
	MaxHistory      int
}

// Effective resolves unset fields against the package defaults.
func (c CheckpointConfig) Effective() EffectiveConfig {
	out := EffectiveConfig{
		PersonalityNote: c.PersonalityNote,
		TemperatureNote: c.TemperatureNote,
		Temperature:     DefaultTemperature,
		ContextDocs:     DefaultContextDocs,
		MaxHistory:      DefaultMaxHistory,
	}
	if c.Temperature != nil {
		out.Temperature = *c.Temperature
	}
	if c.ContextDocs > 0 {
		out.ContextDocs = c.ContextDocs
	}
	if c.MaxHistory > 0 {
		out.MaxHistory = c.MaxHistory
	}
	return out
}

// Float64 returns a pointer to v, for optional config fields.
func Float64(v float64) *float64 {
	return &v
}
