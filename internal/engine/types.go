// Package engine answers chat messages in the voice captured by a checkpoint.
// Each request resolves a checkpoint, retrieves the closest ingested chunks,
// assembles a deterministic prompt from them and the recent conversation,
// asks the generation service for a reply and records both turns.
package engine

import (
	"fmt"
	"time"

	"github.com/scrypster/checkpoint/pkg/types"
)

// Config holds configuration for the engine.
type Config struct {
	// SystemPrompt is the base persona text that opens every prompt
	// (default: DefaultSystemPrompt).
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature is used when a checkpoint sets none (default: 0.8).
	// Zero is a valid temperature, so unset is nil.
	Temperature *float64 `yaml:"temperature"`

	// RequestTimeout bounds each embedding and completion call (default: 60s).
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// HistoryLimit is the default page size of History (default: 50).
	HistoryLimit int `yaml:"history_limit"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:   DefaultSystemPrompt,
		Temperature:    types.Float64(types.DefaultTemperature),
		RequestTimeout: 60 * time.Second,
		HistoryLimit:   50,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if t := c.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("%w: temperature %.2f out of range [0, 2]", types.ErrInvalidConfiguration, *t)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: request_timeout must not be negative", types.ErrInvalidConfiguration)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("%w: history_limit must not be negative", types.ErrInvalidConfiguration)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SystemPrompt == "" {
		c.SystemPrompt = def.SystemPrompt
	}
	if c.Temperature == nil {
		c.Temperature = def.Temperature
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	return c
}

// ChatRequest is one user message. An empty Version means the active
// checkpoint.
type ChatRequest struct {
	Message string `json:"message"`
	Version string `json:"checkpoint_version,omitempty"`
}

// RegenerateRequest asks for a new reply to the latest user message.
type RegenerateRequest struct {
	Version string `json:"checkpoint_version,omitempty"`

	// Temperature overrides the checkpoint temperature for this reply only.
	Temperature *float64 `json:"temperature,omitempty"`
}

// ChatResponse is the generated reply with the documents it was grounded on.
type ChatResponse struct {
	Response          string                  `json:"response"`
	Sources           []types.RetrievalResult `json:"sources"`
	CheckpointVersion string                  `json:"checkpoint_version"`
}
