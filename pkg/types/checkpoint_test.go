package types_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/checkpoint/pkg/types"
)

func TestCheckpointConfig_Effective(t *testing.T) {
	eff := types.CheckpointConfig{}.Effective()
	assert.Equal(t, types.DefaultTemperature, eff.Temperature)
	assert.Equal(t, types.DefaultContextDocs, eff.ContextDocs)
	assert.Equal(t, types.DefaultMaxHistory, eff.MaxHistory)

	eff = types.CheckpointConfig{
		Temperature:     types.Float64(0),
		ContextDocs:     2,
		MaxHistory:      4,
		PersonalityNote: "dry humor",
	}.Effective()
	assert.Equal(t, 0.0, eff.Temperature, "explicit zero temperature must be kept")
	assert.Equal(t, 2, eff.ContextDocs)
	assert.Equal(t, 4, eff.MaxHistory)
	assert.Equal(t, "dry humor", eff.PersonalityNote)
}

func TestCheckpointConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     types.CheckpointConfig
		wantErr bool
	}{
		{"empty", types.CheckpointConfig{}, false},
		{"full", types.CheckpointConfig{Temperature: types.Float64(1.2), ContextDocs: 3, MaxHistory: 10}, false},
		{"temperature too high", types.CheckpointConfig{Temperature: types.Float64(2.5)}, true},
		{"negative temperature", types.CheckpointConfig{Temperature: types.Float64(-0.1)}, true},
		{"negative context docs", types.CheckpointConfig{ContextDocs: -1}, true},
		{"huge history", types.CheckpointConfig{MaxHistory: types.MaxHistory + 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, types.ErrInvalidConfiguration), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSourceType_IsValid(t *testing.T) {
	for _, s := range types.ValidSourceTypes {
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, types.SourceType("tweet").IsValid())
	assert.False(t, types.SourceType("").IsValid())
}

func TestContentHash(t *testing.T) {
	assert.Equal(t, types.ContentHash("I like rain"), types.ContentHash("I like rain"))
	assert.NotEqual(t, types.ContentHash("I like rain"), types.ContentHash("I like rain."))
	assert.Len(t, types.ContentHash(""), 64)
}
