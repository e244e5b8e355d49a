// Package chunker splits source text into fixed-size overlapping segments.
package chunker

import (
	"fmt"
	"iter"

	"github.com/scrypster/checkpoint/pkg/types"
)

// Defaults match the ingestion defaults of the CLI and HTTP surface.
const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Config controls chunk geometry. Both values are measured in characters
// (runes), not bytes.
type Config struct {
	Size    int `json:"size" yaml:"size"`
	Overlap int `json:"overlap" yaml:"overlap"`
}

// DefaultConfig returns Size 1000, Overlap 200.
func DefaultConfig() Config {
	return Config{Size: DefaultSize, Overlap: DefaultOverlap}
}

// Validate rejects geometries that cannot make progress.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", types.ErrInvalidConfiguration, c.Size)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("%w: chunk overlap must not be negative, got %d", types.ErrInvalidConfiguration, c.Overlap)
	}
	if c.Overlap >= c.Size {
		return fmt.Errorf("%w: chunk overlap %d must be smaller than chunk size %d", types.ErrInvalidConfiguration, c.Overlap, c.Size)
	}
	return nil
}

// Chunker produces overlapping chunks for a validated Config.
type Chunker struct {
	size   int
	stride int
}

// New validates cfg and returns a Chunker.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{size: cfg.Size, stride: cfg.Size - cfg.Overlap}, nil
}

// Chunks returns a lazy sequence over text. Consecutive chunks share exactly
// Overlap characters; the last chunk may be shorter than Size. Text no longer
// than Size is yielded whole, and empty text yields nothing. The sequence can
// be ranged over any number of times.
func (c *Chunker) Chunks(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if text == "" {
			return
		}
		runes := []rune(text)
		for start := 0; ; start += c.stride {
			end := min(start+c.size, len(runes))
			if !yield(string(runes[start:end])) {
				return
			}
			if end == len(runes) {
				return
			}
		}
	}
}

// Collect materializes Chunks into a slice.
func (c *Chunker) Collect(text string) []string {
	var out []string
	for chunk := range c.Chunks(text) {
		out = append(out, chunk)
	}
	return out
}
