package storage

import (
	"errors"
	"math"
)

var (
	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateContent indicates a chunk whose hash already exists in the
	// checkpoint.
	ErrDuplicateContent = errors.New("duplicate content")
)

// Match is a single vector index hit.
type Match struct {
	DocumentID string
	Content    string
	// Similarity is the raw cosine similarity in [-1, 1].
	Similarity float64
}

// Relevance maps cosine similarity onto [0, 1].
func (m Match) Relevance() float64 {
	r := (m.Similarity + 1) / 2
	return math.Max(0, math.Min(1, r))
}

// ListOptions contains pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize applies defaults and bounds.
func (o *ListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Namespace returns the vector index namespace owned by a checkpoint.
func Namespace(version string) string {
	return "checkpoint_" + version
}
