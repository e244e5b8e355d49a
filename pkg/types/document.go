package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SourceType identifies where ingested text came from.
type SourceType string

const (
	SourceWriting SourceType = "writing"
	SourceMessage SourceType = "message"
	SourceCode    SourceType = "code"
	SourceEmail   SourceType = "email"
)

// ValidSourceTypes lists every accepted SourceType.
var ValidSourceTypes = []SourceType{SourceWriting, SourceMessage, SourceCode, SourceEmail}

// IsValid reports whether s is a known source type.
func (s SourceType) IsValid() bool {
	for _, v := range ValidSourceTypes {
		if s == v {
			return true
		}
	}
	return false
}

// DocumentStatus tracks the two-store write protocol.
type DocumentStatus string

const (
	// DocumentPending means the metadata row exists but the vector write has
	// not been confirmed.
	DocumentPending DocumentStatus = "pending"
	// DocumentCommitted means both stores hold the chunk.
	DocumentCommitted DocumentStatus = "committed"
)

// Document is one ingested chunk. Its ID doubles as the vector index key.
type Document struct {
	ID                string            `json:"id"`
	CheckpointVersion string            `json:"checkpoint_version"`
	SourceType        SourceType        `json:"source_type"`
	Content           string            `json:"content"`
	ContentHash       string            `json:"content_hash"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Status            DocumentStatus    `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
}

// EmbeddingID returns the vector index key for the document.
func (d *Document) EmbeddingID() string {
	return d.ID
}

// ContentHash returns the hex sha256 of a chunk, used for duplicate detection.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
