package types

import "time"

// Role is the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one append-only conversation entry. Seq is assigned by the store
// and breaks timestamp ties.
type Turn struct {
	ID                string    `json:"id"`
	Seq               int64     `json:"seq"`
	CheckpointVersion string    `json:"checkpoint_version"`
	Role              Role      `json:"role"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"created_at"`
}

// RetrievalResult is a scored document returned for attribution. It is never
// persisted.
type RetrievalResult struct {
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Relevance  float64 `json:"relevance"`
}

// Stats summarizes one checkpoint.
type Stats struct {
	Version       string `json:"version"`
	Documents     int    `json:"documents"`
	Vectors       int    `json:"vectors"`
	Messages      int    `json:"messages"`
	Conversations int    `json:"conversations"`
}
