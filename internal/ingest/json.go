package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scrypster/checkpoint/pkg/types"
)

// Message is one pre-parsed message to ingest.
type Message struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ParseMessages decodes a JSON array of message objects. Each object needs a
// non-empty "text" field; its other scalar fields become metadata.
func ParseMessages(data []byte) ([]Message, error) {
	var raw []map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: expected a JSON array of messages: %v", types.ErrInvalidConfiguration, err)
	}

	messages := make([]Message, 0, len(raw))
	for _, obj := range raw {
		text, _ := obj["text"].(string)
		delete(obj, "text")
		msg := Message{Text: text, Metadata: scalarMetadata(obj)}
		if nested, ok := obj["metadata"].(map[string]interface{}); ok {
			for k, v := range scalarMetadata(nested) {
				msg.Metadata[k] = v
			}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// extractJSON turns a message export into one item per message. Messages
// without text are kept so they are reported rather than silently dropped.
func extractJSON(path string, data []byte) ([]Item, error) {
	messages, err := ParseMessages(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return messageItems(path, messages), nil
}

func messageItems(prefix string, messages []Message) []Item {
	items := make([]Item, 0, len(messages))
	for i, m := range messages {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		items = append(items, Item{
			Source:   fmt.Sprintf("%s#%d", prefix, i),
			Text:     strings.TrimSpace(m.Text),
			Metadata: md,
		})
	}
	return items
}
