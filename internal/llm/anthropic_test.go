package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/checkpoint/pkg/types"
)

func TestAnthropicClient_Complete(t *testing.T) {
	var got anthropicMessagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Coffee first."}]}`))
	}))
	defer server.Close()

	client := NewAnthropicClient(AnthropicConfig{APIKey: "secret", BaseURL: server.URL})
	reply, err := client.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "persona"},
		{Role: RoleUser, Content: "morning?"},
		{Role: RoleAssistant, Content: "slow"},
		{Role: RoleUser, Content: "and?"},
	}, 1.6)
	require.NoError(t, err)
	assert.Equal(t, "Coffee first.", reply)

	assert.Equal(t, "persona", got.System)
	assert.Len(t, got.Messages, 3, "system messages are lifted out")
	assert.Equal(t, 1.0, got.Temperature, "temperature is capped at 1")
	assert.Equal(t, 1024, got.MaxTokens)
}

func TestAnthropicClient_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
	}))
	defer server.Close()

	client := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: server.URL})
	_, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, 0.5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrExternalService))
	assert.Contains(t, err.Error(), "429")
}
