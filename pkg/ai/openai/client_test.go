package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathewab/actual-assist-sub002/pkg/ai"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{BaseURL: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)
	return srv, client
}

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}, "finish_reason": "stop"},
		},
	})
	return string(b)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestGenerateText(t *testing.T) {
	var gotAuth string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(completionBody("a grocery purchase")))
	})

	out, err := client.GenerateText(context.Background(), "categorize", "WHOLEFDS #123", false)
	require.NoError(t, err)
	assert.Equal(t, "a grocery purchase", out)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestGenerateStructured_SendsSchema(t *testing.T) {
	var gotBody map[string]any
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(completionBody(`{"categoryId":"c1"}`)))
	})

	schema := map[string]any{"type": "object"}
	out, err := client.GenerateStructured(context.Background(), "categorize", "input", schema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"categoryId":"c1"}`, out)

	format, ok := gotBody["response_format"].(map[string]any)
	require.True(t, ok, "request must carry response_format")
	assert.Equal(t, "json_schema", format["type"])
}

func TestGenerateText_APIErrorIsProviderError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	})

	_, err := client.GenerateText(context.Background(), "sys", "in", false)
	require.Error(t, err)
	assert.True(t, ai.IsProviderError(err))
	assert.NotContains(t, err.Error(), "test-key", "errors must never carry the API key")
}

func TestCapabilities(t *testing.T) {
	client, err := New(Config{APIKey: "k"})
	require.NoError(t, err)

	caps := client.Capabilities()
	assert.True(t, caps.StructuredOutput)
	assert.False(t, caps.WebSearch)
}
