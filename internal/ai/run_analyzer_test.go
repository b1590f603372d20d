package ai

import (
	"FlowDAQ/internal/config"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeOpenAI(t *testing.T, handler http.HandlerFunc) config.AIConfig {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return config.AIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini"}
}

func TestRunAnalyzer_AnalyzeRun(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	cfg := fakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Sensors look **stable**."},"finish_reason":"stop"}]}`))
	})

	a, err := NewRunAnalyzer(cfg)
	require.NoError(t, err)

	out, err := a.AnalyzeRun(context.Background(), "sensor1 mean 1.00")
	require.NoError(t, err)
	assert.Equal(t, "Sensors look **stable**.", out)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "--- Run Summary ---\nsensor1 mean 1.00\n")
}

func TestRunAnalyzer_NoChoices(t *testing.T) {
	cfg := fakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[]}`))
	})
	a, err := NewRunAnalyzer(cfg)
	require.NoError(t, err)

	_, err = a.AnalyzeRun(context.Background(), "x")
	assert.EqualError(t, err, "OpenAI API returned no choices")
}

func TestRunAnalyzer_APIError(t *testing.T) {
	cfg := fakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	})
	a, err := NewRunAnalyzer(cfg)
	require.NoError(t, err)

	_, err = a.AnalyzeRun(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OpenAI API error")
}

func TestNewRunAnalyzer_RequiresKey(t *testing.T) {
	_, err := NewRunAnalyzer(config.AIConfig{Model: "gpt-4o-mini"})
	assert.Error(t, err)
}
