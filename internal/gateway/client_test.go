package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"noshow-workers/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key", 5*time.Second, logger.NewTestLogger(t))
}

func TestSendText(t *testing.T) {
	var captured map[string]interface{}
	client := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(SendResult{MessageID: "wamid.123"})
	})

	result, err := client.SendText(context.Background(), "+447700900000", "see you tomorrow")
	require.NoError(t, err)

	assert.Equal(t, "wamid.123", result.MessageID)
	assert.Equal(t, "text", captured["type"])
	assert.Equal(t, "+447700900000", captured["to"])
}

func TestSendTemplate(t *testing.T) {
	var captured map[string]interface{}
	client := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(SendResult{MessageID: "wamid.456"})
	})

	result, err := client.SendTemplate(context.Background(), "+447700900000", "appointment_reminder", map[string]string{
		"name": "Dana",
	})
	require.NoError(t, err)

	assert.Equal(t, "wamid.456", result.MessageID)
	assert.Equal(t, "template", captured["type"])
	assert.Equal(t, "appointment_reminder", captured["template"])
}

func TestSend_GatewayErrorSurfaces(t *testing.T) {
	client := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := client.SendText(context.Background(), "+447700900000", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
