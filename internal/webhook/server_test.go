package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "shh-not-telling"

type stubIngestor struct {
	events []*models.StatusEvent
	err    error
}

func (s *stubIngestor) Ingest(_ context.Context, event *models.StatusEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func createTestServer(t *testing.T) (*Server, *stubIngestor) {
	ingestor := &stubIngestor{}
	srv, err := NewServer(":0", testSecret, ingestor, logger.NewTestLogger(t))
	require.NoError(t, err)
	return srv, ingestor
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postStatus(srv *Server, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/status", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleStatus_ValidEventAccepted(t *testing.T) {
	srv, ingestor := createTestServer(t)
	body := []byte(`{"messageId":"msg-1","status":"delivered","occurredAt":"2025-03-11T10:00:00Z"}`)

	rec := postStatus(srv, body, sign(testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ingestor.events, 1)
	assert.Equal(t, "msg-1", ingestor.events[0].MessageID)
	assert.Equal(t, models.StatusDelivered, ingestor.events[0].Status)
}

func TestHandleStatus_SentEchoAccepted(t *testing.T) {
	// Some gateways echo the initial send as a status callback; it must
	// clear validation and reach the ingestor, which treats it as a no-op.
	srv, ingestor := createTestServer(t)
	body := []byte(`{"messageId":"msg-1","status":"sent","occurredAt":"2025-03-11T09:00:00Z"}`)

	rec := postStatus(srv, body, sign(testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ingestor.events, 1)
	assert.Equal(t, models.StatusSent, ingestor.events[0].Status)
}

func TestHandleStatus_MissingSignatureRejected(t *testing.T) {
	srv, ingestor := createTestServer(t)
	body := []byte(`{"messageId":"msg-1","status":"delivered"}`)

	rec := postStatus(srv, body, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ingestor.events)
}

func TestHandleStatus_WrongSignatureRejected(t *testing.T) {
	srv, ingestor := createTestServer(t)
	body := []byte(`{"messageId":"msg-1","status":"delivered"}`)

	rec := postStatus(srv, body, sign("wrong-secret", body))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ingestor.events)
}

func TestHandleStatus_TamperedBodyRejected(t *testing.T) {
	srv, ingestor := createTestServer(t)
	original := []byte(`{"messageId":"msg-1","status":"delivered"}`)
	tampered := []byte(`{"messageId":"msg-1","status":"read"}`)

	rec := postStatus(srv, tampered, sign(testSecret, original))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ingestor.events)
}

func TestHandleStatus_InvalidPayloadRejected(t *testing.T) {
	srv, ingestor := createTestServer(t)

	tests := []struct {
		name string
		body []byte
	}{
		{"missing messageId", []byte(`{"status":"delivered"}`)},
		{"unknown status value", []byte(`{"messageId":"msg-1","status":"teleported"}`)},
		{"not json", []byte(`delivered!`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postStatus(srv, tt.body, sign(testSecret, tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, ingestor.events)
}

func TestHandleStatus_IngestErrorReturns500(t *testing.T) {
	srv, ingestor := createTestServer(t)
	ingestor.err = errors.New("database down")
	body := []byte(`{"messageId":"msg-1","status":"delivered"}`)

	rec := postStatus(srv, body, sign(testSecret, body))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleStatus_MethodNotAllowed(t *testing.T) {
	srv, _ := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
