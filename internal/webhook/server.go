// Package webhook exposes the HTTP endpoint the messaging gateway calls with
// delivery-status events. Requests are authenticated by HMAC signature
// before any payload is parsed; an unsigned request never reaches ingestion.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	stderrors "noshow-workers/internal/common/errors"
	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/common/metrics"
	"noshow-workers/internal/models"

	"github.com/xeipuuv/gojsonschema"
)

const statusEventSchema = `{
	"type": "object",
	"required": ["messageId", "status"],
	"properties": {
		"messageId":   {"type": "string", "minLength": 1},
		"status":      {"type": "string", "enum": ["sent", "delivered", "read", "failed"]},
		"occurredAt":  {"type": "string", "format": "date-time"},
		"recipientId": {"type": "string"}
	}
}`

// Ingestor applies a validated status event.
type Ingestor interface {
	Ingest(ctx context.Context, event *models.StatusEvent) error
}

type Server struct {
	ingestor Ingestor
	secret   string
	schema   *gojsonschema.Schema
	logger   logger.Logger
	server   *http.Server
}

func NewServer(addr, secret string, ingestor Ingestor, log logger.Logger) (*Server, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(statusEventSchema))
	if err != nil {
		return nil, err
	}

	s := &Server{
		ingestor: ingestor,
		secret:   secret,
		schema:   schema,
		logger:   log.WithFields(map[string]interface{}{"component": "webhook-server"}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/status", s.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s, nil
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !verifySignature(s.secret, body, r.Header.Get("X-Signature")) {
		s.logger.Warn("webhook signature rejected", map[string]interface{}{
			"remoteAddr": r.RemoteAddr,
		})
		metrics.StatusEventsRejected.WithLabelValues("bad_signature").Inc()
		s.writeError(w, http.StatusUnauthorized, stderrors.NewSignatureInvalidError("signature mismatch"))
		return
	}

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil || !result.Valid() {
		details := "malformed JSON"
		if err == nil {
			details = fmt.Sprintf("%v", result.Errors())
		}
		s.logger.Warn("webhook payload rejected", map[string]interface{}{
			"remoteAddr": r.RemoteAddr,
			"details":    details,
		})
		metrics.StatusEventsRejected.WithLabelValues("bad_payload").Inc()
		s.writeError(w, http.StatusBadRequest, stderrors.NewInvalidPayloadError(details))
		return
	}

	var event models.StatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.writeError(w, http.StatusBadRequest, stderrors.NewInvalidPayloadError(err.Error()))
		return
	}

	if err := s.ingestor.Ingest(r.Context(), &event); err != nil {
		s.logger.Error("failed to ingest status event", map[string]interface{}{
			"messageId": event.MessageID,
			"error":     err,
		})
		// 500 tells the gateway to retry; ingestion is idempotent so a
		// redelivery is safe.
		http.Error(w, "ingestion failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"accepted":true}`))
}

func (s *Server) writeError(w http.ResponseWriter, status int, stdErr *stderrors.StandardError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   string(stdErr.Code),
		"message": stdErr.Message,
	})
}
