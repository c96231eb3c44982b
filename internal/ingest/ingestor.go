// Package ingest applies gateway delivery-status callbacks to the message
// tracking store. Transitions are forward-only (sent -> delivered -> read,
// sideways to failed); anything arriving out of order or twice is dropped
// without touching the record.
package ingest

import (
	"context"
	"fmt"
	"time"

	stderrors "noshow-workers/internal/common/errors"
	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/common/metrics"
	"noshow-workers/internal/models"
	"noshow-workers/internal/store"

	"github.com/redis/go-redis/v9"
)

// TrackingStore is the subset of the tracking store the ingestor needs.
type TrackingStore interface {
	Create(ctx context.Context, rec *models.MessageTracking) error
	GetByMessageID(ctx context.Context, messageID string) (*models.MessageTracking, error)
	MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error)
	MarkRead(ctx context.Context, messageID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, messageID string, at time.Time) (bool, error)
}

// BookingStore marks the booking confirmed once its confirmation is read.
type BookingStore interface {
	SetConfirmationRead(ctx context.Context, bookingID string) error
}

// EvaluationPublisher hands a booking to the risk-evaluation workflow. The
// ingestor never scores inline; the webhook path has to stay fast.
type EvaluationPublisher interface {
	PublishEvaluation(ctx context.Context, bookingID, messageID string) error
}

type Ingestor struct {
	tracking  TrackingStore
	bookings  BookingStore
	publisher EvaluationPublisher
	redis     *redis.Client
	dedupeTTL time.Duration
	logger    logger.Logger
}

func NewIngestor(
	tracking TrackingStore,
	bookings BookingStore,
	publisher EvaluationPublisher,
	redisClient *redis.Client,
	dedupeTTL time.Duration,
	log logger.Logger,
) *Ingestor {
	return &Ingestor{
		tracking:  tracking,
		bookings:  bookings,
		publisher: publisher,
		redis:     redisClient,
		dedupeTTL: dedupeTTL,
		logger:    log.WithFields(map[string]interface{}{"component": "ingestor"}),
	}
}

// TrackOutbound records a freshly sent message. Called by whatever sends the
// confirmation; every later status event keys off this row.
func (i *Ingestor) TrackOutbound(ctx context.Context, rec *models.MessageTracking) error {
	if rec.Status == "" {
		rec.Status = models.StatusSent
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	if err := i.tracking.Create(ctx, rec); err != nil {
		return stderrors.NewQueryExecutionFailedError("create tracking record", err)
	}
	i.logger.Info("outbound message tracked", map[string]interface{}{
		"messageId":   rec.MessageID,
		"bookingId":   rec.BookingID,
		"messageType": rec.MessageType,
	})
	return nil
}

// Ingest applies one status event. Duplicate, unknown and stale events are
// absorbed here and never surface as webhook errors.
func (i *Ingestor) Ingest(ctx context.Context, event *models.StatusEvent) error {
	if dup, err := i.seenBefore(ctx, event); err != nil {
		// Dedupe is an optimization; the CAS updates below are the
		// real idempotence guarantee. Carry on without it.
		i.logger.Warn("dedupe check unavailable", map[string]interface{}{
			"messageId": event.MessageID,
			"error":     err,
		})
	} else if dup {
		i.logger.Debug("duplicate status event dropped", map[string]interface{}{
			"messageId": event.MessageID,
			"status":    event.Status,
		})
		metrics.StatusEventsRejected.WithLabelValues("duplicate").Inc()
		return nil
	}

	rec, err := i.tracking.GetByMessageID(ctx, event.MessageID)
	if err == store.ErrNotFound {
		i.logger.Warn("status event for unknown message", map[string]interface{}{
			"messageId": event.MessageID,
			"status":    event.Status,
		})
		metrics.StatusEventsRejected.WithLabelValues("unknown_message").Inc()
		return nil
	}
	if err != nil {
		i.releaseClaim(ctx, event)
		return stderrors.NewQueryExecutionFailedError("load tracking record", err)
	}

	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var applied bool
	switch event.Status {
	case models.StatusSent:
		// Echo of the initial send; the record was created in this
		// state by TrackOutbound.
		metrics.StatusEventsRejected.WithLabelValues("sent_echo").Inc()
		return nil
	case models.StatusDelivered:
		applied, err = i.tracking.MarkDelivered(ctx, event.MessageID, at)
	case models.StatusRead:
		applied, err = i.tracking.MarkRead(ctx, event.MessageID, at)
	case models.StatusFailed:
		applied, err = i.tracking.MarkFailed(ctx, event.MessageID, at)
	default:
		i.logger.Warn("unrecognized status in event", map[string]interface{}{
			"messageId": event.MessageID,
			"status":    event.Status,
		})
		metrics.StatusEventsRejected.WithLabelValues("bad_status").Inc()
		return nil
	}
	if err != nil {
		i.releaseClaim(ctx, event)
		return stderrors.NewQueryExecutionFailedError("apply status transition", err)
	}

	if !applied {
		if event.Status == rec.Status {
			// Same-status replay. An earlier delivery applied the
			// transition but may have died before the follow-on
			// work, so that part runs again; it is idempotent.
			i.logger.Info("status event replayed", map[string]interface{}{
				"messageId": event.MessageID,
				"status":    event.Status,
			})
			if err := i.afterTransition(ctx, rec, event.Status); err != nil {
				i.releaseClaim(ctx, event)
				return err
			}
			return nil
		}
		staleErr := stderrors.NewStaleTransitionError(event.MessageID, rec.Status, event.Status)
		i.logger.Info("stale status transition dropped", map[string]interface{}{
			"messageId": event.MessageID,
			"details":   staleErr.Details,
		})
		metrics.StatusEventsRejected.WithLabelValues("stale_transition").Inc()
		return nil
	}

	i.logger.Info("status transition applied", map[string]interface{}{
		"messageId": event.MessageID,
		"bookingId": rec.BookingID,
		"from":      rec.Status,
		"to":        event.Status,
	})
	metrics.StatusEventsIngested.WithLabelValues(event.Status).Inc()

	if err := i.afterTransition(ctx, rec, event.Status); err != nil {
		// The gateway redelivers on a 5xx; the dedupe claim must not
		// swallow that redelivery, or the evaluation is lost for good.
		// The CAS transition stays applied and is a no-op on replay.
		i.releaseClaim(ctx, event)
		return err
	}
	return nil
}

// afterTransition kicks off the follow-on work a transition implies. Only
// confirmation messages drive the risk workflow.
func (i *Ingestor) afterTransition(ctx context.Context, rec *models.MessageTracking, newStatus string) error {
	if rec.MessageType != models.MessageTypeConfirmation {
		return nil
	}

	switch newStatus {
	case models.StatusDelivered:
		// Delivered but not yet read: start the read-check clock.
		return i.publishEvaluation(ctx, rec)
	case models.StatusRead:
		// Read collapses the risk; re-evaluate so any pending
		// follow-up sees the new state, and flag the booking.
		if err := i.bookings.SetConfirmationRead(ctx, rec.BookingID); err != nil {
			i.logger.Error("failed to flag booking confirmation read", map[string]interface{}{
				"bookingId": rec.BookingID,
				"error":     err,
			})
		}
		return i.publishEvaluation(ctx, rec)
	}
	return nil
}

func (i *Ingestor) publishEvaluation(ctx context.Context, rec *models.MessageTracking) error {
	if err := i.publisher.PublishEvaluation(ctx, rec.BookingID, rec.MessageID); err != nil {
		return stderrors.NewScheduleFailedError(rec.MessageID, err)
	}
	return nil
}

// seenBefore claims a short-lived dedupe key for the (message, status) pair.
// First claim wins; deliveries of the same webhook retried by the gateway
// land on an existing key.
func (i *Ingestor) seenBefore(ctx context.Context, event *models.StatusEvent) (bool, error) {
	if i.redis == nil {
		return false, nil
	}
	key := fmt.Sprintf("noshow:event:%s:%s", event.MessageID, event.Status)
	ok, err := i.redis.SetNX(ctx, key, 1, i.dedupeTTL).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// releaseClaim drops the dedupe key after a failed ingest so the gateway's
// redelivery is processed instead of being dropped as a duplicate.
func (i *Ingestor) releaseClaim(ctx context.Context, event *models.StatusEvent) {
	if i.redis == nil {
		return
	}
	key := fmt.Sprintf("noshow:event:%s:%s", event.MessageID, event.Status)
	if err := i.redis.Del(ctx, key).Err(); err != nil {
		i.logger.Warn("failed to release dedupe claim", map[string]interface{}{
			"messageId": event.MessageID,
			"status":    event.Status,
			"error":     err,
		})
	}
}
