// Package store is the persistence layer for message tracking records, the
// prevention-action log and booking risk context. Status transitions are
// enforced with compare-and-swap WHERE clauses so concurrent or duplicate
// webhook deliveries cannot move a record backward, even with multiple
// service instances running against the same database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"noshow-workers/internal/models"
)

var (
	// ErrNotFound indicates no tracking record exists for the message ID.
	ErrNotFound = errors.New("tracking record not found")
)

// TrackingStore persists MessageTracking records in PostgreSQL.
type TrackingStore struct {
	db *sql.DB
}

func NewTrackingStore(db *sql.DB) *TrackingStore {
	return &TrackingStore{db: db}
}

const trackingColumns = `message_id, conversation_id, booking_id, message_type, status,
	sent_at, delivered_at, read_at, follow_up_scheduled, follow_up_sent_count,
	risk_score, escalation_triggered`

// Create inserts a new tracking record. Called exactly once, when the
// confirmation message is sent.
func (s *TrackingStore) Create(ctx context.Context, rec *models.MessageTracking) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_tracking (`+trackingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.MessageID, rec.ConversationID, rec.BookingID, rec.MessageType, rec.Status,
		rec.SentAt, rec.DeliveredAt, rec.ReadAt, rec.FollowUpScheduled, rec.FollowUpSentCount,
		rec.RiskScore, rec.EscalationTriggered,
	)
	if err != nil {
		return fmt.Errorf("insert tracking record: %w", err)
	}
	return nil
}

// GetByMessageID loads the current tracking record. Callers in the firing
// path must always re-read through this method rather than act on a record
// captured at scheduling time.
func (s *TrackingStore) GetByMessageID(ctx context.Context, messageID string) (*models.MessageTracking, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+trackingColumns+`
		FROM message_tracking
		WHERE message_id = $1`, messageID)

	var rec models.MessageTracking
	err := row.Scan(
		&rec.MessageID, &rec.ConversationID, &rec.BookingID, &rec.MessageType, &rec.Status,
		&rec.SentAt, &rec.DeliveredAt, &rec.ReadAt, &rec.FollowUpScheduled, &rec.FollowUpSentCount,
		&rec.RiskScore, &rec.EscalationTriggered,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select tracking record: %w", err)
	}
	return &rec, nil
}

// MarkDelivered transitions sent -> delivered and stamps delivered_at once.
// Returns false when the record is already at delivered or beyond, which the
// caller treats as a duplicate or stale event, not an error.
func (s *TrackingStore) MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_tracking
		SET status = $2, delivered_at = $3
		WHERE message_id = $1 AND status = $4`,
		messageID, models.StatusDelivered, at, models.StatusSent,
	)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	return oneRowAffected(res)
}

// MarkRead transitions into read and stamps read_at once. A read event
// arriving before its delivered event collapses both: delivered_at is
// backfilled with the read timestamp so delivered_at <= read_at always holds.
func (s *TrackingStore) MarkRead(ctx context.Context, messageID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_tracking
		SET status = $2, read_at = $3, delivered_at = COALESCE(delivered_at, $3)
		WHERE message_id = $1 AND status IN ($4, $5) AND read_at IS NULL`,
		messageID, models.StatusRead, at, models.StatusSent, models.StatusDelivered,
	)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	return oneRowAffected(res)
}

// MarkFailed moves the record sideways into the terminal failed status.
func (s *TrackingStore) MarkFailed(ctx context.Context, messageID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_tracking
		SET status = $2
		WHERE message_id = $1 AND status <> $2`,
		messageID, models.StatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return oneRowAffected(res)
}

// MarkFollowUpScheduled latches follow_up_scheduled. Returns false when a
// follow-up is already scheduled, so a second scheduling attempt is a no-op.
func (s *TrackingStore) MarkFollowUpScheduled(ctx context.Context, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_tracking
		SET follow_up_scheduled = TRUE
		WHERE message_id = $1 AND follow_up_scheduled = FALSE`,
		messageID,
	)
	if err != nil {
		return false, fmt.Errorf("mark follow-up scheduled: %w", err)
	}
	return oneRowAffected(res)
}

// ClearFollowUpScheduled rolls the latch back after a failed external
// schedule call, so the record stays eligible for the reconcile sweep.
func (s *TrackingStore) ClearFollowUpScheduled(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_tracking
		SET follow_up_scheduled = FALSE
		WHERE message_id = $1`,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("clear follow-up scheduled: %w", err)
	}
	return nil
}

// IncrementFollowUpCount bumps the monotonically increasing send counter.
// Only called after a successful gateway send.
func (s *TrackingStore) IncrementFollowUpCount(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_tracking
		SET follow_up_sent_count = follow_up_sent_count + 1
		WHERE message_id = $1`,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("increment follow-up count: %w", err)
	}
	return nil
}

// SetEscalationTriggered latches escalation_triggered false -> true. Returns
// false when it was already set; the flag is never reset.
func (s *TrackingStore) SetEscalationTriggered(ctx context.Context, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_tracking
		SET escalation_triggered = TRUE
		WHERE message_id = $1 AND escalation_triggered = FALSE`,
		messageID,
	)
	if err != nil {
		return false, fmt.Errorf("set escalation triggered: %w", err)
	}
	return oneRowAffected(res)
}

// UpdateRiskScore persists the last computed risk score.
func (s *TrackingStore) UpdateRiskScore(ctx context.Context, messageID string, score int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_tracking
		SET risk_score = $2
		WHERE message_id = $1`,
		messageID, score,
	)
	if err != nil {
		return fmt.Errorf("update risk score: %w", err)
	}
	return nil
}

// FindOrphanedFollowUps returns unread confirmation records marked as
// scheduled whose check never produced an action within the cutoff. Used by
// the reconcile sweep to re-publish timers that were lost between the store
// write and the workflow engine.
func (s *TrackingStore) FindOrphanedFollowUps(ctx context.Context, olderThan time.Time, limit int) ([]*models.MessageTracking, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+trackingColumns+`
		FROM message_tracking t
		WHERE t.message_type = $1
		  AND t.follow_up_scheduled = TRUE
		  AND t.read_at IS NULL
		  AND t.status NOT IN ($2)
		  AND t.follow_up_sent_count = 0
		  AND t.escalation_triggered = FALSE
		  AND t.sent_at < $3
		  AND NOT EXISTS (
			SELECT 1 FROM prevention_actions a WHERE a.message_id = t.message_id
		  )
		ORDER BY t.sent_at
		LIMIT $4`,
		models.MessageTypeConfirmation, models.StatusFailed, olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find orphaned follow-ups: %w", err)
	}
	defer rows.Close()

	var out []*models.MessageTracking
	for rows.Next() {
		var rec models.MessageTracking
		if err := rows.Scan(
			&rec.MessageID, &rec.ConversationID, &rec.BookingID, &rec.MessageType, &rec.Status,
			&rec.SentAt, &rec.DeliveredAt, &rec.ReadAt, &rec.FollowUpScheduled, &rec.FollowUpSentCount,
			&rec.RiskScore, &rec.EscalationTriggered,
		); err != nil {
			return nil, fmt.Errorf("scan orphaned follow-up: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func oneRowAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
