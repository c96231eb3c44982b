package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"noshow-workers/internal/models"

	"github.com/google/uuid"
)

// ActionLogStore appends and queries the prevention-action log. Entries are
// never mutated; the log doubles as the dispatcher's idempotence record.
type ActionLogStore struct {
	db *sql.DB
}

func NewActionLogStore(db *sql.DB) *ActionLogStore {
	return &ActionLogStore{db: db}
}

// Append writes a new log entry. The entry ID and timestamp are assigned here
// when the caller left them zero.
func (s *ActionLogStore) Append(ctx context.Context, entry *models.PreventionAction) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal action metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prevention_actions (id, booking_id, message_id, tier, action, risk_score_at_time, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.BookingID, entry.MessageID, entry.Tier, entry.Action,
		entry.RiskScoreAtTime, metadata, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append prevention action: %w", err)
	}
	return nil
}

// HasAction reports whether an action of the given kind was already logged
// for this message within the given escalation tier.
func (s *ActionLogStore) HasAction(ctx context.Context, messageID, tier, action string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM prevention_actions
			WHERE message_id = $1 AND tier = $2 AND action = $3
		)`,
		messageID, tier, action,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check prevention action: %w", err)
	}
	return exists, nil
}

// ListForBooking returns the booking's action log, oldest first.
func (s *ActionLogStore) ListForBooking(ctx context.Context, bookingID string) ([]*models.PreventionAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, booking_id, message_id, tier, action, risk_score_at_time, metadata, created_at
		FROM prevention_actions
		WHERE booking_id = $1
		ORDER BY created_at`,
		bookingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list prevention actions: %w", err)
	}
	defer rows.Close()

	var out []*models.PreventionAction
	for rows.Next() {
		var entry models.PreventionAction
		var metadata []byte
		if err := rows.Scan(
			&entry.ID, &entry.BookingID, &entry.MessageID, &entry.Tier, &entry.Action,
			&entry.RiskScoreAtTime, &metadata, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan prevention action: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				entry.Metadata = nil
			}
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}
