package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"noshow-workers/internal/models"
)

// BookingStore reads booking risk context and writes the confirmation-read
// flag. Bookings themselves are owned by the wider product; this subsystem
// only touches the fields it is responsible for.
type BookingStore struct {
	db *sql.DB
}

func NewBookingStore(db *sql.DB) *BookingStore {
	return &BookingStore{db: db}
}

// GetRiskContext loads the read-only risk view for a booking.
func (s *BookingStore) GetRiskContext(ctx context.Context, bookingID string) (*models.BookingRiskContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT b.id, c.id, c.phone, c.name, b.appointment_time, s.name, s.price,
		       c.visit_count, c.no_show_count, c.is_vip, b.confirmation_read,
		       c.last_message_at
		FROM bookings b
		JOIN customers c ON c.id = b.customer_id
		JOIN services s ON s.id = b.service_id
		WHERE b.id = $1`, bookingID)

	var bctx models.BookingRiskContext
	err := row.Scan(
		&bctx.BookingID, &bctx.CustomerID, &bctx.CustomerPhone, &bctx.CustomerName,
		&bctx.AppointmentTime, &bctx.ServiceName, &bctx.ServiceValue,
		&bctx.VisitCount, &bctx.NoShowCount, &bctx.IsVIP, &bctx.ConfirmationRead,
		&bctx.LastCustomerMessageAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select booking risk context: %w", err)
	}
	return &bctx, nil
}

// SetConfirmationRead flags the booking once its confirmation message is read.
func (s *BookingStore) SetConfirmationRead(ctx context.Context, bookingID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bookings
		SET confirmation_read = TRUE
		WHERE id = $1`,
		bookingID,
	)
	if err != nil {
		return fmt.Errorf("set confirmation read: %w", err)
	}
	return nil
}
