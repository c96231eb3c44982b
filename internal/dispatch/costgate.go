package dispatch

import (
	"time"

	"noshow-workers/internal/models"
)

// CostGate decides whether a paid/template message may be sent for a booking.
// Free-form messages inside the gateway's session window cost nothing; once
// the window has closed only high-value or VIP bookings justify the template
// rate.
type CostGate struct {
	sessionWindow      time.Duration
	highValueThreshold float64
}

func NewCostGate(sessionWindow time.Duration) *CostGate {
	return &CostGate{
		sessionWindow:      sessionWindow,
		highValueThreshold: 100,
	}
}

// SessionOpen reports whether the free-form messaging window is still open,
// anchored on the customer's last inbound message.
func (g *CostGate) SessionOpen(bctx *models.BookingRiskContext, now time.Time) bool {
	if bctx.LastCustomerMessageAt == nil {
		return false
	}
	return now.Sub(*bctx.LastCustomerMessageAt) < g.sessionWindow
}

// IsSendAllowed reports whether an outbound message of the given type may be
// sent right now. Inside the session window everything is a free-form send.
// Outside it every message type goes out at the template rate, which only a
// high-value booking or a VIP customer justifies.
func (g *CostGate) IsSendAllowed(bctx *models.BookingRiskContext, messageType string, now time.Time) bool {
	if g.SessionOpen(bctx, now) {
		return true
	}
	switch messageType {
	case models.MessageTypeReminder, models.MessageTypeFollowUp, models.MessageTypeEscalation:
		return bctx.ServiceValue > g.highValueThreshold || bctx.IsVIP
	default:
		// Confirmations are always sent; their cost is part of the booking flow.
		return true
	}
}
