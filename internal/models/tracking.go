package models

import "time"

// Message types for outbound appointment messages.
const (
	MessageTypeConfirmation = "confirmation"
	MessageTypeReminder     = "reminder"
	MessageTypeFollowUp     = "follow_up"
	MessageTypeEscalation   = "escalation"
)

// Delivery statuses. Transitions only move forward
// (sent -> delivered -> read) or sideways into failed.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// MessageTracking is the per-message tracking record for an outbound
// confirmation message. One record per gateway message_id, created when the
// message is sent and never deleted by this subsystem.
type MessageTracking struct {
	MessageID           string     `json:"messageId"`
	ConversationID      string     `json:"conversationId"`
	BookingID           string     `json:"bookingId"`
	MessageType         string     `json:"messageType"`
	Status              string     `json:"status"`
	SentAt              time.Time  `json:"sentAt"`
	DeliveredAt         *time.Time `json:"deliveredAt,omitempty"`
	ReadAt              *time.Time `json:"readAt,omitempty"`
	FollowUpScheduled   bool       `json:"followUpScheduled"`
	FollowUpSentCount   int        `json:"followUpSentCount"`
	RiskScore           int        `json:"riskScore"`
	EscalationTriggered bool       `json:"escalationTriggered"`
}

// IsRead reports whether the confirmation has been read by the customer.
func (m *MessageTracking) IsRead() bool {
	return m.ReadAt != nil
}

// StatusRank orders delivery statuses for forward-only transition checks.
// failed is sideways, not ranked.
func StatusRank(status string) int {
	switch status {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// StatusEvent is a delivery-status callback from the messaging gateway.
type StatusEvent struct {
	MessageID   string    `json:"messageId"`
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurredAt"`
	RecipientID string    `json:"recipientId"`
}
