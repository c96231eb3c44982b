package models

import "time"

// Prevention actions. One of a fixed set; the dispatcher picks by risk level.
const (
	ActionStandardReminder    = "standard_reminder"
	ActionGentleReminder      = "gentle_reminder"
	ActionUrgentReminder      = "urgent_reminder"
	ActionManagerIntervention = "manager_intervention"
)

// Escalation tiers. The pipeline is strictly two-tier: a reminder check at T
// and an escalation check at T+delta; escalation_triggered is terminal.
const (
	TierReminder   = "reminder"
	TierEscalation = "escalation"
)

// PreventionAction is an append-only log entry for a dispatched action.
// The dispatcher consults this log before re-issuing the same action for the
// same message and tier.
type PreventionAction struct {
	ID              string                 `json:"id"`
	BookingID       string                 `json:"bookingId"`
	MessageID       string                 `json:"messageId"`
	Tier            string                 `json:"tier"`
	Action          string                 `json:"action"`
	RiskScoreAtTime int                    `json:"riskScoreAtTime"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
}
