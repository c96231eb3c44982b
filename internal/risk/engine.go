// Package risk computes the no-show risk score for a booking. Scoring is a
// pure function of the booking context, the tracking record and the supplied
// clock; same inputs always produce the same assessment.
package risk

import (
	"time"

	"noshow-workers/internal/models"
)

// Risk levels.
const (
	LevelCritical = "critical"
	LevelHigh     = "high"
	LevelMedium   = "medium"
	LevelLow      = "low"
)

// Factor point values. Signed, additive; the sum is clamped to [0, 100].
const (
	pointsUnread       = 35
	pointsNewCustomer  = 25
	pointsImminent     = 15
	pointsWeekend      = 10
	pointsHighValue    = -15
	pointsLoyal        = -20
	pointsPriorNoShow  = 30
	imminentHours      = 24
	highValueThreshold = 100
	loyalVisitCount    = 5
)

// Factor is one contribution to the risk score.
type Factor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Assessment is the result of scoring a booking.
type Assessment struct {
	Score              int      `json:"score"`
	Level              string   `json:"level"`
	Factors            []Factor `json:"factors"`
	RecommendedActions []string `json:"recommendedActions"`
}

// Score evaluates the no-show risk for a booking given its confirmation
// tracking record. now is the only clock; the function reads nothing else.
func Score(bctx *models.BookingRiskContext, tracking *models.MessageTracking, now time.Time) *Assessment {
	var factors []Factor
	add := func(name string, points int) {
		factors = append(factors, Factor{Name: name, Points: points})
	}

	if tracking.ReadAt == nil {
		add("message_unread", pointsUnread)
	}
	if bctx.VisitCount == 0 {
		add("new_customer", pointsNewCustomer)
	}
	if bctx.HoursUntilAppointment(now) < imminentHours {
		add("imminent_appointment", pointsImminent)
	}
	if bctx.IsWeekend() {
		add("weekend_appointment", pointsWeekend)
	}
	if bctx.ServiceValue > highValueThreshold {
		add("high_value_service", pointsHighValue)
	}
	if bctx.VisitCount > loyalVisitCount {
		add("loyal_customer", pointsLoyal)
	}
	if bctx.NoShowCount > 0 {
		add("prior_no_show", pointsPriorNoShow)
	}

	total := 0
	for _, f := range factors {
		total += f.Points
	}
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}

	level := levelFor(total)

	return &Assessment{
		Score:              total,
		Level:              level,
		Factors:            factors,
		RecommendedActions: recommendedActions(level),
	}
}

func levelFor(score int) string {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 35:
		return LevelMedium
	default:
		return LevelLow
	}
}

// recommendedActions maps a risk level to its fixed action set.
func recommendedActions(level string) []string {
	switch level {
	case LevelCritical:
		return []string{"immediate_call", "manager_intervention", "reschedule_incentive"}
	case LevelHigh:
		return []string{"urgent_reminder", "confirm_attendance_request"}
	case LevelMedium:
		return []string{"gentle_reminder"}
	default:
		return []string{"standard_reminder"}
	}
}

// ActionFor maps a risk level to the single prevention action the dispatcher
// takes for it.
func ActionFor(level string) string {
	switch level {
	case LevelCritical, LevelHigh:
		return models.ActionManagerIntervention
	case LevelMedium:
		return models.ActionGentleReminder
	default:
		return models.ActionStandardReminder
	}
}
