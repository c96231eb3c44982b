// Package dispatch maps a risk assessment onto one of the fixed prevention
// actions and records it in the append-only action log. A dispatch is
// idempotent per (message, tier, action): the log is consulted before acting.
package dispatch

import (
	"context"
	"fmt"
	"time"

	stderrors "noshow-workers/internal/common/errors"
	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/common/metrics"
	"noshow-workers/internal/gateway"
	"noshow-workers/internal/models"
	"noshow-workers/internal/risk"
)

// TrackingWriter is the subset of the tracking store the dispatcher mutates.
type TrackingWriter interface {
	SetEscalationTriggered(ctx context.Context, messageID string) (bool, error)
	IncrementFollowUpCount(ctx context.Context, messageID string) error
}

// ActionLog is the dispatcher's idempotence record.
type ActionLog interface {
	Append(ctx context.Context, entry *models.PreventionAction) error
	HasAction(ctx context.Context, messageID, tier, action string) (bool, error)
}

// Notifier alerts a human manager. Best-effort; failures are logged, never
// propagated.
type Notifier interface {
	NotifyManager(ctx context.Context, bctx *models.BookingRiskContext, assessment *risk.Assessment) error
}

// AnalyticsIndexer mirrors action-log entries into the analytics index.
// Best-effort.
type AnalyticsIndexer interface {
	IndexAction(ctx context.Context, entry *models.PreventionAction) error
}

type Dispatcher struct {
	tracking  TrackingWriter
	actionLog ActionLog
	sender    gateway.Sender
	notifier  Notifier
	gate      *CostGate
	analytics AnalyticsIndexer
	logger    logger.Logger
	now       func() time.Time
}

func NewDispatcher(
	tracking TrackingWriter,
	actionLog ActionLog,
	sender gateway.Sender,
	notifier Notifier,
	gate *CostGate,
	analytics AnalyticsIndexer,
	log logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		tracking:  tracking,
		actionLog: actionLog,
		sender:    sender,
		notifier:  notifier,
		gate:      gate,
		analytics: analytics,
		logger:    log.WithFields(map[string]interface{}{"component": "dispatcher"}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch executes the prevention action for the assessment's risk level.
// Returns the appended log entry, or nil when the same action was already
// taken for this message and tier.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	bctx *models.BookingRiskContext,
	tracking *models.MessageTracking,
	assessment *risk.Assessment,
	tier string,
) (*models.PreventionAction, error) {
	action := d.actionFor(assessment.Level, tier)

	already, err := d.actionLog.HasAction(ctx, tracking.MessageID, tier, action)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("check action log", err)
	}
	if already {
		d.logger.Info("action already dispatched, skipping", map[string]interface{}{
			"messageId": tracking.MessageID,
			"bookingId": tracking.BookingID,
			"tier":      tier,
			"action":    action,
		})
		return nil, nil
	}

	switch assessment.Level {
	case risk.LevelCritical, risk.LevelHigh:
		return d.escalateToManager(ctx, bctx, tracking, assessment, tier, action, "")
	default:
		return d.sendReminder(ctx, bctx, tracking, assessment, tier, action)
	}
}

// EscalateSendFailure hands the booking to a manager after a reminder send
// failed and its retry was exhausted. Runs through the same action-log
// idempotence as a level-driven intervention.
func (d *Dispatcher) EscalateSendFailure(
	ctx context.Context,
	bctx *models.BookingRiskContext,
	tracking *models.MessageTracking,
	assessment *risk.Assessment,
	tier string,
) (*models.PreventionAction, error) {
	action := models.ActionManagerIntervention

	already, err := d.actionLog.HasAction(ctx, tracking.MessageID, tier, action)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("check action log", err)
	}
	if already {
		d.logger.Info("intervention already dispatched, skipping", map[string]interface{}{
			"messageId": tracking.MessageID,
			"bookingId": tracking.BookingID,
			"tier":      tier,
		})
		return nil, nil
	}

	return d.escalateToManager(ctx, bctx, tracking, assessment, tier, action, "send_failed")
}

// escalateToManager latches escalation_triggered, alerts a human and logs the
// intervention. The customer is not messaged directly; a human takes over.
func (d *Dispatcher) escalateToManager(
	ctx context.Context,
	bctx *models.BookingRiskContext,
	tracking *models.MessageTracking,
	assessment *risk.Assessment,
	tier, action, reason string,
) (*models.PreventionAction, error) {
	latched, err := d.tracking.SetEscalationTriggered(ctx, tracking.MessageID)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("set escalation triggered", err)
	}
	if !latched {
		d.logger.Info("escalation already triggered, skipping", map[string]interface{}{
			"messageId": tracking.MessageID,
			"bookingId": tracking.BookingID,
		})
		return nil, nil
	}

	if err := d.notifier.NotifyManager(ctx, bctx, assessment); err != nil {
		// Best-effort channel: the escalation stands even if the alert fails.
		d.logger.Error("manager notification failed", map[string]interface{}{
			"bookingId": tracking.BookingID,
			"error":     err,
		})
	}

	metadata := map[string]interface{}{
		"level":              assessment.Level,
		"recommendedActions": assessment.RecommendedActions,
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	entry := &models.PreventionAction{
		BookingID:       tracking.BookingID,
		MessageID:       tracking.MessageID,
		Tier:            tier,
		Action:          action,
		RiskScoreAtTime: assessment.Score,
		Metadata:        metadata,
	}
	if err := d.actionLog.Append(ctx, entry); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("append action log", err)
	}
	d.indexBestEffort(ctx, entry)

	metrics.ActionsDispatched.WithLabelValues(action).Inc()
	d.logger.Info("manager intervention dispatched", map[string]interface{}{
		"messageId": tracking.MessageID,
		"bookingId": tracking.BookingID,
		"riskScore": assessment.Score,
	})
	return entry, nil
}

// sendReminder composes and sends a reminder through the gateway. A failed
// send leaves follow_up_sent_count and the action log untouched so the tier
// stays eligible for one retry on the next natural schedule check.
func (d *Dispatcher) sendReminder(
	ctx context.Context,
	bctx *models.BookingRiskContext,
	tracking *models.MessageTracking,
	assessment *risk.Assessment,
	tier, action string,
) (*models.PreventionAction, error) {
	text := composeReminder(bctx, action)

	var err error
	if d.gate.SessionOpen(bctx, d.now()) {
		_, err = d.sender.SendText(ctx, bctx.CustomerPhone, text)
	} else {
		_, err = d.sender.SendTemplate(ctx, bctx.CustomerPhone, "appointment_reminder", map[string]string{
			"name":    bctx.CustomerName,
			"service": bctx.ServiceName,
			"time":    bctx.AppointmentTime.Format("Mon 2 Jan 15:04"),
		})
	}
	if err != nil {
		metrics.SendFailures.Inc()
		d.logger.Error("reminder send failed", map[string]interface{}{
			"messageId": tracking.MessageID,
			"bookingId": tracking.BookingID,
			"error":     err,
		})
		return nil, stderrors.NewSendFailedError(tracking.MessageID, err)
	}

	if err := d.tracking.IncrementFollowUpCount(ctx, tracking.MessageID); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("increment follow-up count", err)
	}

	entry := &models.PreventionAction{
		BookingID:       tracking.BookingID,
		MessageID:       tracking.MessageID,
		Tier:            tier,
		Action:          action,
		RiskScoreAtTime: assessment.Score,
		Metadata: map[string]interface{}{
			"level": assessment.Level,
		},
	}
	if err := d.actionLog.Append(ctx, entry); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("append action log", err)
	}
	d.indexBestEffort(ctx, entry)

	metrics.ActionsDispatched.WithLabelValues(action).Inc()
	d.logger.Info("reminder dispatched", map[string]interface{}{
		"messageId": tracking.MessageID,
		"bookingId": tracking.BookingID,
		"action":    action,
		"riskScore": assessment.Score,
	})
	return entry, nil
}

// actionFor picks the concrete action for a level within a tier. The
// escalation tier upgrades medium/low reminders to urgent.
func (d *Dispatcher) actionFor(level, tier string) string {
	switch level {
	case risk.LevelCritical, risk.LevelHigh:
		return models.ActionManagerIntervention
	}
	if tier == models.TierEscalation {
		return models.ActionUrgentReminder
	}
	if level == risk.LevelMedium {
		return models.ActionGentleReminder
	}
	return models.ActionStandardReminder
}

func (d *Dispatcher) indexBestEffort(ctx context.Context, entry *models.PreventionAction) {
	if d.analytics == nil {
		return
	}
	if err := d.analytics.IndexAction(ctx, entry); err != nil {
		d.logger.Warn("analytics index failed", map[string]interface{}{
			"entryId": entry.ID,
			"error":   err,
		})
	}
}

func composeReminder(bctx *models.BookingRiskContext, action string) string {
	when := bctx.AppointmentTime.Format("Monday 2 January at 15:04")
	switch action {
	case models.ActionUrgentReminder:
		return fmt.Sprintf(
			"Hi %s, we still haven't heard from you about your %s appointment on %s. Please reply to confirm or we may need to release your slot.",
			bctx.CustomerName, bctx.ServiceName, when,
		)
	case models.ActionGentleReminder:
		return fmt.Sprintf(
			"Hi %s, a quick reminder of your %s appointment on %s. Reply 1 to confirm, 2 to reschedule.",
			bctx.CustomerName, bctx.ServiceName, when,
		)
	default:
		return fmt.Sprintf(
			"Hi %s, this is a reminder of your %s appointment on %s. See you soon!",
			bctx.CustomerName, bctx.ServiceName, when,
		)
	}
}
