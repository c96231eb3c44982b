// Package sched owns the two-tier follow-up lifecycle: claim the follow-up
// slot, hand the delay to the workflow engine, and when the timer fires
// re-read state before acting. The claim is taken before the engine call and
// rolled back if it fails; an orphan left by a crash between the two is
// picked up by the reconcile sweep.
package sched

import (
	"context"
	"time"

	stderrors "noshow-workers/internal/common/errors"
	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/common/metrics"
	"noshow-workers/internal/dispatch"
	"noshow-workers/internal/models"
	"noshow-workers/internal/risk"
)

const maxFollowUps = 2

// WorkflowScheduler is the external engine that holds the delay.
type WorkflowScheduler interface {
	ScheduleCallback(ctx context.Context, messageID, bookingID, tier string, delay time.Duration) error
}

// TrackingStore is the subset of the tracking store the scheduler uses.
type TrackingStore interface {
	GetByMessageID(ctx context.Context, messageID string) (*models.MessageTracking, error)
	MarkFollowUpScheduled(ctx context.Context, messageID string) (bool, error)
	ClearFollowUpScheduled(ctx context.Context, messageID string) error
	UpdateRiskScore(ctx context.Context, messageID string, score int) error
}

// BookingStore loads the risk context fresh at fire time.
type BookingStore interface {
	GetRiskContext(ctx context.Context, bookingID string) (*models.BookingRiskContext, error)
}

type Scheduler struct {
	tracking        TrackingStore
	bookings        BookingStore
	workflow        WorkflowScheduler
	dispatcher      *dispatch.Dispatcher
	gate            *dispatch.CostGate
	readCheckDelay  time.Duration
	escalationDelay time.Duration
	logger          logger.Logger
	now             func() time.Time
}

func NewScheduler(
	tracking TrackingStore,
	bookings BookingStore,
	workflow WorkflowScheduler,
	dispatcher *dispatch.Dispatcher,
	gate *dispatch.CostGate,
	readCheckDelay, escalationDelay time.Duration,
	log logger.Logger,
) *Scheduler {
	return &Scheduler{
		tracking:        tracking,
		bookings:        bookings,
		workflow:        workflow,
		dispatcher:      dispatcher,
		gate:            gate,
		readCheckDelay:  readCheckDelay,
		escalationDelay: escalationDelay,
		logger:          log.WithFields(map[string]interface{}{"component": "scheduler"}),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// ScheduleReadCheck claims the follow-up slot for the message and schedules
// the tier-one check. A second call for the same message is a no-op: the
// claim is a one-row compare-and-set, so concurrent schedulers cannot both
// win. If the engine call fails the claim is released so a retry can take it
// again.
func (s *Scheduler) ScheduleReadCheck(ctx context.Context, messageID, bookingID string) error {
	claimed, err := s.tracking.MarkFollowUpScheduled(ctx, messageID)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("claim follow-up slot", err)
	}
	if !claimed {
		s.logger.Debug("follow-up already scheduled", map[string]interface{}{
			"messageId": messageID,
		})
		return nil
	}

	if err := s.workflow.ScheduleCallback(ctx, messageID, bookingID, models.TierReminder, s.readCheckDelay); err != nil {
		if clearErr := s.tracking.ClearFollowUpScheduled(ctx, messageID); clearErr != nil {
			// Claim stuck set with no pending callback; the
			// reconcile sweep will re-publish it.
			s.logger.Error("failed to release follow-up claim", map[string]interface{}{
				"messageId": messageID,
				"error":     clearErr,
			})
		}
		return stderrors.NewScheduleFailedError(messageID, err)
	}

	metrics.FollowUpsScheduled.WithLabelValues(models.TierReminder).Inc()
	return nil
}

// OnFire runs when a scheduled callback comes due. All state is re-read
// here: the customer may have read the confirmation, or another worker may
// have escalated, in the hours since the callback was scheduled.
func (s *Scheduler) OnFire(ctx context.Context, messageID, tier string) error {
	tracking, err := s.tracking.GetByMessageID(ctx, messageID)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("load tracking record", err)
	}

	if abortReason := s.abortReason(tracking); abortReason != "" {
		s.logger.Info("follow-up aborted", map[string]interface{}{
			"messageId": messageID,
			"tier":      tier,
			"reason":    abortReason,
		})
		metrics.FollowUpsAborted.WithLabelValues(abortReason).Inc()
		return nil
	}

	bctx, err := s.bookings.GetRiskContext(ctx, tracking.BookingID)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("load booking risk context", err)
	}

	now := s.now()
	assessment := risk.Score(bctx, tracking, now)
	if err := s.tracking.UpdateRiskScore(ctx, messageID, assessment.Score); err != nil {
		s.logger.Warn("failed to persist risk score", map[string]interface{}{
			"messageId": messageID,
			"error":     err,
		})
	}

	// Low and medium levels message the customer, which costs money
	// outside a session window. Critical and high go to a human instead
	// and are never gated.
	if assessment.Level == risk.LevelLow || assessment.Level == risk.LevelMedium {
		if !s.gate.IsSendAllowed(bctx, models.MessageTypeFollowUp, now) {
			s.logger.Info("follow-up aborted", map[string]interface{}{
				"messageId": messageID,
				"tier":      tier,
				"reason":    "cost_gate",
				"riskScore": assessment.Score,
			})
			metrics.FollowUpsAborted.WithLabelValues("cost_gate").Inc()
			return nil
		}
	}

	entry, err := s.dispatcher.Dispatch(ctx, bctx, tracking, assessment, tier)
	if err != nil {
		return err
	}
	if entry != nil {
		s.logger.Info("prevention action dispatched", map[string]interface{}{
			"messageId": messageID,
			"bookingId": tracking.BookingID,
			"tier":      tier,
			"action":    entry.Action,
			"riskScore": assessment.Score,
		})
	}

	// A replayed firing whose action the log absorbed (entry == nil) does
	// not re-arm tier two; the original firing already did.
	if tier == models.TierReminder && entry != nil {
		return s.scheduleEscalation(ctx, tracking)
	}
	return nil
}

// EscalateSendFailure runs after a reminder send failed and its single retry
// was exhausted: the customer cannot be reached by message, so a manager
// takes over regardless of the computed risk level.
func (s *Scheduler) EscalateSendFailure(ctx context.Context, messageID, tier string) error {
	tracking, err := s.tracking.GetByMessageID(ctx, messageID)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("load tracking record", err)
	}
	if tracking.IsRead() {
		s.logger.Info("send-failure escalation aborted", map[string]interface{}{
			"messageId": messageID,
			"reason":    "read",
		})
		metrics.FollowUpsAborted.WithLabelValues("read").Inc()
		return nil
	}

	bctx, err := s.bookings.GetRiskContext(ctx, tracking.BookingID)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("load booking risk context", err)
	}

	assessment := risk.Score(bctx, tracking, s.now())
	entry, err := s.dispatcher.EscalateSendFailure(ctx, bctx, tracking, assessment, tier)
	if err != nil {
		return err
	}
	if entry != nil {
		s.logger.Warn("send retry exhausted, escalated to manager", map[string]interface{}{
			"messageId": messageID,
			"bookingId": tracking.BookingID,
			"tier":      tier,
		})
	}
	return nil
}

// scheduleEscalation queues the tier-two check after a tier-one reminder
// went out. Skipped once a manager owns the booking.
func (s *Scheduler) scheduleEscalation(ctx context.Context, tracking *models.MessageTracking) error {
	fresh, err := s.tracking.GetByMessageID(ctx, tracking.MessageID)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("load tracking record", err)
	}
	if fresh.EscalationTriggered {
		s.logger.Debug("escalation already triggered, not scheduling tier two", map[string]interface{}{
			"messageId": tracking.MessageID,
		})
		return nil
	}

	if err := s.workflow.ScheduleCallback(ctx, tracking.MessageID, tracking.BookingID, models.TierEscalation, s.escalationDelay); err != nil {
		return stderrors.NewScheduleFailedError(tracking.MessageID, err)
	}
	metrics.FollowUpsScheduled.WithLabelValues(models.TierEscalation).Inc()
	return nil
}

// abortReason inspects the fresh record and names why the firing should be a
// silent no-op, or returns empty to proceed.
func (s *Scheduler) abortReason(tracking *models.MessageTracking) string {
	switch {
	case tracking.IsRead():
		return "read"
	case tracking.Status == models.StatusFailed:
		return "send_failed"
	case tracking.FollowUpSentCount >= maxFollowUps:
		return "max_followups"
	default:
		return ""
	}
}
