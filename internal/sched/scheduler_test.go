package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	stderrors "noshow-workers/internal/common/errors"
	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/dispatch"
	"noshow-workers/internal/gateway"
	"noshow-workers/internal/models"
	"noshow-workers/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Fakes
// ==========================

type fakeTracking struct {
	records map[string]*models.MessageTracking
}

func (f *fakeTracking) GetByMessageID(_ context.Context, id string) (*models.MessageTracking, error) {
	copied := *f.records[id]
	return &copied, nil
}

func (f *fakeTracking) MarkFollowUpScheduled(_ context.Context, id string) (bool, error) {
	rec := f.records[id]
	if rec.FollowUpScheduled {
		return false, nil
	}
	rec.FollowUpScheduled = true
	return true, nil
}

func (f *fakeTracking) ClearFollowUpScheduled(_ context.Context, id string) error {
	f.records[id].FollowUpScheduled = false
	return nil
}

func (f *fakeTracking) UpdateRiskScore(_ context.Context, id string, score int) error {
	f.records[id].RiskScore = score
	return nil
}

func (f *fakeTracking) SetEscalationTriggered(_ context.Context, id string) (bool, error) {
	rec := f.records[id]
	if rec.EscalationTriggered {
		return false, nil
	}
	rec.EscalationTriggered = true
	return true, nil
}

func (f *fakeTracking) IncrementFollowUpCount(_ context.Context, id string) error {
	f.records[id].FollowUpSentCount++
	return nil
}

type fakeBookings struct {
	bctx *models.BookingRiskContext
}

func (f *fakeBookings) GetRiskContext(_ context.Context, _ string) (*models.BookingRiskContext, error) {
	copied := *f.bctx
	return &copied, nil
}

type scheduledCall struct {
	messageID string
	tier      string
	delay     time.Duration
}

type fakeWorkflow struct {
	calls   []scheduledCall
	failAll bool
}

func (f *fakeWorkflow) ScheduleCallback(_ context.Context, messageID, _, tier string, delay time.Duration) error {
	if f.failAll {
		return errors.New("engine unavailable")
	}
	f.calls = append(f.calls, scheduledCall{messageID: messageID, tier: tier, delay: delay})
	return nil
}

type fakeActionLog struct {
	entries []*models.PreventionAction
}

func (f *fakeActionLog) Append(_ context.Context, entry *models.PreventionAction) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeActionLog) HasAction(_ context.Context, messageID, tier, action string) (bool, error) {
	for _, e := range f.entries {
		if e.MessageID == messageID && e.Tier == tier && e.Action == action {
			return true, nil
		}
	}
	return false, nil
}

type fakeSender struct {
	texts     int
	templates int
	failSends bool
}

func (f *fakeSender) SendText(_ context.Context, _, _ string) (*gateway.SendResult, error) {
	if f.failSends {
		return nil, errors.New("gateway 500")
	}
	f.texts++
	return &gateway.SendResult{MessageID: "out-1"}, nil
}

func (f *fakeSender) SendTemplate(_ context.Context, _, _ string, _ map[string]string) (*gateway.SendResult, error) {
	if f.failSends {
		return nil, errors.New("gateway 500")
	}
	f.templates++
	return &gateway.SendResult{MessageID: "out-2"}, nil
}

type fakeNotifier struct {
	notified int
}

func (f *fakeNotifier) NotifyManager(_ context.Context, _ *models.BookingRiskContext, _ *risk.Assessment) error {
	f.notified++
	return nil
}

// ==========================
// Test Helpers
// ==========================

var fireTime = time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)

type schedFixture struct {
	scheduler *Scheduler
	tracking  *fakeTracking
	bookings  *fakeBookings
	workflow  *fakeWorkflow
	actionLog *fakeActionLog
	sender    *fakeSender
	notifier  *fakeNotifier
}

func createFixture(t *testing.T) *schedFixture {
	log := logger.NewTestLogger(t)

	tracking := &fakeTracking{records: make(map[string]*models.MessageTracking)}
	lastInbound := fireTime.Add(-2 * time.Hour)
	bookings := &fakeBookings{bctx: &models.BookingRiskContext{
		BookingID:             "booking-1",
		CustomerID:            "cust-1",
		CustomerPhone:         "+447700900000",
		CustomerName:          "Dana",
		AppointmentTime:       fireTime.Add(48 * time.Hour),
		ServiceName:           "Haircut",
		ServiceValue:          45,
		VisitCount:            3,
		LastCustomerMessageAt: &lastInbound,
	}}
	workflow := &fakeWorkflow{}
	actionLog := &fakeActionLog{}
	sender := &fakeSender{}
	notifier := &fakeNotifier{}

	gate := dispatch.NewCostGate(24 * time.Hour)
	dispatcher := dispatch.NewDispatcher(tracking, actionLog, sender, notifier, gate, nil, log)

	scheduler := NewScheduler(tracking, bookings, workflow, dispatcher, gate, 2*time.Hour, 4*time.Hour, log)
	scheduler.now = func() time.Time { return fireTime }

	return &schedFixture{
		scheduler: scheduler,
		tracking:  tracking,
		bookings:  bookings,
		workflow:  workflow,
		actionLog: actionLog,
		sender:    sender,
		notifier:  notifier,
	}
}

func seedTracking(f *schedFixture, mod func(*models.MessageTracking)) {
	deliveredAt := fireTime.Add(-3 * time.Hour)
	rec := &models.MessageTracking{
		MessageID:   "msg-1",
		BookingID:   "booking-1",
		MessageType: models.MessageTypeConfirmation,
		Status:      models.StatusDelivered,
		SentAt:      fireTime.Add(-4 * time.Hour),
		DeliveredAt: &deliveredAt,
	}
	if mod != nil {
		mod(rec)
	}
	f.tracking.records["msg-1"] = rec
}

// ==========================
// Scheduling Tests
// ==========================

func TestScheduleReadCheck_ClaimsOnce(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, nil)

	require.NoError(t, f.scheduler.ScheduleReadCheck(context.Background(), "msg-1", "booking-1"))
	require.NoError(t, f.scheduler.ScheduleReadCheck(context.Background(), "msg-1", "booking-1"))

	// Second call lost the claim; only one callback reached the engine.
	require.Len(t, f.workflow.calls, 1)
	assert.Equal(t, models.TierReminder, f.workflow.calls[0].tier)
	assert.Equal(t, 2*time.Hour, f.workflow.calls[0].delay)
}

func TestScheduleReadCheck_RollsBackClaimOnEngineFailure(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, nil)
	f.workflow.failAll = true

	err := f.scheduler.ScheduleReadCheck(context.Background(), "msg-1", "booking-1")
	require.Error(t, err)
	assert.True(t, stderrors.HasCode(err, stderrors.ErrCodeScheduleFailed))

	// The claim was released so a retry can take it again.
	assert.False(t, f.tracking.records["msg-1"].FollowUpScheduled)

	f.workflow.failAll = false
	require.NoError(t, f.scheduler.ScheduleReadCheck(context.Background(), "msg-1", "booking-1"))
	assert.Len(t, f.workflow.calls, 1)
}

// ==========================
// Firing Tests
// ==========================

func TestOnFire_ReadBetweenScheduleAndFireAborts(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		readAt := fireTime.Add(-time.Hour)
		rec.Status = models.StatusRead
		rec.ReadAt = &readAt
		rec.FollowUpScheduled = true
	})

	require.NoError(t, f.scheduler.OnFire(context.Background(), "msg-1", models.TierReminder))

	// No reminder, no escalation, counter untouched.
	assert.Zero(t, f.sender.texts+f.sender.templates)
	assert.Empty(t, f.actionLog.entries)
	assert.Empty(t, f.workflow.calls)
	assert.Zero(t, f.tracking.records["msg-1"].FollowUpSentCount)
}

func TestOnFire_UnreadSendsReminderAndSchedulesEscalation(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		rec.FollowUpScheduled = true
	})

	require.NoError(t, f.scheduler.OnFire(context.Background(), "msg-1", models.TierReminder))

	// Session window open, so the reminder went out as a free-form text.
	assert.Equal(t, 1, f.sender.texts)
	assert.Equal(t, 1, f.tracking.records["msg-1"].FollowUpSentCount)
	require.Len(t, f.actionLog.entries, 1)
	assert.Equal(t, models.TierReminder, f.actionLog.entries[0].Tier)

	// Tier two queued behind it.
	require.Len(t, f.workflow.calls, 1)
	assert.Equal(t, models.TierEscalation, f.workflow.calls[0].tier)
	assert.Equal(t, 4*time.Hour, f.workflow.calls[0].delay)
}

func TestOnFire_ThirdFiringRefused(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		rec.FollowUpScheduled = true
		rec.FollowUpSentCount = 2
	})

	require.NoError(t, f.scheduler.OnFire(context.Background(), "msg-1", models.TierEscalation))

	assert.Zero(t, f.sender.texts+f.sender.templates)
	assert.Empty(t, f.actionLog.entries)
}

func TestOnFire_CostGateClosedAborts(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		rec.FollowUpScheduled = true
	})
	// Session long expired, ordinary-value booking, not VIP.
	f.bookings.bctx.LastCustomerMessageAt = nil

	require.NoError(t, f.scheduler.OnFire(context.Background(), "msg-1", models.TierReminder))

	assert.Zero(t, f.sender.texts+f.sender.templates)
	assert.Empty(t, f.actionLog.entries)
}

func TestOnFire_CostGateOpenForVIP(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		rec.FollowUpScheduled = true
	})
	f.bookings.bctx.LastCustomerMessageAt = nil
	f.bookings.bctx.IsVIP = true

	require.NoError(t, f.scheduler.OnFire(context.Background(), "msg-1", models.TierReminder))

	// Session closed, so the send goes out at the template rate.
	assert.Equal(t, 1, f.sender.templates)
	assert.Len(t, f.actionLog.entries, 1)
}

func TestOnFire_HighRiskEscalatesToManager(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		rec.FollowUpScheduled = true
	})
	// New customer with a prior no-show pushes the score past the manager
	// threshold.
	f.bookings.bctx.VisitCount = 0
	f.bookings.bctx.NoShowCount = 1

	require.NoError(t, f.scheduler.OnFire(context.Background(), "msg-1", models.TierReminder))

	assert.Equal(t, 1, f.notifier.notified)
	assert.True(t, f.tracking.records["msg-1"].EscalationTriggered)
	require.Len(t, f.actionLog.entries, 1)
	assert.Equal(t, models.ActionManagerIntervention, f.actionLog.entries[0].Action)

	// No customer message and no tier-two schedule once a human owns it.
	assert.Zero(t, f.sender.texts+f.sender.templates)
	assert.Empty(t, f.workflow.calls)
}

func TestOnFire_SendFailureLeavesCountersUntouched(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		rec.FollowUpScheduled = true
	})
	f.sender.failSends = true

	err := f.scheduler.OnFire(context.Background(), "msg-1", models.TierReminder)
	require.Error(t, err)
	assert.True(t, stderrors.HasCode(err, stderrors.ErrCodeSendFailed))

	rec := f.tracking.records["msg-1"]
	assert.Zero(t, rec.FollowUpSentCount)
	assert.Empty(t, f.actionLog.entries)

	// The natural retry succeeds and dispatches exactly once.
	f.sender.failSends = false
	require.NoError(t, f.scheduler.OnFire(context.Background(), "msg-1", models.TierReminder))
	assert.Equal(t, 1, rec.FollowUpSentCount)
	assert.Len(t, f.actionLog.entries, 1)
}

func TestOnFire_DuplicateFiringAbsorbedByActionLog(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		rec.FollowUpScheduled = true
		rec.FollowUpSentCount = 1
	})
	// A redelivered job for an escalation tier that already acted.
	f.actionLog.entries = append(f.actionLog.entries, &models.PreventionAction{
		MessageID: "msg-1",
		BookingID: "booking-1",
		Tier:      models.TierEscalation,
		Action:    models.ActionUrgentReminder,
	})

	require.NoError(t, f.scheduler.OnFire(context.Background(), "msg-1", models.TierEscalation))

	assert.Len(t, f.actionLog.entries, 1)
	assert.Zero(t, f.sender.texts+f.sender.templates)
	assert.Equal(t, 1, f.tracking.records["msg-1"].FollowUpSentCount)
}

func TestOnFire_ReplayedReminderDoesNotRearmEscalation(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		rec.FollowUpScheduled = true
		rec.FollowUpSentCount = 1
	})
	// The original tier-one firing already acted and queued tier two.
	f.actionLog.entries = append(f.actionLog.entries, &models.PreventionAction{
		MessageID: "msg-1",
		BookingID: "booking-1",
		Tier:      models.TierReminder,
		Action:    models.ActionGentleReminder,
	})

	require.NoError(t, f.scheduler.OnFire(context.Background(), "msg-1", models.TierReminder))

	// Absorbed replay: no second reminder and no second tier-two timer.
	assert.Len(t, f.actionLog.entries, 1)
	assert.Zero(t, f.sender.texts+f.sender.templates)
	assert.Empty(t, f.workflow.calls)
}

// ==========================
// Send-Failure Escalation Tests
// ==========================

func TestEscalateSendFailure_HandsBookingToManager(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		rec.FollowUpScheduled = true
	})

	require.NoError(t, f.scheduler.EscalateSendFailure(context.Background(), "msg-1", models.TierReminder))

	assert.Equal(t, 1, f.notifier.notified)
	assert.True(t, f.tracking.records["msg-1"].EscalationTriggered)
	require.Len(t, f.actionLog.entries, 1)
	entry := f.actionLog.entries[0]
	assert.Equal(t, models.ActionManagerIntervention, entry.Action)
	assert.Equal(t, models.TierReminder, entry.Tier)
	assert.Equal(t, "send_failed", entry.Metadata["reason"])

	// The customer is unreachable by message; no send is attempted.
	assert.Zero(t, f.sender.texts+f.sender.templates)
}

func TestEscalateSendFailure_ReadAbortsEscalation(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		readAt := fireTime.Add(-time.Minute)
		rec.Status = models.StatusRead
		rec.ReadAt = &readAt
		rec.FollowUpScheduled = true
	})

	require.NoError(t, f.scheduler.EscalateSendFailure(context.Background(), "msg-1", models.TierReminder))

	assert.Zero(t, f.notifier.notified)
	assert.Empty(t, f.actionLog.entries)
	assert.False(t, f.tracking.records["msg-1"].EscalationTriggered)
}

func TestEscalateSendFailure_SecondCallAbsorbedByActionLog(t *testing.T) {
	f := createFixture(t)
	seedTracking(f, func(rec *models.MessageTracking) {
		rec.FollowUpScheduled = true
	})

	require.NoError(t, f.scheduler.EscalateSendFailure(context.Background(), "msg-1", models.TierReminder))
	require.NoError(t, f.scheduler.EscalateSendFailure(context.Background(), "msg-1", models.TierReminder))

	assert.Equal(t, 1, f.notifier.notified)
	assert.Len(t, f.actionLog.entries, 1)
}
