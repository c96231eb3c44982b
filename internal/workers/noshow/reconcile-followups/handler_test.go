package reconcilefollowups

import (
	"context"
	"testing"
	"time"

	stderrors "noshow-workers/internal/common/errors"
	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Fakes
// ==========================

type fakeTracking struct {
	orphans   []*models.MessageTracking
	findErr   error
	clearErr  map[string]error
	cleared   []string
	gotCutoff time.Time
	gotLimit  int
}

func (f *fakeTracking) FindOrphanedFollowUps(ctx context.Context, olderThan time.Time, limit int) ([]*models.MessageTracking, error) {
	f.gotCutoff = olderThan
	f.gotLimit = limit
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.orphans, nil
}

func (f *fakeTracking) ClearFollowUpScheduled(ctx context.Context, messageID string) error {
	if err, ok := f.clearErr[messageID]; ok {
		return err
	}
	f.cleared = append(f.cleared, messageID)
	return nil
}

type fakeScheduler struct {
	scheduled []string
	errFor    map[string]error
}

func (f *fakeScheduler) ScheduleReadCheck(ctx context.Context, messageID, bookingID string) error {
	if err, ok := f.errFor[messageID]; ok {
		return err
	}
	f.scheduled = append(f.scheduled, messageID)
	return nil
}

func createOrphan(messageID, bookingID string) *models.MessageTracking {
	return &models.MessageTracking{
		MessageID:   messageID,
		BookingID:   bookingID,
		MessageType: models.MessageTypeConfirmation,
		Status:      models.StatusDelivered,
	}
}

func createTestHandler(t *testing.T, tracking *fakeTracking, scheduler *fakeScheduler) *Handler {
	t.Helper()
	cfg := &Config{
		Timeout:     time.Minute,
		OrphanAfter: 6 * time.Hour,
		BatchSize:   100,
	}
	return NewHandler(cfg, tracking, scheduler, logger.NewTestLogger(t))
}

// ==========================
// Tests
// ==========================

func TestExecute_ReschedulesOrphans(t *testing.T) {
	tracking := &fakeTracking{orphans: []*models.MessageTracking{
		createOrphan("msg-1", "booking-1"),
		createOrphan("msg-2", "booking-2"),
	}}
	scheduler := &fakeScheduler{}
	h := createTestHandler(t, tracking, scheduler)

	output, err := h.execute(context.Background(), &Input{})

	require.NoError(t, err)
	assert.True(t, output.Success)
	assert.Equal(t, 2, output.Examined)
	assert.Equal(t, 2, output.Rescheduled)
	assert.Equal(t, []string{"msg-1", "msg-2"}, tracking.cleared)
	assert.Equal(t, []string{"msg-1", "msg-2"}, scheduler.scheduled)
	assert.Equal(t, 100, tracking.gotLimit)
	// Cutoff sits OrphanAfter in the past, give or take test runtime.
	assert.WithinDuration(t, time.Now().UTC().Add(-6*time.Hour), tracking.gotCutoff, time.Minute)
}

func TestExecute_InputBatchSizeOverridesDefault(t *testing.T) {
	tracking := &fakeTracking{}
	h := createTestHandler(t, tracking, &fakeScheduler{})

	_, err := h.execute(context.Background(), &Input{BatchSize: 25})

	require.NoError(t, err)
	assert.Equal(t, 25, tracking.gotLimit)
}

func TestExecute_ContinuesPastIndividualFailures(t *testing.T) {
	tracking := &fakeTracking{
		orphans: []*models.MessageTracking{
			createOrphan("msg-1", "booking-1"),
			createOrphan("msg-2", "booking-2"),
			createOrphan("msg-3", "booking-3"),
		},
		clearErr: map[string]error{"msg-1": assert.AnError},
	}
	scheduler := &fakeScheduler{errFor: map[string]error{
		"msg-2": stderrors.NewScheduleFailedError("msg-2", assert.AnError),
	}}
	h := createTestHandler(t, tracking, scheduler)

	output, err := h.execute(context.Background(), &Input{})

	require.NoError(t, err)
	assert.Equal(t, 3, output.Examined)
	assert.Equal(t, 1, output.Rescheduled)
	assert.Equal(t, []string{"msg-3"}, scheduler.scheduled)
}

func TestExecute_QueryFailureIsSurfaced(t *testing.T) {
	tracking := &fakeTracking{findErr: assert.AnError}
	h := createTestHandler(t, tracking, &fakeScheduler{})

	output, err := h.execute(context.Background(), &Input{})

	require.Error(t, err)
	assert.Nil(t, output)
	assert.True(t, stderrors.HasCode(err, stderrors.ErrCodeQueryExecutionFailed))
}
