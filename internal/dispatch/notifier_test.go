package dispatch

import (
	"context"
	"testing"

	stderrors "noshow-workers/internal/common/errors"
	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/models"
	"noshow-workers/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSMS struct {
	phone   string
	message string
	calls   int
	err     error
}

func (f *fakeSMS) SendSMS(_ context.Context, phone, message string) error {
	f.calls++
	f.phone = phone
	f.message = message
	return f.err
}

type fakeEmail struct {
	to      string
	subject string
	calls   int
	err     error
}

func (f *fakeEmail) SendAlertEmail(_ context.Context, _, to, subject, _ string) error {
	f.calls++
	f.to = to
	f.subject = subject
	return f.err
}

func notifierConfig() ManagerNotifierConfig {
	return ManagerNotifierConfig{
		ManagerPhone: "+447700900999",
		ManagerEmail: "manager@example.com",
		FromEmail:    "alerts@example.com",
		SMSEnabled:   true,
		EmailEnabled: true,
	}
}

func notifierInputs() (*models.BookingRiskContext, *risk.Assessment) {
	bctx := &models.BookingRiskContext{
		BookingID:     "booking-1",
		CustomerName:  "Dana",
		CustomerPhone: "+447700900000",
		ServiceName:   "Haircut",
	}
	return bctx, &risk.Assessment{Score: 85, Level: risk.LevelCritical}
}

func TestNotifyManager_SendsBothChannels(t *testing.T) {
	sms := &fakeSMS{}
	email := &fakeEmail{}
	n := NewManagerNotifier(sms, email, notifierConfig(), logger.NewTestLogger(t))

	bctx, assessment := notifierInputs()
	require.NoError(t, n.NotifyManager(context.Background(), bctx, assessment))

	assert.Equal(t, 1, sms.calls)
	assert.Equal(t, "+447700900999", sms.phone)
	assert.Contains(t, sms.message, "booking-1")
	assert.Equal(t, 1, email.calls)
	assert.Equal(t, "manager@example.com", email.to)
	assert.Contains(t, email.subject, "critical")
}

func TestNotifyManager_OneChannelFailingIsAbsorbed(t *testing.T) {
	sms := &fakeSMS{err: assert.AnError}
	email := &fakeEmail{}
	n := NewManagerNotifier(sms, email, notifierConfig(), logger.NewTestLogger(t))

	bctx, assessment := notifierInputs()
	assert.NoError(t, n.NotifyManager(context.Background(), bctx, assessment))
	assert.Equal(t, 1, email.calls)
}

func TestNotifyManager_AllChannelsFailingSurfaces(t *testing.T) {
	sms := &fakeSMS{err: assert.AnError}
	email := &fakeEmail{err: assert.AnError}
	n := NewManagerNotifier(sms, email, notifierConfig(), logger.NewTestLogger(t))

	bctx, assessment := notifierInputs()
	err := n.NotifyManager(context.Background(), bctx, assessment)
	require.Error(t, err)
	assert.True(t, stderrors.HasCode(err, stderrors.ErrCodeNotificationSendFailed))
}

func TestNotifyManager_DisabledChannelNotCalled(t *testing.T) {
	sms := &fakeSMS{}
	email := &fakeEmail{}
	cfg := notifierConfig()
	cfg.SMSEnabled = false
	n := NewManagerNotifier(sms, email, cfg, logger.NewTestLogger(t))

	bctx, assessment := notifierInputs()
	require.NoError(t, n.NotifyManager(context.Background(), bctx, assessment))
	assert.Zero(t, sms.calls)
	assert.Equal(t, 1, email.calls)
}
