package dispatch

import (
	"context"
	"fmt"

	stderrors "noshow-workers/internal/common/errors"
	"noshow-workers/internal/common/logger"
	"noshow-workers/internal/models"
	"noshow-workers/internal/risk"
)

// SMSSender and EmailSender are satisfied by the common/aws clients and
// faked in tests.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) error
}

type EmailSender interface {
	SendAlertEmail(ctx context.Context, from, to, subject, body string) error
}

// ManagerNotifier alerts the salon manager over SMS and email when a booking
// needs human intervention. Both channels are best-effort; one succeeding is
// enough.
type ManagerNotifier struct {
	sms          SMSSender
	email        EmailSender
	managerPhone string
	managerEmail string
	fromEmail    string
	smsEnabled   bool
	emailEnabled bool
	logger       logger.Logger
}

type ManagerNotifierConfig struct {
	ManagerPhone string
	ManagerEmail string
	FromEmail    string
	SMSEnabled   bool
	EmailEnabled bool
}

func NewManagerNotifier(sms SMSSender, email EmailSender, cfg ManagerNotifierConfig, log logger.Logger) *ManagerNotifier {
	return &ManagerNotifier{
		sms:          sms,
		email:        email,
		managerPhone: cfg.ManagerPhone,
		managerEmail: cfg.ManagerEmail,
		fromEmail:    cfg.FromEmail,
		smsEnabled:   cfg.SMSEnabled,
		emailEnabled: cfg.EmailEnabled,
		logger:       log.WithFields(map[string]interface{}{"component": "manager-notifier"}),
	}
}

func (n *ManagerNotifier) NotifyManager(ctx context.Context, bctx *models.BookingRiskContext, assessment *risk.Assessment) error {
	subject := fmt.Sprintf("No-show risk %s: %s", assessment.Level, bctx.CustomerName)
	body := fmt.Sprintf(
		"Booking %s (%s, %s on %s) scored %d/100 for no-show risk. Confirmation unread. Please contact the customer at %s.",
		bctx.BookingID, bctx.CustomerName, bctx.ServiceName,
		bctx.AppointmentTime.Format("Mon 2 Jan 15:04"),
		assessment.Score, bctx.CustomerPhone,
	)

	var smsErr, emailErr error

	if n.smsEnabled && n.managerPhone != "" {
		smsErr = n.sms.SendSMS(ctx, n.managerPhone, body)
		if smsErr != nil {
			n.logger.Error("manager SMS failed", map[string]interface{}{
				"bookingId": bctx.BookingID,
				"error":     smsErr,
			})
		}
	}

	if n.emailEnabled && n.managerEmail != "" {
		emailErr = n.email.SendAlertEmail(ctx, n.fromEmail, n.managerEmail, subject, body)
		if emailErr != nil {
			n.logger.Error("manager email failed", map[string]interface{}{
				"bookingId": bctx.BookingID,
				"error":     emailErr,
			})
		}
	}

	if n.smsEnabled && n.emailEnabled && smsErr != nil && emailErr != nil {
		return stderrors.NewNotificationSendFailedError("sms+email",
			fmt.Errorf("all manager notification channels failed: sms: %v, email: %v", smsErr, emailErr))
	}
	if n.smsEnabled && !n.emailEnabled && smsErr != nil {
		return stderrors.NewNotificationSendFailedError("sms", smsErr)
	}
	if n.emailEnabled && !n.smsEnabled && emailErr != nil {
		return stderrors.NewNotificationSendFailedError("email", emailErr)
	}
	return nil
}
