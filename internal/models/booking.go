package models

import "time"

// BookingRiskContext is a read-only view composed from booking, customer and
// service data. It carries everything the scoring engine and cost gate need;
// hours-until-appointment is derived from the caller's clock, never stored.
type BookingRiskContext struct {
	BookingID             string     `json:"bookingId"`
	CustomerID            string     `json:"customerId"`
	CustomerPhone         string     `json:"customerPhone"`
	CustomerName          string     `json:"customerName"`
	AppointmentTime       time.Time  `json:"appointmentTime"`
	ServiceName           string     `json:"serviceName"`
	ServiceValue          float64    `json:"serviceValue"`
	VisitCount            int        `json:"visitCount"`
	NoShowCount           int        `json:"noShowCount"`
	IsVIP                 bool       `json:"isVip"`
	ConfirmationRead      bool       `json:"confirmationRead"`
	LastCustomerMessageAt *time.Time `json:"lastCustomerMessageAt,omitempty"`
}

// HoursUntilAppointment derives the time remaining from the supplied clock.
func (b *BookingRiskContext) HoursUntilAppointment(now time.Time) float64 {
	return b.AppointmentTime.Sub(now).Hours()
}

// IsWeekend reports whether the appointment falls on a Saturday or Sunday.
func (b *BookingRiskContext) IsWeekend() bool {
	wd := b.AppointmentTime.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
