package checkreadstatus

type Input struct {
	MessageID string `json:"messageId"`
	BookingID string `json:"bookingId"`
	Tier      string `json:"tier"`
}

type Output struct {
	Success   bool   `json:"success"`
	Tier      string `json:"tier"`
	Escalated bool   `json:"escalated,omitempty"`
}
