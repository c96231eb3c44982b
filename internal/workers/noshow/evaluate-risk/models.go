package evaluaterisk

type Input struct {
	BookingID string `json:"bookingId"`
	MessageID string `json:"messageId"`
}

type Output struct {
	Success           bool     `json:"success"`
	RiskScore         int      `json:"riskScore"`
	RiskLevel         string   `json:"riskLevel"`
	Factors           []string `json:"factors,omitempty"`
	FollowUpScheduled bool     `json:"followUpScheduled"`
}
