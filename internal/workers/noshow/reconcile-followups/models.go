package reconcilefollowups

type Input struct {
	BatchSize int `json:"batchSize,omitempty"`
}

type Output struct {
	Success     bool `json:"success"`
	Examined    int  `json:"examined"`
	Rescheduled int  `json:"rescheduled"`
}
