package reconcilefollowups

import "time"

type Config struct {
	Timeout     time.Duration
	OrphanAfter time.Duration
	BatchSize   int
}

func LoadConfig() *Config {
	return &Config{
		Timeout:     2 * time.Minute,
		OrphanAfter: 6 * time.Hour,
		BatchSize:   100,
	}
}
