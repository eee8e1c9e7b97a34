package notifier

import "time"

// Config controls outbound delivery.
type Config struct {
	// RatePerSec caps outbound sends across all contacts. 0 uses the default.
	RatePerSec int
	Burst      int

	// RetryMax is the number of extra attempts after a failed send.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	SendTimeout time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerSec
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Contact string    `json:"contact"`
	Text    string    `json:"text"`
	Err     string    `json:"err,omitempty"`
}
