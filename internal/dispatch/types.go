package dispatch

import "time"

// Config tunes delivery behavior. Zero values take the defaults below.
type Config struct {
	// MaxInFlight bounds concurrent deliveries for one fired event.
	MaxInFlight int
	// RatePerSec is the shared token-bucket rate for outbound sends.
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// SendTimeout bounds each delivery call.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// HistoryItem is one delivery outcome kept for operational visibility.
type HistoryItem struct {
	At      time.Time
	Event   string
	GuildID string
	OK      bool
	Error   string
}
