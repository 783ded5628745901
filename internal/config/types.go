package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Events selects the recurring game-clock kinds the service keeps
	// scheduled. If omitted, every recurring kind is scheduled.
	Events *EventsConfig `json:"events,omitempty"`

	Dispatcher   *DispatcherConfig   `json:"dispatcher,omitempty"`
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type EventsConfig struct {
	Enabled []string `json:"enabled"`
}

// DispatcherConfig controls notification fan-out.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_in_flight: 4
//   - rate_per_sec: 5
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - send_timeout: "10s"
type DispatcherConfig struct {
	MaxInFlight   int    `json:"max_in_flight,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// HousekeepingConfig controls periodic store maintenance.
//
// Schedule is a cron expression (standard 5-field form). FaultRetention is a
// Go duration string bounding how long dispatch faults are kept.
type HousekeepingConfig struct {
	Enabled        bool   `json:"enabled"`
	Schedule       string `json:"schedule,omitempty"`        // default: "17 4 * * *"
	FaultRetention string `json:"fault_retention,omitempty"` // default: "720h"
}
